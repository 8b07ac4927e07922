package substack

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SubstackDocument is the ProseMirror document Substack stores as draft_body.
type SubstackDocument struct {
	Type    string         `json:"type"`
	Content []SubstackNode `json:"content"`
}

type SubstackNode struct {
	Type    string                 `json:"type"`
	Content []SubstackNode         `json:"content,omitempty"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
	Text    string                 `json:"text,omitempty"`
}

// uploadedImage is an image already stored on Substack's CDN.
type uploadedImage struct {
	URL    string
	Width  int
	Height int
	Bytes  int
	Type   string
}

// buildBody renders the description as paragraphs followed by the images.
func buildBody(description string, tags []string, images []uploadedImage) (string, error) {
	doc := SubstackDocument{Type: "doc"}

	for _, block := range strings.Split(description, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		doc.Content = append(doc.Content, paragraph(block))
	}

	for _, img := range images {
		doc.Content = append(doc.Content, SubstackNode{
			Type: "captionedImage",
			Content: []SubstackNode{{
				Type: "image2",
				Attrs: map[string]interface{}{
					"src":    img.URL,
					"width":  img.Width,
					"height": img.Height,
					"bytes":  img.Bytes,
					"type":   img.Type,
				},
			}},
		})
	}

	if len(tags) > 0 {
		hashtags := make([]string, len(tags))
		for i, tag := range tags {
			hashtags[i] = "#" + strings.ReplaceAll(strings.TrimSpace(tag), " ", "")
		}
		doc.Content = append(doc.Content, paragraph(strings.Join(hashtags, " ")))
	}

	if len(doc.Content) == 0 {
		doc.Content = []SubstackNode{{Type: "paragraph"}}
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize Substack document: %w", err)
	}
	return string(jsonBytes), nil
}

func paragraph(text string) SubstackNode {
	return SubstackNode{
		Type:    "paragraph",
		Content: []SubstackNode{{Type: "text", Text: text}},
	}
}
