package substack

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// SubstackPublisher posts submissions as Substack drafts using a browser
// session cookie, optionally publishing them right away.
type SubstackPublisher struct {
	name        string
	logger      *zap.Logger
	client      *http.Client
	domain      string
	baseURL     string
	cookie      string
	autoPublish bool

	mu     sync.RWMutex
	handle string
}

type Config struct {
	Domain      string
	Cookie      string
	BaseURL     string
	AutoPublish bool
}

type SubstackCreateDraftRequest struct {
	DraftTitle    string           `json:"draft_title"`
	DraftSubtitle string           `json:"draft_subtitle"`
	DraftBody     string           `json:"draft_body"`
	SectionChosen bool             `json:"section_chosen"`
	DraftBylines  []SubstackByline `json:"draft_bylines"`
	Audience      string           `json:"audience"`
}

type SubstackUpdateDraftRequest struct {
	DraftTitle    string `json:"draft_title"`
	DraftSubtitle string `json:"draft_subtitle"`
	DraftBody     string `json:"draft_body"`
}

type SubstackByline struct {
	ID      int  `json:"id"`
	IsGuest bool `json:"is_guest"`
}

type SubstackImageUploadRequest struct {
	Image  string `json:"image"`
	PostID int    `json:"postId"`
}

type SubstackImageUploadResponse struct {
	ID          int    `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Bytes       int    `json:"bytes"`
	ImageWidth  int    `json:"imageWidth"`
	ImageHeight int    `json:"imageHeight"`
}

type SubstackDraftResponse struct {
	ID          int    `json:"id"`
	UUID        string `json:"uuid"`
	DraftTitle  string `json:"draft_title"`
	Slug        string `json:"slug"`
	IsPublished bool   `json:"is_published"`
}

type substackProfile struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.status, e.body)
}

func ValidateOptions(options map[string]string) error {
	for _, key := range []string{"domain", "cookie"} {
		if options[key] == "" {
			return fmt.Errorf("missing required option: %s", key)
		}
	}
	return nil
}

func NewSubstackPublisher(name string, cfg Config, logger *zap.Logger) *SubstackPublisher {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://" + cfg.Domain
	}
	return &SubstackPublisher{
		name:        name,
		logger:      logger.With(zap.String("destination", name)),
		client:      &http.Client{Timeout: 60 * time.Second},
		domain:      cfg.Domain,
		baseURL:     strings.TrimRight(baseURL, "/"),
		cookie:      cfg.Cookie,
		autoPublish: cfg.AutoPublish,
	}
}

func (p *SubstackPublisher) Name() string {
	return p.name
}

func (p *SubstackPublisher) Status(ctx context.Context) publisher.LoginStatus {
	var profile substackProfile
	err := p.do(ctx, http.MethodGet, "/api/v1/user/profile/self", nil, &profile)
	if err == nil {
		p.mu.Lock()
		p.handle = profile.Handle
		if p.handle == "" {
			p.handle = profile.Name
		}
		p.mu.Unlock()
		return publisher.LoggedIn
	}

	if apiErr, ok := err.(*apiError); ok && apiErr.status < 500 {
		return publisher.LoggedOut
	}
	p.logger.Debug("Substack status probe failed", zap.Error(err))
	return publisher.Offline
}

func (p *SubstackPublisher) User(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.handle == "" {
		return "", fmt.Errorf("substack user unknown")
	}
	return p.handle, nil
}

// Refresh is a no-op: the session lives in the configured cookie.
func (p *SubstackPublisher) Refresh(ctx context.Context) error {
	return nil
}

func (p *SubstackPublisher) Post(ctx context.Context, payload publisher.Payload) (*publisher.Response, error) {
	body, err := buildBody(payload.Description, nil, nil)
	if err != nil {
		return nil, &publisher.PostError{Err: err}
	}

	var draft SubstackDraftResponse
	err = p.do(ctx, http.MethodPost, "/api/v1/drafts", SubstackCreateDraftRequest{
		DraftTitle:   payload.Title,
		DraftBody:    body,
		DraftBylines: []SubstackByline{},
		Audience:     "everyone",
	}, &draft)
	if err != nil {
		return nil, p.postError("failed to create Substack draft", err)
	}

	var images []uploadedImage
	for _, f := range payload.Files {
		if !strings.HasPrefix(f.MIME, "image/") {
			continue
		}
		img, err := p.uploadImage(ctx, f, draft.ID)
		if err != nil {
			return nil, p.postError(fmt.Sprintf("failed to upload %s", f.Name), err)
		}
		images = append(images, img)
	}

	body, err = buildBody(payload.Description, payload.Tags, images)
	if err != nil {
		return nil, &publisher.PostError{Err: err}
	}
	err = p.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/drafts/%d", draft.ID), SubstackUpdateDraftRequest{
		DraftTitle: payload.Title,
		DraftBody:  body,
	}, nil)
	if err != nil {
		return nil, p.postError("failed to update Substack draft", err)
	}

	resp := &publisher.Response{
		PostID:   fmt.Sprintf("%d", draft.ID),
		Message:  "draft saved",
		PostedAt: time.Now(),
		Metadata: map[string]string{"uuid": draft.UUID},
	}

	if !p.autoPublish {
		resp.URL = fmt.Sprintf("%s/publish/post/%d", p.baseURL, draft.ID)
		return resp, nil
	}

	var published SubstackDraftResponse
	err = p.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/drafts/%d/publish", draft.ID), map[string]bool{
		"send":                false,
		"share_automatically": false,
	}, &published)
	if err != nil {
		return nil, p.postError("failed to publish Substack draft", err)
	}

	resp.Message = "published"
	if published.Slug != "" {
		resp.URL = fmt.Sprintf("%s/p/%s", p.baseURL, published.Slug)
	}
	return resp, nil
}

func (p *SubstackPublisher) uploadImage(ctx context.Context, f publisher.File, postID int) (uploadedImage, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", f.MIME, base64.StdEncoding.EncodeToString(f.Data))

	var uploaded SubstackImageUploadResponse
	if err := p.do(ctx, http.MethodPost, "/api/v1/image", SubstackImageUploadRequest{
		Image:  dataURL,
		PostID: postID,
	}, &uploaded); err != nil {
		return uploadedImage{}, err
	}

	return uploadedImage{
		URL:    uploaded.URL,
		Width:  uploaded.ImageWidth,
		Height: uploaded.ImageHeight,
		Bytes:  uploaded.Bytes,
		Type:   uploaded.ContentType,
	}, nil
}

// postError flags auth and validation failures for the user; transient
// server errors are only recorded.
func (p *SubstackPublisher) postError(msg string, err error) error {
	notify := true
	if apiErr, ok := err.(*apiError); ok && apiErr.status >= 500 {
		notify = false
	}
	return &publisher.PostError{Err: err, Notify: notify, Message: msg}
}

func (p *SubstackPublisher) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	p.setBrowserHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Debug("Substack API error",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_body", string(respBody)))
		return &apiError{status: resp.StatusCode, body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (p *SubstackPublisher) setBrowserHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", p.cookie)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", p.baseURL)
	req.Header.Set("Referer", p.baseURL+"/publish/post")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
}
