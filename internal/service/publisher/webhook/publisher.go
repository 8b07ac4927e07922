package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// WebhookPublisher posts submissions as JSON to an HTTP endpoint. The
// status endpoint doubles as the login probe and reports the account name.
type WebhookPublisher struct {
	name       string
	logger     *zap.Logger
	client     *http.Client
	url        string
	statusURL  string
	refreshURL string
	token      string

	mu       sync.RWMutex
	username string
}

type Config struct {
	URL        string
	StatusURL  string
	RefreshURL string
	Token      string
	Timeout    time.Duration
}

type postRequest struct {
	SubmissionID string            `json:"submission_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Tags         []string          `json:"tags"`
	Files        []postFile        `json:"files"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type postFile struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data string `json:"data"`
}

type postResponse struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Message string `json:"message"`
}

type statusResponse struct {
	Username string `json:"username"`
}

func ValidateOptions(options map[string]string) error {
	if options["url"] == "" {
		return fmt.Errorf("missing required option: url")
	}
	return nil
}

func NewWebhookPublisher(name string, cfg Config, logger *zap.Logger) *WebhookPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.StatusURL == "" {
		cfg.StatusURL = cfg.URL
	}
	return &WebhookPublisher{
		name:       name,
		logger:     logger.With(zap.String("destination", name)),
		client:     &http.Client{Timeout: cfg.Timeout},
		url:        cfg.URL,
		statusURL:  cfg.StatusURL,
		refreshURL: cfg.RefreshURL,
		token:      cfg.Token,
	}
}

func (p *WebhookPublisher) Name() string {
	return p.name
}

func (p *WebhookPublisher) Status(ctx context.Context) publisher.LoginStatus {
	req, err := p.newRequest(ctx, http.MethodGet, p.statusURL, nil)
	if err != nil {
		return publisher.LoggedOut
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Status probe failed", zap.Error(err))
		return publisher.Offline
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		p.setUsername("")
		return publisher.LoggedOut
	case resp.StatusCode >= 500:
		return publisher.Offline
	case resp.StatusCode >= 300:
		return publisher.LoggedOut
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err == nil {
		p.setUsername(status.Username)
	}
	return publisher.LoggedIn
}

func (p *WebhookPublisher) User(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.username == "" {
		return "", fmt.Errorf("username unknown for %s", p.name)
	}
	return p.username, nil
}

func (p *WebhookPublisher) Refresh(ctx context.Context) error {
	if p.refreshURL == "" {
		return nil
	}
	req, err := p.newRequest(ctx, http.MethodPost, p.refreshURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("refresh returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) Post(ctx context.Context, payload publisher.Payload) (*publisher.Response, error) {
	body := postRequest{
		SubmissionID: payload.SubmissionID,
		Title:        payload.Title,
		Description:  payload.Description,
		Tags:         payload.Tags,
		Metadata:     payload.Metadata,
	}
	for _, f := range payload.Files {
		body.Files = append(body.Files, postFile{
			Name: f.Name,
			MIME: f.MIME,
			Data: base64.StdEncoding.EncodeToString(f.Data),
		})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, &publisher.PostError{Err: err, Message: "failed to marshal post request"}
	}

	req, err := p.newRequest(ctx, http.MethodPost, p.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &publisher.PostError{Err: err, Message: "failed to create request"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &publisher.PostError{Err: err, Message: "failed to send request"}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &publisher.PostError{Err: err, Message: "failed to read response"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("Webhook rejected post",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_body", string(respBody)))
		// 4xx means the user has to fix something (credentials, content);
		// 5xx is the remote's problem and only gets recorded.
		return nil, &publisher.PostError{
			Err:     fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody)),
			Notify:  resp.StatusCode < 500,
			Message: fmt.Sprintf("%s rejected the post", p.name),
		}
	}

	var parsed postResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			p.logger.Debug("Non-JSON webhook response", zap.Error(err))
		}
	}

	return &publisher.Response{
		PostID:   parsed.ID,
		URL:      parsed.URL,
		Message:  parsed.Message,
		PostedAt: time.Now(),
	}, nil
}

func (p *WebhookPublisher) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (p *WebhookPublisher) setUsername(name string) {
	p.mu.Lock()
	p.username = name
	p.mu.Unlock()
}
