package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	model "github.com/zhouzirui/botline/internal/model/directline"
	"github.com/zhouzirui/botline/internal/pkg/logger"
)

// DefaultBaseURL is the public Direct Line v3 endpoint.
const DefaultBaseURL = "https://directline.botframework.com/v3/directline"

const maxErrorBody = 4 << 10

// Client talks to the Direct Line v3 REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a transport client. A nil httpClient gets a 20s timeout.
func NewClient(baseURL string, httpClient *http.Client, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.OrNop(log).Named("directline"),
	}
}

// GenerateToken exchanges the long-lived secret for a conversation-scoped token.
func (c *Client) GenerateToken(ctx context.Context, secret string, req *model.TokenRequest) (model.TokenResponse, error) {
	var body any
	if req != nil && req.User != nil {
		body = req
	} else {
		body = struct{}{}
	}

	var resp model.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/tokens/generate", secret, body, &resp); err != nil {
		return model.TokenResponse{}, fmt.Errorf("generate token: %w", err)
	}
	return resp, nil
}

// RefreshToken extends the lifetime of a token that has not yet expired.
func (c *Client) RefreshToken(ctx context.Context, token string) (model.TokenResponse, error) {
	var resp model.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/tokens/refresh", token, nil, &resp); err != nil {
		return model.TokenResponse{}, fmt.Errorf("refresh token: %w", err)
	}
	return resp, nil
}

// StartConversation opens the conversation bound to token.
func (c *Client) StartConversation(ctx context.Context, token string) (model.TokenResponse, error) {
	var resp model.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/conversations", token, nil, &resp); err != nil {
		return model.TokenResponse{}, fmt.Errorf("start conversation: %w", err)
	}
	if resp.ConversationID == "" {
		return model.TokenResponse{}, fmt.Errorf("start conversation: response carried no conversationId")
	}
	return resp, nil
}

// GetActivities fetches activities newer than the session watermark, or all
// activities when the watermark is empty.
func (c *Client) GetActivities(ctx context.Context, session model.Session) (model.ActivitySet, error) {
	if !session.Valid() {
		return model.ActivitySet{}, ErrNoSession
	}

	path := "/conversations/" + url.PathEscape(session.ConversationID) + "/activities"
	if session.Watermark != "" {
		path += "?watermark=" + url.QueryEscape(session.Watermark)
	}

	var set model.ActivitySet
	if err := c.do(ctx, http.MethodGet, path, session.Token, nil, &set); err != nil {
		return model.ActivitySet{}, fmt.Errorf("get activities: %w", err)
	}
	return set, nil
}

// PostActivity sends one activity to the conversation.
func (c *Client) PostActivity(ctx context.Context, session model.Session, activity model.Activity) (model.ResourceResponse, error) {
	if !session.Valid() {
		return model.ResourceResponse{}, ErrNoSession
	}

	path := "/conversations/" + url.PathEscape(session.ConversationID) + "/activities"

	var resp model.ResourceResponse
	if err := c.do(ctx, http.MethodPost, path, session.Token, activity, &resp); err != nil {
		return model.ResourceResponse{}, fmt.Errorf("post activity: %w", err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("unexpected status",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
