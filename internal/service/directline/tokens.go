package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	model "github.com/zhouzirui/botline/internal/model/directline"
)

// TokenSource hands out short-lived Direct Line tokens. Chat surfaces only
// ever see a TokenSource, never the secret behind it.
type TokenSource interface {
	Token(ctx context.Context, user *model.ChannelAccount) (model.TokenResponse, error)
}

// SecretTokenSource mints tokens with the long-lived secret. It must only run
// inside the backend process.
type SecretTokenSource struct {
	client *Client
	secret string
}

// NewSecretTokenSource creates the upstream token provider.
func NewSecretTokenSource(client *Client, secret string) *SecretTokenSource {
	return &SecretTokenSource{client: client, secret: secret}
}

// Token calls tokens/generate.
func (s *SecretTokenSource) Token(ctx context.Context, user *model.ChannelAccount) (model.TokenResponse, error) {
	var req *model.TokenRequest
	if user != nil && user.ID != "" {
		req = &model.TokenRequest{User: user}
	}
	return s.client.GenerateToken(ctx, s.secret, req)
}

// BackendTokenSource fetches tokens from the backend token endpoint.
type BackendTokenSource struct {
	endpoint string
	http     *http.Client
}

// NewBackendTokenSource creates a token source for POST {endpoint}.
func NewBackendTokenSource(endpoint string, httpClient *http.Client) *BackendTokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &BackendTokenSource{endpoint: endpoint, http: httpClient}
}

// Token posts to the backend and preserves its status code on failure.
func (s *BackendTokenSource) Token(ctx context.Context, user *model.ChannelAccount) (model.TokenResponse, error) {
	var body io.Reader
	if user != nil && user.ID != "" {
		payload, err := json.Marshal(model.TokenRequest{User: user})
		if err != nil {
			return model.TokenResponse{}, fmt.Errorf("encode token request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return model.TokenResponse{}, fmt.Errorf("build token request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return model.TokenResponse{}, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return model.TokenResponse{}, fmt.Errorf("fetch token: %w", &StatusError{StatusCode: resp.StatusCode, Body: msg})
	}

	var issued model.IssuedToken
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		return model.TokenResponse{}, fmt.Errorf("decode token: %w", err)
	}
	if issued.Token == "" {
		return model.TokenResponse{}, fmt.Errorf("fetch token: backend returned an empty token")
	}

	return model.TokenResponse{
		Token:          issued.Token,
		ConversationID: issued.ConversationID,
		ExpiresIn:      issued.ExpiresIn,
	}, nil
}

// TokenExpiry returns when token stops being valid. JWT tokens are read for
// their exp claim without verifying the signature; otherwise expiresIn (seconds)
// is used. The zero time means unknown.
func TokenExpiry(token string, expiresIn int, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}

// NewSession builds a fresh session with an empty watermark.
func NewSession(resp model.TokenResponse, now time.Time) model.Session {
	return model.Session{
		ConversationID: resp.ConversationID,
		Token:          resp.Token,
		ExpiresAt:      TokenExpiry(resp.Token, resp.ExpiresIn, now),
		StreamURL:      resp.StreamURL,
	}
}
