package directline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	model "github.com/zhouzirui/botline/internal/model/directline"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", srv.Client(), zaptest.NewLogger(t))
}

func TestGenerateTokenSendsSecret(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tokens/generate", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req model.TokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.User)
		assert.Equal(t, "user-1", req.User.ID)

		_ = json.NewEncoder(w).Encode(model.TokenResponse{ConversationID: "conv", Token: "tok", ExpiresIn: 1800})
	})

	resp, err := client.GenerateToken(context.Background(), "secret", &model.TokenRequest{User: &model.ChannelAccount{ID: "user-1"}})
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, 1800, resp.ExpiresIn)
}

func TestGenerateTokenUpstreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	_, err := client.GenerateToken(context.Background(), "bad", nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, "forbidden", statusErr.Body)
	assert.True(t, statusErr.IsAuthFailure())
	assert.True(t, IsInvalidSession(err))
}

func TestStartConversationRequiresID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"tok"}`))
	})

	_, err := client.StartConversation(context.Background(), "tok")
	assert.ErrorContains(t, err, "no conversationId")
}

func TestGetActivitiesWatermark(t *testing.T) {
	var queries []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/conv/activities", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		queries = append(queries, r.URL.RawQuery)
		_ = json.NewEncoder(w).Encode(model.ActivitySet{
			Activities: []model.Activity{{ID: "conv|1", Type: "message", Text: "hi"}},
			Watermark:  "1",
		})
	})

	session := model.Session{ConversationID: "conv", Token: "tok"}
	set, err := client.GetActivities(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "1", set.Watermark)
	require.Len(t, set.Activities, 1)

	session.Watermark = "1"
	_, err = client.GetActivities(context.Background(), session)
	require.NoError(t, err)

	assert.Equal(t, []string{"", "watermark=1"}, queries)
}

func TestGetActivitiesWithoutSession(t *testing.T) {
	client := NewClient("", nil, nil)

	_, err := client.GetActivities(context.Background(), model.Session{})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.True(t, IsInvalidSession(err))
}

func TestPostActivity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var activity model.Activity
		require.NoError(t, json.NewDecoder(r.Body).Decode(&activity))
		assert.Equal(t, "message", activity.Type)
		assert.Equal(t, "user-1", activity.From.ID)
		assert.Equal(t, "hello", activity.Text)
		_ = json.NewEncoder(w).Encode(model.ResourceResponse{ID: "conv|2"})
	})

	resp, err := client.PostActivity(context.Background(), model.Session{ConversationID: "conv", Token: "tok"}, model.Activity{
		Type: "message",
		From: model.ChannelAccount{ID: "user-1"},
		Text: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "conv|2", resp.ID)
}

func TestPostActivityNotFoundIsInvalidSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.PostActivity(context.Background(), model.Session{ConversationID: "gone", Token: "tok"}, model.Activity{Type: "message"})
	assert.True(t, IsInvalidSession(err))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestServerErrorIsNotInvalidSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetActivities(context.Background(), model.Session{ConversationID: "conv", Token: "tok"})
	require.Error(t, err)
	assert.False(t, IsInvalidSession(err))
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
}
