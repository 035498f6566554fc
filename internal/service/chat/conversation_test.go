package chat

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/botline/internal/model/chat"
	model "github.com/zhouzirui/botline/internal/model/directline"
	"github.com/zhouzirui/botline/internal/service/directline"
)

const testUserID = "user-test"

type fakeTransport struct {
	mu sync.Mutex

	startErr   error
	postErr    error
	refreshErr error
	// pollErrs are returned by successive polls before the feed is served.
	pollErrs []error
	// replay ignores the watermark and serves the whole feed every time.
	replay bool
	// watermark overrides the watermark returned with the next poll.
	watermark string
	// stall blocks polls until it is closed or the request is cancelled.
	// stalled receives a signal each time a poll starts blocking.
	stall   chan struct{}
	stalled chan struct{}

	feed      []model.Activity
	posted    []model.Activity
	polls     int
	refreshes int
}

func (f *fakeTransport) StartConversation(_ context.Context, token string) (model.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return model.TokenResponse{}, f.startErr
	}
	return model.TokenResponse{ConversationID: "conv-1", Token: token, ExpiresIn: 1800}, nil
}

func (f *fakeTransport) RefreshToken(_ context.Context, token string) (model.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return model.TokenResponse{}, f.refreshErr
	}
	return model.TokenResponse{ConversationID: "conv-1", Token: token + "-refreshed", ExpiresIn: 1800}, nil
}

func (f *fakeTransport) GetActivities(ctx context.Context, session model.Session) (model.ActivitySet, error) {
	f.mu.Lock()
	stall, stalled := f.stall, f.stalled
	f.mu.Unlock()
	if stall != nil {
		select {
		case stalled <- struct{}{}:
		default:
		}
		select {
		case <-stall:
		case <-ctx.Done():
			return model.ActivitySet{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++

	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		if err != nil {
			return model.ActivitySet{}, err
		}
	}

	from := 0
	if !f.replay && session.Watermark != "" {
		from, _ = strconv.Atoi(session.Watermark)
	}
	if from > len(f.feed) {
		from = len(f.feed)
	}
	watermark := strconv.Itoa(len(f.feed))
	if f.watermark != "" {
		watermark, f.watermark = f.watermark, ""
	}
	return model.ActivitySet{
		Activities: append([]model.Activity(nil), f.feed[from:]...),
		Watermark:  watermark,
	}, nil
}

func (f *fakeTransport) PostActivity(_ context.Context, _ model.Session, activity model.Activity) (model.ResourceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return model.ResourceResponse{}, f.postErr
	}
	activity.ID = "act-" + strconv.Itoa(len(f.feed))
	f.posted = append(f.posted, activity)
	f.feed = append(f.feed, activity)
	return model.ResourceResponse{ID: activity.ID}, nil
}

func (f *fakeTransport) push(activities ...model.Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, activity := range activities {
		if activity.ID == "" {
			activity.ID = "act-" + strconv.Itoa(len(f.feed))
		}
		f.feed = append(f.feed, activity)
	}
}

func (f *fakeTransport) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type staticTokens struct {
	resp model.TokenResponse
	err  error
}

func (s staticTokens) Token(context.Context, *model.ChannelAccount) (model.TokenResponse, error) {
	return s.resp, s.err
}

func botSays(text string) model.Activity {
	return model.Activity{Type: model.ActivityTypeMessage, From: model.ChannelAccount{ID: "bot"}, Text: text}
}

func newTestConversation(t *testing.T, transport *fakeTransport, mutate func(*Options)) *Conversation {
	t.Helper()
	opts := Options{User: model.ChannelAccount{ID: testUserID, Name: "User"}}
	if mutate != nil {
		mutate(&opts)
	}
	conv := NewConversation(transport, staticTokens{resp: model.TokenResponse{Token: "tok", ExpiresIn: 1800}}, opts)
	t.Cleanup(conv.Close)
	return conv
}

func connected(t *testing.T, transport *fakeTransport, mutate func(*Options)) *Conversation {
	t.Helper()
	conv := newTestConversation(t, transport, mutate)
	_, err := conv.Connect(context.Background())
	require.NoError(t, err)
	return conv
}

func texts(entries []chat.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, string(entry.Sender)+":"+entry.Text)
	}
	return out
}

func TestConnectStartsFreshSession(t *testing.T) {
	conv := connected(t, &fakeTransport{}, nil)

	session := conv.Session()
	assert.Equal(t, chat.StateConnected, conv.State())
	assert.Equal(t, "conv-1", session.ConversationID)
	assert.Equal(t, "tok", session.Token)
	assert.Empty(t, session.Watermark)
	assert.False(t, session.ExpiresAt.IsZero())
	assert.Empty(t, conv.Log().Entries())
}

func TestConnectFailureAppendsSingleNotice(t *testing.T) {
	transport := &fakeTransport{startErr: &directline.StatusError{StatusCode: http.StatusBadGateway}}
	conv := newTestConversation(t, transport, nil)

	_, err := conv.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailure)

	assert.Equal(t, chat.StateDisconnected, conv.State())
	assert.Equal(t, []string{"system:Connection failed: 502 Bad Gateway"}, texts(conv.Log().Entries()))
	assert.False(t, conv.Session().Valid())
}

func TestConnectTokenFailure(t *testing.T) {
	conv := NewConversation(&fakeTransport{}, staticTokens{err: &directline.StatusError{StatusCode: http.StatusTooManyRequests}}, Options{User: model.ChannelAccount{ID: testUserID}})
	t.Cleanup(conv.Close)

	_, err := conv.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailure)
	assert.Equal(t, 429, directline.StatusCode(err))
	assert.Len(t, conv.Log().Entries(), 1)
}

func TestConnectTwiceRejected(t *testing.T) {
	conv := connected(t, &fakeTransport{}, nil)

	_, err := conv.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectNotice(t *testing.T) {
	conv := connected(t, &fakeTransport{}, func(o *Options) { o.ConnectNotice = true })

	assert.Equal(t, []string{"system:Connected to bot! You can now start chatting."}, texts(conv.Log().Entries()))
}

func TestSyncSuppressesEchoAndNonMessages(t *testing.T) {
	transport := &fakeTransport{}
	transport.push(
		model.Activity{Type: "conversationUpdate", From: model.ChannelAccount{ID: "bot"}},
		model.Activity{Type: model.ActivityTypeMessage, From: model.ChannelAccount{ID: testUserID}, Text: "mine"},
		botSays("hello there"),
		model.Activity{Type: "typing", From: model.ChannelAccount{ID: "bot"}},
	)
	conv := connected(t, transport, nil)

	activities, watermark, err := conv.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, activities, 3)
	assert.Equal(t, "4", watermark)
	for _, activity := range activities {
		assert.NotEqual(t, testUserID, activity.From.ID)
	}

	n, err := conv.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"bot:hello there"}, texts(conv.Log().Entries()))
	assert.Equal(t, "4", conv.Session().Watermark)
}

func TestSyncTransientFailureKeepsStateAndDoesNotDuplicate(t *testing.T) {
	transport := &fakeTransport{}
	transport.push(botSays("one"), botSays("two"))
	conv := connected(t, transport, nil)
	ctx := context.Background()

	_, err := conv.Sync(ctx)
	require.NoError(t, err)

	transport.push(botSays("three"))
	transport.mu.Lock()
	transport.pollErrs = []error{&directline.StatusError{StatusCode: http.StatusInternalServerError}}
	transport.mu.Unlock()

	_, err = conv.Sync(ctx)
	require.ErrorIs(t, err, ErrPollFailure)
	assert.Equal(t, chat.StateConnected, conv.State())
	assert.Equal(t, "2", conv.Session().Watermark)

	_, err = conv.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bot:one", "bot:two", "bot:three"}, texts(conv.Log().Entries()))
}

func TestSyncDeduplicatesReplayedActivities(t *testing.T) {
	transport := &fakeTransport{replay: true}
	transport.push(botSays("only once"))
	conv := connected(t, transport, nil)

	for i := 0; i < 3; i++ {
		_, err := conv.Sync(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"bot:only once"}, texts(conv.Log().Entries()))
}

func TestSyncWatermarkNeverMovesBackwards(t *testing.T) {
	transport := &fakeTransport{}
	transport.push(botSays("a"), botSays("b"), botSays("c"))
	conv := connected(t, transport, nil)
	ctx := context.Background()

	_, err := conv.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, "3", conv.Session().Watermark)

	transport.mu.Lock()
	transport.watermark = "1"
	transport.mu.Unlock()

	_, err = conv.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", conv.Session().Watermark)
}

func TestSyncInvalidSessionDisconnects(t *testing.T) {
	transport := &fakeTransport{pollErrs: []error{&directline.StatusError{StatusCode: http.StatusForbidden}}}
	conv := connected(t, transport, nil)

	_, err := conv.Sync(context.Background())
	require.ErrorIs(t, err, ErrInvalidSession)

	assert.Equal(t, chat.StateDisconnected, conv.State())
	assert.False(t, conv.Session().Valid())
	assert.Equal(t, []string{"system:Session expired. Reconnect to continue."}, texts(conv.Log().Entries()))

	// A later connect resumes normally.
	_, err = conv.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chat.StateConnected, conv.State())
}

func TestPollWithoutSession(t *testing.T) {
	conv := newTestConversation(t, &fakeTransport{}, nil)

	_, _, err := conv.Poll(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.ErrorIs(t, err, directline.ErrNoSession)
}

func TestSendWhileDisconnected(t *testing.T) {
	transport := &fakeTransport{}
	conv := newTestConversation(t, transport, nil)

	_, err := conv.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNotConnected)

	assert.Empty(t, transport.posted)
	assert.Equal(t, []string{"system:Not connected to the bot. Reconnect and try again."}, texts(conv.Log().Entries()))
}

func TestSendEmptyMessage(t *testing.T) {
	conv := connected(t, &fakeTransport{}, nil)

	_, err := conv.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, conv.Log().Entries())
}

func TestSendAppendsUserEntryOnceAndIgnoresEcho(t *testing.T) {
	transport := &fakeTransport{}
	conv := connected(t, transport, nil)
	ctx := context.Background()

	activity, err := conv.Send(ctx, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, activity.ID)

	require.Len(t, transport.posted, 1)
	assert.Equal(t, model.ActivityTypeMessage, transport.posted[0].Type)
	assert.Equal(t, testUserID, transport.posted[0].From.ID)
	assert.Equal(t, "hello", transport.posted[0].Text)

	transport.push(botSays("You said: hello"))
	_, err = conv.Sync(ctx)
	require.NoError(t, err)

	entries := conv.Log().Entries()
	assert.Equal(t, []string{"user:hello", "bot:You said: hello"}, texts(entries))
	assert.Equal(t, activity.ID, entries[0].ActivityID)
}

func TestSendFailureAppendsNotice(t *testing.T) {
	transport := &fakeTransport{postErr: &directline.StatusError{StatusCode: http.StatusInternalServerError}}
	conv := connected(t, transport, nil)

	_, err := conv.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrSendFailure)

	assert.Equal(t, chat.StateConnected, conv.State())
	assert.Equal(t, []string{"system:Failed to send message: 500 Internal Server Error"}, texts(conv.Log().Entries()))
}

func TestResetThenConnectStartsEmpty(t *testing.T) {
	transport := &fakeTransport{}
	transport.push(botSays("before reset"))
	conv := connected(t, transport, nil)
	ctx := context.Background()

	_, err := conv.Sync(ctx)
	require.NoError(t, err)
	_, err = conv.Send(ctx, "hi")
	require.NoError(t, err)
	require.Len(t, conv.Log().Entries(), 2)

	conv.Reset()
	assert.Equal(t, chat.StateDisconnected, conv.State())
	assert.Empty(t, conv.Log().Entries())
	assert.False(t, conv.Session().Valid())

	_, err = conv.Connect(ctx)
	require.NoError(t, err)
	assert.Empty(t, conv.Log().Entries())
	assert.Empty(t, conv.Session().Watermark)
}

func TestResetStopsPoller(t *testing.T) {
	transport := &fakeTransport{}
	conv := connected(t, transport, func(o *Options) { o.PollInterval = 5 * time.Millisecond })

	require.Eventually(t, func() bool { return transport.pollCount() >= 2 }, time.Second, 5*time.Millisecond)

	conv.Reset()
	after := transport.pollCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, transport.pollCount())
}

func TestPollerDeliversBotMessages(t *testing.T) {
	transport := &fakeTransport{}
	conv := connected(t, transport, func(o *Options) { o.PollInterval = 5 * time.Millisecond })

	transport.push(botSays("async reply"))
	require.Eventually(t, func() bool { return conv.Log().Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"bot:async reply"}, texts(conv.Log().Entries()))
}

func TestPollerTransientErrorsAreNotSurfaced(t *testing.T) {
	transport := &fakeTransport{pollErrs: []error{
		&directline.StatusError{StatusCode: http.StatusBadGateway},
		&directline.StatusError{StatusCode: http.StatusBadGateway},
	}}
	transport.push(botSays("eventually"))
	conv := connected(t, transport, func(o *Options) { o.PollInterval = 5 * time.Millisecond })

	require.Eventually(t, func() bool { return conv.Log().Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, chat.StateConnected, conv.State())
	assert.Equal(t, []string{"bot:eventually"}, texts(conv.Log().Entries()))
}

func TestRefreshWhenTokenNearExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{}
	conv := NewConversation(transport, staticTokens{resp: model.TokenResponse{Token: "tok", ExpiresIn: 1800}}, Options{
		User:          model.ChannelAccount{ID: testUserID},
		RefreshBefore: 5 * time.Minute,
		Now:           func() time.Time { return now },
	})
	t.Cleanup(conv.Close)

	_, err := conv.Connect(context.Background())
	require.NoError(t, err)
	gen := conv.generation

	conv.refreshIfDue(context.Background(), gen)
	assert.Zero(t, transport.refreshes)

	now = now.Add(26 * time.Minute)
	conv.refreshIfDue(context.Background(), gen)
	assert.Equal(t, 1, transport.refreshes)
	assert.Equal(t, "tok-refreshed", conv.Session().Token)
	assert.Equal(t, now.Add(30*time.Minute), conv.Session().ExpiresAt)
}

func TestRefreshRejectedInvalidatesSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{refreshErr: &directline.StatusError{StatusCode: http.StatusForbidden}}
	conv := NewConversation(transport, staticTokens{resp: model.TokenResponse{Token: "tok", ExpiresIn: 60}}, Options{
		User:          model.ChannelAccount{ID: testUserID},
		RefreshBefore: 5 * time.Minute,
		Now:           func() time.Time { return now },
	})
	t.Cleanup(conv.Close)

	_, err := conv.Connect(context.Background())
	require.NoError(t, err)

	conv.refreshIfDue(context.Background(), conv.generation)
	assert.Equal(t, chat.StateDisconnected, conv.State())
}

func TestCloseRefusesConnect(t *testing.T) {
	conv := newTestConversation(t, &fakeTransport{}, nil)
	conv.Close()

	_, err := conv.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = conv.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStateEventsArePublished(t *testing.T) {
	conv := newTestConversation(t, &fakeTransport{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := conv.Log().Subscribe(ctx)

	_, err := conv.Connect(context.Background())
	require.NoError(t, err)

	var states []chat.State
	for i := 0; i < 2; i++ {
		event := <-events
		require.Equal(t, chat.EventState, event.Type)
		states = append(states, event.State)
	}
	assert.Equal(t, []chat.State{chat.StateConnecting, chat.StateConnected}, states)
}

func TestAdvanceWatermark(t *testing.T) {
	cases := []struct {
		current, next, want string
	}{
		{"", "", ""},
		{"", "3", "3"},
		{"3", "", "3"},
		{"3", "5", "5"},
		{"5", "3", "5"},
		{"5", "5", "5"},
		{"abc", "def", "def"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, advanceWatermark(tc.current, tc.next), "advance(%q, %q)", tc.current, tc.next)
	}
}

func TestSendNotBlockedByInflightPoll(t *testing.T) {
	transport := &fakeTransport{
		stall:   make(chan struct{}),
		stalled: make(chan struct{}, 1),
	}
	conv := newTestConversation(t, transport, func(o *Options) {
		o.PollInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	_, err := conv.Connect(ctx)
	require.NoError(t, err)

	select {
	case <-transport.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never started")
	}

	sent := make(chan error, 1)
	go func() {
		_, err := conv.Send(ctx, "while polling")
		sent <- err
	}()

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send blocked behind the stuck poll")
	}

	entries := conv.Log().Entries()
	assert.Equal(t, "while polling", entries[len(entries)-1].Text)
	assert.Equal(t, chat.StateConnected, conv.State())

	// Reset cancels the stuck poll and returns.
	reset := make(chan struct{})
	go func() {
		conv.Reset()
		close(reset)
	}()
	select {
	case <-reset:
	case <-time.After(time.Second):
		t.Fatal("reset blocked behind the stuck poll")
	}
}
