package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/botline/internal/model/chat"
	model "github.com/zhouzirui/botline/internal/model/directline"
	"github.com/zhouzirui/botline/internal/pkg/logger"
	"github.com/zhouzirui/botline/internal/service/directline"
)

var (
	ErrConnectionFailure = errors.New("connection failure")
	ErrPollFailure       = errors.New("poll failure")
	ErrSendFailure       = errors.New("send failure")
	ErrInvalidSession    = errors.New("invalid session")
	ErrNotConnected      = errors.New("not connected")
	ErrEmptyMessage      = errors.New("message text is empty")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrClosed            = errors.New("conversation closed")
)

const (
	connectedNotice    = "Connected to bot! You can now start chatting."
	notConnectedNotice = "Not connected to the bot. Reconnect and try again."
	expiredNotice      = "Session expired. Reconnect to continue."
)

// Transport is the part of the Direct Line client a Conversation needs.
type Transport interface {
	StartConversation(ctx context.Context, token string) (model.TokenResponse, error)
	RefreshToken(ctx context.Context, token string) (model.TokenResponse, error)
	GetActivities(ctx context.Context, session model.Session) (model.ActivitySet, error)
	PostActivity(ctx context.Context, session model.Session, activity model.Activity) (model.ResourceResponse, error)
}

// Options configures a Conversation.
type Options struct {
	// User is the local participant; activities from this id are never
	// surfaced by Poll.
	User model.ChannelAccount
	// PollInterval is the fixed polling cadence. A non-positive value disables
	// the background poller and callers drive Sync themselves.
	PollInterval time.Duration
	// RefreshBefore is how long before token expiry the poller refreshes it.
	RefreshBefore time.Duration
	// ConnectNotice appends a system entry after every successful connect.
	ConnectNotice bool
	Logger        *zap.Logger
	Now           func() time.Time
}

// Conversation keeps one widget's message log synchronized with the bot
// transport while the user posts messages.
type Conversation struct {
	transport Transport
	tokens    directline.TokenSource
	log       *MessageLog
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	state      chat.State
	session    model.Session
	generation uint64
	delivered  map[string]struct{}
	cancelPoll context.CancelFunc
	pollDone   chan struct{}
	closed     bool
}

// NewConversation creates a disconnected conversation.
func NewConversation(transport Transport, tokens directline.TokenSource, opts Options) *Conversation {
	if opts.User.ID == "" {
		opts.User.ID = "user-" + uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Conversation{
		transport: transport,
		tokens:    tokens,
		log:       NewMessageLog(),
		opts:      opts,
		logger:    logger.OrNop(opts.Logger).Named("conversation").With(zap.String("user_id", opts.User.ID)),
		state:     chat.StateDisconnected,
	}
}

// Log exposes the message log for rendering and subscriptions.
func (c *Conversation) Log() *MessageLog {
	return c.log
}

// User returns the local participant.
func (c *Conversation) User() model.ChannelAccount {
	return c.opts.User
}

// State returns the current connection state.
func (c *Conversation) State() chat.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session; the zero Session when
// disconnected.
func (c *Conversation) Session() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect obtains a token, starts the conversation and the poller. On failure
// one system entry is appended and the state returns to disconnected.
func (c *Conversation) Connect(ctx context.Context) (model.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.Session{}, ErrClosed
	}
	if c.state != chat.StateDisconnected {
		c.mu.Unlock()
		return model.Session{}, ErrAlreadyConnected
	}
	c.generation++
	gen := c.generation
	c.setStateLocked(chat.StateConnecting)
	c.mu.Unlock()

	session, err := c.open(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		// Reset or Close ran while the connect was in flight.
		return model.Session{}, fmt.Errorf("%w: connect superseded by reset", ErrConnectionFailure)
	}
	if err != nil {
		c.setStateLocked(chat.StateDisconnected)
		c.logger.Warn("connect failed", zap.Error(err))
		c.log.AppendSystem("Connection failed: " + describe(err))
		return model.Session{}, fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	c.session = session
	c.delivered = make(map[string]struct{})
	c.setStateLocked(chat.StateConnected)
	c.startPollerLocked(gen)

	c.logger.Info("conversation connected", zap.String("conversation_id", session.ConversationID))
	if c.opts.ConnectNotice {
		c.log.AppendSystem(connectedNotice)
	}
	return session, nil
}

func (c *Conversation) open(ctx context.Context) (model.Session, error) {
	if c.tokens == nil {
		return model.Session{}, errors.New("no token source configured")
	}

	user := c.opts.User
	issued, err := c.tokens.Token(ctx, &user)
	if err != nil {
		return model.Session{}, err
	}

	started, err := c.transport.StartConversation(ctx, issued.Token)
	if err != nil {
		return model.Session{}, err
	}
	if started.Token == "" {
		started.Token = issued.Token
	}
	if started.ExpiresIn == 0 {
		started.ExpiresIn = issued.ExpiresIn
	}
	return directline.NewSession(started, c.opts.Now()), nil
}

// Poll fetches activities newer than the session watermark and drops the ones
// sent by the local user. It never changes conversation state.
func (c *Conversation) Poll(ctx context.Context) ([]model.Activity, string, error) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	return c.poll(ctx, gen)
}

func (c *Conversation) poll(ctx context.Context, gen uint64) ([]model.Activity, string, error) {
	session, ok := c.connectedSession(gen)
	if !ok {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidSession, directline.ErrNoSession)
	}

	set, err := c.transport.GetActivities(ctx, session)
	if err != nil {
		if directline.IsInvalidSession(err) {
			return nil, "", fmt.Errorf("%w: %w", ErrInvalidSession, err)
		}
		return nil, "", fmt.Errorf("%w: %w", ErrPollFailure, err)
	}

	filtered := make([]model.Activity, 0, len(set.Activities))
	for _, activity := range set.Activities {
		if activity.From.ID == c.opts.User.ID {
			continue
		}
		filtered = append(filtered, activity)
	}

	return filtered, advanceWatermark(session.Watermark, set.Watermark), nil
}

// Sync runs one poll and merges its result into the message log. It returns
// the number of entries appended. Invalid sessions move the conversation to
// disconnected; other failures leave state untouched.
func (c *Conversation) Sync(ctx context.Context) (int, error) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	return c.sync(ctx, gen)
}

func (c *Conversation) sync(ctx context.Context, gen uint64) (int, error) {
	activities, watermark, err := c.poll(ctx, gen)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			c.invalidate(gen, err)
		}
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.state != chat.StateConnected {
		return 0, nil
	}

	c.session.Watermark = advanceWatermark(c.session.Watermark, watermark)

	appended := 0
	for _, activity := range activities {
		if activity.ID != "" {
			if _, seen := c.delivered[activity.ID]; seen {
				continue
			}
			c.delivered[activity.ID] = struct{}{}
		}
		if !activity.IsMessage() {
			continue
		}
		c.log.Append(chat.Entry{
			Sender:     chat.SenderBot,
			Text:       activity.Text,
			Timestamp:  activity.Timestamp,
			ActivityID: activity.ID,
		})
		appended++
	}
	return appended, nil
}

// Send posts a message activity. While disconnected it only appends a system
// notice; after a successful post exactly one user entry is appended.
func (c *Conversation) Send(ctx context.Context, text string) (model.Activity, error) {
	if strings.TrimSpace(text) == "" {
		return model.Activity{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.Activity{}, ErrClosed
	}
	if c.state != chat.StateConnected || !c.session.Valid() {
		c.log.AppendSystem(notConnectedNotice)
		c.mu.Unlock()
		return model.Activity{}, ErrNotConnected
	}
	session, gen := c.session, c.generation
	c.mu.Unlock()

	activity := model.Activity{
		Type:      model.ActivityTypeMessage,
		From:      c.opts.User,
		Text:      text,
		Timestamp: c.opts.Now().UTC(),
	}

	resp, err := c.transport.PostActivity(ctx, session, activity)

	c.mu.Lock()
	defer c.mu.Unlock()

	current := gen == c.generation
	if err != nil {
		c.logger.Warn("send failed", zap.Error(err))
		if current {
			c.log.AppendSystem("Failed to send message: " + describe(err))
			if directline.IsInvalidSession(err) {
				c.invalidateLocked()
			}
		}
		return model.Activity{}, fmt.Errorf("%w: %w", ErrSendFailure, err)
	}

	activity.ID = resp.ID
	if current {
		c.log.Append(chat.Entry{
			Sender:     chat.SenderUser,
			Text:       text,
			Timestamp:  activity.Timestamp,
			ActivityID: resp.ID,
		})
		if resp.ID != "" {
			c.delivered[resp.ID] = struct{}{}
		}
	}
	return activity, nil
}

// Reset stops the poller, discards the session and the message log. The
// conversation is disconnected afterwards; Connect resumes it.
func (c *Conversation) Reset() {
	c.mu.Lock()
	done := c.cancelPollerLocked()
	c.generation++
	c.session = model.Session{}
	c.delivered = nil
	c.log.Reset()
	c.setStateLocked(chat.StateDisconnected)
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Close resets the conversation and refuses further use.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Reset()
	c.log.Close()
}

func (c *Conversation) invalidate(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.state == chat.StateDisconnected {
		return
	}
	c.logger.Warn("session invalidated", zap.Error(cause))
	c.invalidateLocked()
}

// invalidateLocked drops a session the transport no longer accepts. Must be
// called with mu held.
func (c *Conversation) invalidateLocked() {
	c.cancelPollerLocked()
	c.generation++
	c.session = model.Session{}
	c.setStateLocked(chat.StateDisconnected)
	c.log.AppendSystem(expiredNotice)
}

func (c *Conversation) connectedSession(gen uint64) (model.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.state != chat.StateConnected || !c.session.Valid() {
		return model.Session{}, false
	}
	return c.session, true
}

func (c *Conversation) setStateLocked(state chat.State) {
	if c.state == state {
		return
	}
	c.state = state
	c.log.PublishState(state)
}

func (c *Conversation) startPollerLocked(gen uint64) {
	if c.opts.PollInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancelPoll = cancel
	c.pollDone = done
	go c.pollLoop(ctx, gen, done)
}

// cancelPollerLocked stops the poller and returns its done channel, which the
// caller may wait on after releasing mu.
func (c *Conversation) cancelPollerLocked() <-chan struct{} {
	if c.cancelPoll == nil {
		return nil
	}
	c.cancelPoll()
	done := c.pollDone
	c.cancelPoll = nil
	c.pollDone = nil
	return done
}

func (c *Conversation) pollLoop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.logger.Debug("poller started", zap.Duration("interval", c.opts.PollInterval))
	for {
		c.pollOnce(ctx, gen)

		select {
		case <-ctx.Done():
			c.logger.Debug("poller stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *Conversation) pollOnce(ctx context.Context, gen uint64) {
	if ctx.Err() != nil {
		return
	}

	c.refreshIfDue(ctx, gen)

	if _, err := c.sync(ctx, gen); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrInvalidSession) {
			return
		}
		// Transient: the next tick retries.
		c.logger.Warn("poll failed", zap.Error(err))
	}
}

func (c *Conversation) refreshIfDue(ctx context.Context, gen uint64) {
	if c.opts.RefreshBefore <= 0 {
		return
	}
	session, ok := c.connectedSession(gen)
	if !ok || session.ExpiresAt.IsZero() {
		return
	}
	now := c.opts.Now()
	if now.Before(session.ExpiresAt.Add(-c.opts.RefreshBefore)) {
		return
	}

	resp, err := c.transport.RefreshToken(ctx, session.Token)
	if err != nil {
		if directline.IsInvalidSession(err) {
			c.invalidate(gen, err)
			return
		}
		c.logger.Warn("token refresh failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || resp.Token == "" {
		return
	}
	c.session.Token = resp.Token
	c.session.ExpiresAt = directline.TokenExpiry(resp.Token, resp.ExpiresIn, now)
	c.logger.Debug("token refreshed", zap.Time("expires_at", c.session.ExpiresAt))
}

// advanceWatermark keeps the watermark from moving backwards. Numeric
// watermarks are compared as numbers; anything else is treated as opaque and
// replaced by the newer value.
func advanceWatermark(current, next string) string {
	if next == "" {
		return current
	}
	if current == "" {
		return next
	}
	cur, errCur := strconv.ParseInt(current, 10, 64)
	nxt, errNext := strconv.ParseInt(next, 10, 64)
	if errCur == nil && errNext == nil && nxt < cur {
		return current
	}
	return next
}

func describe(err error) string {
	var statusErr *directline.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("%d %s", statusErr.StatusCode, http.StatusText(statusErr.StatusCode))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return err.Error()
}
