package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/zhouzirui/botline/internal/model/chat"
	model "github.com/zhouzirui/botline/internal/model/directline"
	"github.com/zhouzirui/botline/internal/model/surface"
	"github.com/zhouzirui/botline/internal/pkg/logger"
	"github.com/zhouzirui/botline/internal/service/directline"
)

var (
	ErrVariantNotFound = errors.New("variant not found")
	ErrSessionNotFound = errors.New("session not found")
)

// Widget is one mounted chat surface: a variant plus its conversation.
type Widget struct {
	*Conversation

	ID        string
	Variant   surface.Variant
	CreatedAt time.Time
}

// Snapshot copies the widget state for rendering.
func (w *Widget) Snapshot() chat.Snapshot {
	session := w.Session()
	return chat.Snapshot{
		ID:             w.ID,
		VariantID:      w.Variant.ID,
		State:          w.State(),
		ConversationID: session.ConversationID,
		Watermark:      session.Watermark,
		Entries:        w.Log().Entries(),
	}
}

// ServiceOptions tunes the conversations a Service creates.
type ServiceOptions struct {
	PollInterval  time.Duration
	RefreshBefore time.Duration
	// SessionTTL evicts widgets idle for longer than this. Zero keeps them
	// until deleted.
	SessionTTL time.Duration
	Logger     *zap.Logger
}

// Service owns the mounted widgets. Idle widgets expire and their
// conversations are closed.
type Service struct {
	transport Transport
	tokens    directline.TokenSource
	variants  surface.Store
	opts      ServiceOptions
	logger    *zap.Logger
	sessions  *cache.Cache
}

// NewService wires the widget registry.
func NewService(transport Transport, tokens directline.TokenSource, variants surface.Store, opts ServiceOptions) *Service {
	ttl := opts.SessionTTL
	cleanup := time.Minute
	if ttl <= 0 {
		ttl = cache.NoExpiration
	} else if ttl/2 < cleanup {
		cleanup = ttl / 2
	}

	s := &Service{
		transport: transport,
		tokens:    tokens,
		variants:  variants,
		opts:      opts,
		logger:    logger.OrNop(opts.Logger).Named("chat"),
		sessions:  cache.New(ttl, cleanup),
	}
	s.sessions.OnEvicted(func(id string, value interface{}) {
		if widget, ok := value.(*Widget); ok {
			widget.Close()
			s.logger.Info("widget closed", zap.String("session_id", id))
		}
	})
	return s
}

// CreateSession mounts a widget for variantID; empty means the default variant.
// The conversation starts disconnected.
func (s *Service) CreateSession(_ context.Context, variantID string) (*Widget, error) {
	variant, ok := s.variants.Resolve(variantID)
	if !ok {
		return nil, ErrVariantNotFound
	}

	user := model.ChannelAccount{
		ID:   variant.UserIDPrefix + "-" + uuid.NewString(),
		Name: variant.UserName,
		Role: "user",
	}

	widget := &Widget{
		ID:        uuid.NewString(),
		Variant:   variant,
		CreatedAt: time.Now().UTC(),
		Conversation: NewConversation(s.transport, s.tokens, Options{
			User:          user,
			PollInterval:  s.opts.PollInterval,
			RefreshBefore: s.opts.RefreshBefore,
			ConnectNotice: variant.ConnectNotice,
			Logger:        s.logger,
		}),
	}

	s.sessions.SetDefault(widget.ID, widget)
	s.logger.Info("widget mounted",
		zap.String("session_id", widget.ID),
		zap.String("variant", variant.ID),
		zap.String("user_id", user.ID))
	return widget, nil
}

// GetSession retrieves a widget and extends its lifetime.
func (s *Service) GetSession(_ context.Context, sessionID string) (*Widget, error) {
	value, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	widget := value.(*Widget)
	s.sessions.SetDefault(sessionID, widget)
	return widget, nil
}

// Touch marks a widget as active so it is not evicted while a stream or
// socket is using it. Returns false once the widget is gone.
func (s *Service) Touch(sessionID string) bool {
	_, err := s.GetSession(context.Background(), sessionID)
	return err == nil
}

// DeleteSession unmounts a widget and closes its conversation.
func (s *Service) DeleteSession(_ context.Context, sessionID string) error {
	if _, ok := s.sessions.Get(sessionID); !ok {
		return ErrSessionNotFound
	}
	s.sessions.Delete(sessionID)
	return nil
}

// Count returns the number of mounted widgets.
func (s *Service) Count() int {
	return s.sessions.ItemCount()
}

// Close unmounts every widget.
func (s *Service) Close() {
	for id := range s.sessions.Items() {
		s.sessions.Delete(id)
	}
}
