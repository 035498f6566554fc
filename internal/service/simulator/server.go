package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	model "github.com/zhouzirui/botline/internal/model/directline"
	"github.com/zhouzirui/botline/internal/pkg/logger"
	"github.com/zhouzirui/botline/pkg/utils"
)

// BotID is the participant id used for every bot-authored activity.
const BotID = "bot"

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("token is not valid for this conversation")
)

// Bot produces replies to one inbound message activity.
type Bot func(in model.Activity) []model.Activity

// EchoBot answers every message with "You said: <text>".
func EchoBot(in model.Activity) []model.Activity {
	if !in.IsMessage() {
		return nil
	}
	return []model.Activity{{
		Type:      model.ActivityTypeMessage,
		From:      model.ChannelAccount{ID: BotID, Name: "Echo Bot", Role: "bot"},
		Text:      "You said: " + in.Text,
		ReplyToID: in.ID,
	}}
}

// Options configures a Server.
type Options struct {
	Secret     string
	SigningKey string
	TokenTTL   time.Duration
	Bot        Bot
	Now        func() time.Time
}

type conversation struct {
	id         string
	activities []model.Activity
}

// Server is an in-memory Direct Line endpoint.
type Server struct {
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
}

// New creates a simulator.
func New(opts Options, log *zap.Logger) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Minute
	}
	if opts.Bot == nil {
		opts.Bot = EchoBot
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts:          opts,
		logger:        logger.OrNop(log).Named("simulator"),
		conversations: make(map[string]*conversation),
	}
}

// Routes returns the API mounted under /v3/directline.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/v3/directline", func(api chi.Router) {
		api.Post("/tokens/generate", s.handleGenerate)
		api.Post("/tokens/refresh", s.handleRefresh)
		api.Post("/conversations", s.handleStartConversation)
		api.Get("/conversations/{conversationID}/activities", s.handleGetActivities)
		api.Post("/conversations/{conversationID}/activities", s.handlePostActivity)
	})
	return r
}

// Inject appends an activity to a conversation as if the bot had sent it.
func (s *Server) Inject(conversationID string, activity model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	s.appendLocked(conv, activity)
	return nil
}

// Activities returns a copy of every activity recorded in a conversation.
func (s *Server) Activities(conversationID string) []model.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]model.Activity(nil), conv.activities...)
}

// MintToken issues a token for conversationID; exposed for tests that need
// expired or foreign tokens.
func (s *Server) MintToken(conversationID, userID string, ttl time.Duration) (string, error) {
	now := s.opts.Now()
	claims := jwt.MapClaims{
		"conv": conversationID,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if userID != "" {
		claims["sub"] = userID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.opts.SigningKey))
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if bearer(r) != s.opts.Secret || s.opts.Secret == "" {
		utils.RespondError(w, http.StatusForbidden, "invalid secret")
		return
	}

	var req model.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := ""
	if req.User != nil {
		userID = req.User.ID
	}

	conv := s.createConversation()
	s.respondToken(w, conv.id, userID)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verify(bearer(r))
	if err != nil {
		utils.RespondError(w, http.StatusForbidden, err.Error())
		return
	}
	conversationID, _ := claims["conv"].(string)
	userID, _ := claims["sub"].(string)
	s.respondToken(w, conversationID, userID)
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	raw := bearer(r)
	if raw != "" && raw == s.opts.Secret {
		conv := s.createConversation()
		s.respondToken(w, conv.id, "")
		return
	}

	claims, err := s.verify(raw)
	if err != nil {
		utils.RespondError(w, http.StatusForbidden, err.Error())
		return
	}
	conversationID, _ := claims["conv"].(string)

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if ok && len(conv.activities) == 0 {
		s.appendLocked(conv, model.Activity{
			Type: "conversationUpdate",
			From: model.ChannelAccount{ID: BotID, Role: "bot"},
		})
	}
	s.mu.Unlock()
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, model.TokenResponse{
		ConversationID: conversationID,
		Token:          raw,
		ExpiresIn:      int(s.opts.TokenTTL.Seconds()),
	})
}

func (s *Server) handleGetActivities(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.authorizeConversation(w, r)
	if !ok {
		return
	}

	from := 0
	if raw := r.URL.Query().Get("watermark"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			utils.RespondError(w, http.StatusBadRequest, "invalid watermark")
			return
		}
		from = parsed
	}

	s.mu.Lock()
	if from > len(conv.activities) {
		from = len(conv.activities)
	}
	set := model.ActivitySet{
		Activities: append([]model.Activity{}, conv.activities[from:]...),
		Watermark:  strconv.Itoa(len(conv.activities)),
	}
	s.mu.Unlock()

	utils.RespondJSON(w, http.StatusOK, set)
}

func (s *Server) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.authorizeConversation(w, r)
	if !ok {
		return
	}

	var activity model.Activity
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid activity")
		return
	}
	if activity.Type == "" || activity.From.ID == "" {
		utils.RespondError(w, http.StatusBadRequest, "activity type and from.id are required")
		return
	}

	s.mu.Lock()
	posted := s.appendLocked(conv, activity)
	for _, reply := range s.opts.Bot(posted) {
		s.appendLocked(conv, reply)
	}
	s.mu.Unlock()

	s.logger.Debug("activity posted",
		zap.String("conversation_id", conv.id),
		zap.String("activity_id", posted.ID))

	utils.RespondJSON(w, http.StatusOK, model.ResourceResponse{ID: posted.ID})
}

func (s *Server) authorizeConversation(w http.ResponseWriter, r *http.Request) (*conversation, bool) {
	conversationID := chi.URLParam(r, "conversationID")

	claims, err := s.verify(bearer(r))
	if err != nil {
		utils.RespondError(w, http.StatusForbidden, err.Error())
		return nil, false
	}
	if conv, _ := claims["conv"].(string); conv != conversationID {
		utils.RespondError(w, http.StatusForbidden, errForbidden.Error())
		return nil, false
	}

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	s.mu.Unlock()
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

func (s *Server) createConversation() *conversation {
	conv := &conversation{id: uuid.NewString()}
	s.mu.Lock()
	s.conversations[conv.id] = conv
	s.mu.Unlock()
	s.logger.Info("conversation created", zap.String("conversation_id", conv.id))
	return conv
}

// appendLocked stamps and stores an activity. Must be called with mu held.
func (s *Server) appendLocked(conv *conversation, activity model.Activity) model.Activity {
	activity.ID = fmt.Sprintf("%s|%07d", conv.id, len(conv.activities))
	if activity.Timestamp.IsZero() {
		activity.Timestamp = s.opts.Now().UTC()
	}
	activity.Conversation = &model.Conversation{ID: conv.id}
	conv.activities = append(conv.activities, activity)
	return activity
}

func (s *Server) respondToken(w http.ResponseWriter, conversationID, userID string) {
	token, err := s.MintToken(conversationID, userID, s.opts.TokenTTL)
	if err != nil {
		s.logger.Error("failed to sign token", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	utils.RespondJSON(w, http.StatusOK, model.TokenResponse{
		ConversationID: conversationID,
		Token:          token,
		ExpiresIn:      int(s.opts.TokenTTL.Seconds()),
	})
}

func (s *Server) verify(raw string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, errUnauthorized
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.opts.SigningKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.opts.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired")
		}
		return nil, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return claims, nil
}

func bearer(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}
