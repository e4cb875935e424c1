// Package devserver is an in-memory chat backend speaking the same push and
// REST protocol as production. It backs the end-to-end tests and the
// `chatsync devserver` command.
package devserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"github.com/heartline/chatsync"
)

// StatusAuthFailed closes sockets whose token was refused.
const StatusAuthFailed = chatsync.StatusAuthFailed

const contextUserKey = "userId"

// Config configures a Server.
type Config struct {
	// Secret signs HS256 tokens. A random key is generated when empty.
	Secret []byte
	// TokenTTL is the lifetime of issued tokens. Default 24h.
	TokenTTL time.Duration
	// Mode is the gin mode: "debug", "test" or "release" (default).
	Mode string
	// BcryptCost hashes login passwords. Values below bcrypt.MinCost use
	// bcrypt.DefaultCost.
	BcryptCost int
	Logger     *slog.Logger
}

// Server is the dev backend.
type Server struct {
	secret []byte
	ttl    time.Duration
	log    *slog.Logger
	store  *store
	hub    *hub
	engine *gin.Engine
	hasher bcryptHasher

	suppressEcho atomic.Bool
	rejectSends  atomic.Pointer[string]
	silent       atomic.Bool
}

// New builds a Server with its routes registered.
func New(cfg Config) *Server {
	if len(cfg.Secret) == 0 {
		cfg.Secret = make([]byte, 32)
		_, _ = rand.Read(cfg.Secret)
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		secret: cfg.Secret,
		ttl:    cfg.TokenTTL,
		log:    cfg.Logger.With("component", "devserver"),
		store:  newStore(),
		hub:    newHub(),
		hasher: bcryptHasher{cost: cfg.BcryptCost},
	}
	s.engine = s.routes(cfg.Mode)
	return s
}

// Handler returns the HTTP handler serving /ws and /api.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes(mode string) *gin.Engine {
	configureGinMode(mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.GET("/ws", s.handleWS)

	router.POST("/api/auth/login", s.login)

	api := router.Group("/api", s.authMiddleware())
	api.GET("/matches", s.listMatches)
	api.GET("/messages/:id", s.listMessages)
	return router
}

func configureGinMode(mode string) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test", "testing":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// ============================================================================
// Test and operator controls
// ============================================================================

// AddUser registers an identity.
func (s *Server) AddUser(id, name string) chatsync.Participant {
	return s.store.addUser(id, name)
}

// SetPassword enables password login for userID.
func (s *Server) SetPassword(userID, password string) error {
	hash, err := s.hasher.hash(password)
	if err != nil {
		return err
	}
	return s.store.setPasswordHash(userID, hash)
}

// IssueToken mints an HS256 token for userID. ttl <= 0 uses the configured TTL.
func (s *Server) IssueToken(userID string, ttl time.Duration) (string, error) {
	if !s.store.hasUser(userID) {
		return "", fmt.Errorf("%w: %s", errUnknownUser, userID)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := time.Now()
	claims := tokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// CreateMatch pairs two users and pushes match-created to both.
func (s *Server) CreateMatch(a, b string) (chatsync.Conversation, error) {
	conv, err := s.store.createMatch(a, b)
	if err != nil {
		return chatsync.Conversation{}, err
	}
	ev := chatsync.MatchCreated{ConversationID: conv.ID, ParticipantIDs: []string{a, b}}
	s.Push(a, ev)
	s.Push(b, ev)
	s.log.Info("match created", "conversation", conv.ID, "a", a, "b", b)
	return conv, nil
}

// SeedMessage stores a message without pushing it, as if it was sent
// before anyone connected.
func (s *Server) SeedMessage(conversationID, senderID, content string, at time.Time) (chatsync.Message, error) {
	return s.store.appendMessage(chatsync.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      at,
	})
}

// Post stores a message from senderID and pushes it to both participants,
// like a send from another client would.
func (s *Server) Post(conversationID, senderID, content string) (chatsync.Message, error) {
	conv, ok := s.store.conversation(conversationID)
	if !ok {
		return chatsync.Message{}, errUnknownConversation
	}
	peer, ok := conv.Peer(senderID)
	if !ok {
		return chatsync.Message{}, errNotParticipant
	}
	m, err := s.store.appendMessage(chatsync.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     peer.ID,
		Content:        content,
	})
	if err != nil {
		return chatsync.Message{}, err
	}
	s.broadcast(m, "")
	return m, nil
}

// Push delivers an event to the joined sockets of userID.
func (s *Server) Push(userID string, ev chatsync.Event) int {
	return s.hub.publish(userID, frame(string(ev.EventType()), ev))
}

// Exile tells every socket of userID it was removed and closes it with
// StatusPolicyViolation.
func (s *Server) Exile(userID, reason string) int {
	peers := s.hub.peersOf(userID)
	for _, p := range peers {
		p.sendJSON(frame(chatsync.FrameExiled, chatsync.ExiledPayload{Reason: reason}))
		p.closeWith(websocket.StatusPolicyViolation, reason)
	}
	s.log.Info("user exiled", "user", userID, "sockets", len(peers))
	return len(peers)
}

// Drop closes every socket of userID as a transport failure would.
func (s *Server) Drop(userID string) int {
	peers := s.hub.peersOf(userID)
	for _, p := range peers {
		p.cancel()
	}
	return len(peers)
}

// Joined returns how many sockets of userID joined their inbox channel.
func (s *Server) Joined(userID string) int {
	return len(s.hub.members(userID))
}

// SetEchoSuppressed stops echoing sends back to their sender.
func (s *Server) SetEchoSuppressed(v bool) {
	s.suppressEcho.Store(v)
}

// SetRejectSends makes every send fail with a delivery-error carrying
// reason. An empty reason accepts sends again.
func (s *Server) SetRejectSends(reason string) {
	if reason == "" {
		s.rejectSends.Store(nil)
		return
	}
	s.rejectSends.Store(&reason)
}

// SetSilentHandshake makes the server accept sockets without ever sending
// the authenticated frame.
func (s *Server) SetSilentHandshake(v bool) {
	s.silent.Store(v)
}

// Close disconnects every socket.
func (s *Server) Close() {
	s.hub.closeAll()
}

// ============================================================================
// Auth
// ============================================================================

type tokenClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

func (s *Server) verify(token string) (string, error) {
	if token == "" {
		return "", errors.New("missing token")
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !s.store.hasUser(claims.UserID) {
		return "", fmt.Errorf("%w: %s", errUnknownUser, claims.UserID)
	}
	return claims.UserID, nil
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			fail(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		userID, err := s.verify(token)
		if err != nil {
			fail(c, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		c.Set(contextUserKey, userID)
		c.Next()
	}
}

// ============================================================================
// REST
// ============================================================================

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"ok":    false,
		"error": gin.H{"code": code, "message": message},
	})
}

type loginRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	user, hash, found := s.store.credentials(req.UserID)
	if !found || hash == "" || s.hasher.compare(hash, req.Password) != nil {
		fail(c, http.StatusUnauthorized, "invalid_credentials", "unknown user or wrong password")
		return
	}
	token, err := s.IssueToken(user.ID, 0)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(c, gin.H{"token": token, "user": user})
}

func (s *Server) listMatches(c *gin.Context) {
	respond(c, s.store.conversationsFor(c.GetString(contextUserKey)))
}

func (s *Server) listMessages(c *gin.Context) {
	userID := c.GetString(contextUserKey)
	conv, found := s.store.conversation(c.Param("id"))
	if !found {
		fail(c, http.StatusNotFound, "not_found", errUnknownConversation.Error())
		return
	}
	if !conv.HasParticipant(userID) {
		fail(c, http.StatusForbidden, "forbidden", errNotParticipant.Error())
		return
	}
	respond(c, s.store.history(conv.ID))
}

// ============================================================================
// Push socket
// ============================================================================

func frame(typ string, payload any) chatsync.Command {
	return chatsync.Command{Type: typ, Payload: payload}
}

func (s *Server) handleWS(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	userID, err := s.verify(c.Query("token"))
	if err != nil {
		data, _ := json.Marshal(frame(chatsync.FrameAuthError, chatsync.AuthErrorPayload{Message: err.Error()}))
		ctx, cancel := context.WithTimeout(c.Request.Context(), writeWait)
		_ = ws.Write(ctx, websocket.MessageText, data)
		cancel()
		_ = ws.Close(StatusAuthFailed, "authentication failed")
		s.log.Info("socket rejected", "error", err)
		return
	}

	p := newPeer(userID, ws, s.log)
	s.hub.attach(p)
	defer s.hub.detach(p)
	go p.writeLoop()

	if !s.silent.Load() {
		p.sendJSON(frame(chatsync.FrameAuthenticated, chatsync.AuthenticatedPayload{UserID: userID}))
	}
	p.log.Debug("socket connected")
	s.readLoop(p)
	p.log.Debug("socket closed")
}

// readLoop reads until the socket fails. Reads use a background context so
// that shutting a peer down closes it with the peer's own status code.
func (s *Server) readLoop(p *peer) {
	defer p.cancel()
	for {
		_, data, err := p.ws.Read(context.Background())
		if err != nil {
			return
		}
		var env chatsync.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.log.Warn("malformed frame", "error", err)
			continue
		}
		s.handleFrame(p, env)
	}
}

func (s *Server) handleFrame(p *peer, env chatsync.Envelope) {
	switch env.Type {
	case chatsync.FrameJoin:
		var in chatsync.JoinPayload
		if err := json.Unmarshal(env.Payload, &in); err != nil {
			p.log.Warn("bad join", "error", err)
			return
		}
		if err := s.hub.join(p, in.UserID); err != nil {
			p.log.Warn("join refused", "channel", in.UserID, "error", err)
		}
	case chatsync.FramePing:
		var in chatsync.PingPayload
		_ = json.Unmarshal(env.Payload, &in)
		p.sendJSON(frame(chatsync.FramePong, chatsync.PongPayload{RequestID: in.RequestID}))
	case chatsync.FrameSendMessage:
		var in chatsync.SendMessagePayload
		if err := json.Unmarshal(env.Payload, &in); err != nil {
			p.log.Warn("bad send-message", "error", err)
			return
		}
		s.handleSend(p, in)
	default:
		p.log.Debug("unknown frame", "type", env.Type)
	}
}

func (s *Server) handleSend(p *peer, in chatsync.SendMessagePayload) {
	deny := func(reason string) {
		p.sendJSON(frame(string(chatsync.EventDeliveryError), chatsync.DeliveryFailed{LocalID: in.LocalID, Reason: reason}))
		p.log.Info("send refused", "localId", in.LocalID, "reason", reason)
	}

	if reason := s.rejectSends.Load(); reason != nil {
		deny(*reason)
		return
	}
	if in.SenderID != p.userID {
		deny("sender does not match the authenticated user")
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		deny("empty content")
		return
	}
	conv, found := s.store.conversation(in.ConversationID)
	if !found {
		deny(errUnknownConversation.Error())
		return
	}
	if !conv.HasParticipant(in.SenderID) || !conv.HasParticipant(in.ReceiverID) || in.SenderID == in.ReceiverID {
		deny(errNotParticipant.Error())
		return
	}

	m, err := s.store.appendMessage(chatsync.Message{
		LocalID:        in.LocalID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
	})
	if err != nil {
		deny(err.Error())
		return
	}
	skip := ""
	if s.suppressEcho.Load() {
		skip = m.SenderID
	}
	s.broadcast(m, skip)
}

// broadcast pushes m to the channels of both participants except skip.
func (s *Server) broadcast(m chatsync.Message, skip string) {
	ev := chatsync.MessageReceived{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		LocalID:        m.LocalID,
	}
	for _, userID := range []string{m.SenderID, m.ReceiverID} {
		if userID == "" || userID == skip {
			continue
		}
		s.Push(userID, ev)
	}
}
