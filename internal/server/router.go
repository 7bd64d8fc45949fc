package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/auth"
	"github.com/MarcoPoloResearchLab/qaroom/internal/display"
	"github.com/MarcoPoloResearchLab/qaroom/internal/failure"
	"github.com/MarcoPoloResearchLab/qaroom/internal/hub"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger/devnet"
	"github.com/MarcoPoloResearchLab/qaroom/internal/questions"
	"github.com/MarcoPoloResearchLab/qaroom/internal/rooms"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	accountContextKey        = "qaroom_account"
	expiryContextKey         = "qaroom_expires_at"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenIssuer = errors.New("token issuer dependency required")
	errMissingValidator   = errors.New("session validator dependency required")
	errMissingRegistry    = errors.New("session registry dependency required")
	errMissingRealtime    = errors.New("realtime dispatcher dependency required")
	errInvalidRoomID      = errors.New("room id must be a 32-byte hex string")
	errInvalidQuestionID  = errors.New("question id must be a non-negative integer")
	errInvalidAddress     = errors.New("address must be a 20-byte hex string")
)

type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, account common.Address) (auth.SessionGrant, error)
}

type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

type Dependencies struct {
	Tokens    SessionTokenIssuer
	Validator RequestValidator
	Registry  *hub.Registry
	Realtime  *RealtimeDispatcher
	// AllowedOrigins receive credentialed CORS responses. Empty allows any
	// origin without credentials.
	AllowedOrigins []string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer          prometheus.Gatherer
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		validator: deps.Validator,
		registry:  deps.Registry,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.POST("/auth/session", handler.handleSessionAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/rooms", handler.handleCreateRoom)
	protected.GET("/rooms/:roomID", handler.handleLoadRoom)
	protected.PUT("/rooms/:roomID/name", handler.handleRenameRoom)
	protected.POST("/rooms/:roomID/admins", handler.handleAddAdmin)
	protected.POST("/rooms/:roomID/bans", handler.handleBanUser)
	protected.DELETE("/rooms/:roomID/bans/:address", handler.handleUnbanUser)
	protected.GET("/rooms/:roomID/questions", handler.handleListQuestions)
	protected.POST("/rooms/:roomID/questions", handler.handleSubmitQuestion)
	protected.POST("/rooms/:roomID/refresh", handler.handleRefresh)
	protected.PUT("/rooms/:roomID/questions/:questionID", handler.handleEditQuestion)
	protected.DELETE("/rooms/:roomID/questions/:questionID", handler.handleDeleteQuestion)
	protected.POST("/rooms/:roomID/questions/:questionID/votes", handler.handleVote)
	protected.POST("/rooms/:roomID/questions/:questionID/answered", handler.handleToggleAnswered)
	protected.GET("/rooms/:roomID/stream", handler.handleRoomStream)
	protected.DELETE("/rooms/:roomID/session", handler.handleCloseSession)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    SessionTokenIssuer
	validator RequestValidator
	registry  *hub.Registry
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type authRequestPayload struct {
	Address string `json:"address"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSessionAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || !common.IsHexAddress(strings.TrimSpace(request.Address)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account := common.HexToAddress(strings.TrimSpace(request.Address))

	if err := h.registry.Authorize(account); err != nil {
		h.logger.Warn("session authorization refused", zap.String("account", account.Hex()), zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	grant, err := h.tokens.IssueSessionToken(c.Request.Context(), account)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.validator.CookieName(), grant.Token, int(grant.ExpiresIn), "/", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: grant.Token,
		ExpiresIn:   grant.ExpiresIn,
		TokenType:   "Bearer",
	})
}

type roomNameRequestPayload struct {
	Name string `json:"name"`
}

type addressRequestPayload struct {
	Address string `json:"address"`
}

type questionRequestPayload struct {
	Content string `json:"content"`
}

type voteRequestPayload struct {
	Upvote *bool `json:"upvote"`
}

// roomStatePayload is a session state in presentation order.
type roomStatePayload struct {
	RoomID       common.Hash       `json:"roomId"`
	Questions    []questionPayload `json:"questions"`
	IsBusy       bool              `json:"isBusy"`
	Error        string            `json:"error,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// questionPayload adds display labels to a question.
type questionPayload struct {
	questions.Question
	AuthorLabel string `json:"authorLabel"`
	Posted      string `json:"posted"`
}

func newRoomStatePayload(state questions.State, now time.Time) roomStatePayload {
	view := state.View()
	labeled := make([]questionPayload, 0, len(view))
	for _, question := range view {
		labeled = append(labeled, questionPayload{
			Question:    question,
			AuthorLabel: display.Shorten(question.AuthorID.Hex()),
			Posted:      display.TimeAgo(question.CreatedAt, now),
		})
	}
	payload := roomStatePayload{
		RoomID:    state.RoomID,
		Questions: labeled,
		IsBusy:    state.IsBusy,
		UpdatedAt: state.UpdatedAt,
	}
	if state.LastError != failure.None {
		payload.Error = state.LastError.String()
		payload.ErrorMessage = state.LastErrorMessage
	}
	return payload
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request roomNameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	directory, ok := h.directory(c)
	if !ok {
		return
	}
	room, err := directory.CreateRoom(c.Request.Context(), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *httpHandler) handleLoadRoom(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	directory, ok := h.directory(c)
	if !ok {
		return
	}
	room, err := directory.LoadRoom(c.Request.Context(), roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *httpHandler) handleRenameRoom(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	var request roomNameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	directory, ok := h.directory(c)
	if !ok {
		return
	}
	room, err := directory.RenameRoom(c.Request.Context(), roomID, request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *httpHandler) handleAddAdmin(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	admin, ok := addressBody(c)
	if !ok {
		return
	}
	directory, ok := h.directory(c)
	if !ok {
		return
	}
	room, err := directory.AddAdmin(c.Request.Context(), roomID, admin)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *httpHandler) handleBanUser(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	user, ok := addressBody(c)
	if !ok {
		return
	}
	directory, ok := h.directory(c)
	if !ok {
		return
	}
	if err := directory.BanUser(c.Request.Context(), roomID, user); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": user, "banned": true})
}

func (h *httpHandler) handleUnbanUser(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	raw := strings.TrimSpace(c.Param("address"))
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errInvalidAddress.Error()})
		return
	}
	user := common.HexToAddress(raw)
	directory, ok := h.directory(c)
	if !ok {
		return
	}
	if err := directory.UnbanUser(c.Request.Context(), roomID, user); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": user, "banned": false})
}

func (h *httpHandler) handleListQuestions(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(session.State(), time.Now()))
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.LoadSnapshot(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(session.State(), time.Now()))
}

func (h *httpHandler) handleSubmitQuestion(c *gin.Context) {
	var request questionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.SubmitQuestion(c.Request.Context(), request.Content); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newRoomStatePayload(session.State(), time.Now()))
}

func (h *httpHandler) handleEditQuestion(c *gin.Context) {
	questionID, ok := questionIDParam(c)
	if !ok {
		return
	}
	var request questionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.SubmitEdit(c.Request.Context(), questionID, request.Content); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(session.State(), time.Now()))
}

func (h *httpHandler) handleDeleteQuestion(c *gin.Context) {
	questionID, ok := questionIDParam(c)
	if !ok {
		return
	}
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.SubmitDelete(c.Request.Context(), questionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(session.State(), time.Now()))
}

func (h *httpHandler) handleVote(c *gin.Context) {
	questionID, ok := questionIDParam(c)
	if !ok {
		return
	}
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Upvote == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.SubmitVote(c.Request.Context(), questionID, *request.Upvote); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(session.State(), time.Now()))
}

func (h *httpHandler) handleToggleAnswered(c *gin.Context) {
	questionID, ok := questionIDParam(c)
	if !ok {
		return
	}
	session, ok := h.session(c)
	if !ok {
		return
	}
	if err := session.SubmitToggleAnswered(c.Request.Context(), questionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRoomStatePayload(session.State(), time.Now()))
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	h.registry.Close(grantFromContext(c).Account, roomID)
	c.Status(http.StatusNoContent)
}

// handleRoomStream sends the current state, then every state change of the
// caller's session in the room, as server-sent events.
func (h *httpHandler) handleRoomStream(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	grant := grantFromContext(c)
	stream, cleanup := h.realtime.Subscribe(ctx, StreamKey(grant.Account, session.RoomID()))
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(RealtimeEventQuestions, newRoomStatePayload(session.State(), time.Now()))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, newRoomStatePayload(message.State, time.Now()))
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSourceBackend,
				"timestamp": time.Now().UTC().Unix(),
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			h.logger.Info("token validation failed", zap.Error(err))
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("session token missing", zap.String("path", c.FullPath()))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	account := claims.Account()
	if account == (common.Address{}) {
		h.logger.Warn("token validation failed", zap.Error(auth.ErrMissingSessionSubject))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(accountContextKey, account)
	c.Set(expiryContextKey, claims.Expiry())
	c.Next()
}

func grantFromContext(c *gin.Context) hub.Grant {
	grant := hub.Grant{}
	if account, ok := c.Get(accountContextKey); ok {
		grant.Account, _ = account.(common.Address)
	}
	if expiresAt, ok := c.Get(expiryContextKey); ok {
		grant.ExpiresAt, _ = expiresAt.(time.Time)
	}
	return grant
}

func (h *httpHandler) directory(c *gin.Context) (*rooms.Directory, bool) {
	directory, err := h.registry.Directory(grantFromContext(c))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return directory, true
}

func (h *httpHandler) session(c *gin.Context) (*questions.Session, bool) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return nil, false
	}
	session, err := h.registry.Session(c.Request.Context(), grantFromContext(c), roomID)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return session, true
}

func roomIDParam(c *gin.Context) (common.Hash, bool) {
	raw, err := hexutil.Decode(strings.TrimSpace(c.Param("roomID")))
	if err != nil || len(raw) != common.HashLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errInvalidRoomID.Error()})
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

func questionIDParam(c *gin.Context) (uint64, bool) {
	questionID, err := strconv.ParseUint(strings.TrimSpace(c.Param("questionID")), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errInvalidQuestionID.Error()})
		return 0, false
	}
	return questionID, true
}

func addressBody(c *gin.Context) (common.Address, bool) {
	var request addressRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || !common.IsHexAddress(strings.TrimSpace(request.Address)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errInvalidAddress.Error()})
		return common.Address{}, false
	}
	return common.HexToAddress(strings.TrimSpace(request.Address)), true
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, code := errorResponse(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// errorResponse maps an operation error to an HTTP status and error code.
func errorResponse(err error) (int, string) {
	var revert *ledger.RevertError
	switch {
	case errors.Is(err, questions.ErrVoteInFlight):
		return http.StatusTooManyRequests, "vote_in_flight"
	case errors.Is(err, questions.ErrEmptyContent), errors.Is(err, rooms.ErrEmptyName):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, hub.ErrUnknownAccount):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, hub.ErrClosed), errors.Is(err, questions.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.As(err, &revert) && revert.Reason == devnet.ReasonInvalidRoom:
		return http.StatusNotFound, "room_not_found"
	}
	kind := failure.KindOf(err)
	switch kind {
	case failure.SessionExpired:
		return http.StatusUnauthorized, kind.String()
	case failure.TransactionReverted:
		return http.StatusConflict, kind.String()
	case failure.FetchFailed, failure.TransportError, failure.DecryptionFailed, failure.InvalidKeyLength:
		return http.StatusBadGateway, kind.String()
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
