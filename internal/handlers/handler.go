// Package handlers exposes the storefront flows over HTTP with gin.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-loyalty-orderflow/internal/apperr"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/auth"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/catalog"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/checkout"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/orders"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/points"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/reqseq"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/session"
	"github.com/imrishuroy/go-loyalty-orderflow/internal/validation"
)

// SessionHeader carries the visitor session id. The server echoes it back,
// generating one for new visitors.
const SessionHeader = "X-Session-Id"

// IdempotencyHeader lets a client replay a checkout safely.
const IdempotencyHeader = "Idempotency-Key"

const (
	sessionCtxKey = "session"
	maxLedgerPage = 100
)

// HandlerConfig groups dependencies for the HTTP handlers.
type HandlerConfig struct {
	Orders            *orders.Store
	Ledger            *points.Ledger
	Catalog           *catalog.Store
	Idempotency       *idempotency.Store
	Checkout          *checkout.Orchestrator
	Sessions          *session.Manager
	Validator         *validatorv10.Validate
	ShippingFee       int64
	LedgerPageSize    int
	CountdownInterval time.Duration
}

// Handler serves the storefront routes.
type Handler struct {
	cfg     HandlerConfig
	nowFunc func() time.Time
}

// New returns a Handler, filling in defaults for unset tunables.
func New(cfg HandlerConfig) *Handler {
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.LedgerPageSize <= 0 {
		cfg.LedgerPageSize = points.DefaultPageSize
	}
	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = time.Second
	}
	return &Handler{cfg: cfg, nowFunc: time.Now}
}

// RegisterRoutes registers every route on r. Identity is expected to be
// attached upstream by auth.Optional.
func RegisterRoutes(r gin.IRouter, h *Handler) {
	r.GET("/health", h.health)
	r.GET("/products", h.listProducts)

	s := r.Group("", h.withSession())
	s.GET("/cart", h.getCart)
	s.POST("/cart/items", h.addCartItem)
	s.PATCH("/cart/items/:id", h.updateCartItem)
	s.DELETE("/cart/items/:id", h.removeCartItem)
	s.POST("/session/logout", h.logout)

	a := s.Group("", auth.Required())
	a.POST("/checkout", h.submitCheckout)
	a.GET("/orders", h.listMyOrders)
	a.GET("/orders/:id", h.getOrder)
	a.GET("/orders/:id/countdown", h.orderCountdown)
	a.GET("/points/ledger", h.getPointsLedger)
	a.POST("/points/redeem", h.redeem)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// withSession loads the visitor's session container and, for authenticated
// callers, binds the session to their identity.
func (h *Handler) withSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sess, err := h.cfg.Sessions.Get(ctx, c.GetHeader(SessionHeader))
		if err != nil {
			log.Error().Err(err).Msg("[session] load failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "session_unavailable",
				"msg":   apperr.MsgGenericRetry,
			})
			return
		}
		c.Header(SessionHeader, sess.ID())

		if who, err := auth.CurrentUser(ctx); err == nil {
			if prof, ok := sess.User(); !ok || prof.UserID != who.UserID {
				h.bindUser(c, sess, who)
			}
		}
		c.Set(sessionCtxKey, sess)
		c.Next()
	}
}

// bindUser attaches who to sess, creating the user's points row on first
// sight. Ledger failures leave a zero cached balance; checkout re-reads it.
func (h *Handler) bindUser(c *gin.Context, sess *session.Container, who auth.Identity) {
	ctx := c.Request.Context()
	if err := h.cfg.Ledger.EnsureUser(ctx, who.UserID, who.Username); err != nil {
		log.Warn().Err(err).Str("user_id", who.UserID).Msg("[session] ensure user failed")
	}
	bal, err := h.cfg.Ledger.Balance(ctx, who.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", who.UserID).Msg("[session] balance read failed")
		bal = 0
	}
	if err := sess.SetUser(ctx, session.Profile{UserID: who.UserID, Username: who.Username, PointsBalance: bal}); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID()).Msg("[session] bind user failed")
	}
}

func sessionFrom(c *gin.Context) *session.Container {
	return c.MustGet(sessionCtxKey).(*session.Container)
}

func errorCode(err error) string {
	var poe *apperr.PartialOrderCreationError
	switch {
	case errors.Is(err, apperr.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrSubmissionInFlight):
		return "submission_in_flight"
	case errors.Is(err, apperr.ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, reqseq.ErrStale):
		return "stale_response"
	case errors.As(err, &poe):
		return "order_incomplete"
	default:
		status := apperr.HTTPStatus(err)
		if status == http.StatusBadGateway {
			return "remote_unavailable"
		}
		return "internal_error"
	}
}

// writeError logs err and renders the fixed user-facing message for it.
func writeError(c *gin.Context, err error) {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		validation.WriteValidationError(c, ve)
		return
	}
	status := apperr.HTTPStatus(err)
	if errors.Is(err, reqseq.ErrStale) {
		status = http.StatusConflict
	}
	ev := log.Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("path", c.FullPath()).Int("status", status).Msg("[http] request failed")
	_ = c.Error(err)
	c.JSON(status, gin.H{
		"error": errorCode(err),
		"msg":   apperr.UserMessage(err),
	})
}
