package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/email/inbound/postmaster"
	"github.com/gotrs-io/mailbridge/internal/email/outbound"
	"github.com/gotrs-io/mailbridge/internal/middleware"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/repository"
	"github.com/gotrs-io/mailbridge/internal/service"
	"github.com/gotrs-io/mailbridge/internal/version"
)

// InboundHandler ingests one webhook message.
type InboundHandler interface {
	Handle(ctx context.Context, msg *models.InboundMessage) (postmaster.Result, error)
}

// ReplySender dispatches agent replies.
type ReplySender interface {
	SendReply(ctx context.Context, req outbound.ReplyRequest) (*models.Ticket, error)
}

// Merger folds threads and ad hoc conversations into tickets.
type Merger interface {
	MergeThreadOrCreateTicket(ctx context.Context, orgID int64, threadRef, ticketID string) (*service.MergeResult, error)
	MergeConversationsOrCreateTicket(ctx context.Context, orgID int64, in service.MergeConversationsInput) (*service.MergeResult, error)
	LookupThread(ctx context.Context, orgID int64, ref string) (*models.EmailThread, error)
}

// Reader serves the read-only listing endpoints.
type Reader interface {
	GetByTicketID(ctx context.Context, orgID int64, ticketID string) (*models.Ticket, error)
	List(ctx context.Context, orgID int64, limit, offset int) ([]*models.EmailThread, error)
}

// LiveUpdates upgrades an authenticated request to a websocket subscription.
type LiveUpdates interface {
	ServeWS(c *gin.Context, organizationID int64)
}

var _ Reader = repository.Store(nil)

// Handlers holds the services behind the HTTP surface.
type Handlers struct {
	Inbound InboundHandler
	Replies ReplySender
	Merges  Merger
	Reader  Reader
	Live    LiveUpdates
	Logger  logrus.FieldLogger
}

// RouterConfig carries the guards applied to route groups.
type RouterConfig struct {
	Auth          *middleware.AuthMiddleware
	WebhookSecret string
	WebhookRate   float64
	WebhookBurst  int
	// Health reports backing store reachability for /healthz.
	Health func(ctx context.Context) error
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID())
	if h.Logger != nil {
		r.Use(middleware.Logger(h.Logger))
	}
	h.Register(r, cfg)
	return r
}

// Register attaches the routes to r.
func (h *Handlers) Register(r *gin.Engine, cfg RouterConfig) {
	r.GET("/healthz", healthHandler(cfg.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/ticket/webhook",
		middleware.RateLimit(cfg.WebhookRate, cfg.WebhookBurst),
		middleware.WebhookSecret(cfg.WebhookSecret),
		h.handleInboundWebhook)

	authMiddleware := cfg.Auth
	if authMiddleware == nil {
		authMiddleware = middleware.NewAuthMiddleware(nil)
	}
	agent := r.Group("")
	agent.Use(authMiddleware.RequireAgent())
	{
		agent.POST("/reply-email/:ticketId", h.handleReplyEmail)
		agent.POST("/emails/merge-support-email", h.handleMergeSupportEmail)
		agent.POST("/emails/merge-gmail-email", h.handleMergeGmailEmail)
		agent.GET("/emails", h.handleListEmails)
		agent.GET("/emails/:emailId", h.handleGetEmail)
		agent.GET("/tickets/:ticketId", h.handleGetTicket)
		agent.GET("/ws", h.handleWebsocket)
	}
}

func healthHandler(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			if err := check(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	}
}

func (h *Handlers) handleWebsocket(c *gin.Context) {
	orgID, ok := middleware.OrganizationID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Organization ID is required from user context."})
		return
	}
	if h.Live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Live updates are disabled"})
		return
	}
	h.Live.ServeWS(c, orgID)
}
