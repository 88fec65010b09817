// Package app assembles the mailbridge services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/mailbridge/internal/api"
	"github.com/gotrs-io/mailbridge/internal/auth"
	"github.com/gotrs-io/mailbridge/internal/cache"
	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/correlation"
	"github.com/gotrs-io/mailbridge/internal/database"
	"github.com/gotrs-io/mailbridge/internal/email/inbound/postmaster"
	"github.com/gotrs-io/mailbridge/internal/email/outbound"
	"github.com/gotrs-io/mailbridge/internal/middleware"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/notifications"
	"github.com/gotrs-io/mailbridge/internal/repository"
	"github.com/gotrs-io/mailbridge/internal/service"
	"github.com/gotrs-io/mailbridge/internal/ticketnumber"
)

// tokenDuration only matters for tokens minted by GenerateToken; agents
// arrive with tokens issued elsewhere.
const tokenDuration = 24 * time.Hour

type directory interface {
	repository.OrganizationRepository
	repository.AccountRepository
}

// App is a fully wired server.
type App struct {
	cfg    *config.Config
	logger *logrus.Logger

	store   repository.Store
	dir     directory
	db      *sqlx.DB
	redis   redis.UniversalClient
	hub     *notifications.Hub
	router  *gin.Engine
	server  *http.Server
	closers []func() error
}

// Option overrides parts of the wiring, mostly for tests.
type Option func(*options)

type options struct {
	logger    *logrus.Logger
	sesClient outbound.SESAPI
	channels  []outbound.Channel
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSESClient skips loading AWS credentials and uses client for SUPPORT.
func WithSESClient(client outbound.SESAPI) Option {
	return func(o *options) { o.sesClient = client }
}

// WithChannels registers extra channels after the configured ones; a channel
// for an already configured provider replaces it.
func WithChannels(channels ...outbound.Channel) Option {
	return func(o *options) { o.channels = append(o.channels, channels...) }
}

// New connects storage and builds every service and the router.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = cfg.Logging.NewLogger()
	}
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	resolver, err := a.newResolver(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	generator, err := ticketnumber.Resolve(cfg.Tickets.IDGenerator, ticketnumber.Config{Length: cfg.Tickets.IDLength})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = notifications.NewHub(logger.WithField("component", "hub"), cfg.Server.AllowedOrigins...)
	notifier := notifications.Fanout(a.hub, eventLogger(logger))

	inbound := postmaster.Service{
		Resolver:    resolver,
		FilterChain: postmaster.DefaultChain(logger.WithField("component", "filters")),
		Handler: postmaster.NewTicketProcessor(a.store,
			postmaster.WithTicketProcessorLogger(logger.WithField("component", "postmaster")),
			postmaster.WithTicketProcessorNotifier(notifier)),
		Logger: logger.WithField("component", "postmaster"),
	}

	merges := service.NewMergeService(a.store,
		service.WithMergeGenerator(generator),
		service.WithMergeNotifier(notifier),
		service.WithMergeLogger(logger.WithField("component", "merge")))

	channels, err := a.newChannels(ctx, o)
	if err != nil {
		a.Close()
		return nil, err
	}
	dispatcher := outbound.NewDispatcher(a.store, a.dir, a.dir, channels,
		outbound.WithDispatchTimeout(cfg.Providers.Timeout),
		outbound.WithDispatchNotifier(notifier),
		outbound.WithDispatchLogger(logger.WithField("component", "dispatcher")))

	var authMiddleware *middleware.AuthMiddleware
	if cfg.Auth.JWTSecret != "" {
		authMiddleware = middleware.NewAuthMiddleware(auth.NewJWTManager(cfg.Auth.JWTSecret, tokenDuration))
	} else {
		logger.Warn("auth.jwt_secret is empty; agent endpoints will reject every request")
	}

	handlers := &api.Handlers{
		Inbound: inbound,
		Replies: dispatcher,
		Merges:  merges,
		Reader:  a.store,
		Live:    a.hub,
		Logger:  logger.WithField("component", "http"),
	}
	a.router = api.NewRouter(handlers, api.RouterConfig{
		Auth:          authMiddleware,
		WebhookSecret: cfg.Webhook.Secret,
		WebhookRate:   cfg.Webhook.RateLimit,
		WebhookBurst:  cfg.Webhook.Burst,
		Health:        a.health,
	})
	a.server = &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      a.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

func eventLogger(logger logrus.FieldLogger) notifications.Notifier {
	return notifications.NotifierFunc(func(_ context.Context, e notifications.Event) error {
		logger.WithFields(logrus.Fields{
			"event":           e.Type,
			"organization_id": e.OrganizationID,
			"ticket_id":       e.TicketID,
			"email_thread_id": e.ThreadID,
		}).Debug("conversation event")
		return nil
	})
}

func (a *App) openStorage(ctx context.Context) error {
	dbCfg := a.cfg.Database
	if dbCfg.Driver == "memory" {
		dir := repository.NewMemoryDirectory()
		if err := seedDirectory(dir, a.cfg.Directory); err != nil {
			return err
		}
		a.store = repository.NewMemoryStore()
		a.dir = dir
		a.logger.WithField("organizations", len(a.cfg.Directory.Organizations)).Info("using in-memory storage")
		return nil
	}

	db, dialect, err := database.Open(ctx, database.Config{
		Driver:          dbCfg.Driver,
		DSN:             dbCfg.DSN,
		MaxOpenConns:    dbCfg.MaxOpenConns,
		MaxIdleConns:    dbCfg.MaxIdleConns,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	if dbCfg.AutoMigrate {
		n, err := database.Migrate(ctx, db, dialect)
		if err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		a.logger.WithFields(logrus.Fields{"dialect": dialect, "statements": n}).Info("database schema applied")
	}
	qb := database.NewQueryBuilder(db, dialect)
	a.store = repository.NewSQLStore(qb)
	a.dir = repository.NewSQLDirectory(qb)
	return nil
}

func seedDirectory(dir *repository.MemoryDirectory, cfg config.DirectoryConfig) error {
	for _, org := range cfg.Organizations {
		dir.AddOrganization(models.Organization{ID: org.ID, Name: org.Name, RoutingAddress: org.RoutingAddress})
	}
	for _, acct := range cfg.LinkedAccounts {
		provider, err := models.ParseProvider(acct.Provider)
		if err != nil {
			return fmt.Errorf("directory.linked_accounts user %d: %w", acct.UserID, err)
		}
		dir.LinkAccount(models.LinkedAccount{
			UserID:      acct.UserID,
			Provider:    provider,
			Email:       acct.Email,
			AccessToken: acct.AccessToken,
		})
	}
	return nil
}

func (a *App) newResolver(ctx context.Context) (*correlation.OrganizationResolver, error) {
	rc := a.cfg.Redis
	var orgCache correlation.OrganizationCache
	if rc.Enabled {
		client, err := cache.NewRedisClient(ctx, cache.Config{
			Addrs:       rc.Addrs,
			Password:    rc.Password,
			DB:          rc.DB,
			ClusterMode: rc.ClusterMode,
			PoolSize:    rc.PoolSize,
			KeyPrefix:   rc.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
		orgCache = cache.NewRedisOrganizationCache(client, rc.KeyPrefix)
	} else {
		orgCache = cache.NewLocalOrganizationCache()
	}
	return correlation.NewOrganizationResolver(a.dir,
		correlation.WithResolverCache(orgCache, rc.CacheTTL),
		correlation.WithResolverLogger(a.logger.WithField("component", "resolver"))), nil
}

func (a *App) newChannels(ctx context.Context, o *options) ([]outbound.Channel, error) {
	pc := a.cfg.Providers
	chOpts := []outbound.ChannelOption{outbound.WithChannelLogger(a.logger.WithField("component", "outbound"))}
	if pc.Breaker.Enabled {
		chOpts = append(chOpts, outbound.WithBreaker(outbound.BreakerConfig{
			MaxRequests:         pc.Breaker.MaxRequests,
			Interval:            pc.Breaker.Interval,
			Timeout:             pc.Breaker.Timeout,
			ConsecutiveFailures: pc.Breaker.ConsecutiveFailures,
		}))
	} else {
		chOpts = append(chOpts, outbound.WithoutBreaker())
	}

	var support outbound.Channel
	switch pc.Support {
	case "smtp":
		support = outbound.NewSMTPChannel(outbound.SMTPConfig{
			Host:       pc.SMTP.Host,
			Port:       pc.SMTP.Port,
			User:       pc.SMTP.User,
			Password:   pc.SMTP.Password,
			AuthType:   pc.SMTP.AuthType,
			TLSMode:    pc.SMTP.TLSMode,
			SkipVerify: pc.SMTP.SkipVerify,
			From:       pc.SMTP.From,
		}, chOpts...)
	default:
		client := o.sesClient
		if client == nil {
			sesClient, err := outbound.NewSESClient(ctx, pc.SES.Region)
			if err != nil {
				return nil, err
			}
			client = sesClient
		}
		support = outbound.NewSESChannel(client, pc.SES.From, chOpts...)
	}

	channels := []outbound.Channel{
		support,
		outbound.NewGmailChannel(outbound.GmailConfig{Endpoint: pc.Gmail.Endpoint}, chOpts...),
		outbound.NewGraphChannel(outbound.GraphConfig{BaseURL: pc.Graph.BaseURL}, chOpts...),
	}
	return append(channels, o.channels...), nil
}

func (a *App) health(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.router }

// Logger returns the process logger.
func (a *App) Logger() *logrus.Logger { return a.logger }

// Store exposes the conversation store.
func (a *App) Store() repository.Store { return a.store }

// ApplyConfig applies the settings that can change without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		a.logger.WithError(err).Warn("ignoring invalid logging.level")
		return
	}
	if level != a.logger.GetLevel() {
		a.logger.SetLevel(level)
		a.logger.WithField("level", level.String()).Info("log level changed")
	}
}

// Run serves HTTP and the notification hub until ctx is cancelled, then
// drains in-flight requests within server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hub.Run(gctx)
	})
	g.Go(func() error {
		a.logger.WithField("addr", a.server.Addr).Info("mailbridge listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases database and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Migrate applies the schema for a SQL driver and returns the number of
// statements executed.
func Migrate(ctx context.Context, cfg config.DatabaseConfig) (int, error) {
	if cfg.Driver == "memory" {
		return 0, errors.New("migrate: the memory driver has no schema")
	}
	db, dialect, err := database.Open(ctx, database.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return database.Migrate(ctx, db, dialect)
}
