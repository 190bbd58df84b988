// Package server assembles the gateway from its parts and runs the process
// lifecycle: boot, the HTTP listener, the background supervisors, and the
// graceful drain on shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/groups"
	"mcpgateway-go/internal/health"
	"mcpgateway-go/internal/httpapi"
	"mcpgateway-go/internal/idp"
	"mcpgateway-go/internal/index"
	"mcpgateway-go/internal/observability"
	"mcpgateway-go/internal/proxycfg"
	"mcpgateway-go/internal/registry"
	"mcpgateway-go/internal/scopes"
	"mcpgateway-go/internal/secret"
	"mcpgateway-go/internal/storage"
	"mcpgateway-go/internal/upstream"
)

// Gateway holds every long-lived component.
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	bus      *events.Bus
	db       *storage.BoltDB
	registry *registry.Manager
	scopes   *scopes.Store
	health   *health.Supervisor
	index    *index.Manager
	groups   *groups.Sync
	metrics  *observability.MetricsManager
	tracing  *observability.TracingManager

	api   *httpapi.Server
	admin *adminMCP
	// adminHandler is the admin MCP endpoint behind credential and
	// UI-capability checks; anonymous callers never reach the tools.
	adminHandler http.Handler

	httpServer *http.Server
	startTime  time.Time
}

// New wires the gateway. cfg must already be validated.
func New(cfg *config.Config, logger *zap.Logger, version string) (*Gateway, error) {
	bus := events.NewBus()

	db, err := storage.NewBoltDB(cfg.DataDir, logger.Sugar())
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	secrets := secret.NewResolver()

	store, err := scopes.NewStore(cfg.ScopesPaths, bus, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	reg, err := registry.NewManager(cfg.ServersDir(), bus, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.SetToolResolver(reg)
	reg.SetProxySink(proxycfg.NewWriter(cfg.ProxyFragmentPath(), cfg.Proxy.ReloadCommand, bus, logger))

	healthSv := health.NewSupervisor(reg, upstream.NewProber(logger), bus,
		cfg.HealthInterval(), cfg.ProbeTimeout(), logger)

	var encoder index.Encoder
	if cfg.Index.EmbeddingsEndpoint != "" {
		encoder = index.NewCachedEncoder(
			index.NewHTTPEncoder(cfg.Index.EmbeddingsEndpoint, cfg.Index.EmbeddingsModel, cfg.Index.Dimensions),
			db, logger)
	}
	idx := index.NewManager(reg, healthSv, encoder, bus, cfg.RebuildDebounce(),
		cfg.IndexCacheDir(), cfg.ServersDir(), logger)

	var cognitoV *auth.CognitoValidator
	var keycloakV *auth.KeycloakValidator
	if cfg.Cognito != nil || cfg.Keycloak != nil {
		keys, err := auth.NewKeyCache(context.Background())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize JWKS cache: %w", err)
		}
		if cfg.Cognito != nil {
			cognitoV = auth.NewCognitoValidator(cfg.Cognito, keys)
		}
		if cfg.Keycloak != nil {
			keycloakV = auth.NewKeycloakValidator(cfg.Keycloak, keys)
		}
	}

	secureCookies := strings.HasPrefix(cfg.ExternalURL, "https://")
	sessions := auth.NewSessionManager([]byte(cfg.SecretKey), cfg.SessionTTL(), secureCookies)
	authorizer := auth.NewAuthorizer(store, reg, sessions, cognitoV, keycloakV, db, cfg.AuthBudget(), logger)
	vendor := auth.NewVendor(sessions, db, logger)

	login, err := buildLoginFlow(cfg, secrets, cognitoV, keycloakV, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	provider, err := buildIdentityProvider(cfg, secrets, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	sync := groups.NewSync(provider, store, secrets, logger)

	var metrics *observability.MetricsManager
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetricsManager(logger.Sugar())
	}
	tracing, err := observability.NewTracingManager(logger.Sugar(), cfg.Tracing.Enabled, cfg.Tracing.Endpoint, version)
	if err != nil {
		db.Close()
		return nil, err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Authorizer: authorizer,
		Login:      login,
		Vendor:     vendor,
		Sessions:   sessions,
		Registry:   reg,
		Health:     healthSv,
		Index:      idx,
		Groups:     sync,
		Scopes:     store,
		Metrics:    metrics,
		Logger:     logger,
	})
	admin := newAdminMCP(version, reg, healthSv, idx, sync, cfg.Index.TopKServices, cfg.Index.TopNTools, logger)

	return &Gateway{
		cfg:          cfg,
		logger:       logger.Named("gateway"),
		bus:          bus,
		db:           db,
		registry:     reg,
		scopes:       store,
		health:       healthSv,
		index:        idx,
		groups:       sync,
		metrics:      metrics,
		tracing:      tracing,
		api:          api,
		admin:        admin,
		adminHandler: newMCPAuth(authorizer, store, admin.Handler(), logger),
	}, nil
}

// buildLoginFlow wires browser login for the configured provider, or returns
// nil when login is disabled.
func buildLoginFlow(cfg *config.Config, secrets *secret.Resolver, cognitoV *auth.CognitoValidator, keycloakV *auth.KeycloakValidator, logger *zap.Logger) (*auth.LoginFlow, error) {
	if cfg.Login.Provider == "" {
		return nil, nil
	}
	redirectURL := strings.TrimSuffix(cfg.ExternalURL, "/") + "/callback"

	switch cfg.Login.Provider {
	case "cognito":
		clientSecret, err := secrets.Resolve(cfg.Cognito.ClientSecretRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cognito client secret: %w", err)
		}
		return auth.NewLoginFlow("cognito", cfg.Cognito.ClientID, clientSecret, redirectURL,
			auth.CognitoEndpoint(cfg.Cognito.Domain), cfg.Login.Scopes, cognitoV.Verify, logger), nil
	case "keycloak":
		clientSecret, err := secrets.Resolve(cfg.Keycloak.ClientSecretRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve keycloak client secret: %w", err)
		}
		return auth.NewLoginFlow("keycloak", cfg.Keycloak.ClientID, clientSecret, redirectURL,
			auth.KeycloakEndpoint(cfg.Keycloak.URL, cfg.Keycloak.Realm), cfg.Login.Scopes, keycloakV.Verify, logger), nil
	default:
		return nil, fmt.Errorf("unknown login provider %q", cfg.Login.Provider)
	}
}

// buildIdentityProvider selects the group-administration driver. Keycloak
// needs an admin client; Cognito uses the ambient AWS credentials.
func buildIdentityProvider(cfg *config.Config, secrets *secret.Resolver, logger *zap.Logger) (idp.IdentityProvider, error) {
	if cfg.Keycloak != nil && cfg.Keycloak.AdminClientID != "" {
		adminSecret, err := secrets.Resolve(cfg.Keycloak.AdminClientSecretRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve keycloak admin secret: %w", err)
		}
		return idp.NewKeycloak(cfg.Keycloak.URL, cfg.Keycloak.Realm, cfg.Keycloak.AdminClientID, adminSecret, logger), nil
	}
	if cfg.Cognito != nil {
		provider, err := idp.NewCognito(context.Background(), cfg.Cognito.Region, cfg.Cognito.UserPoolID, cfg.Cognito.Domain, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cognito admin client: %w", err)
		}
		return provider, nil
	}
	return nil, nil
}

// Run starts everything and blocks until ctx is cancelled or the listener
// fails, then drains.
func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.startTime = time.Now()
	g.health.Start(runCtx)
	g.index.Start(runCtx)

	eventsDone := make(chan struct{})
	go g.eventLoop(runCtx, eventsDone)

	if g.metrics != nil {
		g.metrics.SetUptime(g.startTime)
		g.updateServiceStats()
	}

	g.httpServer = &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.handler(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       180 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", zap.String("addr", g.cfg.Listen))
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		g.logger.Error("listener failed", zap.Error(runErr))
	}

	g.shutdown()
	cancel()
	<-eventsDone
	return runErr
}

// handler mounts the admin MCP endpoint, guarded, in front of the REST API.
func (g *Gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcpgw/mcp", g.adminHandler)
	mux.Handle("/mcpgw/mcp/", g.adminHandler)
	mux.Handle("/", g.api)
	return mux
}

// shutdown drains the listener, then stops the background components.
func (g *Gateway) shutdown() {
	g.logger.Info("shutting down", zap.Duration("drain_timeout", g.cfg.DrainTimeout()))

	drainCtx, cancel := context.WithTimeout(context.Background(), g.cfg.DrainTimeout())
	defer cancel()
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(drainCtx); err != nil {
			g.logger.Warn("drain incomplete, closing remaining connections", zap.Error(err))
			_ = g.httpServer.Close()
		}
	}

	g.health.Stop()
	g.index.Stop()
	if err := g.tracing.Close(drainCtx); err != nil {
		g.logger.Warn("trace exporter shutdown failed", zap.Error(err))
	}
	if err := g.db.Close(); err != nil {
		g.logger.Warn("state database close failed", zap.Error(err))
	}
	g.logger.Info("shutdown complete")
}

// eventLoop reacts to bus events: scope cleanup on service removal and the
// metric mirrors of health, index, and proxy activity.
func (g *Gateway) eventLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	sub := g.bus.Subscribe()
	defer g.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			g.handleEvent(evt)
		}
	}
}

func (g *Gateway) handleEvent(evt events.Event) {
	switch evt.Type {
	case events.EventServiceRemoved:
		name, _ := evt.Payload["name"].(string)
		path, _ := evt.Payload["path"].(string)
		if err := g.scopes.RemoveServerEverywhere(name, path); err != nil {
			g.logger.Error("failed to remove deleted service from scope groups",
				zap.String("path", path), zap.Error(err))
		}
		g.updateServiceStats()
	case events.EventServiceRegistered, events.EventServiceToggled, events.EventServiceUpdated:
		g.updateServiceStats()
	case events.EventHealthChanged:
		if g.metrics != nil {
			path, _ := evt.Payload["path"].(string)
			from, _ := evt.Payload["from"].(string)
			to, _ := evt.Payload["status"].(string)
			g.metrics.RecordHealthStateChange(path, from, to)
		}
	case events.EventIndexRebuilt:
		if g.metrics != nil {
			services, _ := evt.Payload["services"].(int)
			tools, _ := evt.Payload["tools"].(int)
			durationMs, _ := evt.Payload["duration_ms"].(int64)
			g.metrics.SetIndexStats(services, tools)
			g.metrics.RecordIndexRebuild("success", time.Duration(durationMs)*time.Millisecond)
		}
	case events.EventProxyReloadRequested:
		if g.metrics != nil {
			g.metrics.RecordProxyReload("success")
		}
	case events.EventScopesReloaded:
		if g.metrics != nil {
			g.metrics.RecordScopeWrite("success")
		}
	}
}

func (g *Gateway) updateServiceStats() {
	if g.metrics == nil {
		return
	}
	records := g.registry.List()
	enabled := 0
	for _, rec := range records {
		if rec.Enabled {
			enabled++
		}
	}
	g.metrics.SetServiceStats(len(records), enabled, len(g.registry.Quarantined()))
}
