// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/gatekeyd/gatekey/pkg/config"
	"github.com/gatekeyd/gatekey/pkg/events"
	"github.com/gatekeyd/gatekey/pkg/journey"
	"github.com/gatekeyd/gatekey/pkg/journey/plugin"
	"github.com/gatekeyd/gatekey/pkg/journey/steps"
	"github.com/gatekeyd/gatekey/pkg/keys"
	"github.com/gatekeyd/gatekey/pkg/logger"
	"github.com/gatekeyd/gatekey/pkg/oauth"
	"github.com/gatekeyd/gatekey/pkg/oauth/authorize"
	"github.com/gatekeyd/gatekey/pkg/oauth/dpop"
	"github.com/gatekeyd/gatekey/pkg/oauth/grants"
	"github.com/gatekeyd/gatekey/pkg/server"
	"github.com/gatekeyd/gatekey/pkg/storage"
	"github.com/gatekeyd/gatekey/pkg/storage/sqlite"
	"github.com/gatekeyd/gatekey/pkg/tenant"
	"github.com/gatekeyd/gatekey/pkg/token"
	"github.com/gatekeyd/gatekey/pkg/upstream"
	"github.com/gatekeyd/gatekey/pkg/user"
	"github.com/gatekeyd/gatekey/pkg/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the authorization server.
The server reads its configuration from the file given with --config plus
GATEKEY_-prefixed environment overrides, and provisions tenants, clients,
users, and journey policies from the bootstrap document when one is
configured.`,
	RunE: runServe,
}

const (
	gracefulShutdownTimeout = 30 * time.Second
	serverReadHeaderTimeout = 10 * time.Second
	serverIdleTimeout       = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("config", "", "Path to the configuration file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Debug && !viper.GetBool("debug") {
		viper.Set("debug", true)
		logger.Initialize()
	}

	store, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening sqlite database: %w", err)
	}
	defer db.Close()
	auditStore := sqlite.NewAuditStore(db)
	deliveries := sqlite.NewDeliveryStore(db)

	keySvc, err := buildKeys(cfg)
	if err != nil {
		return err
	}
	tokens := token.NewService(cfg.Issuer, keySvc)
	introspector := token.NewIntrospector(tokens, store)

	sessionOpts := []authorize.SessionOption{
		authorize.WithSessionLifetime(cfg.Sessions.Lifetime),
	}
	if cfg.Sessions.InsecureCookies {
		sessionOpts = append(sessionOpts, authorize.WithInsecureCookies())
	}
	sessions, err := authorize.NewSessionManager(decodeSecret(cfg.Sessions.SigningKey), sessionOpts...)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	tenants := tenant.NewMemoryRegistry()
	clients := oauth.NewMemoryClientRegistry()
	users := user.NewMemoryService()
	policies := journey.NewMemoryPolicyRegistry()
	upstreams := upstream.NewMemoryRegistry()

	if err := provision(ctx, cfg, tenants, clients, users, policies, upstreams); err != nil {
		return err
	}

	resolverOpts := []tenant.ResolverOption{}
	if cfg.Tenancy.DefaultTenant != "" {
		resolverOpts = append(resolverOpts, tenant.WithDefaultTenant(cfg.Tenancy.DefaultTenant))
	}
	resolver := tenant.NewResolver(tenants, tenant.Strategy(cfg.Tenancy.Strategy), resolverOpts...)

	flow := authorize.NewFlow(clients, store, users, sessions,
		authorize.WithPARLifetime(cfg.Tokens.PARLifetime),
	)
	clientAuth := grants.NewAuthenticator(clients, store, []string{
		cfg.Issuer,
		cfg.Issuer + "/connect/token",
	})
	device := grants.NewDeviceAuthorizer(store, cfg.Issuer+"/device")
	grantRegistry := grants.NewRegistry(store, users, tokens)
	dpopValidator := dpop.NewValidator(store)

	bus := events.NewBus([]events.Sink{
		&events.LoggerSink{},
		events.NewAuditSink(auditStore),
		events.NewWebhookSink(tenants, deliveries),
	})

	issuer := cfg.Issuer
	engine := journey.NewEngine(policies, store, steps.NewRegistry(), &journey.Services{
		Users:    users,
		Store:    store,
		Events:   bus,
		Email:    &logEmailSender{},
		SMS:      &logSMSSender{},
		Plugins:  plugin.NewExecutor(ctx),
		Upstream: upstreams,
		CallbackURL: func(journeyID string) string {
			return issuer + "/journey/" + journeyID + "/callback"
		},
	}, journey.WithJourneyTTL(cfg.Journeys.TTL))

	srv, err := server.New(server.Deps{
		Issuer:       cfg.Issuer,
		Tenants:      tenants,
		Resolver:     resolver,
		Clients:      clients,
		Users:        users,
		Store:        store,
		Flow:         flow,
		Sessions:     sessions,
		Grants:       grantRegistry,
		ClientAuth:   clientAuth,
		Device:       device,
		Tokens:       tokens,
		Introspector: introspector,
		Keys:         keySvc,
		DPoP:         dpopValidator,
		Engine:       engine,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	processor := events.NewProcessor(deliveries, tenants, webhook.NewClient(),
		events.WithPollInterval(cfg.Webhooks.PollInterval),
		events.WithBatchSize(cfg.Webhooks.BatchSize),
	)

	logger.Infow("starting server", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return processor.Run(ctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Infow("server shutdown complete")
	return nil
}

// buildStorage creates the short-lived artifact store for the configured
// backend.
func buildStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.StorageRedis:
		s, err := storage.NewRedisStorage(ctx, storage.RedisConfig{
			Addrs:    []string{cfg.Storage.Redis.Addr},
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return s, nil
	default:
		return storage.NewMemoryStorage(), nil
	}
}

// buildKeys creates the signing-key service over the configured material
// provider.
func buildKeys(cfg *config.Config) (*keys.Service, error) {
	var provider keys.MaterialProvider
	switch cfg.Keys.Provider {
	case "memory":
		provider = keys.NewMemoryProvider()
	default:
		masterKey := decodeSecret(cfg.Keys.MasterKey)
		if len(masterKey) == 0 {
			return nil, fmt.Errorf("keys.master_key is required for the local provider")
		}
		p, err := keys.NewLocalProvider(cfg.Keys.Dir, masterKey)
		if err != nil {
			return nil, fmt.Errorf("creating local key provider: %w", err)
		}
		provider = p
	}
	return keys.NewService(provider,
		keys.WithAlgorithm(cfg.Keys.Algorithm),
		keys.WithRotationOverlap(cfg.Keys.RotationOverlap),
	), nil
}

// decodeSecret accepts a base64 value, padded or not, and falls back to the
// raw string bytes.
func decodeSecret(s string) []byte {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b
	}
	return []byte(s)
}

// logEmailSender and logSMSSender log instead of sending. They stand in for
// real delivery integrations in development deployments.
type logEmailSender struct{}

func (*logEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	logger.Infow("email (log sender)", "to", to, "subject", subject, "body", body)
	return nil
}

type logSMSSender struct{}

func (*logSMSSender) SendSMS(_ context.Context, to, body string) error {
	logger.Infow("sms (log sender)", "to", to, "body", body)
	return nil
}
