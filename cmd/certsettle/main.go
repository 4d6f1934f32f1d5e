package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/certsettle/adapters/clearnode"
	"github.com/layer-3/certsettle/adapters/events"
	"github.com/layer-3/certsettle/adapters/ledger"
	"github.com/layer-3/certsettle/adapters/metrics"
	"github.com/layer-3/certsettle/adapters/relay"
	"github.com/layer-3/certsettle/adapters/store"
	"github.com/layer-3/certsettle/adapters/strategy"
	"github.com/layer-3/certsettle/adapters/tokenizer"
	"github.com/layer-3/certsettle/config"
	"github.com/layer-3/certsettle/ports"
	"github.com/layer-3/certsettle/service"
	httptransport "github.com/layer-3/certsettle/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("certsettle stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.StoreDriver == config.StoreRedis || cfg.EventsEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	pendingStore, closeStore, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.New(registry)

	deps := service.Dependencies{
		Store:    pendingStore,
		Events:   events.NopPublisher{},
		Recorder: engineMetrics,
		Logger:   logger,
	}

	chain := setupLedger(ctx, cfg, logger)
	defer chain.close()
	deps.Submitter = chain.submitter
	deps.Encoder = chain.encoder
	if chain.session != nil {
		deps.Session = chain.session
	}

	deps.Strategies = []ports.Strategy{
		strategy.NewRelayStrategy(chain.relay, engineMetrics, logger),
		strategy.NewDirectStrategy(chain.direct, engineMetrics, logger),
	}

	if cfg.EventsEnabled {
		var publisher message.Publisher
		publisher, err = events.NewRedisStreamPublisher(redisClient, logger)
		if err != nil {
			return fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		defer publisher.Close()
		deps.Events = events.NewWatermillPublisher(publisher)
	}

	settleMode, err := service.ParseSettleMode(cfg.SettleMode)
	if err != nil {
		return err
	}

	dispatcher, err := service.NewDispatcher(deps, service.Config{
		AttemptTimeout: cfg.MintAttemptTimeout,
		SettleMode:     settleMode,
	})
	if err != nil {
		return err
	}

	issuerTokens, err := issuerTokenizer(cfg, logger)
	if err != nil {
		return err
	}

	router := httptransport.SetupRouter(dispatcher, issuerTokens,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

// chainWiring holds the on-chain collaborators. Any of them may be nil, in which case issuance queues.
type chainWiring struct {
	direct    strategy.Minter
	relay     strategy.ConfigurableMinter
	submitter ports.Submitter
	encoder   ports.MintEncoder
	session   *clearnode.Client
	closers   []func()
}

func (w chainWiring) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

// setupLedger connects the signer, RPC, relay and ClearNode session. Failures are logged and leave the
// affected minters unset so the service still starts and queues credentials.
func setupLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) chainWiring {
	var w chainWiring
	if !cfg.LedgerConfigured() {
		logger.Warn("ledger not configured, every credential will be queued")
		return w
	}

	signer, err := ledger.NewSignerFromHex(cfg.BackendPrivateKey)
	if err != nil {
		logger.Error("invalid backend key, every credential will be queued", "error", err)
		return w
	}

	if cfg.ClearNodeURL != "" {
		mode, err := clearnode.ParseAuthMode(cfg.ClearNodeAuthMode)
		if err != nil {
			logger.Error("clearnode session disabled", "error", err)
		} else {
			session := clearnode.NewClient(clearnode.Config{
				URL:      cfg.ClearNodeURL,
				AppName:  cfg.ClearNodeAppName,
				AuthMode: mode,
			}, signer, logger)
			w.session = session
			w.closers = append(w.closers, func() { session.Close() })
		}
	}

	rpc, err := ethclient.DialContext(ctx, cfg.LedgerRPCURL)
	if err != nil {
		logger.Error("failed to dial ledger, on-chain minting disabled", "error", err)
		return w
	}

	ledgerClient, err := ledger.NewClient(ctx, rpc, signer, ledger.Config{
		ContractAddress:      cfg.CredentialContract,
		BatchContractAddress: cfg.BatchContract,
		ChainID:              cfg.ChainID,
		MinBalance:           cfg.MinBalance,
		ConfirmTimeout:       cfg.ConfirmTimeout,
	}, logger)
	if err != nil {
		rpc.Close()
		logger.Error("failed to set up ledger client, on-chain minting disabled", "error", err)
		return w
	}
	w.closers = append(w.closers, rpc.Close)
	w.direct = ledgerClient
	w.submitter = ledgerClient
	w.encoder = ledgerClient

	relayClient := relay.NewClient(relay.Config{
		URL:              cfg.RelayURL,
		APIKey:           cfg.RelayAPIKey,
		ForwarderAddress: cfg.RelayForwarder,
	}, ledgerClient, logger)
	if relayClient.Configured() {
		w.relay = relayClient
	}

	logger.Info("ledger configured",
		"chain_id", ledgerClient.ChainID().String(),
		"contract", ledgerClient.ContractAddress(),
		"signer", signer.Address().Hex(),
		"relay", w.relay != nil,
		"session", w.session != nil)
	return w
}

func openStore(ctx context.Context, cfg config.Config, redisClient *redis.Client) (ports.PendingStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		return store.NewRedisStore(redisClient), func() {}, nil
	case config.StoreSQLite, config.StorePostgres:
		driver := store.DriverPostgres
		if cfg.StoreDriver == config.StoreSQLite {
			driver = store.DriverSQLite
		}
		db, err := store.OpenSQL(driver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		sqlStore, err := store.NewSQLStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := sqlStore.CreateSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return sqlStore, func() { db.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func issuerTokenizer(cfg config.Config, logger *slog.Logger) (ports.IssuerTokenizer, error) {
	if cfg.IssuerKeyPath != "" {
		key, err := tokenizer.LoadSigningKey(cfg.IssuerKeyPath)
		if err != nil {
			return nil, err
		}
		return tokenizer.NewJWTTokenizer(key), nil
	}

	// Tokens signed with an ephemeral key do not survive a restart
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate issuer key: %w", err)
	}
	logger.Warn("ISSUER_JWT_KEY not set, using an ephemeral issuer key")
	return tokenizer.NewJWTTokenizer(key), nil
}
