// Package disperserd runs a disperse session engine behind a local HTTP API.
package disperserd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"disperse/chain"
	"disperse/observability/logging"
	telemetry "disperse/observability/otel"
	"disperse/session"
	"disperse/txflow"
	"disperse/verifier"
)

// PassphraseFunc resolves the keystore passphrase given the configured
// environment variable name.
type PassphraseFunc func(envVar string) (string, error)

type mainOptions struct {
	passphrase PassphraseFunc
}

// Option customises Main.
type Option func(*mainOptions)

// WithPassphrase overrides how the keystore passphrase is obtained.
func WithPassphrase(fn PassphraseFunc) Option {
	return func(o *mainOptions) { o.passphrase = fn }
}

func envPassphrase(envVar string) (string, error) {
	value, ok := os.LookupEnv(envVar)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s must hold the keystore passphrase", envVar)
	}
	return value, nil
}

// Main initialises and runs the disperse daemon.
func Main(opts ...Option) error {
	options := mainOptions{passphrase: envPassphrase}
	for _, opt := range opts {
		opt(&options)
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/disperserd/config.yaml", "path to disperserd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("DISPERSE_ENV"))
	if env == "" {
		env = strings.TrimSpace(cfg.Env)
	}
	logger := logging.Setup("disperserd", env,
		logging.WithLevel(cfg.Log.SlogLevel()),
		logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))

	creds := cfg.Auth.Credentials()
	if !creds.Configured() {
		return fmt.Errorf("api credentials: set %s or %s", cfg.Auth.TokenEnv, cfg.Auth.JWTSecretEnv)
	}

	telemetryCfg := telemetry.ConfigFromEnv("disperserd", env)
	telemetryCfg.DefaultChain = cfg.DefaultChain
	telemetryCfg.SupportedChains = cfg.SupportedChains
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	provider, err := chain.NewRPCProvider(cfg.Networks(),
		chain.WithDefaultChain(cfg.DefaultChain),
		chain.WithRateLimit(cfg.RPCRateLimit.PerSecond, cfg.RPCRateLimit.Burst),
		chain.WithPollInterval(cfg.ReceiptInterval.Duration),
		chain.WithProviderLogger(logger))
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	defer provider.Close()

	cache := verifier.SharedCache()
	if cfg.Contracts.CacheEntries > 0 {
		cache = verifier.NewMemoryCache(cfg.Contracts.CacheEntries)
	}
	v := verifier.New(provider,
		verifier.WithReference(cfg.Contracts.Reference),
		verifier.WithCache(cache),
		verifier.WithAnchorChains(cfg.Contracts.AnchorChains...),
		verifier.WithLogger(logger))

	engine := session.NewEngine(provider, v,
		session.WithSupportedChains(cfg.SupportedChains...),
		session.WithAllowanceInterval(cfg.AllowanceInterval.Duration),
		session.WithDeployments(common.HexToAddress(cfg.Contracts.Legacy), common.HexToAddress(cfg.Contracts.CreateX)),
		session.WithCustomContracts(cfg.CustomContracts()),
		session.WithEngineLogger(logger))

	orchestrator := txflow.New(provider,
		txflow.WithAllowanceReader(engine),
		txflow.WithObserver(engine.OnOperation),
		txflow.WithHistory(cfg.History),
		txflow.WithLogger(logger))

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(stopCtx) }()

	passphrase := func() (string, error) { return options.passphrase(cfg.Keystore.PassphraseEnv) }
	if cfg.Keystore.AutoConnect {
		pass, err := passphrase()
		if err != nil {
			return fmt.Errorf("keystore passphrase: %w", err)
		}
		if err := provider.ConnectKeystore(cfg.Keystore.Path, pass); err != nil {
			return fmt.Errorf("connect keystore: %w", err)
		}
	}

	server := NewServer(ServerConfig{
		Engine:         engine,
		Wallet:         provider,
		Orchestrator:   orchestrator,
		KeystorePath:   cfg.Keystore.Path,
		Passphrase:     passphrase,
		BaseContext:    stopCtx,
		AllowedOrigins: cfg.AllowedOrigins,
		Credentials:    creds,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server.Handler(), "disperserd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("disperserd listening",
			slog.String("address", cfg.ListenAddress),
			slog.Uint64("default_chain", cfg.DefaultChain),
			logging.MaskField("keystore", cfg.Keystore.Path))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		orchestrator.Wait()
		return <-engineDone
	case err := <-errs:
		stop()
		<-engineDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
