package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"aedzpay/internal/account"
	"aedzpay/internal/backend"
	"aedzpay/internal/bridge"
	"aedzpay/internal/config"
	"aedzpay/internal/escrow"
	"aedzpay/internal/idempotency"
	"aedzpay/internal/notify"
	"aedzpay/internal/server"
	"aedzpay/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger.With("service", "aedzpay"))
	logger = slog.Default()

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer, err := wallet.NewSigner(cfg.Chain.SignerPrivateKey, cfg.RPCURLs())
	if err != nil {
		return err
	}
	defer signer.Close()

	ethClient, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
		RPCURL:        cfg.EscrowRPCURL(),
		EscrowAddress: cfg.Escrow.Address,
		Signer:        signer,
	})
	if err != nil {
		return err
	}
	defer ethClient.Close()

	store, kind, err := idempotency.Open(ctx, idempotency.Options{
		PostgresDSN: cfg.Idempotency.PostgresDSN,
		RedisURL:    cfg.Idempotency.RedisURL,
		FilePath:    cfg.Idempotency.FilePath,
	})
	if err != nil {
		return err
	}
	logger.Info("idempotency store ready", "kind", kind)

	metrics := server.NewMetrics()
	dlq := server.NewDLQ(cfg.Server.DLQPath, metrics, logger)
	dlq.Depth() // prime the gauge

	relay := bridge.NewClient(bridge.Config{
		BaseURL: cfg.Bridge.RelayURL,
		APIKey:  cfg.Bridge.APIKey,
		Timeout: cfg.Bridge.Timeout,
	})
	orch := bridge.NewOrchestrator(relay, signer, logger).
		WithPollPolicy(cfg.PollPolicy()).
		WithObserver(metrics)
	tracker := bridge.NewTracker(ctx, orch, dlq.Write)

	var backendClient *backend.Client
	if cfg.Backend.APIURL != "" {
		backendClient = backend.NewClient(backend.Config{BaseURL: cfg.Backend.APIURL})
	}

	svc := account.NewService(account.Config{
		Token:                     common.HexToAddress(cfg.Escrow.USDCAddress),
		Network:                   cfg.Chain.Network,
		ChainID:                   cfg.Chain.ChainID,
		DepositTimelock:           cfg.Escrow.DepositTimelock,
		ReleasePercentagePerSpend: cfg.ReleasePercentage(),
		Policy:                    cfg.PendingPolicy(),
		BackendEmail:              cfg.Backend.Email,
		BackendPassword:           cfg.Backend.Password,
	}, account.Deps{
		Escrow:   ethClient,
		Relay:    relay,
		Intents:  tracker,
		Backend:  backendClient,
		Observer: metrics,
		Logger:   logger,
	})

	if cfg.Backend.WSURL != "" && backendClient != nil {
		sub, err := notify.NewSubscriber(notify.Config{
			URL: cfg.Backend.WSURL,
			Token: func() (string, error) {
				return svc.EnsureSession(ctx)
			},
			Handler: func(ctx context.Context, ev notify.Event) {
				metrics.WSEvent(ev.Type)
				svc.HandlePush(ctx, ev)
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("push subscriber stopped", "err", err)
			}
		}()
	}

	svc.Refresh(ctx)

	apiServer := server.NewServer(server.Options{
		Port:              cfg.Server.HTTPPort,
		HMACSecret:        cfg.Server.HMACSecret,
		HMACClockSkew:     cfg.Server.HMACClockSkew,
		IdempotencyWindow: cfg.Idempotency.Window,
	}, server.Deps{
		Account: svc,
		Store:   store,
		Metrics: metrics,
		DLQ:     dlq,
		Logger:  logger,
		RPC:     ethClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	tracker.Wait()
	switch c := store.(type) {
	case interface{ Close() }:
		c.Close()
	case interface{ Close() error }:
		_ = c.Close()
	}
	return nil
}
