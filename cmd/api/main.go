package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"agritrace.org/internal/anchor"
	"agritrace.org/internal/auth"
	"agritrace.org/internal/certify"
	"agritrace.org/internal/config"
	"agritrace.org/internal/credential"
	"agritrace.org/internal/httpapi"
	"agritrace.org/internal/obs"
	"agritrace.org/internal/store/pg"
	"agritrace.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to agritrace.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: PostgreSQL when a DSN is configured, otherwise in-memory.
	var (
		store certify.Store
		probe httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		obs.Warn("no database configured, using in-memory store", nil)
		store = certify.NewInMemory()
	}

	signer, err := newSigner(cfg)
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}

	authSvc, err := auth.NewService(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	events := stream.New()
	svc := certify.NewService(store, certify.WithSigner(signer), certify.WithEvents(events))

	anchorer, closeAnchorer, err := newAnchorer(cfg.Anchor)
	if err != nil {
		log.Fatalf("anchor backend: %v", err)
	}
	defer closeAnchorer()

	var worker *anchor.Worker
	if anchorer != nil {
		worker = anchor.NewWorker(anchorer, store, events, anchor.Config{
			Workers:       cfg.Anchor.Workers,
			QueueSize:     cfg.Anchor.QueueSize,
			MaxAttempts:   cfg.Anchor.MaxAttempts,
			Timeout:       cfg.Anchor.Timeout,
			Backoff:       cfg.Anchor.Backoff,
			SweepInterval: cfg.Anchor.SweepInterval,
		})
		worker.Start(ctx)
		svc.SetAnchorQueue(worker)
		n, err := worker.Recover(ctx, cfg.Anchor.RecoverSize)
		if err != nil {
			obs.Warn("anchoring recovery failed", map[string]any{"error": err})
		} else if n > 0 {
			obs.Info("re-enqueued pending credentials", map[string]any{"count": n})
		}
	}

	// HTTP API
	api := httpapi.New(probe, version, svc, httpapi.Options{
		Auth:          authSvc,
		DevTokens:     cfg.Auth.DevTokens,
		TokenTTL:      cfg.Auth.TokenTTL,
		Stream:        events,
		PublicBaseURL: cfg.PublicBaseURL,
		RateBurst:     cfg.Server.RateBurst,
		RatePerSecond: cfg.Server.RatePerSecond,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// gRPC health
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe, version)
	health.Register(grpcSrv)
	go health.Run(ctx, 10*time.Second)

	obs.Info("starting agritrace-api", map[string]any{
		"version":        version,
		"addr":           srv.Addr,
		"grpc_addr":      cfg.Server.GRPCAddr,
		"anchor_backend": cfg.Anchor.Backend,
		"key_id":         signer.KeyID(),
	})

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		obs.Info("shutting down", nil)
	case err := <-errCh:
		obs.Error("server failed", map[string]any{"error": err})
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if worker != nil {
		worker.Stop()
	}
	obs.Info("stopped", nil)
}

func newSigner(cfg *config.Config) (*credential.Signer, error) {
	if seed := cfg.SigningSeed(); seed != nil {
		return credential.NewSigner(seed, cfg.Signing.KeyID)
	}
	obs.Warn("no signing seed configured, generated an ephemeral key", map[string]any{"key_id": cfg.Signing.KeyID})
	return credential.GenerateSigner(cfg.Signing.KeyID)
}

// newAnchorer returns nil when anchoring is disabled.
func newAnchorer(cfg config.AnchorConfig) (anchor.Anchorer, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.AnchorBackendNone, "":
		return nil, noop, nil
	case config.AnchorBackendHTTP:
		client := &http.Client{Timeout: cfg.Timeout}
		return anchor.NewHTTPAnchorer(cfg.Endpoint, cfg.Network, anchor.WithHTTPClient(client)), noop, nil
	case config.AnchorBackendGRPC:
		a, err := anchor.DialGRPC(cfg.Endpoint, cfg.Network)
		if err != nil {
			return nil, noop, err
		}
		return a, func() { _ = a.Close() }, nil
	case config.AnchorBackendCometBFT:
		a, err := anchor.NewCometAnchorer(cfg.Endpoint, cfg.Network)
		if err != nil {
			return nil, noop, err
		}
		return a, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown anchor backend %q", cfg.Backend)
	}
}
