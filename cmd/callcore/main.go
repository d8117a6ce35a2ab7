package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxlane/callcore/internal/dotenv"
	"github.com/voxlane/callcore/pkg/core/hedge"
	"github.com/voxlane/callcore/pkg/core/prime"
	"github.com/voxlane/callcore/pkg/gateway/config"
	gatewayserver "github.com/voxlane/callcore/pkg/gateway/server"
	"github.com/voxlane/callcore/pkg/gateway/sessions"
	"github.com/voxlane/callcore/pkg/store"
)

type serverDeps struct {
	loadConfig   func() (config.Config, error)
	buildGateway func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig:   config.LoadFromEnv,
		buildGateway: buildGateway,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildGateway wires the agent catalog, filler clips, priming cache, and
// call tracker into a server. The returned cleanup closes the store pool
// and is only valid when err is nil.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
	var catalog store.Catalog
	cleanup := func() {}

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := store.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		st, err := store.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		catalog = st
		cleanup = st.Close
		logger.Info("agent catalog loaded from postgres")
	} else {
		catalog = store.NewSeed()
		logger.Warn("no database configured, serving the built-in seed catalog")
	}

	clips, err := catalog.FillerClips(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load filler clips: %w", err)
	}
	hedgeCatalog, err := hedge.NewCatalog(clips)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("build filler catalog: %w", err)
	}
	logger.Info("filler catalog ready", "clips", len(clips))

	remote, err := prime.NewGeminiRemote(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.CacheTTL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("gemini cache client: %w", err)
	}
	cache := prime.NewCache(remote, prime.Config{
		MinContentBytes: cfg.CacheMinContentBytes,
		RemoteMinBytes:  cfg.CacheRemoteMinBytes,
		CreateTimeout:   cfg.CacheCreateTimeout,
		RefreshTimeout:  cfg.CacheCreateTimeout,
	}, logger)

	tracker := sessions.NewTracker(cfg.MaxConcurrentCalls)

	srv, err := gatewayserver.New(cfg, gatewayserver.Deps{
		Catalog: catalog,
		Clips:   hedgeCatalog,
		Cache:   cache,
		Tracker: tracker,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("build server: %w", err)
	}
	return srv, cleanup, nil
}

// buildHTTPServer deliberately leaves ReadTimeout at zero: media streams
// hold their connection for the whole call.
func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServer(ctx context.Context, logger *slog.Logger, deps serverDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildGateway == nil {
		return errors.New("missing buildGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, cleanup, err := deps.buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting callcore",
		"addr", cfg.Addr,
		"model", cfg.GeminiModel,
		"max_calls", cfg.MaxConcurrentCalls,
		"db", cfg.DatabaseURL != "")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.Drain("server shutting down")

	// Shutdown stops the listener and waits for plain HTTP requests.
	// Hijacked websocket calls are not covered; WaitCalls handles those.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitCalls(waitCtx) {
		gw.CancelCalls()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("callcore stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	n, err := dotenv.Load(".env")
	if err != nil {
		fmt.Fprintf(stderr, "callcore: %v\n", err)
		return 1
	}
	if n > 0 {
		logger.Info("applied env file", "vars", n)
	}

	if err := runServer(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callcore: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
