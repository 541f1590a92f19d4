// Command tbserver runs the opportunity acquisition service: it
// attaches to a logged-in Chrome session, watches the listing for rows
// matching the operator's capacity, and exposes the start/stop/status
// HTTP control surface.
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
	"time"

	"github.com/suwatbch/tbserver/browser"
	"github.com/suwatbch/tbserver/captcha"
	"github.com/suwatbch/tbserver/config"
	"github.com/suwatbch/tbserver/engine"
	"github.com/suwatbch/tbserver/ledger"
	"github.com/suwatbch/tbserver/reserve"
	"github.com/suwatbch/tbserver/scanner"
	"github.com/suwatbch/tbserver/server"
	"github.com/suwatbch/tbserver/store"
)

func main() {
	configPath := flag.String("config", env("CONFIG_FILE", ""), "path to YAML config (optional)")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		c, err := config.LoadFile(*configPath)
		if err != nil {
			slog.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = c
	}
	if addr := os.Getenv("ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run history.
	var hist *store.Store
	if !cfg.Store.Disabled {
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			slog.Error("open history store", "path", cfg.Store.Path, "error", err)
			os.Exit(1)
		}
		defer s.Close()
		hist = s
	}

	// Browser.
	mgr := browser.NewManager(browser.Config{
		RemoteURL: cfg.Browser.Remote,
		BaseURL:   cfg.Browser.BaseURL,
		Headless:  cfg.Browser.Headless,
		Selectors: cfg.Browser.Selectors,
		Logger:    logger,
	})
	if err := mgr.Start(ctx); err != nil {
		slog.Error("browser start", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	// Challenge solver. Without a key the engine still runs; gated rows
	// fail their attempts and the halt knob decides what happens next.
	solverKey := os.Getenv("SOLVER_API_KEY")
	if solverKey == "" {
		slog.Warn("SOLVER_API_KEY not set, challenges will not be solved")
	}
	solver := captcha.New(captcha.Config{
		BaseURL:      cfg.Solver.BaseURL,
		APIKey:       solverKey,
		PollInterval: cfg.Solver.PollInterval,
		Deadline:     cfg.Solver.Deadline,
		Logger:       logger,
	})

	matchMode, err := ledger.ParseMatchMode(cfg.Engine.RouteMatch)
	if err != nil {
		slog.Error("route match mode", "error", err)
		os.Exit(1)
	}

	var recorder engine.Recorder
	if hist != nil {
		recorder = hist
	}
	eng := engine.New(mgr, solver, recorder, engine.Config{
		PageURL:                       cfg.Browser.BaseURL,
		RoundDelay:                    cfg.Engine.RoundDelay,
		NavigateDelay:                 cfg.Engine.NavigateDelay,
		MatchMode:                     matchMode,
		ContinueAfterChallengeFailure: cfg.Engine.ContinueOnChallengeError,
		Scanner: scanner.Config{
			PageTimeout: cfg.Engine.PageTimeout,
			MaxRestarts: cfg.Engine.MaxScanRestarts,
			Logger:      logger,
		},
		Reserve: reserve.Config{Logger: logger},
		Logger:  logger,
	})

	// HTTP control surface. The bcrypt hash comes from the environment
	// so credentials never live in the config file.
	srvCfg := server.Config{
		AuthUser: cfg.Server.AuthUser,
		Logger:   logger,
	}
	if hash := os.Getenv("AUTH_PASSWORD_HASH"); hash != "" {
		if srvCfg.AuthUser == "" {
			srvCfg.AuthUser = "admin"
		}
		srvCfg.AuthHash = []byte(hash)
	}
	var histReader server.History
	if hist != nil {
		histReader = hist
	}
	handler := server.New(eng, mgr, histReader, srvCfg)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	done := eng.Done()
	if err := eng.Stop(); err == nil && done != nil {
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			slog.Warn("engine did not stop in time")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
