package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wabridge/server/internal/adapter"
	"github.com/wabridge/server/internal/browser"
	"github.com/wabridge/server/internal/config"
	"github.com/wabridge/server/internal/gateway"
	"github.com/wabridge/server/internal/metrics"
	"github.com/wabridge/server/internal/mock"
	"github.com/wabridge/server/internal/qr"
	"github.com/wabridge/server/internal/session"
	"github.com/wabridge/server/internal/whatsapp"
	"github.com/wabridge/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	configPath string
	port       int
	mock       bool
	verbose    bool
}

func serveCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(contextOf(cmd), f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "config.yaml", "Path to config file")
	cmd.Flags().IntVar(&f.port, "port", 0, "Override server port")
	cmd.Flags().BoolVar(&f.mock, "mock", false, "Use a scripted session instead of a browser")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log at debug level")
	return cmd
}

func runServe(ctx context.Context, f serveFlags) error {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return err
	}
	if f.port > 0 {
		cfg.Server.Port = f.port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log.Level, cfg.Log.Format, f.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := session.NewStore()
	m := metrics.New()
	renderer := qr.NewDataURLRenderer(cfg.QR.Size)

	hub := ws.NewHub(ws.HubOptions{
		Store:        store,
		Renderer:     renderer,
		Logger:       log.Named("hub"),
		Metrics:      m,
		SendBuffer:   cfg.Server.SendBuffer,
		WriteTimeout: cfg.Server.WriteTimeout,
		PingInterval: cfg.Server.PingInterval,
	})

	health := browser.NewHealth()
	var factory whatsapp.Factory
	if f.mock {
		log.Info("starting with scripted session")
		factory = mock.Factory(mock.DefaultTiming())
	} else {
		log.Info("starting with browser session", zap.String("profile", cfg.Session.DataDir))
		factory = browser.NewFactory(browser.Options{
			DataDir:      cfg.Session.DataDir,
			Bin:          cfg.Session.BrowserBin,
			Headless:     cfg.Session.Headless,
			WebURL:       cfg.Session.WebURL,
			UserAgent:    cfg.Session.UserAgent,
			PollInterval: cfg.Session.PollInterval,
			ReadyTimeout: cfg.Session.ReadyTimeout,
			Logger:       log.Named("browser"),
			Metrics:      m,
			Health:       health,
		})
	}

	redactor := cfg.Privacy.NewRedactor()
	if !redactor.IsNoop() {
		log.Info("log redaction enabled",
			zap.Bool("mask_numbers", redactor.MaskNumbers),
			zap.Bool("mask_bodies", redactor.MaskBodies))
	}

	sess := adapter.New(adapter.Options{
		Factory:     factory,
		Store:       store,
		Publisher:   hub,
		Renderer:    renderer,
		Logger:      log.Named("adapter"),
		Redactor:    redactor,
		Metrics:     m,
		SendTimeout: cfg.Session.SendTimeout,
	})

	gw := gateway.New(gateway.Options{
		Session: sess,
		Store:   store,
		Logger:  log.Named("gateway"),
		Metrics: m,
	})

	srv := ws.NewServer(ws.ServerOptions{
		Hub:            hub,
		Logger:         log.Named("http"),
		Commands:       gw.Routes,
		Metrics:        m.Handler(),
		Health:         healthHandler(store, hub, health),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
	})

	log.Info("wabridge listening",
		zap.String("addr", cfg.Addr()),
		zap.String("client_url", cfg.Server.ClientURL),
		zap.Bool("auth", cfg.Server.AuthToken != ""),
		zap.String("version", version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ws.ListenAndServe(gctx, cfg.Addr(), srv.Handler(), log)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := sess.Close(shutdownCtx)
		hub.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status    session.Status         `json:"status"`
	Observers int                    `json:"observers"`
	Browser   browser.HealthSnapshot `json:"browser"`
}

func healthHandler(store *session.Store, hub *ws.Hub, health *browser.Health) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:    store.Snapshot().Status,
			Observers: hub.ObserverCount(),
			Browser:   health.Snapshot(),
		})
	})
}
