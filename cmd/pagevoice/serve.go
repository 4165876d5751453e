package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/httpapi"
	"github.com/ent0n29/pagevoice/internal/session"
)

var serveBindAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP bridge for the page widget",
	Long: `Serve the widget bridge: chat turns stream back as server-sent events,
speech and recording are controlled over HTTP, and state changes are pushed on
the /v1/events websocket.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if serveBindAddr != "" {
			rt.cfg.BindAddr = serveBindAddr
		}
		if _, err := rt.applyPreferences(ctx, localUserID); err != nil {
			log.Printf("[pagevoice] default preferences unavailable: %v", err)
		}
		return serve(rt)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveBindAddr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
}

func serve(rt *runtime) error {
	cfg := rt.cfg
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		rt.metrics.ObserveSessionEvent("expired")
		rt.metrics.SetActiveSessions(sessions.ActiveCount())
		log.Printf("[pagevoice] session %s expired after %d turns", s.ID, s.Turns)
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:    sessions,
		Settings:    rt.store,
		Chat:        rt.chat,
		Speech:      rt.speech,
		Recorder:    rt.recorder,
		Transcriber: rt.transcriber,
		Metrics:     rt.metrics,
		Hub:         rt.hub,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Printf("shutdown signal received")
	}

	runCancel()
	if rt.recorder.State().Status == capture.StatusRecording {
		_, _ = rt.recorder.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
	return nil
}
