// Package server assembles the HTTP surface: the websocket dispatcher for
// carrier and test-agent streams, health and readiness probes, Prometheus
// metrics, the telco webhook, and the middleware chain around all of it.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxlane/callcore/pkg/core/aileg"
	"github.com/voxlane/callcore/pkg/core/bridge"
	"github.com/voxlane/callcore/pkg/core/hedge"
	"github.com/voxlane/callcore/pkg/core/prime"
	"github.com/voxlane/callcore/pkg/gateway/config"
	"github.com/voxlane/callcore/pkg/gateway/dispatch"
	"github.com/voxlane/callcore/pkg/gateway/handlers"
	"github.com/voxlane/callcore/pkg/gateway/mw"
	"github.com/voxlane/callcore/pkg/gateway/sessions"
	"github.com/voxlane/callcore/pkg/gateway/telco"
	"github.com/voxlane/callcore/pkg/gateway/telephony"
	"github.com/voxlane/callcore/pkg/gateway/testagent"
	"github.com/voxlane/callcore/pkg/store"
)

// Deps carries the collaborators main builds before the server exists:
// the agent catalog (Postgres or seed), the loaded filler clips, the
// session priming cache, and the call admission tracker.
type Deps struct {
	Catalog store.Catalog
	Clips   *hedge.Catalog
	Cache   *prime.Cache
	Tracker *sessions.Tracker

	// DialAI overrides how AI legs are dialed. Nil means the live
	// Gemini dialer.
	DialAI func(context.Context, aileg.Config) (bridge.AILeg, error)
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	tracker    *sessions.Tracker
	dispatcher *dispatch.Dispatcher
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		tracker: deps.Tracker,
	}

	if err := s.routes(deps); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) routes(deps Deps) error {
	carrier := &telephony.Handler{
		Config:  s.cfg,
		Catalog: deps.Catalog,
		Clips:   deps.Clips,
		Cache:   deps.Cache,
		Tracker: deps.Tracker,
		Logger:  s.logger,
		DialAI:  deps.DialAI,
	}
	browser := &testagent.Handler{
		Config:  s.cfg,
		Catalog: deps.Catalog,
		Clips:   deps.Clips,
		Cache:   deps.Cache,
		Tracker: deps.Tracker,
		Logger:  s.logger,
		DialAI:  deps.DialAI,
	}

	s.dispatcher = dispatch.New(carrier, browser, deps.Tracker, s.logger)
	if err := s.dispatcher.Attach(s.mux); err != nil {
		return err
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Tracker: deps.Tracker})
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("/telco/events", &telco.WebhookHandler{Tracker: deps.Tracker, Logger: s.logger})
	return nil
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain stops admission and asks every live call to wrap up.
func (s *Server) Drain(reason string) {
	if s.tracker == nil {
		return
	}
	if asked := s.tracker.Drain(reason); asked > 0 {
		s.logger.Warn("draining live calls", "count", asked, "reason", reason)
	}
}

// WaitCalls blocks until every live call ends or ctx expires.
func (s *Server) WaitCalls(ctx context.Context) bool {
	if s.tracker == nil {
		return true
	}
	return s.tracker.Wait(ctx)
}

// CancelCalls force-cancels whatever outlived the drain grace period.
func (s *Server) CancelCalls() {
	if s.tracker == nil {
		return
	}
	if n := s.tracker.CancelAll(); n > 0 {
		s.logger.Warn("canceled calls after grace period", "count", n)
	}
}
