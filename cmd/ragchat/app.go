package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/ragchat-go/internal/account"
	"github.com/comigor/ragchat-go/internal/config"
	"github.com/comigor/ragchat-go/internal/gateway"
	"github.com/comigor/ragchat-go/internal/history"
	"github.com/comigor/ragchat-go/internal/identity"
	"github.com/comigor/ragchat-go/internal/ingest"
	"github.com/comigor/ragchat-go/internal/logger"
	"github.com/comigor/ragchat-go/internal/session"
)

// globals are the flags shared by every command.
type globals struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

// app wires the client components for one command invocation.
type app struct {
	cfg      *config.Config
	identity *identity.Context
	gateway  *gateway.Gateway
	store    *history.Store
	pipeline *ingest.Pipeline
	session  *session.Session
	account  *account.Client

	ownerMu       sync.Mutex
	ownerResolved bool
	ownerID       string

	metrics *http.Server
	unbind  []func()
}

func newApp(g globals) (*app, error) {
	if g.configPath != "" {
		if err := os.Setenv("CONFIG_PATH", g.configPath); err != nil {
			return nil, goerr.Wrap(err, "failed to set config path")
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	format := cfg.Log.Format
	if g.logFormat != "" {
		format = g.logFormat
	}
	logger.SetLevel(level)
	logger.SetFormat(format, os.Stderr)

	a := &app{cfg: cfg}

	reg := prometheus.NewRegistry()
	a.identity = identity.New(cfg.Identity.ProfileTTL)
	a.gateway = gateway.New(cfg.API.BaseURL,
		gateway.WithTokenSource(a.identity),
		gateway.WithMetrics(gateway.NewMetrics(reg)),
	)
	a.identity.SetSender(a.gateway)
	a.identity.Init(cfg.API.Token)

	a.store = history.New(cfg.History.DBPath, history.WithOwner(a.owner))
	a.pipeline = ingest.New(a.gateway, *cfg, ingest.WithRecorder(a.store))
	a.session = session.New(a.gateway, *cfg, session.WithRecorder(a.store))
	a.unbind = append(a.unbind,
		a.session.Bind(a.identity),
		a.identity.Subscribe(a.onIdentity),
	)
	a.account = account.New(a.gateway)

	if g.metricsAddr != "" {
		a.serveMetrics(g.metricsAddr, reg)
	}

	logger.L.Debug("client ready", "base_url", cfg.API.BaseURL, "signed_in", a.identity.SignedIn())
	return a, nil
}

// owner scopes local history to the signed-in user: "" when signed out
// or the profile is unreachable. The result is cached until the identity
// changes.
func (a *app) owner() string {
	a.ownerMu.Lock()
	defer a.ownerMu.Unlock()
	if a.ownerResolved {
		return a.ownerID
	}

	a.ownerID, a.ownerResolved = "", true
	if !a.identity.SignedIn() {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := a.identity.Profile(ctx)
	if err != nil {
		logger.L.Warn("profile unavailable, history is not scoped to a user", "error", err)
		return ""
	}
	a.ownerID = p.UID
	return a.ownerID
}

// onIdentity drops the cached owner whenever the user may have changed.
func (a *app) onIdentity(ev identity.Event) {
	if ev.Kind == identity.Refreshed {
		return
	}
	a.ownerMu.Lock()
	defer a.ownerMu.Unlock()
	a.ownerID, a.ownerResolved = "", false
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.L.Info("serving metrics", "address", addr)
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("metrics server failed", "error", err)
		}
	}()
}

func (a *app) close() {
	for _, unbind := range a.unbind {
		unbind()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
	if err := a.store.Close(); err != nil {
		logger.L.Warn("failed to close history store", "error", err)
	}
}
