// Package app assembles the service from its modules and runs the HTTP
// server until termination.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitscholl/MeteoService/meteodb"
	"github.com/sitscholl/MeteoService/modules/api"
	"github.com/sitscholl/MeteoService/modules/querier"
	"github.com/sitscholl/MeteoService/modules/workflow"
	"github.com/sitscholl/MeteoService/pkg/provider/registry"
	"github.com/sitscholl/MeteoService/pkg/util/log"
)

type App struct {
	cfg Config

	store    *meteodb.Store
	registry *registry.Registry
	workflow *workflow.Workflow
	server   *http.Server
}

func New(cfg Config) (*App, error) {
	store, err := meteodb.New(cfg.Database, log.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "initialising store")
	}

	reg, err := registry.New(cfg.Providers, log.Logger)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "initialising providers")
	}

	q := querier.New(cfg.Querier, log.Logger)
	w := workflow.New(cfg.Workflow, reg, store, q, log.Logger)

	router := mux.NewRouter()
	api.New(w, log.Logger).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.HTTPListenAddress, cfg.Server.HTTPListenPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &App{
		cfg:      cfg,
		store:    store,
		registry: reg,
		workflow: w,
		server:   server,
	}, nil
}

// Run serves until SIGINT or SIGTERM, then drains requests and background
// cache writes within the configured grace period.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		level.Info(log.Logger).Log("msg", "http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case sig := <-sigCh:
		level.Info(log.Logger).Log("msg", "shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGracePeriod)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		level.Error(log.Logger).Log("msg", "http server shutdown", "err", err)
	}
	if err := a.workflow.Shutdown(ctx); err != nil {
		level.Error(log.Logger).Log("msg", "background writes did not drain", "err", err)
	}
	if err := a.store.Close(); err != nil {
		level.Error(log.Logger).Log("msg", "closing store", "err", err)
	}

	level.Info(log.Logger).Log("msg", "shutdown complete")
	return nil
}
