package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"sdkrouter/internal/model"
	"sdkrouter/internal/policy"
	"sdkrouter/internal/router"
	"sdkrouter/internal/snapshotbus"
)

type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	Router          router.Options
	Bus             snapshotbus.Config
	Logger          *log.Logger
}

// OptionsFromPolicy maps the policy file onto runtime options.
func OptionsFromPolicy(cfg policy.Config) Options {
	return Options{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: policy.Millis(cfg.Server.ShutdownTimeoutMS),
		Router: router.Options{
			PendingTTL:       policy.Millis(cfg.Router.PendingTTLMS),
			SweepInterval:    policy.Millis(cfg.Router.SweepIntervalMS),
			SendQueue:        cfg.Router.SendQueue,
			HandshakeTimeout: policy.Millis(cfg.Router.HandshakeTimeoutMS),
			MaxFrameBytes:    cfg.Router.MaxFrameBytes,
			Shards:           cfg.Router.Shards,
		},
		Bus: snapshotbus.ConfigFromPolicy(cfg),
	}
}

type Runtime struct {
	opts      Options
	logger    *log.Logger
	router    *router.Router
	bus       *snapshotbus.Runtime
	startedAt time.Time
	server    *http.Server
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	StartedAt time.Time              `json:"started_at"`
	Now       time.Time              `json:"now"`
	Router    model.RouterStats      `json:"router"`
	Sweeper   router.SweeperSnapshot `json:"sweeper"`
	Bus       snapshotbus.Stats      `json:"bus"`
	BusHealth HealthBusStatus        `json:"bus_health"`
}

type HealthBusStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func NewRuntime(options Options) *Runtime {
	options = normalizeOptions(options)
	bus := snapshotbus.NewRuntime(options.Bus, options.Logger)
	routerOptions := options.Router
	routerOptions.Snapshots = bus
	if routerOptions.Logger == nil {
		routerOptions.Logger = options.Logger
	}
	runtime := &Runtime{
		opts:      options,
		logger:    options.Logger,
		router:    router.New(routerOptions),
		bus:       bus,
		startedAt: time.Now().UTC(),
	}
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: runtime.Handler(),
	}
	return runtime
}

func normalizeOptions(options Options) Options {
	if options.Addr == "" {
		options.Addr = ":3100"
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	if options.Logger == nil {
		options.Logger = log.New(os.Stdout, "", 0)
	}
	return options
}

// Handler serves the websocket endpoint and the HTTP API.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	r.registerRoutes(mux)
	return mux
}

func (r *Runtime) Router() *router.Router {
	return r.router
}

func (r *Runtime) Bus() *snapshotbus.Runtime {
	return r.bus
}

// Run serves until ctx is done, then shuts down the listener, the open
// connections, the sweeper and the bus in that order.
func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.bus.Start(ctx); err != nil {
		return fmt.Errorf("start snapshot bus: %w", err)
	}
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	r.router.Start(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	r.logger.Printf("server: event=listening addr=%s", r.opts.Addr)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	if runErr == nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
		runErr = r.server.Shutdown(shutdownCtx)
		cancel()
	}
	r.router.Close()
	sweepCancel()
	_ = r.router.Wait(2 * time.Second)
	r.bus.Stop()
	r.logger.Printf("server: event=stopped error=%q", errorText(runErr))
	return runErr
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
