// Package app wires all Voxhall subsystems into a running application.
//
// The App struct owns the full lifecycle: New validates and connects the
// provider set, Run serves the media and admin listeners until the context
// is cancelled, and Shutdown drains in-flight calls.
//
// For testing, inject doubles via the Providers struct and functional
// options (WithProjectFactory). Provider construction from config lives in
// main.go; app only consumes interface values.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/voxhall/voxhall/internal/call"
	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/health"
	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/tenant"
	"github.com/voxhall/voxhall/pkg/project"
	"github.com/voxhall/voxhall/pkg/project/httpapi"
	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/provider/stt"
	"github.com/voxhall/voxhall/pkg/provider/tts"
	"github.com/voxhall/voxhall/pkg/provider/vad"
	"github.com/voxhall/voxhall/pkg/telephony"
)

// defaultMaxCalls caps simultaneous calls when the config leaves
// max_concurrent_calls unset.
const defaultMaxCalls = 100

// Providers holds one interface value per provider slot. ASR, TTS, LLM, VAD,
// and Tenants are required; Sink and Metrics may be nil. Populated by main.go
// from the config.
type Providers struct {
	ASR     stt.Provider
	TTS     tts.Provider
	LLM     llm.Provider
	VAD     vad.Engine
	Tenants tenant.Store
	Sink    call.ArtifactSink
	Metrics *observe.Metrics
}

func (p *Providers) validate() error {
	var errs []error
	if p.ASR == nil {
		errs = append(errs, errors.New("asr provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if p.Tenants == nil {
		errs = append(errs, errors.New("tenant store is required"))
	}
	return errors.Join(errs...)
}

// ProjectFactory builds the per-tenant PM integration client. A nil provider
// with a nil error means the tenant has no integration configured.
type ProjectFactory func(t *tenant.TenantContext) (project.Provider, error)

// App owns the media listener, the admission gate, and the per-call session
// lifecycle.
type App struct {
	cfg       *config.Config
	providers *Providers

	// sem is the admission gate: one permit per concurrent call.
	sem      *semaphore.Weighted
	maxCalls int

	calls    *callTable
	projects ProjectFactory

	// wg tracks in-flight call sessions so Shutdown can drain them.
	wg sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProjectFactory injects the PM-client factory instead of the default
// HTTP client.
func WithProjectFactory(f ProjectFactory) Option {
	return func(a *App) { a.projects = f }
}

// New validates the provider set and prepares the application. It does not
// bind any listeners; that happens in Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		providers = &Providers{}
	}
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: invalid providers: %w", err)
	}

	maxCalls := cfg.Server.MaxConcurrentCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxCalls
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		sem:       semaphore.NewWeighted(int64(maxCalls)),
		maxCalls:  maxCalls,
		calls:     newCallTable(),
		projects:  defaultProjectFactory,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// defaultProjectFactory builds the HTTP PM client from the tenant's
// integration handle.
func defaultProjectFactory(t *tenant.TenantContext) (project.Provider, error) {
	if t.Project.BaseURL == "" {
		return nil, nil
	}
	c, err := httpapi.New(t.Project.BaseURL, t.Project.Token)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ActiveCalls reports the in-flight calls, for introspection and tests.
func (a *App) ActiveCalls() []CallInfo {
	return a.calls.active()
}

// Run binds the media WebSocket listener and, when configured, the admin
// health/metrics listener, then blocks until ctx is cancelled or a listener
// fails. In-flight calls are drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	mediaSrv, err := telephony.NewServer(a.cfg.Server.MediaListenAddr, a.handleStream)
	if err != nil {
		return fmt.Errorf("app: media server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mediaSrv.Run(gctx); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: media server: %w", err)
		}
		return nil
	})

	if addr := a.cfg.Server.AdminListenAddr; addr != "" {
		admin := health.NewServer(addr, a.healthHandler(), a.providers.Metrics)
		g.Go(func() error {
			if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(sctx)
		})
	}

	slog.Info("app running",
		"media_addr", a.cfg.Server.MediaListenAddr,
		"admin_addr", a.cfg.Server.AdminListenAddr,
		"max_calls", a.maxCalls,
	)

	runErr := g.Wait()

	// Listeners are down; sessions saw the cancellation and are finalizing.
	a.wg.Wait()
	return runErr
}

// healthHandler assembles the readiness checkers. The tenant store check is
// a real probe only for stores that expose one; the static store is always
// ready.
func (a *App) healthHandler() *health.Handler {
	return health.New(health.Checker{
		Name: "tenant_store",
		Check: func(ctx context.Context) error {
			if p, ok := a.providers.Tenants.(interface{ Ping(context.Context) error }); ok {
				return p.Ping(ctx)
			}
			return nil
		},
	})
}

// Shutdown runs the registered closers in order and waits for in-flight
// calls to finalize. It respects the context deadline: if ctx expires first,
// remaining work is abandoned and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.calls.count())

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("shutdown complete")
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded with calls in flight", "active", a.calls.count())
			shutdownErr = ctx.Err()
		}
	})
	return shutdownErr
}
