package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/fanflow/broker"
	configpkg "github.com/drblury/fanflow/internal/runtime/config"
	runtimeerrors "github.com/drblury/fanflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/fanflow/internal/runtime/logging"
)

// MetricsSink is implemented by backends that accept a shared metrics
// collector. Backends without it simply run unmetered.
type MetricsSink interface {
	SetMetrics(m *Metrics)
}

// ServiceDependencies holds the optional collaborators a Service can use.
// Leave fields at their zero value to take the defaults.
type ServiceDependencies struct {
	// BackendRegistry resolves the configured backend name. Nil uses the
	// global registry the backend packages register themselves with.
	BackendRegistry *broker.Registry
	// Hooks are merged into every runner registered on the service.
	Hooks DeliveryHooks
	// Metrics overrides the collector the service creates when metrics are
	// enabled.
	Metrics *Metrics
}

// Service wires a backend, a metrics collector, and a set of consumer
// runners behind one lifecycle. Register runners on the returned Service
// before calling Start.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	backend broker.Backend
	metrics *Metrics
	hooks   DeliveryHooks

	runners   []*Runner
	runnersMu sync.Mutex
	resources *resourceTracker

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// TryNewService constructs a Service for the supplied configuration,
// returning an error instead of panicking.
func TryNewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, runtimeerrors.ErrConfigRequired
	}
	if log == nil {
		return nil, runtimeerrors.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, runtimeerrors.NewConfigValidationError(err)
	}

	log.Info("creating fanflow service", loggingpkg.LogFields{
		"backend": conf.BackendSystem,
		"config":  conf,
	})

	registry := deps.BackendRegistry
	if registry == nil {
		registry = broker.DefaultRegistry
	}
	backend, err := registry.Build(ctx, conf, log)
	if err != nil {
		return nil, fmt.Errorf("build backend: %w", err)
	}

	s := &Service{
		Conf:      conf,
		Logger:    log,
		backend:   backend,
		hooks:     deps.Hooks,
		resources: newResourceTracker(),
	}

	if conf.MetricsEnabled {
		s.metrics = deps.Metrics
		if s.metrics == nil {
			s.metrics = NewMetrics(nil)
		}
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if sink, ok := backend.Queues.(MetricsSink); ok {
			sink.SetMetrics(s.metrics)
		}
		s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.Handler())
	}

	s.StartDebugAPI()

	return s, nil
}

// NewService constructs a Service and panics when construction fails. Use
// TryNewService to handle errors explicitly.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// Backend returns the built backend clients.
func (s *Service) Backend() broker.Backend {
	return s.backend
}

// Topics returns the publish client.
func (s *Service) Topics() broker.TopicClient {
	return s.backend.Topics
}

// Queues returns the receive/acknowledge client.
func (s *Service) Queues() broker.QueueClient {
	return s.backend.Queues
}

// Admin returns the topic/queue management client.
func (s *Service) Admin() broker.Admin {
	return s.backend.Admin
}

// DeadLetters returns the backend's dead-letter manager when it has one.
func (s *Service) DeadLetters() (broker.DeadLetterManager, bool) {
	if m, ok := s.backend.Queues.(broker.DeadLetterManager); ok {
		return m, true
	}
	m, ok := s.backend.Admin.(broker.DeadLetterManager)
	return m, ok
}

// Metrics returns the service's collector, nil when metrics are disabled.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// NewProducer creates a producer publishing to the named topic through the
// service's backend.
func (s *Service) NewProducer(topic string) (*Producer, error) {
	return NewProducer(topic, s.backend.Topics, s.Logger)
}

// RegisterRunner adds a consumer runner for the named queue. Runner options
// left at zero fall back to the service configuration; the service's hooks
// are merged in front of the runner's own. Runners start when Start is
// called.
func (s *Service) RegisterRunner(name, queue string, handler Handler, opts RunnerOptions) (*Runner, error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = s.Conf.VisibilityTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = s.Conf.RunnerPollInterval
	}
	if opts.MaxPollInterval <= 0 {
		opts.MaxPollInterval = s.Conf.RunnerMaxPollInterval
	}
	opts.Hooks = s.hooks.Merge(opts.Hooks)

	runner, err := NewRunner(name, queue, s.backend.Queues, handler, opts, s.Logger)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		runner.SetMetrics(s.metrics)
	}

	s.runnersMu.Lock()
	s.runners = append(s.runners, runner)
	s.runnersMu.Unlock()
	return runner, nil
}

// Start runs every registered runner until the context is cancelled, then
// waits for them to drain. In-flight deliveries finish before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()

	s.runnersMu.Lock()
	runners := make([]*Runner, len(s.runners))
	copy(runners, s.runners)
	s.runnersMu.Unlock()

	var wg sync.WaitGroup
	for _, runner := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				s.Logger.Error("runner exited", err, loggingpkg.LogFields{"runner": r.Name()})
			}
		}(runner)
	}

	<-ctx.Done()
	wg.Wait()
	s.Logger.Info("service stopped", nil)
	return nil
}

// RegisterHTTPHandler mounts a handler on the service's HTTP server for the
// given port, creating the server lazily on Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
