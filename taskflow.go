// Package taskflow provides a top-level convenience entry point that wires
// the full milestone workflow stack from configuration.
//
// Usage:
//
//	import "github.com/BaSui01/taskflow"
//
//	app, err := taskflow.New(
//	    taskflow.WithConfigPath("taskflow.yaml"),
//	    taskflow.WithAgent(myAgent),
//	    taskflow.WithPlanner(myPlanner),
//	    taskflow.WithValidator(myValidator),
//	)
//	defer app.Close(context.Background())
//
//	taskID, err := app.Start(ctx, "refactor the billing module", supervisor.StartOptions{})
//
// New assembles the store, checkpoint backend, event bus, model catalog,
// token counter, and Prometheus collector selected by the configuration,
// then hands them to a supervisor. The caller supplies only the capability
// implementations (agent, planner, validator).
package taskflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/engine"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/internal/server"
	"github.com/BaSui01/taskflow/notify"
	"github.com/BaSui01/taskflow/store"
	"github.com/BaSui01/taskflow/supervisor"
	"github.com/BaSui01/taskflow/tokenizer"
	"github.com/BaSui01/taskflow/types"
)

type options struct {
	configPath  string
	cfg         *config.Config
	agent       capability.Agent
	planner     capability.Planner
	validator   capability.Validator
	checks      []capability.DynamicCheck
	specs       []capability.ModelSpec
	counter     types.TokenCounter
	store       store.Store
	checkpoints checkpoint.Store
	observer    engine.Observer
	logger      *zap.Logger
}

// Option configures the application created by [New].
type Option func(*options)

// WithConfigPath loads configuration from a YAML file, with environment
// variable overrides applied on top.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithConfig supplies a pre-built configuration, skipping the loader.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithAgent sets the execution agent. Required.
func WithAgent(a capability.Agent) Option {
	return func(o *options) { o.agent = a }
}

// WithPlanner sets the planner. Required.
func WithPlanner(p capability.Planner) Option {
	return func(o *options) { o.planner = p }
}

// WithValidator sets the quality validator. Required.
func WithValidator(v capability.Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithChecks adds dynamic quality checks run before semantic validation.
func WithChecks(checks ...capability.DynamicCheck) Option {
	return func(o *options) { o.checks = append(o.checks, checks...) }
}

// WithModelCatalog overrides the default tier-to-model catalog.
func WithModelCatalog(specs []capability.ModelSpec) Option {
	return func(o *options) { o.specs = specs }
}

// WithTokenCounter overrides the token counter chosen by configuration.
func WithTokenCounter(c types.TokenCounter) Option {
	return func(o *options) { o.counter = c }
}

// WithStore overrides the task store opened from the database configuration.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCheckpoints overrides the checkpoint backend selected by configuration.
func WithCheckpoints(s checkpoint.Store) Option {
	return func(o *options) { o.checkpoints = s }
}

// WithObserver adds an execution observer alongside the Prometheus
// collector.
func WithObserver(obs engine.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// App is a fully wired workflow application. Task lifecycle methods
// delegate to the embedded supervisor.
type App struct {
	*supervisor.Supervisor

	Bus    *notify.Bus
	Config *config.Config

	store       store.Store
	checkpoints checkpoint.Store
	metricsSrv  *server.Manager
	logger      *zap.Logger
}

// New wires a complete application from configuration. At minimum an
// agent, a planner, and a validator must be supplied.
func New(opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.agent == nil || o.planner == nil || o.validator == nil {
		return nil, fmt.Errorf("taskflow: agent, planner, and validator are required")
	}

	cfg := o.cfg
	if cfg == nil {
		loaded, err := config.NewLoader().WithConfigPath(o.configPath).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := o.logger
	if logger == nil {
		logger = NewLogger(cfg.Log)
	}

	app := &App{Config: cfg, logger: logger}

	st := o.store
	if st == nil {
		opened, err := store.OpenGorm(store.GormConfig{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN(),
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("taskflow: open store: %w", err)
		}
		app.store = opened
		st = opened
	}

	cps := o.checkpoints
	if cps == nil {
		opened, err := openCheckpoints(cfg, logger)
		if err != nil {
			if app.store != nil {
				app.store.Close()
			}
			return nil, fmt.Errorf("taskflow: open checkpoints: %w", err)
		}
		app.checkpoints = opened
		cps = opened
	}

	bus := notify.NewBus(cfg.Notify.BufferSize, logger)
	app.Bus = bus
	var notifier notify.Notifier = bus
	if cfg.Notify.RatePerSecond > 0 {
		notifier = notify.NewRateLimited(bus, cfg.Notify.RatePerSecond, cfg.Notify.BufferSize, logger)
	}

	var observer engine.Observer = o.observer
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector("taskflow", nil, logger)
		if observer != nil {
			observer = multiObserver{collector, observer}
		} else {
			observer = collector
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srvCfg := server.DefaultConfig()
		srvCfg.Addr = fmt.Sprintf(":%d", cfg.Metrics.Port)
		app.metricsSrv = server.NewManager(mux, srvCfg, logger)
		if err := app.metricsSrv.Start(); err != nil {
			app.closeStores()
			return nil, fmt.Errorf("taskflow: start metrics server: %w", err)
		}
	}

	counter := o.counter
	if counter == nil {
		if cfg.Engine.TokenEncoding != "" {
			counter = tokenizer.NewTiktokenCounter(cfg.Engine.TokenEncoding)
		} else {
			counter = tokenizer.NewEstimator()
		}
	}

	specs := o.specs
	if specs == nil {
		specs = capability.DefaultCatalogSpecs()
	}

	policy := engine.RoutePolicy{
		MaxRetries:           cfg.Engine.MaxRetries,
		MaxReplanIterations:  cfg.Engine.MaxReplanIterations,
		CompressionThreshold: cfg.Engine.CompressionThreshold,
	}

	nodes := engine.NewNodes(engine.NodesConfig{
		Agent:     o.agent,
		Planner:   o.planner,
		Validator: o.validator,
		Checks:    o.checks,
		Models:    capability.NewTierCatalog(specs, logger),
		Repo:      st,
		Counter:   counter,
		Policy:    policy,
		Logger:    logger,
	})

	sup, err := supervisor.New(supervisor.Config{
		Nodes:         nodes,
		Policy:        policy,
		Store:         st,
		Checkpoints:   cps,
		Notifier:      notifier,
		Observer:      observer,
		Logger:        logger,
		MaxConcurrent: cfg.Supervisor.MaxConcurrent,
	})
	if err != nil {
		app.closeStores()
		return nil, err
	}
	app.Supervisor = sup
	return app, nil
}

// Start submits a task, filling unset per-task options from configuration.
func (a *App) Start(ctx context.Context, userRequest string, opts supervisor.StartOptions) (string, error) {
	if opts.MaxContextTokens == 0 {
		opts.MaxContextTokens = a.Config.Engine.MaxContextTokens
	}
	if !opts.BreakpointsEnabled {
		opts.BreakpointsEnabled = a.Config.Engine.BreakpointsEnabled
	}
	return a.Supervisor.Start(ctx, userRequest, opts)
}

// Close drains running tasks and releases every resource New opened.
// Stores and checkpoints supplied by the caller stay open.
func (a *App) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Supervisor.ShutdownTimeout)
	defer cancel()

	err := a.Supervisor.Shutdown(shutdownCtx)

	a.Bus.Close()
	if a.metricsSrv != nil {
		if serr := a.metricsSrv.Shutdown(ctx); err == nil {
			err = serr
		}
	}
	if cerr := a.closeStores(); err == nil {
		err = cerr
	}
	return err
}

// MetricsAddr 返回指标端点的监听地址；未启用指标时返回空字符串
func (a *App) MetricsAddr() string {
	if a.metricsSrv == nil {
		return ""
	}
	return a.metricsSrv.Addr()
}

func (a *App) closeStores() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if closer, ok := a.checkpoints.(io.Closer); ok {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NewLogger 根据日志配置构建 zap logger
func NewLogger(cfg config.LogConfig) *zap.Logger {
	return config.BuildLogger(cfg)
}

func openCheckpoints(cfg *config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(cfg.Checkpoint.HistoryLimit, logger), nil
	case "redis":
		return checkpoint.NewRedisStore(checkpoint.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			TTL:          cfg.Checkpoint.TTL,
			HistoryLimit: cfg.Checkpoint.HistoryLimit,
		}, logger)
	default:
		return checkpoint.NewFileStore(cfg.Checkpoint.Dir, cfg.Checkpoint.HistoryLimit, logger)
	}
}

// multiObserver fans observer callbacks out to several observers.
type multiObserver []engine.Observer

func (m multiObserver) NodeExecuted(node string, d time.Duration, failed bool) {
	for _, o := range m {
		o.NodeExecuted(node, d, failed)
	}
}

func (m multiObserver) RetryRecorded(taskID string) {
	for _, o := range m {
		o.RetryRecorded(taskID)
	}
}

func (m multiObserver) ReplanRecorded(taskID string) {
	for _, o := range m {
		o.ReplanRecorded(taskID)
	}
}

func (m multiObserver) TokensRecorded(usage types.TokenUsage) {
	for _, o := range m {
		o.TokensRecorded(usage)
	}
}

func (m multiObserver) TaskFinished(status types.TaskStatus) {
	for _, o := range m {
		o.TaskFinished(status)
	}
}
