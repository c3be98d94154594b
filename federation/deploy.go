package federation

import (
	"context"
	"errors"
	"fmt"

	"federation-rpc/client"
	"federation-rpc/codec"
	"federation-rpc/config"
	"federation-rpc/dispatch"
	"federation-rpc/loadbalance"
	"federation-rpc/method"
	"federation-rpc/metrics"
	"federation-rpc/middleware"
	"federation-rpc/registry"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Deployment is a Service wired to discovery, remote instances and
// metrics as described by a config.Config.
type Deployment struct {
	*Service

	Client    *client.Client
	Discovery registry.Discovery
	Metrics   *metrics.Collector
	Logger    *zap.Logger

	metricsServer *metrics.Server
	stopWatch     context.CancelFunc
	watchDone     chan error
	closers       []func() error
}

type deployOptions struct {
	logger     *zap.Logger
	discovery  registry.Discovery
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// Option customizes FromConfig.
type Option func(*deployOptions)

// WithLogger replaces the logger built from the observability settings.
func WithLogger(logger *zap.Logger) Option {
	return func(o *deployOptions) { o.logger = logger }
}

// WithDiscovery uses disc instead of connecting to the configured etcd.
func WithDiscovery(disc registry.Discovery) Option {
	return func(o *deployOptions) { o.discovery = disc }
}

// WithRegistry registers metrics with reg and serves them from gatherer,
// instead of the Prometheus default registry.
func WithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(o *deployOptions) {
		o.registerer = reg
		o.gatherer = gatherer
	}
}

// FromConfig validates cfg, connects discovery, performs an initial sync of
// the membership and keeps it in step with discovery until Close.
// Without discovery the membership starts empty and is managed by the
// caller through Instances().
func FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Deployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := deployOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Deployment{Logger: o.logger}
	if d.Logger == nil {
		logger, err := cfg.Observability.Logger()
		if err != nil {
			return nil, err
		}
		d.Logger = logger
		d.closers = append(d.closers, func() error {
			// Sync fails on stderr/stdout on some platforms; nothing to report
			_ = logger.Sync()
			return nil
		})
	}
	logger := d.Logger.With(zap.String("service", cfg.Service))

	table, err := method.NewTable(cfg.Methods)
	if err != nil {
		return nil, err
	}
	instances := registry.NewInstances()
	// Metrics are registered only once the method table classifies
	if err := validate(table, method.NewRegistry()); err != nil {
		return nil, err
	}

	if o.registerer != nil {
		d.Metrics = metrics.NewCollectorWithRegistry(o.registerer, o.gatherer)
	} else {
		d.Metrics = metrics.NewCollector()
	}
	d.Service = New(table, instances, dispatch.Options{
		Policy:      cfg.Dispatch.Policy,
		Timeout:     cfg.Dispatch.Timeout,
		Middlewares: invocationMiddlewares(cfg.Dispatch, logger),
		Logger:      logger,
		Observer:    d.Metrics,
	})

	ct, _ := codec.ParseCodecType(cfg.Client.Codec)
	balancer := cfg.Client.Balancer
	d.Client = client.NewClient(
		client.WithCodec(ct),
		client.WithHeartbeat(cfg.Client.Heartbeat),
		client.WithLogger(logger),
		client.WithBalancer(func() loadbalance.Balancer {
			b, _ := loadbalance.New(balancer)
			return b
		}),
	)
	d.closers = append(d.closers, d.Client.Close)

	d.Discovery = o.discovery
	if d.Discovery == nil && len(cfg.Etcd.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, logger)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("federation: connect etcd: %w", err)
		}
		d.Discovery = etcd
		d.closers = append(d.closers, etcd.Close)
	}

	if d.Discovery != nil {
		if err := d.Client.Sync(ctx, d.Discovery, cfg.Service, instances); err != nil {
			d.Close()
			return nil, fmt.Errorf("federation: initial sync: %w", err)
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		d.stopWatch = cancel
		d.watchDone = make(chan error, 1)
		go func() { d.watchDone <- d.Client.Watch(watchCtx, d.Discovery, cfg.Service, instances) }()
	}

	if cfg.Observability.MetricsAddr != "" {
		d.metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr, d.Metrics.Handler(), logger)
		if err := d.metricsServer.Start(); err != nil {
			d.Close()
			return nil, fmt.Errorf("federation: metrics server: %w", err)
		}
		d.closers = append(d.closers, d.metricsServer.Close)
	}

	logger.Info("federation ready",
		zap.Strings("methods", table.Names()),
		zap.Strings("partitions", instances.Snapshot().Partitions()),
		zap.Stringer("policy", cfg.Dispatch.Policy))
	return d, nil
}

// invocationMiddlewares builds the per-instance pipeline, outermost first:
// logging, rate limiting, retries. The dispatcher adds the timeout inside.
func invocationMiddlewares(cfg config.DispatchConfig, logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.Burst))
	}
	if cfg.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelay, logger))
	}
	return mws
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (d *Deployment) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

// Close stops the discovery watch and releases connections, in reverse
// order of acquisition.
func (d *Deployment) Close() error {
	var errs error
	if d.stopWatch != nil {
		d.stopWatch()
		if err := <-d.watchDone; err != nil && !errors.Is(err, context.Canceled) {
			errs = multierr.Append(errs, err)
		}
		d.stopWatch = nil
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, d.closers[i]())
	}
	d.closers = nil
	return errs
}
