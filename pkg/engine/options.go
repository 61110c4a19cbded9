package engine

import (
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2/klogr"

	"github.com/namix-io/sync-engine/pkg/diff"
	"github.com/namix-io/sync-engine/pkg/drift"
	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/reconciler"
	"github.com/namix-io/sync-engine/pkg/rollout"
	"github.com/namix-io/sync-engine/pkg/source"
	gosync "github.com/namix-io/sync-engine/pkg/sync"
	"github.com/namix-io/sync-engine/pkg/utils/tracing"
)

const DefaultWorkers = 4

type Option func(*options)

type options struct {
	log                logr.Logger
	tracer             tracing.Tracer
	store              Store
	credentials        source.CredentialsProvider
	provider           rollout.Provider
	normalizer         diff.Normalizer
	workers            int
	driftInterval      time.Duration
	healthPollInterval time.Duration
	historyLimit       int
	waveTimeout        time.Duration
	sourceTick         time.Duration
}

func applyOptions(opts []Option) options {
	o := options{
		log:                klogr.New(),
		tracer:             tracing.NopTracer{},
		store:              nopStore{},
		credentials:        source.StaticCredentials{},
		provider:           unavailableProvider{},
		normalizer:         diff.GetNoopNormalizer(),
		workers:            DefaultWorkers,
		driftInterval:      drift.DefaultInterval,
		healthPollInterval: health.DefaultPollInterval,
		historyLimit:       reconciler.DefaultHistoryLimit,
		waveTimeout:        gosync.DefaultWaveTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(log logr.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func WithTracer(tracer tracing.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithStore persists revisions, records, statuses, runs and rollouts across restarts
func WithStore(store Store) Option {
	return func(o *options) {
		o.store = store
	}
}

func WithCredentials(credentials source.CredentialsProvider) Option {
	return func(o *options) {
		o.credentials = credentials
	}
}

// WithMetricsProvider sets the provider queried by rollout analysis
func WithMetricsProvider(provider rollout.Provider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

func WithNormalizer(normalizer diff.Normalizer) Option {
	return func(o *options) {
		o.normalizer = normalizer
	}
}

func WithWorkers(workers int) Option {
	return func(o *options) {
		o.workers = workers
	}
}

func WithDriftInterval(interval time.Duration) Option {
	return func(o *options) {
		o.driftInterval = interval
	}
}

func WithHealthPollInterval(interval time.Duration) Option {
	return func(o *options) {
		o.healthPollInterval = interval
	}
}

func WithHistoryLimit(limit int) Option {
	return func(o *options) {
		o.historyLimit = limit
	}
}

func WithWaveTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.waveTimeout = timeout
	}
}

// WithSourceTick sets how often the tracker looks for sources due for a poll
func WithSourceTick(tick time.Duration) Option {
	return func(o *options) {
		o.sourceTick = tick
	}
}
