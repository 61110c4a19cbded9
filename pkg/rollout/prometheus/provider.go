// Package prometheus evaluates analysis queries against the Prometheus HTTP API.
package prometheus

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/klog/v2/klogr"

	"github.com/namix-io/sync-engine/pkg/rollout"
)

// WindowPlaceholder in a query is replaced by the analysis window, e.g.
// sum(rate(http_requests_total{code=~"5.."}[{{window}}]))
const WindowPlaceholder = "{{window}}"

const defaultWindow = 5 * time.Minute

type Option func(*Provider)

func WithLogger(log logr.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		p.timeout = timeout
	}
}

type Provider struct {
	api     v1.API
	timeout time.Duration
	log     logr.Logger
}

func NewProvider(address string, opts ...Option) (*Provider, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client for %s: %w", address, err)
	}
	p := &Provider{api: v1.NewAPI(client), timeout: 30 * time.Second, log: klogr.New()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Query runs an instant query. The result must be a scalar or a vector with exactly one sample.
func (p *Provider) Query(ctx context.Context, query string, window time.Duration) (float64, error) {
	if window <= 0 {
		window = defaultWindow
	}
	query = strings.ReplaceAll(query, WindowPlaceholder, model.Duration(window).String())
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	value, warnings, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("querying %q: %w", query, err)
	}
	for _, w := range warnings {
		p.log.Info("Prometheus warning", "query", query, "warning", w)
	}
	res, err := sampleValue(value)
	if err != nil {
		return 0, fmt.Errorf("querying %q: %w", query, err)
	}
	return res, nil
}

func sampleValue(value model.Value) (float64, error) {
	var res float64
	switch v := value.(type) {
	case *model.Scalar:
		res = float64(v.Value)
	case model.Vector:
		if len(v) != 1 {
			return 0, fmt.Errorf("expected a single sample, got %d", len(v))
		}
		res = float64(v[0].Value)
	default:
		return 0, fmt.Errorf("unsupported result type %s", value.Type())
	}
	if math.IsNaN(res) || math.IsInf(res, 0) {
		return 0, fmt.Errorf("result is %v", res)
	}
	return res, nil
}

var _ rollout.Provider = &Provider{}
