package rollout

import (
	"context"
	"time"
)

//go:generate go run github.com/golang/mock/mockgen -destination=mocks/provider.go -package=mocks . Provider

// Provider evaluates metric queries for analysis
type Provider interface {
	// Query returns the current value of the query aggregated over window
	Query(ctx context.Context, query string, window time.Duration) (float64, error)
}
