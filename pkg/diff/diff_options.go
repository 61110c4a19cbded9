package diff

import (
	"github.com/go-logr/logr"
	"k8s.io/klog/v2/klogr"
)

type Option func(*options)

// Holds diffing settings
type options struct {
	normalizer Normalizer
	// If set to true then fields present only in the live object are compared as well.
	compareExtraFields bool
	log                logr.Logger
}

func applyOptions(opts []Option) options {
	o := options{
		normalizer: GetNoopNormalizer(),
		log:        klogr.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithNormalizer(normalizer Normalizer) Option {
	return func(o *options) {
		o.normalizer = normalizer
	}
}

func WithCompareExtraFields(compare bool) Option {
	return func(o *options) {
		o.compareExtraFields = compare
	}
}

func WithLogr(log logr.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}
