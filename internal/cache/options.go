package cache

import (
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/codec"
	"github.com/tiercache/tiercache/pkg/types"
)

// Option configures a MultiLayerCache.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	codec    codec.Codec
	coldTier types.Tier
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		codec:  codec.Default,
	}
}

// WithLogger sets the logger; tiers log under named children of it.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCodec sets the value codec used by the persistent tiers.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithColdTier replaces the configured third tier with t. The cache takes
// ownership and closes t if it implements io.Closer.
func WithColdTier(t types.Tier) Option {
	return func(o *options) { o.coldTier = t }
}
