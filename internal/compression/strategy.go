package compression

import (
	"fmt"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/types"
)

// Strategy decides whether a shard is eligible for compression. Strategies
// are pure predicates over a shard's file size and age.
type Strategy interface {
	// ShouldCompress reports eligibility for a shard of the given file size
	// (bytes) and age (fractional days since its end date).
	ShouldCompress(sizeBytes int64, ageDays float64) bool

	// Codec returns the codec this strategy compresses with.
	Codec() types.Codec
}

// parseStrategyCodec validates a strategy codec name. The supported set is
// fixed; "none" is rejected because a compression strategy exists to add
// compression.
func parseStrategyCodec(name string) (types.Codec, error) {
	codec, err := types.ParseCodec(name)
	if err != nil {
		return types.CodecNone, fmt.Errorf("%w: %q", errors.ErrUnsupportedCodec, name)
	}
	if codec == types.CodecNone {
		return types.CodecNone, fmt.Errorf("%w: compression strategy requires a real codec", errors.ErrUnsupportedCodec)
	}
	return codec, nil
}

// TimeBasedStrategy compresses shards past a minimum age; size is ignored.
type TimeBasedStrategy struct {
	codec      types.Codec
	minAgeDays float64
}

// NewTimeBased creates a time-based compression strategy. An unsupported
// codec name fails immediately.
func NewTimeBased(codecName string, minAgeDays int) (*TimeBasedStrategy, error) {
	codec, err := parseStrategyCodec(codecName)
	if err != nil {
		return nil, err
	}
	if minAgeDays <= 0 {
		return nil, errors.NewValidation("min_age_days", "must be positive")
	}
	return &TimeBasedStrategy{codec: codec, minAgeDays: float64(minAgeDays)}, nil
}

// ShouldCompress is true once ageDays reaches the minimum age.
func (s *TimeBasedStrategy) ShouldCompress(sizeBytes int64, ageDays float64) bool {
	return ageDays >= s.minAgeDays
}

// Codec returns the strategy's codec.
func (s *TimeBasedStrategy) Codec() types.Codec {
	return s.codec
}

// SizeBasedStrategy compresses shards past a minimum file size; age is
// ignored.
type SizeBasedStrategy struct {
	codec     types.Codec
	minSizeMB float64
}

// NewSizeBased creates a size-based compression strategy.
func NewSizeBased(codecName string, minSizeMB float64) (*SizeBasedStrategy, error) {
	codec, err := parseStrategyCodec(codecName)
	if err != nil {
		return nil, err
	}
	if minSizeMB <= 0 {
		return nil, errors.NewValidation("min_size_mb", "must be positive")
	}
	return &SizeBasedStrategy{codec: codec, minSizeMB: minSizeMB}, nil
}

// ShouldCompress is true once the file size reaches the minimum.
func (s *SizeBasedStrategy) ShouldCompress(sizeBytes int64, ageDays float64) bool {
	return float64(sizeBytes)/(1024*1024) >= s.minSizeMB
}

// Codec returns the strategy's codec.
func (s *SizeBasedStrategy) Codec() types.Codec {
	return s.codec
}
