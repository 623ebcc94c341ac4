package compression

import (
	"testing"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/types"
)

func TestTimeBasedShouldCompress(t *testing.T) {
	s, err := NewTimeBased("zstd", 30)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		size    int64
		ageDays float64
		want    bool
	}{
		{"fresh shard", 1 << 30, 5, false},
		{"just under", 1 << 30, 29.9, false},
		{"exactly at age", 0, 30, true},
		{"old shard", 0, 200, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ShouldCompress(tt.size, tt.ageDays); got != tt.want {
				t.Errorf("ShouldCompress(%d, %v) = %v, want %v", tt.size, tt.ageDays, got, tt.want)
			}
		})
	}
	if s.Codec() != types.CodecZstd {
		t.Errorf("codec = %v", s.Codec())
	}
}

func TestSizeBasedShouldCompress(t *testing.T) {
	s, err := NewSizeBased("lz4", 100)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		size    int64
		ageDays float64
		want    bool
	}{
		{"small file", 10 << 20, 1000, false},
		{"exactly 100MB", 100 << 20, 0, true},
		{"large file", 500 << 20, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ShouldCompress(tt.size, tt.ageDays); got != tt.want {
				t.Errorf("ShouldCompress(%d, %v) = %v, want %v", tt.size, tt.ageDays, got, tt.want)
			}
		})
	}
	if s.Codec() != types.CodecLZ4 {
		t.Errorf("codec = %v", s.Codec())
	}
}

func TestStrategyCodecValidation(t *testing.T) {
	tests := []struct {
		name  string
		codec string
	}{
		{"unknown codec", "brotli"},
		{"none rejected", "none"},
		{"empty rejected", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTimeBased(tt.codec, 30); !errors.Is(err, errors.ErrUnsupportedCodec) {
				t.Errorf("NewTimeBased(%q) error = %v, want ErrUnsupportedCodec", tt.codec, err)
			}
			if _, err := NewSizeBased(tt.codec, 100); !errors.Is(err, errors.ErrUnsupportedCodec) {
				t.Errorf("NewSizeBased(%q) error = %v, want ErrUnsupportedCodec", tt.codec, err)
			}
		})
	}

	if _, err := NewTimeBased("zstd", 0); err == nil {
		t.Error("zero min age accepted")
	}
	if _, err := NewSizeBased("zstd", 0); err == nil {
		t.Error("zero min size accepted")
	}
}
