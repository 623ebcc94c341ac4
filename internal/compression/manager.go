// Package compression converts shard rows into compressed columnar files,
// converts between codecs, and scans shard metadata for compression
// eligibility.
package compression

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/openquant/dbmaint/internal/checksum"
	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/logging"
	"github.com/openquant/dbmaint/internal/store"
	"github.com/openquant/dbmaint/internal/types"
)

// Manager compresses table data and shard files.
type Manager struct {
	mu         sync.RWMutex
	strategies map[string]Strategy

	session  store.Session
	schemas  map[string]types.TableSchema
	columnar types.Columnar
	dataDir  string
	log      *slog.Logger
	now      func() time.Time

	// notify, when set, is called with the table name after a shard's
	// registry row changes. The sharding manager hooks its shard-list cache
	// invalidation here.
	notify func(table string)

	// In-process distribution of observed compression ratios.
	sketchMu    sync.Mutex
	ratioSketch *ddsketch.DDSketch
	ratioSum    float64
	ratioCount  int64
}

// CompressStats describes one compression run.
type CompressStats struct {
	OriginalSize   int64
	CompressedSize int64
	Ratio          float64
	Elapsed        time.Duration
	RowCount       int64
	FilePath       string
}

// Outcome is the per-shard result of an auto-compression scan.
type Outcome struct {
	ShardID        string
	TableName      string
	Action         string // "would_compress", "compressed", or "error"
	Error          string
	OriginalSize   int64
	CompressedSize int64
	Ratio          float64
}

// CodecStats aggregates shards sharing one codec.
type CodecStats struct {
	ShardCount int
	TotalBytes int64
}

// Statistics aggregates compression state across shard metadata.
type Statistics struct {
	CompressedShards   int
	UncompressedShards int
	CompressedBytes    int64
	UncompressedBytes  int64
	ByCodec            map[string]CodecStats
	ByTable            map[string]CodecStats

	// Observed ratio distribution for compressions run by this process.
	MeanRatio float64
	P50Ratio  float64
	P95Ratio  float64
}

// NewManager creates a compression manager. Compressed files land next to
// their shard's original file under dataDir/<table>/.
func NewManager(session store.Session, schemas map[string]types.TableSchema, columnar types.Columnar, dataDir string) (*Manager, error) {
	if session == nil {
		return nil, errors.ErrNilSession
	}

	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("create ratio sketch: %w", err)
	}

	return &Manager{
		strategies:  make(map[string]Strategy),
		session:     session,
		schemas:     schemas,
		columnar:    columnar,
		dataDir:     dataDir,
		log:         logging.Component("compression"),
		now:         time.Now,
		ratioSketch: sketch,
	}, nil
}

// SetNow overrides the clock. Tests only.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// OnShardUpdate registers a callback invoked with the table name whenever a
// shard's registry row is rewritten.
func (m *Manager) OnShardUpdate(fn func(table string)) {
	m.notify = fn
}

// RegisterStrategy registers a strategy under a name. Registering a duplicate
// name overwrites the prior entry.
func (m *Manager) RegisterStrategy(name string, s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[name] = s
}

func (m *Manager) strategy(name string) (Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[name]
	if !ok {
		return nil, errors.NewUnknownStrategy("compression", name)
	}
	return s, nil
}

func (m *Manager) schema(table string) (types.TableSchema, error) {
	schema, ok := m.schemas[table]
	if !ok {
		return types.TableSchema{}, fmt.Errorf("table %q: %w", table, errors.ErrUnknownTable)
	}
	return schema, nil
}

// CompressTableData queries rows of a table in the inclusive [start, end]
// range and writes them to a compressed columnar file. An empty result set is
// not an error: it returns an empty path and zero stats.
func (m *Manager) CompressTableData(ctx context.Context, table string, start, end time.Time, codecName string, symbols []string) (string, CompressStats, error) {
	start, end = types.Day(start), types.Day(end)
	if start.After(end) {
		return "", CompressStats{}, errors.NewInvalidDateRange(start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	codec, err := parseStrategyCodec(codecName)
	if err != nil {
		return "", CompressStats{}, err
	}
	schema, err := m.schema(table)
	if err != nil {
		return "", CompressStats{}, err
	}

	rows, err := m.session.QueryRows(ctx, schema, start, end, symbols, nil)
	if err != nil {
		return "", CompressStats{}, err
	}
	if len(rows) == 0 {
		return "", CompressStats{}, nil
	}

	name := fmt.Sprintf("%s_%s_%s.%s.parquet",
		table, start.Format("20060102"), end.Format("20060102"), codec)
	path := filepath.Join(m.dataDir, table, name)

	stats, err := m.writeCompressed(ctx, path, schema, rows, codec, estimateRowsSize(schema, rows))
	if err != nil {
		return "", CompressStats{}, err
	}

	return path, stats, nil
}

// ConvertCompressionFormat reads an existing columnar file of a table and
// rewrites it at targetPath under a new codec.
func (m *Manager) ConvertCompressionFormat(ctx context.Context, table, sourcePath, targetPath, codecName string) (CompressStats, error) {
	codec, err := parseStrategyCodec(codecName)
	if err != nil {
		return CompressStats{}, err
	}
	schema, err := m.schema(table)
	if err != nil {
		return CompressStats{}, err
	}

	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		return CompressStats{}, fmt.Errorf("%w: %s", errors.ErrFileNotFound, sourcePath)
	}

	rows, err := m.columnar.ReadRows(ctx, sourcePath, schema, nil)
	if err != nil {
		return CompressStats{}, errors.Wrapf(err, "read %s", sourcePath)
	}

	return m.writeCompressed(ctx, targetPath, schema, rows, codec, sourceInfo.Size())
}

// AutoCompressOldData scans all uncompressed shards and applies the named
// strategy. In dry-run mode eligible shards are reported without writing.
// One shard's failure is captured per item and does not stop the scan.
func (m *Manager) AutoCompressOldData(ctx context.Context, strategyName string, dryRun bool) ([]Outcome, error) {
	strategy, err := m.strategy(strategyName)
	if err != nil {
		return nil, err
	}

	shards, err := m.session.ListShards(ctx, "", true)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	var outcomes []Outcome

	for i := range shards {
		shard := &shards[i]
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		if !strategy.ShouldCompress(shard.FileSize, shard.AgeDays(now)) {
			continue
		}

		if dryRun {
			outcomes = append(outcomes, Outcome{
				ShardID:      shard.ShardID,
				TableName:    shard.TableName,
				Action:       "would_compress",
				OriginalSize: shard.FileSize,
			})
			continue
		}

		stats, err := m.compressShard(ctx, shard, strategy.Codec())
		if err != nil {
			outcomes = append(outcomes, Outcome{
				ShardID:   shard.ShardID,
				TableName: shard.TableName,
				Action:    "error",
				Error:     err.Error(),
			})
			m.log.Error("shard compression failed",
				"shard_id", shard.ShardID, "error", err)
			continue
		}

		outcomes = append(outcomes, Outcome{
			ShardID:        shard.ShardID,
			TableName:      shard.TableName,
			Action:         "compressed",
			OriginalSize:   stats.OriginalSize,
			CompressedSize: stats.CompressedSize,
			Ratio:          stats.Ratio,
		})
	}

	return outcomes, nil
}

// CompressShard rewrites one shard's file under the named codec and updates
// its registry row.
func (m *Manager) CompressShard(ctx context.Context, shard *types.Shard, codecName string) (CompressStats, error) {
	codec, err := parseStrategyCodec(codecName)
	if err != nil {
		return CompressStats{}, err
	}
	return m.compressShard(ctx, shard, codec)
}

// compressShard rewrites one shard's file under the codec and updates its
// registry row.
func (m *Manager) compressShard(ctx context.Context, shard *types.Shard, codec types.Codec) (CompressStats, error) {
	schema, err := m.schema(shard.TableName)
	if err != nil {
		return CompressStats{}, err
	}

	rows, err := m.columnar.ReadRows(ctx, shard.FilePath, schema, nil)
	if err != nil {
		return CompressStats{}, errors.Wrapf(err, "read shard %s", shard.ShardID)
	}

	newPath := filepath.Join(filepath.Dir(shard.FilePath),
		fmt.Sprintf("%s.%s.parquet", shard.ShardID, codec))

	stats, err := m.writeCompressed(ctx, newPath, schema, rows, codec, shard.FileSize)
	if err != nil {
		return CompressStats{}, err
	}

	digest, err := checksum.FileDigest(newPath)
	if err != nil {
		return CompressStats{}, errors.Wrapf(err, "digest shard %s", shard.ShardID)
	}

	oldPath := shard.FilePath
	shard.FilePath = newPath
	shard.Compression = codec.String()
	shard.IsCompressed = true
	shard.RowCount = stats.RowCount
	shard.FileSize = stats.CompressedSize
	shard.FileChecksum = digest
	shard.UpdatedAt = m.now().UTC()

	if err := m.session.UpdateShard(ctx, shard); err != nil {
		return CompressStats{}, err
	}
	if m.notify != nil {
		m.notify(shard.TableName)
	}

	if oldPath != newPath {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			m.log.Warn("could not remove uncompressed shard file",
				"path", oldPath, "error", err)
		}
	}

	m.log.Info("shard compressed",
		"shard_id", shard.ShardID,
		"codec", codec.String(),
		"ratio", stats.Ratio)

	return stats, nil
}

// writeCompressed writes rows under a codec and records the observed ratio.
func (m *Manager) writeCompressed(ctx context.Context, path string, schema types.TableSchema, rows []types.Row, codec types.Codec, originalSize int64) (CompressStats, error) {
	started := m.now()

	writeStats, err := m.columnar.WriteRows(ctx, path, schema, rows, codec)
	if err != nil {
		return CompressStats{}, errors.Wrapf(err, "write %s", path)
	}

	stats := CompressStats{
		OriginalSize:   originalSize,
		CompressedSize: writeStats.FileSize,
		Elapsed:        m.now().Sub(started),
		RowCount:       writeStats.RowCount,
		FilePath:       writeStats.FilePath,
	}
	if originalSize > 0 {
		stats.Ratio = float64(writeStats.FileSize) / float64(originalSize)
		m.recordRatio(stats.Ratio)
	}

	return stats, nil
}

func (m *Manager) recordRatio(ratio float64) {
	m.sketchMu.Lock()
	defer m.sketchMu.Unlock()
	if err := m.ratioSketch.Add(ratio); err != nil {
		return
	}
	m.ratioSum += ratio
	m.ratioCount++
}

// CompressionStatistics aggregates compression state from shard metadata and
// the in-process ratio distribution.
func (m *Manager) CompressionStatistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{
		ByCodec: make(map[string]CodecStats),
		ByTable: make(map[string]CodecStats),
	}

	shards, err := m.session.ListShards(ctx, "", false)
	if err != nil {
		return stats, err
	}

	for i := range shards {
		shard := &shards[i]
		if shard.IsCompressed {
			stats.CompressedShards++
			stats.CompressedBytes += shard.FileSize

			codec := stats.ByCodec[shard.Compression]
			codec.ShardCount++
			codec.TotalBytes += shard.FileSize
			stats.ByCodec[shard.Compression] = codec
		} else {
			stats.UncompressedShards++
			stats.UncompressedBytes += shard.FileSize
		}

		table := stats.ByTable[shard.TableName]
		table.ShardCount++
		table.TotalBytes += shard.FileSize
		stats.ByTable[shard.TableName] = table
	}

	m.sketchMu.Lock()
	if m.ratioCount > 0 {
		stats.MeanRatio = m.ratioSum / float64(m.ratioCount)
		if p50, err := m.ratioSketch.GetValueAtQuantile(0.5); err == nil {
			stats.P50Ratio = p50
		}
		if p95, err := m.ratioSketch.GetValueAtQuantile(0.95); err == nil {
			stats.P95Ratio = p95
		}
	}
	m.sketchMu.Unlock()

	return stats, nil
}

// estimateRowsSize approximates the uncompressed byte size of rows using
// their canonical string encoding. The source of truth for on-disk size is
// the written file; this only feeds ratio reporting.
func estimateRowsSize(schema types.TableSchema, rows []types.Row) int64 {
	var size int64
	for _, row := range rows {
		for _, col := range schema.Columns {
			size += int64(len(col.Name) + len(checksum.CanonicalValue(row[col.Name])) + 2)
		}
	}
	return size
}
