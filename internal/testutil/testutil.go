// Package testutil provides in-memory fakes for the relational session and
// the columnar codec, plus row builders for the managed test schemas.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/store"
	"github.com/openquant/dbmaint/internal/types"
)

// FakeSession is an in-memory store.Session. All methods are safe for
// concurrent use.
type FakeSession struct {
	mu        sync.Mutex
	rows      map[string][]types.Row
	shards    []types.Shard
	checksums map[string]*types.ChecksumRecord

	// QueryErr, when set, fails QueryRows with this error.
	QueryErr error
}

// NewFakeSession creates an empty fake session.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		rows:      make(map[string][]types.Row),
		checksums: make(map[string]*types.ChecksumRecord),
	}
}

func checksumKey(table string, recordID int64) string {
	return fmt.Sprintf("%s/%d", table, recordID)
}

// AddRows appends rows to a table.
func (s *FakeSession) AddRows(table string, rows ...types.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[table] = append(s.rows[table], rows...)
}

// SetRow replaces the row with the schema's id column equal to id. Used to
// simulate tampering.
func (s *FakeSession) SetRow(schema types.TableSchema, id int64, row types.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows[schema.Name] {
		if rowID(r, schema) == id {
			s.rows[schema.Name][i] = row
			return
		}
	}
	s.rows[schema.Name] = append(s.rows[schema.Name], row)
}

// DeleteRow removes the row with the given id.
func (s *FakeSession) DeleteRow(schema types.TableSchema, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[schema.Name]
	for i, r := range rows {
		if rowID(r, schema) == id {
			s.rows[schema.Name] = append(rows[:i], rows[i+1:]...)
			return
		}
	}
}

// Shards returns a copy of the shard registry.
func (s *FakeSession) Shards() []types.Shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Shard, len(s.shards))
	copy(out, s.shards)
	return out
}

func rowID(r types.Row, schema types.TableSchema) int64 {
	id, _ := r[schema.IDColumn].(int64)
	return id
}

func rowDay(r types.Row, schema types.TableSchema) time.Time {
	t, _ := r[schema.TimeColumn].(time.Time)
	return types.Day(t)
}

// QueryRows implements store.Session.
func (s *FakeSession) QueryRows(ctx context.Context, schema types.TableSchema, start, end time.Time, symbols []string, columns []string) ([]types.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}

	start, end = types.Day(start), types.Day(end)
	symbolSet := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		symbolSet[sym] = true
	}

	var out []types.Row
	for _, r := range s.rows[schema.Name] {
		day := rowDay(r, schema)
		if day.Before(start) || day.After(end) {
			continue
		}
		if len(symbolSet) > 0 && schema.SymbolColumn != "" {
			sym, _ := r[schema.SymbolColumn].(string)
			if !symbolSet[sym] {
				continue
			}
		}
		out = append(out, projectRow(r, columns))
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i][schema.TimeColumn].(time.Time)
		tj, _ := out[j][schema.TimeColumn].(time.Time)
		return ti.Before(tj)
	})
	return out, nil
}

// GetRowByID implements store.Session.
func (s *FakeSession) GetRowByID(ctx context.Context, schema types.TableSchema, id int64) (types.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows[schema.Name] {
		if rowID(r, schema) == id {
			return copyRow(r), nil
		}
	}
	return nil, fmt.Errorf("row %d in %s: %w", id, schema.Name, errors.ErrRecordNotFound)
}

// EarliestRowDate implements store.Session.
func (s *FakeSession) EarliestRowDate(ctx context.Context, schema types.TableSchema) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, r := range s.rows[schema.Name] {
		day := rowDay(r, schema)
		if earliest.IsZero() || day.Before(earliest) {
			earliest = day
		}
	}
	if earliest.IsZero() {
		return time.Time{}, fmt.Errorf("table %s is empty: %w", schema.Name, errors.ErrNotFound)
	}
	return earliest, nil
}

// CountRows implements store.Session.
func (s *FakeSession) CountRows(ctx context.Context, schema types.TableSchema) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows[schema.Name])), nil
}

// RowDateCounts implements store.Session.
func (s *FakeSession) RowDateCounts(ctx context.Context, schema types.TableSchema, after time.Time) ([]store.DateCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[time.Time]int64)
	for _, r := range s.rows[schema.Name] {
		day := rowDay(r, schema)
		if !after.IsZero() && !day.After(after) {
			continue
		}
		counts[day]++
	}

	out := make([]store.DateCount, 0, len(counts))
	for day, n := range counts {
		out = append(out, store.DateCount{Date: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// RowIDsWithoutChecksum implements store.Session.
func (s *FakeSession) RowIDsWithoutChecksum(ctx context.Context, schema types.TableSchema, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, r := range s.rows[schema.Name] {
		id := rowID(r, schema)
		if _, ok := s.checksums[checksumKey(schema.Name, id)]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// InsertShard implements store.Session.
func (s *FakeSession) InsertShard(ctx context.Context, shard *types.Shard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.shards {
		if s.shards[i].ShardID == shard.ShardID {
			return fmt.Errorf("shard %s: %w", shard.ShardID, errors.ErrAlreadyExists)
		}
	}
	s.shards = append(s.shards, *shard)
	return nil
}

// UpdateShard implements store.Session.
func (s *FakeSession) UpdateShard(ctx context.Context, shard *types.Shard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.shards {
		if s.shards[i].ShardID == shard.ShardID {
			s.shards[i] = *shard
			return nil
		}
	}
	return fmt.Errorf("shard %s: %w", shard.ShardID, errors.ErrShardNotFound)
}

// LatestShard implements store.Session.
func (s *FakeSession) LatestShard(ctx context.Context, table string) (*types.Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *types.Shard
	for i := range s.shards {
		if s.shards[i].TableName != table {
			continue
		}
		if latest == nil || s.shards[i].EndDate.After(latest.EndDate) {
			latest = &s.shards[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// ShardsOverlapping implements store.Session.
func (s *FakeSession) ShardsOverlapping(ctx context.Context, table string, start, end time.Time) ([]types.Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Shard
	for i := range s.shards {
		if s.shards[i].TableName == table && s.shards[i].Overlaps(start, end) {
			out = append(out, s.shards[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// ListShards implements store.Session.
func (s *FakeSession) ListShards(ctx context.Context, table string, onlyUncompressed bool) ([]types.Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Shard
	for i := range s.shards {
		if table != "" && s.shards[i].TableName != table {
			continue
		}
		if onlyUncompressed && s.shards[i].IsCompressed {
			continue
		}
		out = append(out, s.shards[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

// ShardedRowCount implements store.Session.
func (s *FakeSession) ShardedRowCount(ctx context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for i := range s.shards {
		if s.shards[i].TableName == table {
			total += s.shards[i].RowCount
		}
	}
	return total, nil
}

// UpsertChecksum implements store.Session.
func (s *FakeSession) UpsertChecksum(ctx context.Context, record *types.ChecksumRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	clone.Fields = append([]string(nil), record.Fields...)
	s.checksums[checksumKey(record.TableName, record.RecordID)] = &clone
	return nil
}

// GetChecksum implements store.Session.
func (s *FakeSession) GetChecksum(ctx context.Context, table string, recordID int64) (*types.ChecksumRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.checksums[checksumKey(table, recordID)]
	if !ok {
		return nil, fmt.Errorf("checksum %s/%d: %w", table, recordID, errors.ErrRecordNotFound)
	}
	out := *record
	out.Fields = append([]string(nil), record.Fields...)
	return &out, nil
}

// UpdateChecksumVerification implements store.Session.
func (s *FakeSession) UpdateChecksumVerification(ctx context.Context, table string, recordID int64, valid bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.checksums[checksumKey(table, recordID)]
	if !ok {
		return fmt.Errorf("checksum %s/%d: %w", table, recordID, errors.ErrRecordNotFound)
	}
	record.IsValid = valid
	record.VerifiedAt = at
	return nil
}

// ListChecksums implements store.Session.
func (s *FakeSession) ListChecksums(ctx context.Context, table string, limit int) ([]types.ChecksumRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ChecksumRecord
	for _, record := range s.checksums {
		if table != "" && record.TableName != table {
			continue
		}
		clone := *record
		clone.Fields = append([]string(nil), record.Fields...)
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableName != out[j].TableName {
			return out[i].TableName < out[j].TableName
		}
		return out[i].RecordID < out[j].RecordID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements store.Session.
func (s *FakeSession) Close() error { return nil }

func copyRow(r types.Row) types.Row {
	out := make(types.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func projectRow(r types.Row, columns []string) types.Row {
	if len(columns) == 0 {
		return copyRow(r)
	}
	out := make(types.Row, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// FakeColumnar keeps written rows in memory but still creates a real file at
// each path, so file digests and stat calls behave like the parquet codec.
// Compressed codecs write a shorter file, giving a ratio below one.
type FakeColumnar struct {
	mu    sync.Mutex
	files map[string][]types.Row

	// ReadErrs fails ReadRows for specific paths.
	ReadErrs map[string]error
}

// NewFakeColumnar creates an empty fake codec.
func NewFakeColumnar() *FakeColumnar {
	return &FakeColumnar{
		files:    make(map[string][]types.Row),
		ReadErrs: make(map[string]error),
	}
}

// WriteRows implements types.ColumnarWriter.
func (c *FakeColumnar) WriteRows(ctx context.Context, path string, schema types.TableSchema, rows []types.Row, codec types.Codec) (types.WriteStats, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.WriteStats{}, err
	}

	var b strings.Builder
	for _, r := range rows {
		for _, col := range schema.Columns {
			fmt.Fprintf(&b, "%s=%v|", col.Name, r[col.Name])
		}
		b.WriteByte('\n')
	}
	content := b.String()
	if codec != types.CodecNone && len(content) > 0 {
		content = content[:len(content)/2+1]
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return types.WriteStats{}, err
	}

	c.mu.Lock()
	stored := make([]types.Row, len(rows))
	for i, r := range rows {
		stored[i] = copyRow(r)
	}
	c.files[path] = stored
	c.mu.Unlock()

	return types.WriteStats{
		RowCount: int64(len(rows)),
		FileSize: int64(len(content)),
		FilePath: path,
	}, nil
}

// ReadRows implements types.ColumnarReader.
func (c *FakeColumnar) ReadRows(ctx context.Context, path string, schema types.TableSchema, columns []string) ([]types.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ReadErrs[path]; err != nil {
		return nil, err
	}
	rows, ok := c.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrFileNotFound, path)
	}
	out := make([]types.Row, len(rows))
	for i, r := range rows {
		out[i] = projectRow(r, columns)
	}
	return out, nil
}

// MarketSchema is the OHLCV schema used across tests.
func MarketSchema() types.TableSchema {
	return types.TableSchema{
		Name:         "market_data",
		TimeColumn:   "date",
		IDColumn:     "id",
		SymbolColumn: "symbol",
		Columns: []types.Column{
			{Name: "id", Kind: types.KindInt64},
			{Name: "symbol", Kind: types.KindString},
			{Name: "date", Kind: types.KindTime},
			{Name: "open", Kind: types.KindFloat64},
			{Name: "high", Kind: types.KindFloat64},
			{Name: "low", Kind: types.KindFloat64},
			{Name: "close", Kind: types.KindFloat64},
			{Name: "volume", Kind: types.KindInt64},
		},
	}
}

// MarketRows builds one OHLCV row per day starting at start, with ids
// assigned sequentially from firstID.
func MarketRows(symbol string, start time.Time, days int, firstID int64) []types.Row {
	start = types.Day(start)
	rows := make([]types.Row, days)
	for i := 0; i < days; i++ {
		base := 100.0 + float64(i)
		rows[i] = types.Row{
			"id":     firstID + int64(i),
			"symbol": symbol,
			"date":   start.AddDate(0, 0, i),
			"open":   base,
			"high":   base + 1.5,
			"low":    base - 1.0,
			"close":  base + 0.5,
			"volume": int64(10_000 + i),
		}
	}
	return rows
}
