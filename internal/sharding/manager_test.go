package sharding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/testutil"
	"github.com/openquant/dbmaint/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *testutil.FakeSession, *testutil.FakeColumnar, types.TableSchema) {
	t.Helper()
	schema := testutil.MarketSchema()
	session := testutil.NewFakeSession()
	columnar := testutil.NewFakeColumnar()

	m, err := NewManager(session, map[string]types.TableSchema{schema.Name: schema}, columnar, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return m, session, columnar, schema
}

func TestCreateShardIfNeeded(t *testing.T) {
	m, session, _, schema := newTestManager(t)
	ctx := context.Background()

	session.AddRows(schema.Name, testutil.MarketRows("AAPL", day(2024, 1, 1), 35, 1)...)

	strategy, err := NewTimeBased(30)
	if err != nil {
		t.Fatal(err)
	}
	strategy.SetNow(func() time.Time { return day(2024, 3, 1) })
	m.RegisterStrategy("time_based", strategy)
	m.SetNow(func() time.Time { return day(2024, 3, 1) })

	shard, err := m.CreateShardIfNeeded(ctx, schema.Name, "time_based", nil)
	if err != nil {
		t.Fatalf("CreateShardIfNeeded: %v", err)
	}
	if shard == nil {
		t.Fatal("expected a shard, got nil")
	}

	if shard.ShardID != "market_data_20240101_20240130" {
		t.Errorf("shard id = %q", shard.ShardID)
	}
	if shard.RowCount != 30 {
		t.Errorf("row count = %d, want 30 (rows inside the window)", shard.RowCount)
	}
	if shard.IsCompressed {
		t.Error("new shard should be uncompressed")
	}
	if shard.FileChecksum == "" {
		t.Error("shard file digest missing")
	}

	stored, err := session.LatestShard(ctx, schema.Name)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.ShardID != shard.ShardID {
		t.Error("shard not registered in session")
	}
}

func TestCreateShardIfNeededNotDue(t *testing.T) {
	m, session, _, schema := newTestManager(t)
	ctx := context.Background()

	prior := types.Shard{
		ShardID:   types.ShardID(schema.Name, day(2024, 2, 1), day(2024, 3, 1)),
		TableName: schema.Name,
		StartDate: day(2024, 2, 1),
		EndDate:   day(2024, 3, 1),
	}
	if err := session.InsertShard(ctx, &prior); err != nil {
		t.Fatal(err)
	}

	strategy, err := NewTimeBased(30)
	if err != nil {
		t.Fatal(err)
	}
	strategy.SetNow(func() time.Time { return day(2024, 3, 10) })
	m.RegisterStrategy("time_based", strategy)

	shard, err := m.CreateShardIfNeeded(ctx, schema.Name, "time_based", nil)
	if err != nil {
		t.Fatal(err)
	}
	if shard != nil {
		t.Errorf("shard created while not due: %+v", shard)
	}
}

func TestCreateShardIfNeededEmptyWindow(t *testing.T) {
	m, session, _, schema := newTestManager(t)
	ctx := context.Background()

	// Rows exist so the earliest-date lookup succeeds, but the next window
	// after the prior shard holds nothing.
	session.AddRows(schema.Name, testutil.MarketRows("AAPL", day(2024, 1, 1), 5, 1)...)
	prior := types.Shard{
		ShardID:   types.ShardID(schema.Name, day(2024, 1, 1), day(2024, 1, 30)),
		TableName: schema.Name,
		StartDate: day(2024, 1, 1),
		EndDate:   day(2024, 1, 30),
	}
	if err := session.InsertShard(ctx, &prior); err != nil {
		t.Fatal(err)
	}

	strategy, err := NewTimeBased(30)
	if err != nil {
		t.Fatal(err)
	}
	strategy.SetNow(func() time.Time { return day(2024, 6, 1) })
	m.RegisterStrategy("time_based", strategy)

	shard, err := m.CreateShardIfNeeded(ctx, schema.Name, "time_based", nil)
	if err != nil {
		t.Fatal(err)
	}
	if shard != nil {
		t.Errorf("shard created for empty window: %+v", shard)
	}
}

func TestCreateShardUnknownStrategy(t *testing.T) {
	m, _, _, schema := newTestManager(t)
	_, err := m.CreateShardIfNeeded(context.Background(), schema.Name, "nope", nil)
	if !errors.Is(err, errors.ErrUnknownStrategy) {
		t.Errorf("error = %v, want ErrUnknownStrategy", err)
	}
	if !errors.IsConfig(err) {
		t.Error("unknown strategy should classify as a config error")
	}
}

func TestMaterializeShard(t *testing.T) {
	m, session, _, schema := newTestManager(t)
	ctx := context.Background()

	session.AddRows(schema.Name, testutil.MarketRows("AAPL", day(2024, 1, 1), 40, 1)...)

	shard, err := m.MaterializeShard(ctx, schema.Name, day(2024, 1, 5), day(2024, 1, 14), nil)
	if err != nil {
		t.Fatalf("MaterializeShard: %v", err)
	}
	if shard == nil {
		t.Fatal("expected a shard, got nil")
	}
	if shard.ShardID != "market_data_20240105_20240114" {
		t.Errorf("shard id = %q", shard.ShardID)
	}
	if shard.RowCount != 10 {
		t.Errorf("row count = %d, want 10", shard.RowCount)
	}
	if shard.FileChecksum == "" {
		t.Error("shard file digest missing")
	}

	stored, err := session.LatestShard(ctx, schema.Name)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.ShardID != shard.ShardID {
		t.Error("shard not registered in session")
	}
}

func TestMaterializeShardInvalidRange(t *testing.T) {
	m, _, _, schema := newTestManager(t)
	_, err := m.MaterializeShard(context.Background(), schema.Name, day(2024, 2, 1), day(2024, 1, 1), nil)
	if !errors.Is(err, errors.ErrInvalidDateRange) {
		t.Errorf("error = %v, want ErrInvalidDateRange", err)
	}
}

func TestMaterializeShardEmptyWindow(t *testing.T) {
	m, session, _, schema := newTestManager(t)
	ctx := context.Background()

	session.AddRows(schema.Name, testutil.MarketRows("AAPL", day(2024, 1, 1), 5, 1)...)

	shard, err := m.MaterializeShard(ctx, schema.Name, day(2024, 6, 1), day(2024, 6, 30), nil)
	if err != nil {
		t.Fatal(err)
	}
	if shard != nil {
		t.Errorf("shard created for empty window: %+v", shard)
	}
}

func TestShardsForQuery(t *testing.T) {
	m, session, _, schema := newTestManager(t)
	ctx := context.Background()

	windows := []struct{ start, end time.Time }{
		{day(2024, 1, 1), day(2024, 1, 30)},
		{day(2024, 1, 31), day(2024, 2, 29)},
		{day(2024, 3, 1), day(2024, 3, 30)},
	}
	for _, w := range windows {
		shard := types.Shard{
			ShardID:   types.ShardID(schema.Name, w.start, w.end),
			TableName: schema.Name,
			StartDate: w.start,
			EndDate:   w.end,
		}
		if err := session.InsertShard(ctx, &shard); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name       string
		start, end time.Time
		want       int
	}{
		{"inside first", day(2024, 1, 5), day(2024, 1, 10), 1},
		{"spanning two", day(2024, 1, 25), day(2024, 2, 5), 2},
		{"all three", day(2024, 1, 1), day(2024, 3, 30), 3},
		{"gap between second and third", time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), day(2024, 4, 30), 0},
		{"boundary day only", day(2024, 1, 30), day(2024, 1, 30), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ShardsForQuery(ctx, schema.Name, tt.start, tt.end)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("matched %d shards, want %d", len(got), tt.want)
			}
			for i := 1; i < len(got); i++ {
				if got[i].StartDate.Before(got[i-1].StartDate) {
					t.Error("shards not ordered by start date")
				}
			}
		})
	}
}

func TestShardsForQueryInvalidRange(t *testing.T) {
	m, _, _, schema := newTestManager(t)
	_, err := m.ShardsForQuery(context.Background(), schema.Name, day(2024, 2, 1), day(2024, 1, 1))
	if !errors.Is(err, errors.ErrInvalidDateRange) {
		t.Errorf("error = %v, want ErrInvalidDateRange", err)
	}
}

func materializeShard(t *testing.T, m *Manager, session *testutil.FakeSession, columnar *testutil.FakeColumnar, schema types.TableSchema, symbol string, start, end time.Time, firstID int64) types.Shard {
	t.Helper()
	ctx := context.Background()

	days := int(end.Sub(start).Hours()/24) + 1
	rows := testutil.MarketRows(symbol, start, days, firstID)
	shardID := types.ShardID(schema.Name, start, end)
	path := fmt.Sprintf("%s/%s.parquet", t.TempDir(), shardID)

	stats, err := columnar.WriteRows(ctx, path, schema, rows, types.CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	shard := types.Shard{
		ShardID:   shardID,
		TableName: schema.Name,
		StartDate: start,
		EndDate:   end,
		FilePath:  stats.FilePath,
		RowCount:  stats.RowCount,
		FileSize:  stats.FileSize,
	}
	if err := session.InsertShard(ctx, &shard); err != nil {
		t.Fatal(err)
	}
	m.InvalidateCache(schema.Name)
	return shard
}

func TestQueryAcrossShards(t *testing.T) {
	m, session, columnar, schema := newTestManager(t)
	ctx := context.Background()

	materializeShard(t, m, session, columnar, schema, "AAPL", day(2024, 1, 1), day(2024, 1, 10), 1)
	materializeShard(t, m, session, columnar, schema, "AAPL", day(2024, 1, 11), day(2024, 1, 20), 11)

	rows, err := m.QueryAcrossShards(ctx, schema.Name, day(2024, 1, 5), day(2024, 1, 15), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 11 {
		t.Fatalf("got %d rows, want 11 (2024-01-05 through 2024-01-15)", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		prev, _ := rows[i-1][schema.TimeColumn].(time.Time)
		cur, _ := rows[i][schema.TimeColumn].(time.Time)
		if cur.Before(prev) {
			t.Fatal("rows not sorted by time column")
		}
	}
}

func TestQueryAcrossShardsSymbolFilter(t *testing.T) {
	m, session, columnar, schema := newTestManager(t)
	ctx := context.Background()

	// One shard containing two symbols.
	rows := append(
		testutil.MarketRows("AAPL", day(2024, 1, 1), 5, 1),
		testutil.MarketRows("MSFT", day(2024, 1, 1), 5, 100)...)
	shardID := types.ShardID(schema.Name, day(2024, 1, 1), day(2024, 1, 5))
	path := fmt.Sprintf("%s/%s.parquet", t.TempDir(), shardID)
	stats, err := columnar.WriteRows(ctx, path, schema, rows, types.CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	shard := types.Shard{
		ShardID: shardID, TableName: schema.Name,
		StartDate: day(2024, 1, 1), EndDate: day(2024, 1, 5),
		FilePath: stats.FilePath, RowCount: stats.RowCount,
	}
	if err := session.InsertShard(ctx, &shard); err != nil {
		t.Fatal(err)
	}

	got, err := m.QueryAcrossShards(ctx, schema.Name, day(2024, 1, 1), day(2024, 1, 5), []string{"MSFT"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d rows, want 5", len(got))
	}
	for _, r := range got {
		if r[schema.SymbolColumn] != "MSFT" {
			t.Errorf("row leaked through symbol filter: %v", r)
		}
	}
}

func TestQueryAcrossShardsProjection(t *testing.T) {
	m, session, columnar, schema := newTestManager(t)
	ctx := context.Background()

	materializeShard(t, m, session, columnar, schema, "AAPL", day(2024, 1, 1), day(2024, 1, 5), 1)

	rows, err := m.QueryAcrossShards(ctx, schema.Name, day(2024, 1, 1), day(2024, 1, 5), nil, []string{"close"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("got %d rows", len(rows))
	}
	for _, r := range rows {
		if len(r) != 1 {
			t.Errorf("projection leaked extra columns: %v", r)
		}
		if _, ok := r["close"]; !ok {
			t.Errorf("projected column missing: %v", r)
		}
	}
}

func TestQueryAcrossShardsSkipsUnreadable(t *testing.T) {
	m, session, columnar, schema := newTestManager(t)
	ctx := context.Background()

	good := materializeShard(t, m, session, columnar, schema, "AAPL", day(2024, 1, 1), day(2024, 1, 5), 1)
	bad := materializeShard(t, m, session, columnar, schema, "AAPL", day(2024, 1, 6), day(2024, 1, 10), 6)
	columnar.ReadErrs[bad.FilePath] = fmt.Errorf("corrupted page header")

	rows, err := m.QueryAcrossShards(ctx, schema.Name, day(2024, 1, 1), day(2024, 1, 10), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(rows)) != good.RowCount {
		t.Errorf("got %d rows, want only the readable shard's %d", len(rows), good.RowCount)
	}
}

func TestShardListCacheInvalidation(t *testing.T) {
	m, session, _, schema := newTestManager(t)
	ctx := context.Background()

	first := types.Shard{
		ShardID:   types.ShardID(schema.Name, day(2024, 1, 1), day(2024, 1, 30)),
		TableName: schema.Name,
		StartDate: day(2024, 1, 1),
		EndDate:   day(2024, 1, 30),
	}
	if err := session.InsertShard(ctx, &first); err != nil {
		t.Fatal(err)
	}

	got, err := m.ShardsForQuery(ctx, schema.Name, day(2024, 1, 1), day(2024, 12, 31))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d shards", len(got))
	}

	// A second shard inserted behind the cache stays invisible until
	// invalidation.
	second := types.Shard{
		ShardID:   types.ShardID(schema.Name, day(2024, 1, 31), day(2024, 2, 29)),
		TableName: schema.Name,
		StartDate: day(2024, 1, 31),
		EndDate:   day(2024, 2, 29),
	}
	if err := session.InsertShard(ctx, &second); err != nil {
		t.Fatal(err)
	}

	got, err = m.ShardsForQuery(ctx, schema.Name, day(2024, 1, 1), day(2024, 12, 31))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("cache bypassed: got %d shards", len(got))
	}

	m.InvalidateCache(schema.Name)
	got, err = m.ShardsForQuery(ctx, schema.Name, day(2024, 1, 1), day(2024, 12, 31))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("after invalidation: got %d shards, want 2", len(got))
	}
}

func TestShardStatistics(t *testing.T) {
	m, session, _, schema := newTestManager(t)
	ctx := context.Background()

	shards := []types.Shard{
		{
			ShardID: "market_data_a", TableName: schema.Name,
			StartDate: day(2024, 1, 1), EndDate: day(2024, 1, 30),
			RowCount: 100, FileSize: 1000,
		},
		{
			ShardID: "market_data_b", TableName: schema.Name,
			StartDate: day(2024, 1, 31), EndDate: day(2024, 2, 29),
			RowCount: 200, FileSize: 500, IsCompressed: true, Compression: "zstd",
		},
	}
	for i := range shards {
		if err := session.InsertShard(ctx, &shards[i]); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := m.ShardStatistics(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalShards != 2 || stats.TotalRows != 300 || stats.TotalBytes != 1500 {
		t.Errorf("stats = %+v", stats)
	}
	entry := stats.ByTable[schema.Name]
	if entry.CompressedCount != 1 {
		t.Errorf("compressed count = %d", entry.CompressedCount)
	}
	if !entry.EarliestStart.Equal(day(2024, 1, 1)) || !entry.LatestEnd.Equal(day(2024, 2, 29)) {
		t.Errorf("date range = %v .. %v", entry.EarliestStart, entry.LatestEnd)
	}
}
