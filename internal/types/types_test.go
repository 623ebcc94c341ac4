package types

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDay(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"midnight utc", date(2024, 3, 15), date(2024, 3, 15)},
		{"midday utc", time.Date(2024, 3, 15, 13, 45, 12, 999, time.UTC), date(2024, 3, 15)},
		{"non-utc zone", time.Date(2024, 3, 15, 23, 30, 0, 0, time.FixedZone("E5", 5*3600)), date(2024, 3, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Day(tt.in); !got.Equal(tt.want) {
				t.Errorf("Day(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestShardOverlaps(t *testing.T) {
	shard := Shard{
		StartDate: date(2024, 1, 10),
		EndDate:   date(2024, 1, 20),
	}

	tests := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"fully inside", date(2024, 1, 12), date(2024, 1, 15), true},
		{"fully covering", date(2024, 1, 1), date(2024, 1, 31), true},
		{"touching start", date(2024, 1, 1), date(2024, 1, 10), true},
		{"touching end", date(2024, 1, 20), date(2024, 1, 25), true},
		{"before", date(2024, 1, 1), date(2024, 1, 9), false},
		{"after", date(2024, 1, 21), date(2024, 1, 31), false},
		{"single day inside", date(2024, 1, 15), date(2024, 1, 15), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shard.Overlaps(tt.start, tt.end); got != tt.want {
				t.Errorf("Overlaps(%v, %v) = %v, want %v", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestShardID(t *testing.T) {
	got := ShardID("market_data", date(2024, 1, 1), date(2024, 1, 30))
	want := "market_data_20240101_20240130"
	if got != want {
		t.Errorf("ShardID = %q, want %q", got, want)
	}
}

func TestShardAgeDays(t *testing.T) {
	shard := Shard{EndDate: date(2024, 1, 1)}
	now := date(2024, 1, 31)
	if got := shard.AgeDays(now); got != 30 {
		t.Errorf("AgeDays = %v, want 30", got)
	}
}

func TestChecksumRecordAges(t *testing.T) {
	now := date(2024, 6, 1)

	t.Run("never verified reports record age", func(t *testing.T) {
		record := ChecksumRecord{CreatedAt: date(2024, 5, 22)}
		if got := record.LastVerifiedDays(now); got != 10 {
			t.Errorf("LastVerifiedDays = %v, want 10", got)
		}
	})

	t.Run("verified reports verification age", func(t *testing.T) {
		record := ChecksumRecord{
			CreatedAt:  date(2024, 5, 1),
			VerifiedAt: date(2024, 5, 29),
		}
		if got := record.LastVerifiedDays(now); got != 3 {
			t.Errorf("LastVerifiedDays = %v, want 3", got)
		}
	})
}

func TestTableSchemaValidate(t *testing.T) {
	valid := TableSchema{
		Name:         "market_data",
		TimeColumn:   "date",
		IDColumn:     "id",
		SymbolColumn: "symbol",
		Columns: []Column{
			{Name: "id", Kind: KindInt64},
			{Name: "symbol", Kind: KindString},
			{Name: "date", Kind: KindTime},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*TableSchema)
	}{
		{"empty name", func(s *TableSchema) { s.Name = "" }},
		{"no columns", func(s *TableSchema) { s.Columns = nil }},
		{"missing time column", func(s *TableSchema) { s.TimeColumn = "ts" }},
		{"missing id column", func(s *TableSchema) { s.IDColumn = "pk" }},
		{"missing symbol column", func(s *TableSchema) { s.SymbolColumn = "ticker" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := valid
			schema.Columns = append([]Column(nil), valid.Columns...)
			tt.mutate(&schema)
			if err := schema.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
