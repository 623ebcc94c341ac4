package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openquant/dbmaint/internal/types"
)

// Config represents the complete control-plane configuration.
type Config struct {
	// DataDir is the root directory for shard files.
	DataDir string `yaml:"data_dir"`

	// Database configures the relational metadata store.
	Database DatabaseConfig `yaml:"database"`

	// Tables lists the managed base tables.
	Tables []TableConfig `yaml:"tables"`

	// Sharding configures the default sharding strategies.
	Sharding ShardingConfig `yaml:"sharding"`

	// Compression configures the default compression strategies.
	Compression CompressionConfig `yaml:"compression"`

	// Checksum configures integrity verification.
	Checksum ChecksumConfig `yaml:"checksum"`

	// Maintenance configures the periodic maintenance pass.
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// DatabaseConfig configures the relational metadata store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. Empty opens an in-memory database.
	Path string `yaml:"path"`

	// MemoryLimit is the DuckDB memory limit (e.g. "2GB").
	MemoryLimit string `yaml:"memory_limit"`
}

// TableConfig describes one managed base table.
type TableConfig struct {
	Name           string         `yaml:"name"`
	TimeColumn     string         `yaml:"time_column"`
	IDColumn       string         `yaml:"id_column"`
	SymbolColumn   string         `yaml:"symbol_column"`
	Columns        []ColumnConfig `yaml:"columns"`
	ChecksumFields []string       `yaml:"checksum_fields"`
}

// ColumnConfig describes one column of a managed table.
type ColumnConfig struct {
	Name string `yaml:"name"`
	// Type is one of: string, int64, float64, bool, time.
	Type string `yaml:"type"`
}

// ShardingConfig configures the default sharding strategies.
type ShardingConfig struct {
	// DefaultStrategy is the strategy applied during maintenance:
	// "time_based" or "size_based".
	DefaultStrategy string `yaml:"default_strategy"`

	// IntervalDays is the window span for the time-based strategy.
	IntervalDays int `yaml:"interval_days"`

	// MaxRowsPerShard is the row budget for the size-based strategy.
	MaxRowsPerShard int64 `yaml:"max_rows_per_shard"`
}

// CompressionConfig configures the default compression strategies.
type CompressionConfig struct {
	// DefaultStrategy is the strategy applied during maintenance:
	// "time_based" or "size_based".
	DefaultStrategy string `yaml:"default_strategy"`

	// Codec is the codec used by the default strategies: snappy, gzip, lz4, zstd.
	Codec string `yaml:"codec"`

	// MinAgeDays is the minimum shard age for the time-based strategy.
	MinAgeDays int `yaml:"min_age_days"`

	// MinSizeMB is the minimum file size for the size-based strategy.
	MinSizeMB float64 `yaml:"min_size_mb"`
}

// ChecksumConfig configures integrity verification.
type ChecksumConfig struct {
	// VerifyIntervalDays is the re-verification interval for the
	// time-based strategy.
	VerifyIntervalDays int `yaml:"verify_interval_days"`

	// CriticalIntervalDays is the tighter interval for critical tables.
	CriticalIntervalDays int `yaml:"critical_interval_days"`

	// AutoCreateBatchSize caps how many missing checksum records one
	// backfill pass creates per table.
	AutoCreateBatchSize int `yaml:"auto_create_batch_size"`
}

// MaintenanceConfig configures the periodic maintenance pass. The core never
// schedules itself; the host process drives ticks at Interval.
type MaintenanceConfig struct {
	Interval        time.Duration `yaml:"interval"`
	AutoShard       bool          `yaml:"auto_shard"`
	AutoCompress    bool          `yaml:"auto_compress"`
	VerifyIntegrity bool          `yaml:"verify_integrity"`

	// VerifyBatchLimit caps records verified per table per pass.
	VerifyBatchLimit int `yaml:"verify_batch_limit"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults for a daily
// market-data store.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/dbmaint/shards",
		Database: DatabaseConfig{
			Path:        "dbmaint.db",
			MemoryLimit: "2GB",
		},
		Tables: []TableConfig{
			{
				Name:         "market_data",
				TimeColumn:   "date",
				IDColumn:     "id",
				SymbolColumn: "symbol",
				Columns: []ColumnConfig{
					{Name: "id", Type: "int64"},
					{Name: "symbol", Type: "string"},
					{Name: "date", Type: "time"},
					{Name: "open", Type: "float64"},
					{Name: "high", Type: "float64"},
					{Name: "low", Type: "float64"},
					{Name: "close", Type: "float64"},
					{Name: "volume", Type: "int64"},
				},
				ChecksumFields: []string{"symbol", "date", "close", "volume"},
			},
			{
				Name:         "trading_signals",
				TimeColumn:   "date",
				IDColumn:     "id",
				SymbolColumn: "symbol",
				Columns: []ColumnConfig{
					{Name: "id", Type: "int64"},
					{Name: "symbol", Type: "string"},
					{Name: "date", Type: "time"},
					{Name: "signal", Type: "string"},
					{Name: "confidence", Type: "float64"},
				},
				ChecksumFields: []string{"symbol", "date", "signal", "confidence"},
			},
		},
		Sharding: ShardingConfig{
			DefaultStrategy: "time_based",
			IntervalDays:    30,
			MaxRowsPerShard: 1_000_000,
		},
		Compression: CompressionConfig{
			DefaultStrategy: "time_based",
			Codec:           "zstd",
			MinAgeDays:      30,
			MinSizeMB:       100,
		},
		Checksum: ChecksumConfig{
			VerifyIntervalDays:   7,
			CriticalIntervalDays: 1,
			AutoCreateBatchSize:  1000,
		},
		Maintenance: MaintenanceConfig{
			Interval:         24 * time.Hour,
			AutoShard:        true,
			AutoCompress:     true,
			VerifyIntegrity:  true,
			VerifyBatchLimit: 100,
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one table is required")
	}

	seen := make(map[string]bool)
	for _, t := range c.Tables {
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true

		schema, err := t.Schema()
		if err != nil {
			return err
		}
		if err := schema.Validate(); err != nil {
			return err
		}
		for _, f := range t.ChecksumFields {
			if _, ok := schema.Column(f); !ok {
				return fmt.Errorf("table %s: checksum field %q not in columns", t.Name, f)
			}
		}
	}

	if c.Sharding.IntervalDays <= 0 {
		return fmt.Errorf("sharding.interval_days must be positive")
	}
	if c.Sharding.MaxRowsPerShard <= 0 {
		return fmt.Errorf("sharding.max_rows_per_shard must be positive")
	}

	if _, err := types.ParseCodec(c.Compression.Codec); err != nil {
		return fmt.Errorf("compression.codec: %w", err)
	}
	if c.Compression.Codec == "none" || c.Compression.Codec == "" {
		return fmt.Errorf("compression.codec must name a real codec")
	}
	if c.Compression.MinAgeDays <= 0 {
		return fmt.Errorf("compression.min_age_days must be positive")
	}
	if c.Compression.MinSizeMB <= 0 {
		return fmt.Errorf("compression.min_size_mb must be positive")
	}

	if c.Checksum.VerifyIntervalDays <= 0 {
		return fmt.Errorf("checksum.verify_interval_days must be positive")
	}
	if c.Checksum.CriticalIntervalDays <= 0 {
		return fmt.Errorf("checksum.critical_interval_days must be positive")
	}
	if c.Checksum.AutoCreateBatchSize <= 0 {
		return fmt.Errorf("checksum.auto_create_batch_size must be positive")
	}

	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be positive")
	}
	if c.Maintenance.VerifyBatchLimit <= 0 {
		return fmt.Errorf("maintenance.verify_batch_limit must be positive")
	}

	return nil
}

// Schema converts the table config into a types.TableSchema.
func (t TableConfig) Schema() (types.TableSchema, error) {
	schema := types.TableSchema{
		Name:         t.Name,
		TimeColumn:   t.TimeColumn,
		IDColumn:     t.IDColumn,
		SymbolColumn: t.SymbolColumn,
	}

	for _, col := range t.Columns {
		kind, err := parseColumnKind(col.Type)
		if err != nil {
			return types.TableSchema{}, fmt.Errorf("table %s, column %s: %w", t.Name, col.Name, err)
		}
		schema.Columns = append(schema.Columns, types.Column{Name: col.Name, Kind: kind})
	}

	return schema, nil
}

// Schemas converts all table configs, keyed by table name.
func (c *Config) Schemas() (map[string]types.TableSchema, error) {
	schemas := make(map[string]types.TableSchema, len(c.Tables))
	for _, t := range c.Tables {
		schema, err := t.Schema()
		if err != nil {
			return nil, err
		}
		schemas[t.Name] = schema
	}
	return schemas, nil
}

// ShardDir returns the shard file directory for a table.
func (c *Config) ShardDir(table string) string {
	return filepath.Join(c.DataDir, table)
}

// EnsureDirectories creates the data directories if they do not exist.
func (c *Config) EnsureDirectories() error {
	for _, t := range c.Tables {
		if err := os.MkdirAll(c.ShardDir(t.Name), 0755); err != nil {
			return fmt.Errorf("create shard dir: %w", err)
		}
	}
	return nil
}

func parseColumnKind(s string) (types.ColumnKind, error) {
	switch s {
	case "string":
		return types.KindString, nil
	case "int64":
		return types.KindInt64, nil
	case "float64":
		return types.KindFloat64, nil
	case "bool":
		return types.KindBool, nil
	case "time":
		return types.KindTime, nil
	default:
		return types.KindString, fmt.Errorf("unknown column type %q", s)
	}
}
