// Package parquet adapts the parquet-go codec to the columnar ports used by
// the sharding and compression managers. Table schemas are dynamic: the
// parquet schema is built from the table metadata, and rows travel as
// column-name-keyed maps. Timestamp columns are stored as Unix milliseconds.
package parquet

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/openquant/dbmaint/internal/errors"
	"github.com/openquant/dbmaint/internal/types"
)

// Codec implements types.Columnar on top of parquet-go files.
type Codec struct{}

// New creates a new parquet codec adapter.
func New() *Codec {
	return &Codec{}
}

// compression returns the parquet-go codec for a types.Codec.
func compression(c types.Codec) (compress.Codec, error) {
	switch c {
	case types.CodecNone:
		return &parquet.Uncompressed, nil
	case types.CodecSnappy:
		return &parquet.Snappy, nil
	case types.CodecGzip:
		return &parquet.Gzip, nil
	case types.CodecLZ4:
		return &parquet.Lz4Raw, nil
	case types.CodecZstd:
		return &parquet.Zstd, nil
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedCodec, c)
	}
}

// schemaOf builds a parquet schema from a table schema.
func schemaOf(schema types.TableSchema) *parquet.Schema {
	group := parquet.Group{}
	for _, col := range schema.Columns {
		switch col.Kind {
		case types.KindString:
			group[col.Name] = parquet.String()
		case types.KindInt64:
			group[col.Name] = parquet.Int(64)
		case types.KindFloat64:
			group[col.Name] = parquet.Leaf(parquet.DoubleType)
		case types.KindBool:
			group[col.Name] = parquet.Leaf(parquet.BooleanType)
		case types.KindTime:
			// Stored as Unix milliseconds.
			group[col.Name] = parquet.Int(64)
		}
	}
	return parquet.NewSchema(schema.Name, group)
}

// WriteRows serializes rows to a parquet file at path with the given codec.
// The parent directory is created if missing.
func (c *Codec) WriteRows(ctx context.Context, path string, schema types.TableSchema, rows []types.Row, codec types.Codec) (types.WriteStats, error) {
	if err := ctx.Err(); err != nil {
		return types.WriteStats{}, err
	}

	comp, err := compression(codec)
	if err != nil {
		return types.WriteStats{}, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.WriteStats{}, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return types.WriteStats{}, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[map[string]any](f,
		schemaOf(schema),
		parquet.Compression(comp),
	)

	encoded := make([]map[string]any, len(rows))
	for i, row := range rows {
		enc, err := encodeRow(schema, row)
		if err != nil {
			f.Close()
			return types.WriteStats{}, errors.Wrapf(err, "encode row %d", i)
		}
		encoded[i] = enc
	}

	n, err := writer.Write(encoded)
	if err != nil {
		f.Close()
		return types.WriteStats{}, errors.Wrap(err, "write rows")
	}

	if err := writer.Close(); err != nil {
		f.Close()
		return types.WriteStats{}, errors.Wrap(err, "close writer")
	}
	if err := f.Close(); err != nil {
		return types.WriteStats{}, errors.Wrap(err, "close file")
	}

	stat, err := os.Stat(path)
	if err != nil {
		return types.WriteStats{}, errors.Wrap(err, "stat file")
	}

	return types.WriteStats{
		RowCount: int64(n),
		FileSize: stat.Size(),
		FilePath: path,
	}, nil
}

// ReadRows deserializes all rows from a parquet file, optionally projected to
// a column subset. A nil columns slice returns every column.
func (c *Codec) ReadRows(ctx context.Context, path string, schema types.TableSchema, columns []string) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrFileNotFound, path)
		}
		return nil, errors.Wrap(err, "open file")
	}
	defer f.Close()

	reader := parquet.NewGenericReader[map[string]any](f, schemaOf(schema))
	defer reader.Close()

	numRows := int(reader.NumRows())
	if numRows == 0 {
		return nil, nil
	}

	encoded := make([]map[string]any, numRows)
	for i := range encoded {
		encoded[i] = make(map[string]any, len(schema.Columns))
	}

	read := 0
	for read < numRows {
		n, err := reader.Read(encoded[read:])
		read += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read rows")
		}
	}

	rows := make([]types.Row, 0, read)
	for _, enc := range encoded[:read] {
		rows = append(rows, decodeRow(schema, enc, columns))
	}

	return rows, nil
}

// FileRowCount returns the number of rows in a parquet file without reading it.
func (c *Codec) FileRowCount(path string, schema types.TableSchema) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open file")
	}
	defer f.Close()

	reader := parquet.NewGenericReader[map[string]any](f, schemaOf(schema))
	defer reader.Close()

	return reader.NumRows(), nil
}
