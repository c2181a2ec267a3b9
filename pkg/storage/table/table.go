// Package table provides the columnar store behind event files.
//
// A store is a directory holding one Parquet file per table. Every column is
// a nullable binary column carrying one encoded value per row; the name of the
// value type is kept in the file metadata so readers can check it before
// decoding. Rows are appended in order and read back lazily, one row group of
// one column at a time.
package table

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/parquet/compress"

	"github.com/eventflow/eventflow/pkg/errors"
)

const (
	// Extension of every table file.
	Extension = ".parquet"

	// Metadata keys written into every table file.
	MetaColumnTypes = "eventflow.column_types"
	MetaFileID      = "eventflow.file_id"
	MetaTable       = "eventflow.table"
	MetaCreated     = "eventflow.created"

	// DefaultBatchSize is the number of rows buffered before a row group is written.
	DefaultBatchSize = 1024
)

// Column describes one stored column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CompressionType names the codec used for column chunks.
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionSnappy CompressionType = "snappy"
	CompressionGzip   CompressionType = "gzip"
	CompressionZstd   CompressionType = "zstd"
	CompressionLZ4    CompressionType = "lz4"
)

// WriterConfig configures a table writer.
type WriterConfig struct {
	Compression CompressionType
	BatchSize   int
}

// DefaultWriterConfig returns the writer defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Compression: CompressionSnappy,
		BatchSize:   DefaultBatchSize,
	}
}

// Path returns the file path of a table inside a store directory.
func Path(dir, table string) string {
	return filepath.Join(dir, table+Extension)
}

// Exists reports whether a table has been published in the store.
func Exists(dir, table string) bool {
	info, err := os.Stat(Path(dir, table))
	return err == nil && !info.IsDir()
}

// Tables lists the published tables of a store.
func Tables(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.FileError(dir, err, "failed to list store")
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, Extension))
	}
	return names, nil
}

// Codec converts a compression name to the Parquet codec.
func Codec(c CompressionType) compress.Compression {
	switch CompressionType(strings.ToLower(string(c))) {
	case CompressionSnappy:
		return compress.Codecs.Snappy
	case CompressionGzip:
		return compress.Codecs.Gzip
	case CompressionZstd:
		return compress.Codecs.Zstd
	case CompressionLZ4:
		return compress.Codecs.Lz4
	default:
		return compress.Codecs.Uncompressed
	}
}

// ParseCompression validates a compression name from configuration.
func ParseCompression(name string) (CompressionType, error) {
	switch c := CompressionType(strings.ToLower(name)); c {
	case "", CompressionNone, "uncompressed":
		return CompressionNone, nil
	case CompressionSnappy, CompressionGzip, CompressionZstd, CompressionLZ4:
		return c, nil
	default:
		return "", errors.Newf(errors.CodeDataError, "unknown compression '%s'", name)
	}
}

// columnField builds the Arrow field of a stored column.
func columnField(c Column) arrow.Field {
	return arrow.Field{
		Name:     c.Name,
		Type:     arrow.BinaryTypes.Binary,
		Nullable: true,
		Metadata: arrow.NewMetadata([]string{"type"}, []string{c.Type}),
	}
}

func encodeColumnTypes(cols []Column) (string, error) {
	data, err := json.Marshal(cols)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeColumnTypes(s string) ([]Column, error) {
	var cols []Column
	if err := json.Unmarshal([]byte(s), &cols); err != nil {
		return nil, err
	}
	return cols, nil
}
