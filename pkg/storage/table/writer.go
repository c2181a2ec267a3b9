package table

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/google/uuid"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Writer appends rows to one table of a store.
//
// Columns may be added at any time; rows appended before a column existed
// read back as null in it. Rows are flushed in row groups to a segment file.
// A column or metadata change after the first flush closes the segment and
// starts a new one, and Close merges the segments into one file with the
// final schema. The table is written under temporary names and only
// published by Close.
type Writer struct {
	cfg    WriterConfig
	dir    string
	path   string
	table  string
	fileID string

	alloc    memory.Allocator
	columns  []Column
	index    map[string]int
	builders []*array.BinaryBuilder
	metadata map[string]string

	// segments are the closed segment files, oldest first.
	segments []string
	tmpPath  string
	out      *os.File
	writer   *pqarrow.FileWriter
	schema   *arrow.Schema

	pending int
	rows    int64
	closed  bool
}

// Create starts a new table in dir. An existing table of the same name is
// replaced when the writer is closed.
func Create(dir, table string, cfg WriterConfig) (*Writer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.FileError(dir, err, "failed to create store directory")
	}

	w := &Writer{
		cfg:      cfg,
		dir:      dir,
		path:     Path(dir, table),
		table:    table,
		fileID:   uuid.New().String(),
		alloc:    memory.NewGoAllocator(),
		index:    make(map[string]int),
		metadata: make(map[string]string),
	}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) segmentPath(n int) string {
	return filepath.Join(w.dir, fmt.Sprintf(".%s%s.%d.tmp", w.table, Extension, n))
}

// openSegment creates the file the next row groups go to.
func (w *Writer) openSegment() error {
	w.tmpPath = w.segmentPath(len(w.segments))
	out, err := os.Create(w.tmpPath)
	if err != nil {
		return errors.FileError(w.path, err, "failed to create table file")
	}
	w.out = out
	return nil
}

// rollSegment closes the current segment so the next flush writes a new
// schema. Buffered rows stay in the builders.
func (w *Writer) rollSegment() error {
	if w.writer == nil {
		return nil
	}
	err := w.writer.Close()
	w.out.Close()
	w.writer = nil
	w.schema = nil
	if err != nil {
		return errors.FileError(w.path, err, "failed to close table segment")
	}
	w.segments = append(w.segments, w.tmpPath)
	return w.openSegment()
}

// Path returns the published location of the table.
func (w *Writer) Path() string { return w.path }

// FileID returns the unique ID stamped into the file metadata.
func (w *Writer) FileID() string { return w.fileID }

// Rows returns the number of rows appended so far.
func (w *Writer) Rows() int64 { return w.rows + int64(w.pending) }

// Segments returns how many segment files the table spans so far.
func (w *Writer) Segments() int {
	if w.writer == nil {
		return len(w.segments)
	}
	return len(w.segments) + 1
}

// HasColumn reports whether a column exists.
func (w *Writer) HasColumn(name string) bool {
	_, ok := w.index[name]
	return ok
}

// Columns returns the columns in creation order.
func (w *Writer) Columns() []Column {
	out := make([]Column, len(w.columns))
	copy(out, w.columns)
	return out
}

// AddColumn adds a column. Adding an existing column with the same type is a no-op.
func (w *Writer) AddColumn(c Column) error {
	if w.closed {
		return errors.FileError(w.path, nil, "table writer is closed")
	}
	if i, ok := w.index[c.Name]; ok {
		if w.columns[i].Type != c.Type {
			return errors.Newf(errors.CodeDataError, "column '%s' already exists with type '%s'",
				c.Name, w.columns[i].Type).WithContext("path", w.path)
		}
		return nil
	}
	if err := w.rollSegment(); err != nil {
		return err
	}

	b := array.NewBinaryBuilder(w.alloc, arrow.BinaryTypes.Binary)
	b.Reserve(w.cfg.BatchSize)
	if w.pending > 0 {
		b.AppendNulls(w.pending)
	}

	w.index[c.Name] = len(w.columns)
	w.columns = append(w.columns, c)
	w.builders = append(w.builders, b)
	return nil
}

// SetMetadata records a key/value pair in the file footer.
func (w *Writer) SetMetadata(key, value string) error {
	if w.closed {
		return errors.FileError(w.path, nil, "table writer is closed")
	}
	if old, ok := w.metadata[key]; ok && old == value {
		return nil
	}
	if err := w.rollSegment(); err != nil {
		return err
	}
	w.metadata[key] = value
	return nil
}

// Append adds one row. Columns missing from the row are stored as null.
func (w *Writer) Append(row map[string][]byte) error {
	if w.closed {
		return errors.FileError(w.path, nil, "table writer is closed")
	}
	for name := range row {
		if _, ok := w.index[name]; !ok {
			return errors.Newf(errors.CodeDataError, "unknown column '%s'", name).WithContext("path", w.path)
		}
	}

	for i, c := range w.columns {
		if v, ok := row[c.Name]; ok && v != nil {
			w.builders[i].Append(v)
		} else {
			w.builders[i].AppendNull()
		}
	}
	w.pending++

	if w.pending >= w.cfg.BatchSize {
		return w.flushBatch()
	}
	return nil
}

// buildSchema returns the schema of the current columns and metadata.
func (w *Writer) buildSchema() (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(w.columns))
	for i, c := range w.columns {
		fields[i] = columnField(c)
	}

	types, err := encodeColumnTypes(w.columns)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDataError, "failed to encode column types")
	}
	w.metadata[MetaColumnTypes] = types
	w.metadata[MetaFileID] = w.fileID
	w.metadata[MetaTable] = w.table
	if _, ok := w.metadata[MetaCreated]; !ok {
		w.metadata[MetaCreated] = time.Now().UTC().Format(time.RFC3339)
	}

	keys := make([]string, 0, len(w.metadata))
	for k := range w.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = w.metadata[k]
	}
	md := arrow.NewMetadata(keys, values)
	return arrow.NewSchema(fields, &md), nil
}

func (w *Writer) newFileWriter(schema *arrow.Schema, out *os.File) (*pqarrow.FileWriter, error) {
	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(Codec(w.cfg.Compression)),
		parquet.WithDictionaryDefault(false),
		parquet.WithDataPageSize(1024*1024), // 1MB
		parquet.WithMaxRowGroupLength(int64(w.cfg.BatchSize)),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)
	writer, err := pqarrow.NewFileWriter(schema, out, writerProps, arrowProps)
	if err != nil {
		return nil, errors.FileError(w.path, err, "failed to create parquet writer")
	}
	return writer, nil
}

// startSegment creates the Parquet writer of the open segment.
func (w *Writer) startSegment() error {
	schema, err := w.buildSchema()
	if err != nil {
		return err
	}
	writer, err := w.newFileWriter(schema, w.out)
	if err != nil {
		return err
	}
	w.schema = schema
	w.writer = writer
	return nil
}

// flushBatch writes the buffered rows as one row group.
func (w *Writer) flushBatch() error {
	if w.writer == nil {
		if err := w.startSegment(); err != nil {
			return err
		}
	}
	if w.pending == 0 {
		return nil
	}

	arrays := make([]arrow.Array, len(w.builders))
	for i, b := range w.builders {
		arrays[i] = b.NewArray()
	}
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()

	batch := array.NewRecord(w.schema, arrays, int64(w.pending))
	defer batch.Release()

	if err := w.writer.Write(batch); err != nil {
		return errors.FileError(w.path, err, "failed to write record batch")
	}

	w.rows += int64(w.pending)
	w.pending = 0
	return nil
}

// Close flushes the remaining rows and publishes the table.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	// The newest segment carries the final schema even when it holds no rows.
	if err := w.flushBatch(); err != nil {
		w.Abort()
		return err
	}
	w.closed = true
	for _, b := range w.builders {
		b.Release()
	}

	err := w.writer.Close()
	// The parquet writer may already have closed the sink.
	w.out.Close()
	w.writer = nil
	if err != nil {
		w.removeTemp()
		return errors.FileError(w.path, err, "failed to close parquet writer")
	}
	w.segments = append(w.segments, w.tmpPath)

	if len(w.segments) == 1 {
		if err := os.Rename(w.segments[0], w.path); err != nil {
			w.removeTemp()
			return errors.FileError(w.path, err, "failed to publish table")
		}
		return nil
	}
	err = w.merge()
	w.removeTemp()
	return err
}

// merge writes every segment into the published file with the final
// schema. Columns a segment lacks are filled with nulls.
func (w *Writer) merge() error {
	schema, err := w.buildSchema()
	if err != nil {
		return err
	}
	mergePath := filepath.Join(w.dir, "."+w.table+Extension+".merge.tmp")
	out, err := os.Create(mergePath)
	if err != nil {
		return errors.FileError(w.path, err, "failed to create table file")
	}
	fw, err := w.newFileWriter(schema, out)
	if err != nil {
		out.Close()
		os.Remove(mergePath)
		return err
	}

	for _, seg := range w.segments {
		if err := w.copySegment(fw, schema, seg); err != nil {
			fw.Close()
			out.Close()
			os.Remove(mergePath)
			return err
		}
	}
	if err := fw.Close(); err != nil {
		out.Close()
		os.Remove(mergePath)
		return errors.FileError(w.path, err, "failed to close parquet writer")
	}
	out.Close()
	if err := os.Rename(mergePath, w.path); err != nil {
		os.Remove(mergePath)
		return errors.FileError(w.path, err, "failed to publish table")
	}
	return nil
}

// copySegment appends the row groups of one segment to fw.
func (w *Writer) copySegment(fw *pqarrow.FileWriter, schema *arrow.Schema, seg string) error {
	pf, err := file.OpenParquetFile(seg, false)
	if err != nil {
		return errors.FileError(w.path, err, "failed to open table segment")
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(w.cfg.BatchSize)}, w.alloc)
	if err != nil {
		return errors.FileError(w.path, err, "failed to read table segment")
	}
	segSchema, err := fr.Schema()
	if err != nil {
		return errors.FileError(w.path, err, "failed to read table segment schema")
	}

	ctx := context.Background()
	for rg := 0; rg < pf.NumRowGroups(); rg++ {
		tbl, err := fr.ReadRowGroups(ctx, nil, []int{rg})
		if err != nil {
			return errors.FileError(w.path, err, "failed to read table segment").WithContext("row_group", rg)
		}
		widened := widen(w.alloc, schema, segSchema, tbl)
		tbl.Release()
		err = fw.WriteTable(widened, int64(w.cfg.BatchSize))
		widened.Release()
		if err != nil {
			return errors.FileError(w.path, err, "failed to write merged row group")
		}
	}
	return nil
}

// widen maps a segment table onto schema, adding null columns.
func widen(alloc memory.Allocator, schema, segSchema *arrow.Schema, tbl arrow.Table) arrow.Table {
	rows := tbl.NumRows()
	cols := make([]arrow.Column, len(schema.Fields()))
	for i, f := range schema.Fields() {
		var chunked *arrow.Chunked
		if idx := segSchema.FieldIndices(f.Name); len(idx) > 0 {
			chunked = tbl.Column(idx[0]).Data()
			chunked.Retain()
		} else {
			nulls := array.MakeArrayOfNull(alloc, f.Type, int(rows))
			chunked = arrow.NewChunked(f.Type, []arrow.Array{nulls})
			nulls.Release()
		}
		cols[i] = *arrow.NewColumn(f, chunked)
		chunked.Release()
	}
	out := array.NewTable(schema, cols, rows)
	for i := range cols {
		cols[i].Release()
	}
	return out
}

func (w *Writer) removeTemp() {
	for _, seg := range w.segments {
		os.Remove(seg)
	}
	os.Remove(w.tmpPath)
}

// Abort discards the table without publishing it.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	for _, b := range w.builders {
		b.Release()
	}
	if w.writer != nil {
		w.writer.Close()
	}
	w.out.Close()
	w.removeTemp()
}
