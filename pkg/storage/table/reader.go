package table

import (
	"context"
	stderrors "errors"
	"os"
	"sort"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Reader gives random access to the rows of one table.
//
// Values are loaded lazily: the first access to a row loads the row group
// holding it for that column only. Disabled columns are never loaded.
type Reader struct {
	path string
	f    *os.File
	pq   *file.Reader
	ar   *pqarrow.FileReader

	columns  []Column
	index    map[string]int
	enabled  []bool
	metadata map[string]string

	// rgStart[i] is the first row of row group i.
	rgStart []int64
	numRows int64

	loaded map[int]*chunk
}

// chunk holds one loaded row group of one column.
type chunk struct {
	rowGroup int
	start    int64
	arrays   []*array.Binary
	offsets  []int64
	table    arrow.Table
}

// Open opens a published table for reading.
func Open(dir, table string) (*Reader, error) {
	return OpenFile(Path(dir, table))
}

// OpenFile opens a table file by path.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(path, err, "failed to open table")
	}

	pqReader, err := file.NewParquetReader(f)
	if err != nil {
		f.Close()
		return nil, errors.FileError(path, err, "failed to create parquet reader")
	}

	arrowReader, err := pqarrow.NewFileReader(pqReader, pqarrow.ArrowReadProperties{
		BatchSize: DefaultBatchSize,
	}, memory.NewGoAllocator())
	if err != nil {
		pqReader.Close()
		f.Close()
		return nil, errors.FileError(path, err, "failed to create arrow reader")
	}

	r := &Reader{
		path:     path,
		f:        f,
		pq:       pqReader,
		ar:       arrowReader,
		index:    make(map[string]int),
		metadata: make(map[string]string),
		loaded:   make(map[int]*chunk),
	}
	if err := r.readSchema(); err != nil {
		r.Close()
		return nil, err
	}

	r.rgStart = make([]int64, pqReader.NumRowGroups())
	var start int64
	for i := range r.rgStart {
		r.rgStart[i] = start
		start += pqReader.RowGroup(i).NumRows()
	}
	r.numRows = start
	return r, nil
}

func (r *Reader) readSchema() error {
	schema, err := r.ar.Schema()
	if err != nil {
		return errors.FileError(r.path, err, "failed to read schema")
	}

	md := schema.Metadata()
	for i, k := range md.Keys() {
		r.metadata[k] = md.Values()[i]
	}

	types := make(map[string]string)
	if s, ok := r.metadata[MetaColumnTypes]; ok {
		cols, err := decodeColumnTypes(s)
		if err != nil {
			return errors.Wrap(err, errors.CodeDataError, "corrupt column type metadata").WithContext("path", r.path)
		}
		for _, c := range cols {
			types[c.Name] = c.Type
		}
	}

	for i, f := range schema.Fields() {
		typ := types[f.Name]
		if typ == "" {
			if j := f.Metadata.FindKey("type"); j >= 0 {
				typ = f.Metadata.Values()[j]
			}
		}
		r.index[f.Name] = i
		r.columns = append(r.columns, Column{Name: f.Name, Type: typ})
		r.enabled = append(r.enabled, true)
	}
	return nil
}

// Path returns the file path of the table.
func (r *Reader) Path() string { return r.path }

// NumRows returns the number of rows in the table.
func (r *Reader) NumRows() int64 { return r.numRows }

// Columns returns every column in file order.
func (r *Reader) Columns() []Column {
	out := make([]Column, len(r.columns))
	copy(out, r.columns)
	return out
}

// Column looks up a column by name.
func (r *Reader) Column(name string) (Column, bool) {
	i, ok := r.index[name]
	if !ok {
		return Column{}, false
	}
	return r.columns[i], true
}

// Metadata returns a value from the file footer.
func (r *Reader) Metadata(key string) (string, bool) {
	v, ok := r.metadata[key]
	return v, ok
}

// SetEnabled switches reading of a column on or off.
func (r *Reader) SetEnabled(name string, enabled bool) bool {
	i, ok := r.index[name]
	if !ok {
		return false
	}
	r.enabled[i] = enabled
	if !enabled {
		r.release(i)
	}
	return true
}

// Enabled reports whether a column is read.
func (r *Reader) Enabled(name string) bool {
	i, ok := r.index[name]
	return ok && r.enabled[i]
}

// EnabledColumns returns the columns currently read, in file order.
func (r *Reader) EnabledColumns() []Column {
	var out []Column
	for i, c := range r.columns {
		if r.enabled[i] {
			out = append(out, c)
		}
	}
	return out
}

// Value returns the raw value of a column at a row. The second result is
// false when the stored value is null.
func (r *Reader) Value(ctx context.Context, name string, row int64) ([]byte, bool, error) {
	col, ok := r.index[name]
	if !ok {
		return nil, false, errors.Newf(errors.CodeDataError, "unknown column '%s'", name).WithContext("path", r.path)
	}
	if !r.enabled[col] {
		return nil, false, errors.Newf(errors.CodeDataError, "column '%s' is not enabled", name).WithContext("path", r.path)
	}
	if row < 0 || row >= r.numRows {
		return nil, false, errors.Newf(errors.CodeDataError, "row %d out of range [0, %d)", row, r.numRows).
			WithContext("path", r.path)
	}

	rg := sort.Search(len(r.rgStart), func(i int) bool { return r.rgStart[i] > row }) - 1
	c := r.loaded[col]
	if c == nil || c.rowGroup != rg {
		r.release(col)
		var err error
		if c, err = r.load(ctx, col, rg); err != nil {
			return nil, false, err
		}
		r.loaded[col] = c
	}

	local := row - c.start
	i := sort.Search(len(c.offsets), func(i int) bool { return c.offsets[i] > local }) - 1
	arr := c.arrays[i]
	idx := int(local - c.offsets[i])
	if arr.IsNull(idx) {
		return nil, false, nil
	}

	v := arr.Value(idx)
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (r *Reader) load(ctx context.Context, col, rg int) (*chunk, error) {
	tbl, err := r.ar.ReadRowGroups(ctx, []int{col}, []int{rg})
	if err != nil {
		return nil, errors.FileError(r.path, err, "failed to read row group").
			WithContext("column", r.columns[col].Name).
			WithContext("row_group", rg)
	}

	c := &chunk{rowGroup: rg, start: r.rgStart[rg], table: tbl}
	var offset int64
	for _, a := range tbl.Column(0).Data().Chunks() {
		bin, ok := a.(*array.Binary)
		if !ok {
			tbl.Release()
			return nil, errors.Newf(errors.CodeDataError, "column '%s' is not binary", r.columns[col].Name).
				WithContext("path", r.path)
		}
		c.arrays = append(c.arrays, bin)
		c.offsets = append(c.offsets, offset)
		offset += int64(bin.Len())
	}
	return c, nil
}

func (r *Reader) release(col int) {
	if c, ok := r.loaded[col]; ok {
		c.table.Release()
		delete(r.loaded, col)
	}
}

// Close releases loaded data and closes the file.
func (r *Reader) Close() error {
	for col := range r.loaded {
		r.release(col)
	}
	if r.pq != nil {
		// May close the underlying file as well.
		r.pq.Close()
		r.pq = nil
	}
	if r.f != nil {
		err := r.f.Close()
		r.f = nil
		if err != nil && !stderrors.Is(err, os.ErrClosed) {
			return errors.FileError(r.path, err, "failed to close table")
		}
	}
	return nil
}
