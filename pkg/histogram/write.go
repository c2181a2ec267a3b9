package histogram

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/storage/table"
)

// Metadata keys of a histogram file.
const (
	MetaTable     = table.MetaTable
	MetaSummaries = "eventflow.histograms"

	// TableName is stamped into histogram files.
	TableName = "histograms"
)

// Schema is the layout of a histogram file: one row per cell, under- and
// overflow included. Flow cells have infinite edges; the y columns are null
// for 1D histograms.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "histogram", Type: arrow.BinaryTypes.String},
	{Name: "x_label", Type: arrow.BinaryTypes.String},
	{Name: "x_low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "x_high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "y_label", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "y_low", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "y_high", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "content", Type: arrow.PrimitiveTypes.Float64},
	{Name: "error", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// edge returns the bounds of cell i of a, flow cells included.
func edge(a Axis, i int) (float64, float64) {
	switch {
	case i == 0:
		return math.Inf(-1), a.Edges[0]
	case i > a.Bins():
		return a.Edges[a.Bins()], math.Inf(1)
	default:
		return a.Edges[i-1], a.Edges[i]
	}
}

// appendTo adds the cells of h to the builders of a record.
func (h *Histogram) appendTo(b *array.RecordBuilder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ny := 1
	if h.y != nil {
		ny = h.y.Bins() + 2
	}
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < h.x.Bins()+2; ix++ {
			i := h.index(ix, iy)
			lo, hi := edge(h.x, ix)
			b.Field(0).(*array.StringBuilder).Append(h.name)
			b.Field(1).(*array.StringBuilder).Append(h.x.Label)
			b.Field(2).(*array.Float64Builder).Append(lo)
			b.Field(3).(*array.Float64Builder).Append(hi)
			if h.y == nil {
				b.Field(4).AppendNull()
				b.Field(5).AppendNull()
				b.Field(6).AppendNull()
			} else {
				ylo, yhi := edge(*h.y, iy)
				b.Field(4).(*array.StringBuilder).Append(h.y.Label)
				b.Field(5).(*array.Float64Builder).Append(ylo)
				b.Field(6).(*array.Float64Builder).Append(yhi)
			}
			b.Field(7).(*array.Float64Builder).Append(h.sumw[i])
			b.Field(8).(*array.Float64Builder).Append(math.Sqrt(h.sumw2[i]))
		}
	}
}

// WriteFile writes every histogram of the pool to a Parquet file at path.
// The summaries go into the file metadata.
func (p *Pool) WriteFile(path string, compression table.CompressionType) (err error) {
	summaries, err := json.Marshal(p.Summaries())
	if err != nil {
		return errors.Wrap(err, errors.CodeDataError, "failed to encode histogram summaries")
	}
	md := arrow.NewMetadata([]string{MetaSummaries, MetaTable}, []string{string(summaries), TableName})
	schema := arrow.NewSchema(Schema.Fields(), &md)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.FileError(dir, err, "failed to create histogram directory")
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return errors.FileError(path, err, "failed to create histogram file")
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	fw, err := pqarrow.NewFileWriter(schema, out,
		parquet.NewWriterProperties(parquet.WithCompression(table.Codec(compression))),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()),
	)
	if err != nil {
		out.Close()
		return errors.FileError(path, err, "failed to create parquet writer")
	}

	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	for _, h := range p.List() {
		h.appendTo(b)
		rec := b.NewRecord()
		err = fw.Write(rec)
		rec.Release()
		if err != nil {
			fw.Close()
			out.Close()
			return errors.FileError(path, err, "failed to write histogram "+h.Name())
		}
	}

	err = fw.Close()
	out.Close()
	if err != nil {
		return errors.FileError(path, err, "failed to close histogram file")
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.FileError(path, err, "failed to publish histogram file")
	}
	return nil
}
