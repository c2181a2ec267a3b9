package inspect

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/eventfile"
	"github.com/eventflow/eventflow/pkg/storage/table"
)

// Engine runs SQL over store tables with an in-memory DuckDB.
type Engine struct {
	db      *sql.DB
	threads int
}

// NewEngine opens an in-memory DuckDB.
func NewEngine() (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeProcess, "failed to initialize DuckDB")
	}

	e := &Engine{
		db:      db,
		threads: runtime.NumCPU(),
	}
	if _, err := e.db.Exec(fmt.Sprintf("SET threads=%d", e.threads)); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeProcess, "failed to configure DuckDB")
	}
	return e, nil
}

// Close closes the engine.
func (e *Engine) Close() error {
	return e.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func readParquet(path string) string {
	return fmt.Sprintf("read_parquet('%s')", strings.ReplaceAll(path, "'", "''"))
}

// Stats fills the fill statistics of every branch of s.
func (e *Engine) Stats(ctx context.Context, s *Summary) error {
	if len(s.Branches) == 0 {
		return nil
	}
	exprs := make([]string, 0, 2*len(s.Branches))
	for _, b := range s.Branches {
		col := quoteIdent(b.Key)
		exprs = append(exprs, "count("+col+")", "avg(octet_length("+col+"))")
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "),
		readParquet(table.Path(s.Path, eventfile.EventsTable)))

	counts := make([]int64, len(s.Branches))
	avgs := make([]sql.NullFloat64, len(s.Branches))
	dest := make([]any, 0, len(exprs))
	for i := range s.Branches {
		dest = append(dest, &counts[i], &avgs[i])
	}
	if err := e.db.QueryRowContext(ctx, query).Scan(dest...); err != nil {
		return errors.Wrap(err, errors.CodeDataError, "branch statistics query failed").WithContext("path", s.Path)
	}
	for i := range s.Branches {
		s.Branches[i].NonNull = counts[i]
		s.Branches[i].AvgBytes = avgs[i].Float64
	}
	return nil
}

// RunCount is the number of stored events of one run.
type RunCount struct {
	Run    int   `json:"run"`
	Events int64 `json:"events"`
}

// EventsPerRun counts the stored events per run by reading the event
// headers.
func (e *Engine) EventsPerRun(ctx context.Context, path string) ([]RunCount, error) {
	query := fmt.Sprintf(
		"SELECT CAST(json_extract(CAST(%s AS VARCHAR), '$.run') AS INTEGER) AS run, count(*) AS events "+
			"FROM %s GROUP BY run ORDER BY run",
		quoteIdent(model.EventHeaderKey), readParquet(table.Path(path, eventfile.EventsTable)))

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDataError, "run count query failed").WithContext("path", path)
	}
	defer rows.Close()

	var out []RunCount
	for rows.Next() {
		var rc RunCount
		if err := rows.Scan(&rc.Run, &rc.Events); err != nil {
			return nil, errors.Wrap(err, errors.CodeDataError, "failed to scan run count")
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Result is a materialized query result.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Query runs a statement against a store. The store's tables are available
// as the views "events" and "runs".
func (e *Engine) Query(ctx context.Context, path, query string, limit int) (*Result, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeProcess, "failed to open DuckDB connection")
	}
	defer conn.Close()

	for _, t := range []string{eventfile.EventsTable, eventfile.RunsTable} {
		if !table.Exists(path, t) {
			continue
		}
		view := fmt.Sprintf("CREATE OR REPLACE TEMP VIEW %s AS SELECT * FROM %s", t, readParquet(table.Path(path, t)))
		if _, err := conn.ExecContext(ctx, view); err != nil {
			return nil, errors.Wrap(err, errors.CodeDataError, "failed to register table").WithContext("table", t)
		}
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDataError, "query failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDataError, "failed to get columns")
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		if limit > 0 && len(res.Rows) >= limit {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, errors.CodeDataError, "failed to scan row")
		}
		for i, v := range vals {
			// BLOB columns hold encoded JSON.
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	return res, rows.Err()
}
