// Package executor runs authorized data requests against the backing store.
//
// Safety properties:
//   - Only query.AuthorizedDataRequest values are accepted; the zero value is rejected
//   - Every identifier is re-validated and quoted before it reaches SQL
//   - Filter operands are always bound parameters
//   - Row count capped by the request limit and the executor's own ceiling
//   - Query timeout enforced via context
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/datagate/internal/query"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultMaxRows = 100

	baseAlias = "t0"
	// relation columns come back as "<relation>__<column>" and are nested
	// under the relation name in each row.
	relSep = "__"

	pgQueryCanceled = "57014"
)

var (
	ErrTimeout             = errors.New("query timed out")
	ErrUnauthorizedRequest = errors.New("request was not authorized")
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Result is the tabular outcome of one executed request.
type Result struct {
	Table     string           `json:"table"`
	Caption   string           `json:"caption,omitempty"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"rowCount"`
	Truncated bool             `json:"truncated"`
}

// Executor runs one authorized request.
type Executor interface {
	Execute(ctx context.Context, req query.AuthorizedDataRequest) (*Result, error)
}

// SQLExecutor translates authorized requests into GORM queries.
type SQLExecutor struct {
	db      *gorm.DB
	timeout time.Duration
	maxRows int
	logger  *slog.Logger
}

// New creates an SQLExecutor. Zero timeout or maxRows use the defaults.
func New(db *gorm.DB, timeout time.Duration, maxRows int, logger *slog.Logger) *SQLExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &SQLExecutor{db: db, timeout: timeout, maxRows: maxRows, logger: logger}
}

// Execute runs req and returns at most min(req.Limit(), maxRows) rows.
func (e *SQLExecutor) Execute(ctx context.Context, req query.AuthorizedDataRequest) (*Result, error) {
	if !req.Valid() {
		return nil, ErrUnauthorizedRequest
	}

	limit := req.Limit()
	if limit <= 0 || limit > e.maxRows {
		limit = e.maxRows
	}

	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.DebugContext(ctx, "executing data request",
		slog.String("table", req.Table()),
		slog.Int("filters", len(req.Filters())),
		slog.Int("joins", len(req.Joins())),
		slog.Int("limit", limit),
	)

	start := time.Now()
	var res *Result
	run := func(tx *gorm.DB) error {
		q, err := e.build(tx, req, limit)
		if err != nil {
			return err
		}
		rows, err := q.Rows()
		if err != nil {
			return err
		}
		defer rows.Close()
		res, err = collect(rows, limit)
		return err
	}

	db := e.db.WithContext(qctx)
	var err error
	if db.Dialector.Name() == "postgres" {
		err = db.Transaction(run, &sql.TxOptions{ReadOnly: true})
	} else {
		err = run(db)
	}
	if errors.Is(err, ErrUnauthorizedRequest) {
		return nil, err
	}
	if err != nil {
		return nil, e.classify(qctx, err)
	}
	res.Table = req.Table()
	res.Caption = req.Caption()

	e.logger.InfoContext(ctx, "data request executed",
		slog.String("table", req.Table()),
		slog.Int("rows", res.RowCount),
		slog.Bool("truncated", res.Truncated),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (e *SQLExecutor) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return fmt.Errorf("%w: %s", ErrTimeout, pgErr.Message)
	}
	return fmt.Errorf("query execution: %w", err)
}

// build assembles SELECT ... FROM table AS t0 [JOIN ...] WHERE ... ORDER BY ... LIMIT n+1.
// One extra row is fetched so truncation can be reported.
func (e *SQLExecutor) build(tx *gorm.DB, req query.AuthorizedDataRequest, limit int) (*gorm.DB, error) {
	table := req.Table()
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table identifier %q", ErrUnauthorizedRequest, table)
	}

	joins := req.Joins()
	aliases := make(map[string]string, len(joins))
	for _, j := range joins {
		for _, id := range []string{j.Relation, j.Table, j.LocalColumn, j.RemoteColumn} {
			if !identRe.MatchString(id) {
				return nil, fmt.Errorf("%w: invalid join identifier %q", ErrUnauthorizedRequest, id)
			}
		}
		aliases[j.Relation] = "j_" + j.Relation
	}

	columnRef := func(f query.Field) (string, error) {
		alias := baseAlias
		if f.Relation != "" {
			a, ok := aliases[f.Relation]
			if !ok {
				return "", fmt.Errorf("%w: relation %q has no join", ErrUnauthorizedRequest, f.Relation)
			}
			alias = a
		}
		if f.Column == "*" {
			return quote(alias) + ".*", nil
		}
		if !identRe.MatchString(f.Column) {
			return "", fmt.Errorf("%w: invalid column identifier %q", ErrUnauthorizedRequest, f.Column)
		}
		return quote(alias) + "." + quote(f.Column), nil
	}

	tx = tx.Table(quote(table) + " AS " + quote(baseAlias))

	var selects []string
	for _, f := range req.Select() {
		ref, err := columnRef(f)
		if err != nil {
			return nil, err
		}
		if f.Relation != "" && f.Column != "*" {
			ref += " AS " + quote(f.Relation+relSep+f.Column)
		}
		selects = append(selects, ref)
	}
	if len(selects) == 0 {
		selects = []string{quote(baseAlias) + ".*"}
	}
	tx = tx.Select(strings.Join(selects, ", "))

	for _, j := range joins {
		alias := aliases[j.Relation]
		tx = tx.Joins(fmt.Sprintf("INNER JOIN %s AS %s ON %s.%s = %s.%s",
			quote(j.Table), quote(alias),
			quote(alias), quote(j.RemoteColumn),
			quote(baseAlias), quote(j.LocalColumn),
		))
	}

	for _, f := range req.Filters() {
		ref, err := columnRef(f.Target())
		if err != nil {
			return nil, err
		}
		switch v := f.(type) {
		case query.Eq:
			tx = tx.Where(ref+" = ?", v.Value)
		case query.Gt:
			tx = tx.Where(ref+" > ?", v.Value)
		case query.Lt:
			tx = tx.Where(ref+" < ?", v.Value)
		case query.In:
			if len(v.Values) == 0 {
				tx = tx.Where("1 = 0")
				continue
			}
			tx = tx.Where(ref+" IN ?", v.Values)
		case query.IsNull:
			tx = tx.Where(ref + " IS NULL")
		case query.NotNull:
			tx = tx.Where(ref + " IS NOT NULL")
		default:
			return nil, fmt.Errorf("%w: unsupported filter %T", ErrUnauthorizedRequest, f)
		}
	}

	if o := req.Order(); o != nil {
		ref, err := columnRef(o.Field)
		if err != nil {
			return nil, err
		}
		dir := " ASC"
		if o.Descending {
			dir = " DESC"
		}
		tx = tx.Order(ref + dir)
	}

	return tx.Limit(limit + 1), nil
}

// quote renders a validated identifier as a double-quoted SQL identifier,
// accepted by both PostgreSQL and SQLite.
func quote(id string) string {
	return `"` + id + `"`
}

// collect scans at most limit rows and reports whether more were available.
func collect(rows *sql.Rows, limit int) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting columns: %w", err)
	}

	res := &Result{Columns: make([]string, len(cols)), Rows: []map[string]any{}}
	for i, c := range cols {
		if rel, col, ok := strings.Cut(c, relSep); ok {
			res.Columns[i] = rel + "." + col
		} else {
			res.Columns[i] = c
		}
	}

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if res.RowCount >= limit {
			res.Truncated = true
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", res.RowCount, err)
		}

		row := make(map[string]any, len(cols))
		for i, c := range cols {
			v := normalize(values[i])
			rel, col, ok := strings.Cut(c, relSep)
			if !ok {
				row[c] = v
				continue
			}
			nested, _ := row[rel].(map[string]any)
			if nested == nil {
				nested = make(map[string]any)
				row[rel] = nested
			}
			nested[col] = v
		}
		res.Rows = append(res.Rows, row)
		res.RowCount++
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return res, nil
}

// normalize turns driver byte slices into strings so rows encode as JSON text.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

var _ Executor = (*SQLExecutor)(nil)
