package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned by FetchOne when no row matches.
var ErrNotFound = errors.New("row not found")

// pageSize is the transparent pagination batch for unbounded selects.
const pageSize = 1000

// Table is a fluent selector rooted at one table.
type Table struct {
	store *Store
	name  string
}

// Cond is a single filter usable directly or inside Or.
type Cond struct {
	col  string
	op   string // "=", "!=", ">=", "<", ">", "<=", "in", "ilike"
	vals []any
}

func Eq(col string, v any) Cond    { return Cond{col: col, op: "=", vals: []any{v}} }
func Neq(col string, v any) Cond   { return Cond{col: col, op: "!=", vals: []any{v}} }
func Gte(col string, v any) Cond   { return Cond{col: col, op: ">=", vals: []any{v}} }
func Gt(col string, v any) Cond    { return Cond{col: col, op: ">", vals: []any{v}} }
func Lt(col string, v any) Cond    { return Cond{col: col, op: "<", vals: []any{v}} }
func Lte(col string, v any) Cond   { return Cond{col: col, op: "<=", vals: []any{v}} }
func ILike(col, pattern string) Cond {
	return Cond{col: col, op: "ilike", vals: []any{pattern}}
}
func In(col string, vals ...any) Cond { return Cond{col: col, op: "in", vals: vals} }

// Query accumulates filters for a SELECT.
type Query struct {
	table    *Table
	cols     []string
	conds    []Cond
	orConds  [][]Cond
	orderBy  []string
	limit    int
	offset   int
	hasRange bool
}

// Select starts a query; no columns means "*".
func (t *Table) Select(cols ...string) *Query {
	return &Query{table: t, cols: cols}
}

func (q *Query) Eq(col string, v any) *Query    { q.conds = append(q.conds, Eq(col, v)); return q }
func (q *Query) Neq(col string, v any) *Query   { q.conds = append(q.conds, Neq(col, v)); return q }
func (q *Query) Gte(col string, v any) *Query   { q.conds = append(q.conds, Gte(col, v)); return q }
func (q *Query) Gt(col string, v any) *Query    { q.conds = append(q.conds, Gt(col, v)); return q }
func (q *Query) Lt(col string, v any) *Query    { q.conds = append(q.conds, Lt(col, v)); return q }
func (q *Query) Lte(col string, v any) *Query   { q.conds = append(q.conds, Lte(col, v)); return q }
func (q *Query) ILike(col, pat string) *Query   { q.conds = append(q.conds, ILike(col, pat)); return q }
func (q *Query) In(col string, vals ...any) *Query {
	q.conds = append(q.conds, In(col, vals...))
	return q
}

// Or adds a disjunction of conditions, AND-ed with the rest of the query.
func (q *Query) Or(conds ...Cond) *Query {
	q.orConds = append(q.orConds, conds)
	return q
}

// Order appends an ordering; desc selects descending.
func (q *Query) Order(col string, desc bool) *Query {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	q.orderBy = append(q.orderBy, col+" "+dir)
	return q
}

// Limit caps the result set and disables transparent pagination.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Range selects rows [from, to] inclusive, PostgREST style.
func (q *Query) Range(from, to int) *Query {
	q.offset = from
	q.limit = to - from + 1
	q.hasRange = true
	return q
}

func (c Cond) render(s *Store, argn *int, args *[]any) string {
	switch c.op {
	case "in":
		phs := make([]string, len(c.vals))
		for i, v := range c.vals {
			*argn++
			phs[i] = s.placeholder(*argn)
			*args = append(*args, bindValue(v))
		}
		return fmt.Sprintf("%s IN (%s)", c.col, strings.Join(phs, ", "))
	case "ilike":
		*argn++
		ph := s.placeholder(*argn)
		*args = append(*args, bindValue(c.vals[0]))
		if s.dialect == DialectPostgres {
			return fmt.Sprintf("%s ILIKE %s", c.col, ph)
		}
		// sqlite LIKE is case-insensitive for ASCII
		return fmt.Sprintf("%s LIKE %s", c.col, ph)
	default:
		*argn++
		ph := s.placeholder(*argn)
		*args = append(*args, bindValue(c.vals[0]))
		return fmt.Sprintf("%s %s %s", c.col, c.op, ph)
	}
}

func (q *Query) whereClause(argn *int, args *[]any) string {
	var parts []string
	for _, c := range q.conds {
		parts = append(parts, c.render(q.table.store, argn, args))
	}
	for _, group := range q.orConds {
		var ors []string
		for _, c := range group {
			ors = append(ors, c.render(q.table.store, argn, args))
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	if len(parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

func (q *Query) renderSelect(limit, offset int) (string, []any) {
	cols := "*"
	if len(q.cols) > 0 {
		cols = strings.Join(q.cols, ", ")
	}
	var (
		args []any
		argn int
	)
	sqlStr := fmt.Sprintf("SELECT %s FROM %s", cols, q.table.name)
	sqlStr += q.whereClause(&argn, &args)
	if len(q.orderBy) > 0 {
		sqlStr += " ORDER BY " + strings.Join(q.orderBy, ", ")
	}
	if limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		sqlStr += fmt.Sprintf(" OFFSET %d", offset)
	}
	return sqlStr, args
}

// Fetch runs the query and decodes rows into dest, which must be a pointer
// to a slice. Unbounded queries paginate in batches of pageSize and stop
// when a short page returns.
func (q *Query) Fetch(ctx context.Context, dest any) error {
	var all []map[string]any
	if q.limit > 0 || q.hasRange {
		maps, err := q.fetchPage(ctx, q.limit, q.offset)
		if err != nil {
			return err
		}
		all = maps
	} else {
		for offset := 0; ; offset += pageSize {
			maps, err := q.fetchPage(ctx, pageSize, offset)
			if err != nil {
				return err
			}
			all = append(all, maps...)
			if len(maps) < pageSize {
				break
			}
		}
	}
	return decodeMaps(all, dest)
}

// FetchOne decodes the first matching row into dest or returns ErrNotFound.
func (q *Query) FetchOne(ctx context.Context, dest any) error {
	maps, err := q.fetchPage(ctx, 1, q.offset)
	if err != nil {
		return err
	}
	if len(maps) == 0 {
		return ErrNotFound
	}
	return decodeMap(maps[0], dest)
}

// Count runs SELECT COUNT(*) with the accumulated filters.
func (q *Query) Count(ctx context.Context) (int, error) {
	var (
		args []any
		argn int
	)
	sqlStr := fmt.Sprintf("SELECT COUNT(*) FROM %s", q.table.name) + q.whereClause(&argn, &args)
	var n int
	err := q.table.store.withRetry(ctx, "count "+q.table.name, func() error {
		return q.table.store.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n)
	})
	return n, err
}

func (q *Query) fetchPage(ctx context.Context, limit, offset int) ([]map[string]any, error) {
	sqlStr, args := q.renderSelect(limit, offset)
	var maps []map[string]any
	err := q.table.store.withRetry(ctx, "select "+q.table.name, func() error {
		rows, err := q.table.store.db.QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		maps, err = rowsToMaps(rows)
		return err
	})
	return maps, err
}

// Insert writes one or more rows in a single statement.
func (t *Table) Insert(ctx context.Context, rows ...any) error {
	if len(rows) == 0 {
		return nil
	}
	maps := make([]map[string]any, len(rows))
	for i, r := range rows {
		m, err := toRowMap(r)
		if err != nil {
			return err
		}
		maps[i] = m
	}
	// Union of all keys: omitempty fields may be absent from some rows.
	union := make(map[string]any)
	for _, m := range maps {
		for k := range m {
			union[k] = nil
		}
	}
	cols := sortedKeys(union)

	var (
		args   []any
		argn   int
		values []string
	)
	for _, m := range maps {
		phs := make([]string, len(cols))
		for i, c := range cols {
			argn++
			phs[i] = t.store.placeholder(argn)
			args = append(args, bindValue(m[c]))
		}
		values = append(values, "("+strings.Join(phs, ", ")+")")
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		t.name, strings.Join(cols, ", "), strings.Join(values, ", "))
	return t.store.withRetry(ctx, "insert "+t.name, func() error {
		_, err := t.store.db.ExecContext(ctx, sqlStr, args...)
		return err
	})
}

// Upsert writes a row with ON CONFLICT DO UPDATE on the given key columns.
func (t *Table) Upsert(ctx context.Context, row any, onConflict string) error {
	m, err := toRowMap(row)
	if err != nil {
		return err
	}
	cols := sortedKeys(m)
	keyCols := map[string]bool{}
	for _, k := range strings.Split(onConflict, ",") {
		keyCols[strings.TrimSpace(k)] = true
	}

	var (
		args []any
		phs  []string
		sets []string
	)
	for i, c := range cols {
		phs = append(phs, t.store.placeholder(i+1))
		args = append(args, bindValue(m[c]))
		if !keyCols[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		t.name, strings.Join(cols, ", "), strings.Join(phs, ", "), onConflict, strings.Join(sets, ", "))
	if len(sets) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			t.name, strings.Join(cols, ", "), strings.Join(phs, ", "), onConflict)
	}
	return t.store.withRetry(ctx, "upsert "+t.name, func() error {
		_, err := t.store.db.ExecContext(ctx, sqlStr, args...)
		return err
	})
}

// UpsertBatch writes many rows in one statement with ON CONFLICT DO UPDATE
// on the given key columns. Replaying the same batch is a no-op change-wise.
func (t *Table) UpsertBatch(ctx context.Context, onConflict string, rows ...any) error {
	return t.upsertBatch(ctx, onConflict, nil, rows)
}

// UpsertBatchPreserve is UpsertBatch, except that on conflict the named
// columns keep their stored values. Fresh rows still get the incoming value.
func (t *Table) UpsertBatchPreserve(ctx context.Context, onConflict string, preserve []string, rows ...any) error {
	return t.upsertBatch(ctx, onConflict, preserve, rows)
}

func (t *Table) upsertBatch(ctx context.Context, onConflict string, preserve []string, rows []any) error {
	if len(rows) == 0 {
		return nil
	}
	maps := make([]map[string]any, len(rows))
	for i, r := range rows {
		m, err := toRowMap(r)
		if err != nil {
			return err
		}
		maps[i] = m
	}
	union := make(map[string]any)
	for _, m := range maps {
		for k := range m {
			union[k] = nil
		}
	}
	cols := sortedKeys(union)
	keyCols := map[string]bool{}
	for _, k := range strings.Split(onConflict, ",") {
		keyCols[strings.TrimSpace(k)] = true
	}
	keep := map[string]bool{}
	for _, c := range preserve {
		keep[c] = true
	}

	var (
		args   []any
		argn   int
		values []string
		sets   []string
	)
	for _, c := range cols {
		if !keyCols[c] && !keep[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	for _, m := range maps {
		phs := make([]string, len(cols))
		for i, c := range cols {
			argn++
			phs[i] = t.store.placeholder(argn)
			args = append(args, bindValue(m[c]))
		}
		values = append(values, "("+strings.Join(phs, ", ")+")")
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO UPDATE SET %s",
		t.name, strings.Join(cols, ", "), strings.Join(values, ", "), onConflict, strings.Join(sets, ", "))
	if len(sets) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO NOTHING",
			t.name, strings.Join(cols, ", "), strings.Join(values, ", "), onConflict)
	}
	return t.store.withRetry(ctx, "upsert batch "+t.name, func() error {
		_, err := t.store.db.ExecContext(ctx, sqlStr, args...)
		return err
	})
}

// UpdateQuery accumulates filters for an UPDATE.
type UpdateQuery struct {
	table  *Table
	values map[string]any
	conds  []Cond
	err    error
}

// Update starts an update with the given new values (struct or map).
func (t *Table) Update(values any) *UpdateQuery {
	m, err := toRowMap(values)
	return &UpdateQuery{table: t, values: m, err: err}
}

func (u *UpdateQuery) Eq(col string, v any) *UpdateQuery {
	u.conds = append(u.conds, Eq(col, v))
	return u
}

func (u *UpdateQuery) In(col string, vals ...any) *UpdateQuery {
	u.conds = append(u.conds, In(col, vals...))
	return u
}

// Exec runs the update and returns the number of affected rows.
func (u *UpdateQuery) Exec(ctx context.Context) (int64, error) {
	if u.err != nil {
		return 0, u.err
	}
	if len(u.conds) == 0 {
		return 0, fmt.Errorf("refusing unconditional update on %s", u.table.name)
	}
	cols := sortedKeys(u.values)
	var (
		args []any
		argn int
		sets []string
	)
	for _, c := range cols {
		argn++
		sets = append(sets, fmt.Sprintf("%s = %s", c, u.table.store.placeholder(argn)))
		args = append(args, bindValue(u.values[c]))
	}
	var wheres []string
	for _, c := range u.conds {
		wheres = append(wheres, c.render(u.table.store, &argn, &args))
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		u.table.name, strings.Join(sets, ", "), strings.Join(wheres, " AND "))
	var affected int64
	err := u.table.store.withRetry(ctx, "update "+u.table.name, func() error {
		res, err := u.table.store.db.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// DeleteQuery accumulates filters for a DELETE.
type DeleteQuery struct {
	table *Table
	conds []Cond
}

// Delete starts a delete; at least one filter is required before Exec.
func (t *Table) Delete() *DeleteQuery {
	return &DeleteQuery{table: t}
}

func (d *DeleteQuery) Eq(col string, v any) *DeleteQuery {
	d.conds = append(d.conds, Eq(col, v))
	return d
}

func (d *DeleteQuery) Exec(ctx context.Context) error {
	if len(d.conds) == 0 {
		return fmt.Errorf("refusing unconditional delete on %s", d.table.name)
	}
	var (
		args []any
		argn int
	)
	var wheres []string
	for _, c := range d.conds {
		wheres = append(wheres, c.render(d.table.store, &argn, &args))
	}
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", d.table.name, strings.Join(wheres, " AND "))
	return d.table.store.withRetry(ctx, "delete "+d.table.name, func() error {
		_, err := d.table.store.db.ExecContext(ctx, sqlStr, args...)
		return err
	})
}

// toRowMap converts a struct (via its json tags) or map into column values.
func toRowMap(row any) (map[string]any, error) {
	if m, ok := row.(map[string]any); ok {
		return m, nil
	}
	data, err := jsonx.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	var m map[string]any
	if err := jsonx.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return m, nil
}

// bindValue prepares a Go value for binding: nested JSON structures are
// serialized to text, times are rendered RFC3339 UTC.
func bindValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int, int64, float64, []byte:
		return val
	case time.Time:
		return FormatTime(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return FormatTime(*val)
	case []any, map[string]any:
		b, err := jsonx.Marshal(val)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		b, err := jsonx.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		s := string(b)
		// keep scalar JSON encodings (numbers, quoted strings) out of the DB
		if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
			return s
		}
		return strings.Trim(s, `"`)
	}
}

// rowsToMaps scans all rows into maps, coercing values by declared column
// type so JSON columns decode to structures and booleans stay booleans.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = normalizeValue(vals[i], types[i].DatabaseTypeName())
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func normalizeValue(v any, dbType string) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	t := strings.ToUpper(dbType)
	switch {
	case strings.Contains(t, "BOOL"):
		switch val := v.(type) {
		case bool:
			return val
		case int64:
			return val != 0
		case string:
			return val == "1" || strings.EqualFold(val, "true")
		}
	case strings.Contains(t, "JSON"):
		if s, ok := v.(string); ok && s != "" {
			var decoded any
			if err := jsonx.UnmarshalFromString(s, &decoded); err == nil {
				return decoded
			}
		}
	case strings.Contains(t, "TIME") || strings.Contains(t, "DATE"):
		switch val := v.(type) {
		case time.Time:
			return FormatTime(val)
		case string:
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				return FormatTime(ts)
			}
			return val
		}
	}
	return v
}

func decodeMaps(maps []map[string]any, dest any) error {
	data, err := jsonx.Marshal(maps)
	if err != nil {
		return fmt.Errorf("encode rows: %w", err)
	}
	if err := jsonx.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode rows: %w", err)
	}
	return nil
}

func decodeMap(m map[string]any, dest any) error {
	data, err := jsonx.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if err := jsonx.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
