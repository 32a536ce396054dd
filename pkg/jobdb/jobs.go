package jobdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/webjobd/pkg/jobstate"
)

// Record is one job row as read from the database.
type Record struct {
	State    jobstate.Name
	Metadata *Metadata
}

// Query narrows JobsInState.
type Query struct {
	// Name restricts the result to one job.
	Name string

	// AfterTime names a time column; only rows where it is set and already
	// in the past are returned.
	AfterTime string

	// OrderBy names a column to sort by (ascending).
	OrderBy string

	// Now overrides the current time for AfterTime (tests).
	Now time.Time
}

func (d *DB) hasField(name string) bool {
	for _, f := range d.fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (d *DB) selectColumns() string {
	cols := make([]string, 0, len(d.fields)+1)
	for _, f := range d.fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	cols = append(cols, "`state`")
	return strings.Join(cols, ", ")
}

// JobsInState returns every job in the given state that matches q.
//
// Rows are fully read before returning: callers typically change the state
// of each job while walking the result, which must not hold a cursor open.
func (d *DB) JobsInState(ctx context.Context, state jobstate.Name, q Query) ([]Record, error) {
	var (
		where = []string{"`state` = ?"}
		args  = []any{string(state)}
	)
	if q.Name != "" {
		where = append(where, "`name` = ?")
		args = append(args, q.Name)
	}
	if q.AfterTime != "" {
		if !d.hasField(q.AfterTime) {
			return nil, &UnknownFieldError{Field: q.AfterTime}
		}
		now := q.Now
		if now.IsZero() {
			now = time.Now()
		}
		col := quoteIdent(q.AfterTime)
		where = append(where, col+" IS NOT NULL", col+" < ?")
		args = append(args, dbValue(now))
	}

	query := "SELECT " + d.selectColumns() + " FROM jobs WHERE " + strings.Join(where, " AND ")
	if q.OrderBy != "" {
		if !d.hasField(q.OrderBy) {
			return nil, &UnknownFieldError{Field: q.OrderBy}
		}
		query += " ORDER BY " + quoteIdent(q.OrderBy)
	}

	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs in state %s: %w", state, err)
	}

	out := make([]Record, 0, len(rows))
	for _, vals := range rows {
		rec, err := d.recordFromRow(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *DB) recordFromRow(vals []any) (Record, error) {
	row := make(map[string]any, len(d.fields))
	for i, f := range d.fields {
		row[f.Name] = vals[i]
	}
	stateRaw := vals[len(d.fields)]
	var stateStr string
	switch s := stateRaw.(type) {
	case string:
		stateStr = s
	case []byte:
		stateStr = string(s)
	default:
		stateStr = fmt.Sprint(s)
	}
	state, err := jobstate.Parse(stateStr)
	if err != nil {
		return Record{}, fmt.Errorf("job %v: %w", row["name"], err)
	}
	return Record{State: state, Metadata: NewMetadata(d.fields, row)}, nil
}

// Get returns one job regardless of state.
func (d *DB) Get(ctx context.Context, name string) (Record, error) {
	rows, err := d.query(ctx, "SELECT "+d.selectColumns()+" FROM jobs WHERE `name` = ?", name)
	if err != nil {
		return Record{}, fmt.Errorf("get job %s: %w", name, err)
	}
	if len(rows) == 0 {
		return Record{}, fmt.Errorf("%s: %w", name, ErrJobNotFound)
	}
	return d.recordFromRow(rows[0])
}

// CountJobsInState counts the jobs in one state.
func (d *DB) CountJobsInState(ctx context.Context, state jobstate.Name) (int, error) {
	rows, err := d.query(ctx, "SELECT COUNT(*) FROM jobs WHERE `state` = ?", string(state))
	if err != nil {
		return 0, fmt.Errorf("count jobs in state %s: %w", state, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	switch n := rows[0][0].(type) {
	case int64:
		return int(n), nil
	case []byte:
		var v int
		_, err := fmt.Sscan(string(n), &v)
		return v, err
	default:
		var v int
		_, err := fmt.Sscan(fmt.Sprint(n), &v)
		return v, err
	}
}

func setClause(md *Metadata) (string, []any) {
	keys := md.DirtyKeys()
	parts := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, quoteIdent(k)+" = ?")
		args = append(args, dbValue(md.Get(k)))
	}
	return strings.Join(parts, ", "), args
}

// UpdateJob writes the dirty columns of md. Nothing is written when no
// column is dirty.
func (d *DB) UpdateJob(ctx context.Context, md *Metadata) error {
	if !md.NeedsSync() {
		return nil
	}
	set, args := setClause(md)
	args = append(args, md.Name())
	if _, err := d.exec(ctx, "UPDATE jobs SET "+set+" WHERE `name` = ?", args...); err != nil {
		return fmt.Errorf("update job %s: %w", md.Name(), err)
	}
	md.MarkSynced()
	return nil
}

// ChangeJobState writes the dirty columns of md together with the new state
// in a single statement. The row must currently be in state from.
func (d *DB) ChangeJobState(ctx context.Context, md *Metadata, from, to jobstate.Name) error {
	set, args := setClause(md)
	if set != "" {
		set += ", "
	}
	set += "`state` = ?"
	args = append(args, string(to), md.Name(), string(from))

	res, err := d.exec(ctx, "UPDATE jobs SET "+set+" WHERE `name` = ? AND `state` = ?", args...)
	if err != nil {
		return fmt.Errorf("change state of job %s to %s: %w", md.Name(), to, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("change state of job %s: no row in state %s: %w", md.Name(), from, ErrJobNotFound)
	}
	md.MarkSynced()
	return nil
}

// InsertJob adds a new job row in the given state. This is the operation
// the web frontend performs on submission.
func (d *DB) InsertJob(ctx context.Context, md *Metadata, state jobstate.Name) error {
	var (
		cols []string
		args []any
	)
	for _, k := range md.Keys() {
		v := md.Get(k)
		if v == nil {
			continue
		}
		cols = append(cols, quoteIdent(k))
		args = append(args, dbValue(v))
	}
	cols = append(cols, "`state`")
	args = append(args, string(state))

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := "INSERT INTO jobs (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders + ")"
	if _, err := d.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job %s: %w", md.Name(), err)
	}
	md.MarkSynced()
	return nil
}

// DeleteJob removes a job row and every dependency edge that mentions it.
func (d *DB) DeleteJob(ctx context.Context, name string) error {
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE `name` = ?", name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM dependencies WHERE child = ? OR parent = ?", name, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	return nil
}

// AllNames returns the name of every job regardless of state.
func (d *DB) AllNames(ctx context.Context) ([]string, error) {
	rows, err := d.query(ctx, "SELECT `name` FROM jobs")
	if err != nil {
		return nil, fmt.Errorf("list job names: %w", err)
	}
	return firstColumnStrings(rows), nil
}

func firstColumnStrings(rows [][]any) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		switch v := r[0].(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}
