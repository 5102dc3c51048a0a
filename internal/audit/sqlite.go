package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schema holds the audit ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id TEXT UNIQUE NOT NULL,
	ts INTEGER NOT NULL,
	decision_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	rationale TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL,
	context TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_decisions_type ON decisions(decision_type, seq);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);

CREATE TABLE IF NOT EXISTS decision_steps (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	description TEXT NOT NULL,
	reasoning TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_steps_decision ON decision_steps(decision_id, step);

CREATE TABLE IF NOT EXISTS decision_counters (
	dimension TEXT NOT NULL,
	name TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (dimension, name)
);
`

const (
	dimTotal   = "total"
	dimType    = "type"
	dimOutcome = "outcome"
)

// SQLiteLedger stores the audit trail in SQLite. It shares a database handle
// with the state store; the caller owns the handle.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger applies the ledger schema on db.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) AppendDecision(ctx context.Context, d Decision) error {
	if err := validateDecision(d); err != nil {
		return err
	}
	rawCtx, err := encodeMap(d.Context)
	if err != nil {
		return fmt.Errorf("encode decision context: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM decisions WHERE decision_id = ?`, d.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO decisions (decision_id, ts, decision_type, outcome, rationale, confidence, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Timestamp.UnixNano(), d.Type, d.Outcome, d.Rationale, d.Confidence, rawCtx); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	for _, c := range [][2]string{{dimTotal, ""}, {dimType, d.Type}, {dimOutcome, d.Outcome}} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO decision_counters (dimension, name, count) VALUES (?, ?, 1)
			ON CONFLICT(dimension, name) DO UPDATE SET count = count + 1`, c[0], c[1]); err != nil {
			return fmt.Errorf("bump %s counter: %w", c[0], err)
		}
	}
	return tx.Commit()
}

func (l *SQLiteLedger) AppendStep(ctx context.Context, s Step) error {
	if err := validateStep(s); err != nil {
		return err
	}
	raw, err := encodeMap(s.Data)
	if err != nil {
		return fmt.Errorf("encode step data: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO decision_steps (decision_id, step, description, reasoning, data, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.DecisionID, s.Step, s.Description, s.Reasoning, raw, s.Timestamp.UnixNano())
	return err
}

const decisionColumns = `decision_id, ts, decision_type, outcome, rationale, confidence, context`

func (l *SQLiteLedger) Decision(ctx context.Context, id string) (Decision, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, ErrNotFound
	}
	return d, err
}

func (l *SQLiteLedger) Decisions(ctx context.Context, f Filter) ([]Decision, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "decision_type = ?")
		args = append(args, f.Type)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Steps(ctx context.Context, decisionID string) ([]Step, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT decision_id, step, description, reasoning, data, ts FROM decision_steps
		WHERE decision_id = ? ORDER BY step ASC, seq ASC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var (
			s   Step
			raw string
			ts  int64
		)
		if err := rows.Scan(&s.DecisionID, &s.Step, &s.Description, &s.Reasoning, &raw, &ts); err != nil {
			return nil, err
		}
		if s.Data, err = decodeMap(raw); err != nil {
			return nil, err
		}
		s.Timestamp = time.Unix(0, ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Counts(ctx context.Context) (Counts, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT dimension, name, count FROM decision_counters`)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()
	c := newCounts()
	for rows.Next() {
		var (
			dim, name string
			n         int64
		)
		if err := rows.Scan(&dim, &name, &n); err != nil {
			return Counts{}, err
		}
		switch dim {
		case dimTotal:
			c.Total = n
		case dimType:
			c.ByType[name] = n
		case dimOutcome:
			c.ByOutcome[name] = n
		}
	}
	return c, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(r rowScanner) (Decision, error) {
	var (
		d   Decision
		ts  int64
		raw string
	)
	if err := r.Scan(&d.ID, &ts, &d.Type, &d.Outcome, &d.Rationale, &d.Confidence, &raw); err != nil {
		return Decision{}, err
	}
	d.Timestamp = time.Unix(0, ts)
	var err error
	if d.Context, err = decodeMap(raw); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeMap(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode audit payload: %w", err)
	}
	return m, nil
}
