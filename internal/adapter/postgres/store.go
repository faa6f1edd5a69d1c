// Package postgres implements store.Store on PostgreSQL. Reports and
// verifications are relational rows; hotspots and alert tasks keep their
// filterable columns alongside a JSONB copy of the full record.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/store"
)

const (
	connectTimeout  = 5 * time.Second
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute

	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id          TEXT PRIMARY KEY,
	reporter_id TEXT NOT NULL,
	hazard_type TEXT NOT NULL,
	lat         DOUBLE PRECISION NOT NULL,
	lon         DOUBLE PRECISION NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	description TEXT NOT NULL,
	media_ref   TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_hazard_ts ON reports (hazard_type, ts);

CREATE TABLE IF NOT EXISTS verifications (
	report_id  TEXT PRIMARY KEY REFERENCES reports (id),
	confidence DOUBLE PRECISION NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL,
	severity   TEXT NOT NULL,
	degraded   BOOLEAN NOT NULL,
	scored_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS hotspots (
	id          TEXT PRIMARY KEY,
	hazard_type TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS hotspots_state ON hotspots (state);

CREATE TABLE IF NOT EXISTS alert_tasks (
	id          TEXT PRIMARY KEY,
	hotspot_id  TEXT NOT NULL,
	hazard_type TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS alert_tasks_hotspot ON alert_tasks (hotspot_id);
`

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sql.DB
}

// Connect opens a pool, verifies it within connectTimeout and applies the
// schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateReport(ctx context.Context, r domain.Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, reporter_id, hazard_type, lat, lon, ts, description, media_ref, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ReporterID, string(r.HazardType), r.Geo.Lat, r.Geo.Lon, r.Timestamp, r.Description, r.MediaRef, r.ReceivedAt)
	return classify(err, "report "+r.ID)
}

func (s *Store) SaveVerification(ctx context.Context, v domain.VerificationResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verifications (report_id, confidence, label, category, severity, degraded, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ReportID, v.Confidence, v.Label, string(v.Category), v.Severity.String(), v.Degraded, v.ScoredAt)
	return classify(err, "verification for report "+v.ReportID)
}

const reportColumns = `r.id, r.reporter_id, r.hazard_type, r.lat, r.lon, r.ts, r.description, r.media_ref, r.received_at,
	v.confidence, v.label, v.category, v.severity, v.degraded, v.scored_at`

func (s *Store) GetReport(ctx context.Context, id string) (domain.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+`
		FROM reports r LEFT JOIN verifications v ON v.report_id = r.id
		WHERE r.id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, fmt.Errorf("report %s: %w", id, store.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListReports(ctx context.Context, q domain.Query) ([]domain.Report, error) {
	w := newWhere()
	w.query(q, "r.hazard_type", "r.ts")
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+`
		FROM reports r LEFT JOIN verifications v ON v.report_id = r.id`+
		w.String()+` ORDER BY r.ts, r.id`+limitClause(q.Limit), w.args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []domain.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(sc scanner) (domain.Report, error) {
	var (
		r        domain.Report
		hazard   string
		conf     sql.NullFloat64
		label    sql.NullString
		category sql.NullString
		severity sql.NullString
		degraded sql.NullBool
		scoredAt sql.NullTime
	)
	err := sc.Scan(&r.ID, &r.ReporterID, &hazard, &r.Geo.Lat, &r.Geo.Lon, &r.Timestamp, &r.Description, &r.MediaRef, &r.ReceivedAt,
		&conf, &label, &category, &severity, &degraded, &scoredAt)
	if err != nil {
		return domain.Report{}, err
	}
	r.HazardType = domain.HazardType(hazard)
	r.Timestamp = r.Timestamp.UTC()
	r.ReceivedAt = r.ReceivedAt.UTC()
	if conf.Valid {
		sev, err := domain.ParseSeverity(severity.String)
		if err != nil {
			return domain.Report{}, fmt.Errorf("report %s: %w", r.ID, err)
		}
		r.Verification = &domain.VerificationResult{
			ReportID:   r.ID,
			Confidence: conf.Float64,
			Label:      label.String,
			Category:   domain.Category(category.String),
			Severity:   sev,
			Degraded:   degraded.Bool,
			ScoredAt:   scoredAt.Time.UTC(),
		}
	}
	return r, nil
}

// SaveHotspot upserts h. A resolved hotspot is never moved back to a live
// state.
func (s *Store) SaveHotspot(ctx context.Context, h domain.Hotspot) error {
	doc, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode hotspot %s: %w", h.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO hotspots (id, hazard_type, state, created_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at, doc = EXCLUDED.doc
		WHERE hotspots.state <> 'resolved' OR EXCLUDED.state = 'resolved'`,
		h.ID, string(h.HazardType), string(h.State), h.CreatedAt, h.UpdatedAt, doc)
	if err != nil {
		return fmt.Errorf("save hotspot %s: %w", h.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("hotspot %s is resolved", h.ID)
	}
	return nil
}

func (s *Store) GetHotspot(ctx context.Context, id string) (domain.Hotspot, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM hotspots WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Hotspot{}, fmt.Errorf("hotspot %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Hotspot{}, fmt.Errorf("get hotspot %s: %w", id, err)
	}
	var h domain.Hotspot
	if err := json.Unmarshal(doc, &h); err != nil {
		return domain.Hotspot{}, fmt.Errorf("decode hotspot %s: %w", id, err)
	}
	return h, nil
}

func (s *Store) ListHotspots(ctx context.Context, f store.HotspotFilter) ([]domain.Hotspot, error) {
	w := newWhere()
	w.query(f.Query, "hazard_type", "created_at")
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		w.add("state = ANY(%s)", pq.Array(states))
	}
	return listDocs[domain.Hotspot](ctx, s.db,
		`SELECT doc FROM hotspots`+w.String()+` ORDER BY updated_at DESC, id`+limitClause(f.Limit), w.args)
}

func (s *Store) SaveAlertTask(ctx context.Context, t domain.AlertTask) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode alert task %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_tasks (id, hotspot_id, hazard_type, state, created_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at, doc = EXCLUDED.doc`,
		t.ID, t.HotspotID, string(t.HazardType), string(t.State), t.CreatedAt, t.UpdatedAt, doc)
	if err != nil {
		return fmt.Errorf("save alert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) ListAlertTasks(ctx context.Context, f store.TaskFilter) ([]domain.AlertTask, error) {
	w := newWhere()
	w.query(f.Query, "hazard_type", "created_at")
	if f.HotspotID != "" {
		w.add("hotspot_id = %s", f.HotspotID)
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		w.add("state = ANY(%s)", pq.Array(states))
	}
	return listDocs[domain.AlertTask](ctx, s.db,
		`SELECT doc FROM alert_tasks`+w.String()+` ORDER BY created_at, id`+limitClause(f.Limit), w.args)
}

func listDocs[T any](ctx context.Context, db *sql.DB, query string, args []any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// where accumulates AND-ed conditions with numbered placeholders.
type where struct {
	conds []string
	args  []any
}

func newWhere() *where { return &where{} }

// add appends a condition; format holds one %s for the placeholder.
func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(format, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) query(q domain.Query, hazardCol, timeCol string) {
	if q.HazardType != "" {
		w.add(hazardCol+" = %s", string(q.HazardType))
	}
	if !q.From.IsZero() {
		w.add(timeCol+" >= %s", q.From)
	}
	if !q.To.IsZero() {
		w.add(timeCol+" <= %s", q.To)
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

// classify maps constraint violations onto the store sentinel errors.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", what, store.ErrExists)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w", what, store.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
