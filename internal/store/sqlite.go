package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/travelroboto/trip-ingest/internal/db"
	"github.com/travelroboto/trip-ingest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes write transactions. Two concurrent writers on
	// separate connections get SQLITE_BUSY on lock upgrade instead of waiting.
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS trips (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	destination        TEXT NOT NULL DEFAULT '',
	start_date         DATETIME,
	end_date           DATETIME,
	created_by_user_id TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'draft',
	structured_data    TEXT NOT NULL DEFAULT '{}',
	summary            TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trip_travelers (
	trip_id   TEXT NOT NULL REFERENCES trips(id),
	user_id   TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT 'traveler',
	joined_at DATETIME NOT NULL,
	PRIMARY KEY (trip_id, user_id)
);

CREATE TABLE IF NOT EXISTS incoming_documents (
	source_id     TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	text          TEXT NOT NULL,
	attachments   TEXT NOT NULL DEFAULT '[]',
	trip_hint     TEXT NOT NULL DEFAULT '',
	received_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_results (
	source_id    TEXT PRIMARY KEY REFERENCES incoming_documents(source_id),
	trip_id      TEXT,
	result       TEXT NOT NULL,
	processed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS field_versions (
	id         TEXT PRIMARY KEY,
	trip_id    TEXT NOT NULL REFERENCES trips(id),
	field_name TEXT NOT NULL,
	value      TEXT NOT NULL,
	provenance TEXT NOT NULL,
	confidence REAL NOT NULL,
	status     TEXT NOT NULL,
	resolution TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS confirmation_requests (
	id                   TEXT PRIMARY KEY,
	trip_id              TEXT NOT NULL REFERENCES trips(id),
	field_name           TEXT NOT NULL,
	candidate_version_id TEXT NOT NULL REFERENCES field_versions(id),
	active_version_id    TEXT NOT NULL DEFAULT '',
	old_value            TEXT NOT NULL,
	new_value            TEXT NOT NULL,
	correlation_token    TEXT NOT NULL UNIQUE,
	owner_user_id        TEXT NOT NULL,
	state                TEXT NOT NULL DEFAULT 'pending',
	created_at           DATETIME NOT NULL,
	resolved_at          DATETIME
);

CREATE TABLE IF NOT EXISTS leases (
	key        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_field_versions_active ON field_versions(trip_id, field_name) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_field_versions_trip_field ON field_versions(trip_id, field_name);
CREATE INDEX IF NOT EXISTS idx_trips_created_by ON trips(created_by_user_id);
CREATE INDEX IF NOT EXISTS idx_trip_travelers_user ON trip_travelers(user_id);
CREATE INDEX IF NOT EXISTS idx_confirmation_requests_trip ON confirmation_requests(trip_id);
CREATE INDEX IF NOT EXISTS idx_confirmation_requests_state ON confirmation_requests(state);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Trips ---

const tripColumns = `id, name, destination, start_date, end_date, created_by_user_id, status, structured_data, summary, created_at, updated_at`

func (s *SQLiteStore) CreateTrip(ctx context.Context, trip *model.Trip, travelers []model.TripTraveler) error {
	prepareTrip(trip)
	data, err := marshalJSON(trip.StructuredData, "structured data")
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create trip")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trips (`+tripColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trip.ID, trip.Name, trip.Destination, nullTime(trip.StartDate), nullTime(trip.EndDate),
		trip.CreatedByUserID, string(trip.Status), data, trip.Summary, trip.CreatedAt, trip.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert trip %s", trip.ID)
	}
	if err := sqliteUpsertTravelers(ctx, tx, trip.ID, travelers); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create trip")
}

func (s *SQLiteStore) UpsertTrip(ctx context.Context, trip *model.Trip, travelers []model.TripTraveler) error {
	prepareTrip(trip)
	data, err := marshalJSON(trip.StructuredData, "structured data")
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert trip")
	}
	defer tx.Rollback() //nolint:errcheck

	// Synced attributes overwrite; derived columns stay owned by the pipeline.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trips (`+tripColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			destination = excluded.destination,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		trip.ID, trip.Name, trip.Destination, nullTime(trip.StartDate), nullTime(trip.EndDate),
		trip.CreatedByUserID, string(trip.Status), data, trip.Summary, trip.CreatedAt, trip.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert trip %s", trip.ID)
	}
	if err := sqliteUpsertTravelers(ctx, tx, trip.ID, travelers); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert trip")
}

func sqliteUpsertTravelers(ctx context.Context, tx *sql.Tx, tripID string, travelers []model.TripTraveler) error {
	for _, tr := range travelers {
		role := tr.Role
		if role == "" {
			role = model.RoleTraveler
		}
		joined := tr.JoinedAt
		if joined.IsZero() {
			joined = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO trip_travelers (trip_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(trip_id, user_id) DO UPDATE SET role = excluded.role`,
			tripID, tr.UserID, role, joined,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert traveler %s on trip %s", tr.UserID, tripID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetTrip(ctx context.Context, tripID string) (*model.Trip, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = ?`, tripID)
	t, err := scanSQLiteTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("trip", tripID)
	}
	return t, err
}

func (s *SQLiteStore) ListUserTrips(ctx context.Context, userID string) ([]model.Trip, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tripColumns+` FROM trips
		 WHERE created_by_user_id = ? OR id IN (SELECT trip_id FROM trip_travelers WHERE user_id = ?)
		 ORDER BY updated_at DESC, id`,
		userID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list user trips")
	}
	defer rows.Close()

	var trips []model.Trip
	for rows.Next() {
		t, err := scanSQLiteTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, *t)
	}
	return trips, eris.Wrap(rows.Err(), "sqlite: list user trips iterate")
}

func (s *SQLiteStore) ListTravelers(ctx context.Context, tripID string) ([]model.TripTraveler, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trip_id, user_id, role, joined_at FROM trip_travelers WHERE trip_id = ? ORDER BY joined_at, user_id`,
		tripID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list travelers")
	}
	defer rows.Close()

	var out []model.TripTraveler
	for rows.Next() {
		var tr model.TripTraveler
		if err := rows.Scan(&tr.TripID, &tr.UserID, &tr.Role, &tr.JoinedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan traveler")
		}
		out = append(out, tr)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list travelers iterate")
}

// RefreshTrip starts with a write to the trip row. That takes the database
// write lock before anything is read, so the versions read below cannot
// change until the projection is committed.
func (s *SQLiteStore) RefreshTrip(ctx context.Context, tripID string, project ProjectFunc) (*model.Trip, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin refresh trip")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE trips SET updated_at = updated_at WHERE id = ?`, tripID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lock trip %s", tripID)
	}
	if err := checkRowsAffected(res, "trip", tripID); err != nil {
		return nil, err
	}

	trip, err := scanSQLiteTrip(tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = ?`, tripID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read trip %s", tripID)
	}
	active, err := sqliteQueryVersions(ctx, tx,
		`SELECT `+versionColumns+` FROM field_versions WHERE trip_id = ? AND status = 'active' ORDER BY created_at, rowid`,
		tripID,
	)
	if err != nil {
		return nil, err
	}

	project(trip, active)
	data, err := marshalJSON(trip.StructuredData, "structured data")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite")
	}
	trip.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE trips SET destination = ?, start_date = ?, end_date = ?, structured_data = ?, summary = ?, updated_at = ?
		 WHERE id = ?`,
		trip.Destination, nullTime(trip.StartDate), nullTime(trip.EndDate), data, trip.Summary, trip.UpdatedAt, trip.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update trip projection %s", trip.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit refresh trip")
	}
	return trip, nil
}

// DeleteTrip removes a trip and everything it owns. Incoming documents are
// kept as the audit record; their ingest results lose the trip reference.
func (s *SQLiteStore) DeleteTrip(ctx context.Context, tripID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete trip")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM confirmation_requests WHERE trip_id = ?`,
		`DELETE FROM field_versions WHERE trip_id = ?`,
		`DELETE FROM trip_travelers WHERE trip_id = ?`,
		`UPDATE ingest_results SET trip_id = NULL WHERE trip_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, tripID); err != nil {
			return eris.Wrapf(err, "sqlite: cascade delete trip %s", tripID)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM trips WHERE id = ?`, tripID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete trip %s", tripID)
	}
	if err := checkRowsAffected(res, "trip", tripID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete trip")
}

// --- Documents ---

// SaveDocument stores doc unless its source ID is already present. It reports
// whether a row was inserted.
func (s *SQLiteStore) SaveDocument(ctx context.Context, doc *model.IncomingDocument) (bool, error) {
	attachments, err := marshalJSON(doc.Attachments, "attachments")
	if err != nil {
		return false, eris.Wrap(err, "sqlite")
	}
	received := doc.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO incoming_documents (source_id, owner_user_id, text, attachments, trip_hint, received_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(source_id) DO NOTHING`,
		doc.SourceID, doc.OwnerUserID, doc.Text, attachments, doc.TripHint, received.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert document %s", doc.SourceID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetDocument(ctx context.Context, sourceID string) (*model.IncomingDocument, error) {
	var doc model.IncomingDocument
	var attachments string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id, owner_user_id, text, attachments, trip_hint, received_at FROM incoming_documents WHERE source_id = ?`,
		sourceID,
	).Scan(&doc.SourceID, &doc.OwnerUserID, &doc.Text, &attachments, &doc.TripHint, &doc.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("document", sourceID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get document")
	}
	if err := json.Unmarshal([]byte(attachments), &doc.Attachments); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal attachments")
	}
	return &doc, nil
}

// GetIngestResult returns the stored result for a source ID, or nil if the
// document has not been fully processed.
func (s *SQLiteStore) GetIngestResult(ctx context.Context, sourceID string) (*model.IngestResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM ingest_results WHERE source_id = ?`, sourceID,
	).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get ingest result")
	}
	var result model.IngestResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal ingest result")
	}
	return &result, nil
}

func (s *SQLiteStore) SaveIngestResult(ctx context.Context, result *model.IngestResult) error {
	resultJSON, err := marshalJSON(result, "ingest result")
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_results (source_id, trip_id, result, processed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET trip_id = excluded.trip_id, result = excluded.result, processed_at = excluded.processed_at`,
		result.SourceID, nullString(result.TripID), resultJSON, result.ProcessedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save ingest result %s", result.SourceID)
}

// --- Field versions ---

const versionColumns = `id, trip_id, field_name, value, provenance, confidence, status, resolution, created_at, updated_at`

func (s *SQLiteStore) GetActiveVersion(ctx context.Context, tripID, fieldName string) (*model.FieldVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM field_versions WHERE trip_id = ? AND field_name = ? AND status = 'active'`,
		tripID, fieldName,
	)
	v, err := scanSQLiteVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (s *SQLiteStore) GetVersion(ctx context.Context, versionID string) (*model.FieldVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM field_versions WHERE id = ?`, versionID)
	v, err := scanSQLiteVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("field version", versionID)
	}
	return v, err
}

// ListVersions returns matching versions in creation order.
func (s *SQLiteStore) ListVersions(ctx context.Context, filter VersionFilter) ([]model.FieldVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM field_versions WHERE trip_id = ?`
	args := []any{filter.TripID}

	if filter.FieldName != "" {
		query += ` AND field_name = ?`
		args = append(args, filter.FieldName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, rowid`
	return sqliteQueryVersions(ctx, s.db, query, args...)
}

type sqliteQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func sqliteQueryVersions(ctx context.Context, q sqliteQuerier, query string, args ...any) ([]model.FieldVersion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list versions")
	}
	defer rows.Close()

	var versions []model.FieldVersion
	for rows.Next() {
		v, err := scanSQLiteVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: list versions iterate")
}

// ApplyVersion inserts v as the active version of its field, superseding the
// current one. expectedActiveID is the ID the caller evaluated against ("" for
// none); if the active version is different, ErrVersionConflict is returned
// and nothing is written.
func (s *SQLiteStore) ApplyVersion(ctx context.Context, v *model.FieldVersion, expectedActiveID string) error {
	prepareVersion(v, model.VersionActive)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin apply version")
	}
	defer tx.Rollback() //nolint:errcheck

	var currentID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM field_versions WHERE trip_id = ? AND field_name = ? AND status = 'active'`,
		v.TripID, v.FieldName,
	).Scan(&currentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: read active version")
	}
	if currentID != expectedActiveID {
		return versionConflict(v.TripID, v.FieldName)
	}

	if currentID != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE field_versions SET status = 'superseded', updated_at = ? WHERE id = ? AND status = 'active'`,
			v.UpdatedAt, currentID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: supersede version %s", currentID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return versionConflict(v.TripID, v.FieldName)
		}
	}

	if err := sqliteInsertVersion(ctx, tx, v); err != nil {
		if db.IsUniqueViolation(err) {
			return versionConflict(v.TripID, v.FieldName)
		}
		return err
	}
	if err := sqliteSetTripField(ctx, tx, v.TripID, v.FieldName, v.Value, v.UpdatedAt); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit apply version")
}

// RecordConflict inserts v as a conflicted candidate and, when req is non-nil,
// the confirmation request that asks about it. Both land or neither does.
func (s *SQLiteStore) RecordConflict(ctx context.Context, v *model.FieldVersion, req *model.ConfirmationRequest) error {
	prepareVersion(v, model.VersionConflicted)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record conflict")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := sqliteInsertVersion(ctx, tx, v); err != nil {
		return err
	}
	if req != nil {
		prepareConfirmation(req, v)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO confirmation_requests (`+confirmationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.TripID, req.FieldName, req.CandidateVersionID, req.ActiveVersionID,
			req.OldValue, req.NewValue, req.CorrelationToken, req.OwnerUserID, string(req.State),
			req.CreatedAt, nullTime(req.ResolvedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert confirmation for %s.%s", v.TripID, v.FieldName)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record conflict")
}

func sqliteInsertVersion(ctx context.Context, tx *sql.Tx, v *model.FieldVersion) error {
	prov, err := marshalJSON(v.Provenance, "provenance")
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}
	resolution, err := marshalResolution(v.Resolution)
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO field_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TripID, v.FieldName, v.Value, prov, v.Confidence, string(v.Status), resolution, v.CreatedAt, v.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert version %s.%s", v.TripID, v.FieldName)
}

func sqliteSetTripField(ctx context.Context, tx *sql.Tx, tripID, field, value string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE trips SET structured_data = json_set(structured_data, '$."' || ? || '"', ?), updated_at = ? WHERE id = ?`,
		field, value, at, tripID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set %s on trip %s", field, tripID)
	}
	return checkRowsAffected(res, "trip", tripID)
}

// --- Confirmations ---

const confirmationColumns = `id, trip_id, field_name, candidate_version_id, active_version_id, old_value, new_value, correlation_token, owner_user_id, state, created_at, resolved_at`

func (s *SQLiteStore) GetConfirmation(ctx context.Context, requestID string) (*model.ConfirmationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+confirmationColumns+` FROM confirmation_requests WHERE id = ?`, requestID)
	req, err := scanSQLiteConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("confirmation", requestID)
	}
	return req, err
}

func (s *SQLiteStore) GetConfirmationByToken(ctx context.Context, token string) (*model.ConfirmationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+confirmationColumns+` FROM confirmation_requests WHERE correlation_token = ?`, token)
	req, err := scanSQLiteConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("confirmation token", token)
	}
	return req, err
}

func (s *SQLiteStore) ListConfirmations(ctx context.Context, filter ConfirmationFilter) ([]model.ConfirmationRequest, error) {
	query := `SELECT ` + confirmationColumns + ` FROM confirmation_requests WHERE 1=1`
	var args []any

	if filter.TripID != "" {
		query += ` AND trip_id = ?`
		args = append(args, filter.TripID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list confirmations")
	}
	defer rows.Close()

	var out []model.ConfirmationRequest
	for rows.Next() {
		req, err := scanSQLiteConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list confirmations iterate")
}

// AcceptConfirmation resolves a pending request in favour of its candidate:
// the request becomes accepted, whatever is active for the field is
// superseded, and the candidate is promoted. It returns the promoted version.
func (s *SQLiteStore) AcceptConfirmation(ctx context.Context, requestID string, res model.Resolution) (*model.FieldVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin accept confirmation")
	}
	defer tx.Rollback() //nolint:errcheck

	req, err := scanSQLiteConfirmation(tx.QueryRowContext(ctx,
		`SELECT `+confirmationColumns+` FROM confirmation_requests WHERE id = ?`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("confirmation", requestID)
	}
	if err != nil {
		return nil, err
	}
	if req.State != model.ConfirmationPending {
		return nil, staleReply(requestID)
	}

	res.ConfirmationID = req.ID
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now().UTC()
	}
	resolution, err := marshalJSON(res, "resolution")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite")
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE confirmation_requests SET state = ?, resolved_at = ? WHERE id = ? AND state = 'pending'`,
		string(model.ConfirmationAccepted), res.ResolvedAt, requestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: accept confirmation %s", requestID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, staleReply(requestID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE field_versions SET status = 'superseded', updated_at = ? WHERE trip_id = ? AND field_name = ? AND status = 'active'`,
		res.ResolvedAt, req.TripID, req.FieldName,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: supersede active %s.%s", req.TripID, req.FieldName)
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE field_versions SET status = 'active', resolution = ?, updated_at = ? WHERE id = ? AND status = 'conflicted'`,
		resolution, res.ResolvedAt, req.CandidateVersionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: promote version %s", req.CandidateVersionID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, versionConflict(req.TripID, req.FieldName)
	}

	promoted, err := scanSQLiteVersion(tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM field_versions WHERE id = ?`, req.CandidateVersionID))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reload promoted version")
	}
	if err := sqliteSetTripField(ctx, tx, req.TripID, req.FieldName, promoted.Value, res.ResolvedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit accept confirmation")
	}
	return promoted, nil
}

// CloseConfirmation moves a pending request to rejected or expired. The
// candidate keeps its conflicted status and gains the resolution record.
func (s *SQLiteStore) CloseConfirmation(ctx context.Context, requestID string, state model.ConfirmationState, res model.Resolution) error {
	if state != model.ConfirmationRejected && state != model.ConfirmationExpired {
		return eris.Errorf("sqlite: cannot close confirmation %s as %s", requestID, state)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin close confirmation")
	}
	defer tx.Rollback() //nolint:errcheck

	var candidateID string
	err = tx.QueryRowContext(ctx,
		`SELECT candidate_version_id FROM confirmation_requests WHERE id = ?`, requestID,
	).Scan(&candidateID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("confirmation", requestID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read confirmation")
	}

	res.ConfirmationID = requestID
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now().UTC()
	}
	resolution, err := marshalJSON(res, "resolution")
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE confirmation_requests SET state = ?, resolved_at = ? WHERE id = ? AND state = 'pending'`,
		string(state), res.ResolvedAt, requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: close confirmation %s", requestID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return staleReply(requestID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE field_versions SET resolution = ?, updated_at = ? WHERE id = ? AND status = 'conflicted'`,
		resolution, res.ResolvedAt, candidateID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: annotate version %s", candidateID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit close confirmation")
}

// helpers

// --- Leases ---

// ClaimLease inserts the lease, or takes it over when the current one has
// expired or already belongs to holder. Expiry is stored as Unix nanoseconds
// so it compares numerically.
func (s *SQLiteStore) ClaimLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (key, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		key, holder, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim lease %s", key)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND holder = ?`, key, holder)
	return eris.Wrapf(err, "sqlite: release lease %s", key)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanSQLiteTrip returns sql.ErrNoRows unwrapped so callers can map it.
func scanSQLiteTrip(row scannable) (*model.Trip, error) {
	var t model.Trip
	var start, end sql.NullTime
	var data string

	err := row.Scan(&t.ID, &t.Name, &t.Destination, &start, &end, &t.CreatedByUserID,
		&t.Status, &data, &t.Summary, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan trip")
	}
	if start.Valid {
		st := start.Time.UTC()
		t.StartDate = &st
	}
	if end.Valid {
		et := end.Time.UTC()
		t.EndDate = &et
	}
	if err := json.Unmarshal([]byte(data), &t.StructuredData); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal structured data")
	}
	if t.StructuredData == nil {
		t.StructuredData = map[string]any{}
	}
	return &t, nil
}

func scanSQLiteVersion(row scannable) (*model.FieldVersion, error) {
	var v model.FieldVersion
	var prov string
	var resolution sql.NullString

	err := row.Scan(&v.ID, &v.TripID, &v.FieldName, &v.Value, &prov, &v.Confidence,
		&v.Status, &resolution, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan version")
	}
	if err := json.Unmarshal([]byte(prov), &v.Provenance); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal provenance")
	}
	if resolution.Valid && strings.TrimSpace(resolution.String) != "" {
		v.Resolution = &model.Resolution{}
		if err := json.Unmarshal([]byte(resolution.String), v.Resolution); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal resolution")
		}
	}
	return &v, nil
}

func scanSQLiteConfirmation(row scannable) (*model.ConfirmationRequest, error) {
	var r model.ConfirmationRequest
	var resolvedAt sql.NullTime

	err := row.Scan(&r.ID, &r.TripID, &r.FieldName, &r.CandidateVersionID, &r.ActiveVersionID,
		&r.OldValue, &r.NewValue, &r.CorrelationToken, &r.OwnerUserID, &r.State, &r.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan confirmation")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		r.ResolvedAt = &t
	}
	return &r, nil
}
