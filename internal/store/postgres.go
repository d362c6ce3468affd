package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/travelroboto/trip-ingest/internal/db"
	"github.com/travelroboto/trip-ingest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS trips (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name               TEXT NOT NULL DEFAULT '',
	destination        TEXT NOT NULL DEFAULT '',
	start_date         TIMESTAMPTZ,
	end_date           TIMESTAMPTZ,
	created_by_user_id TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'draft',
	structured_data    JSONB NOT NULL DEFAULT '{}'::jsonb,
	summary            TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trip_travelers (
	trip_id   TEXT NOT NULL REFERENCES trips(id),
	user_id   TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT 'traveler',
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (trip_id, user_id)
);

CREATE TABLE IF NOT EXISTS incoming_documents (
	source_id     TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	text          TEXT NOT NULL,
	attachments   JSONB NOT NULL DEFAULT '[]'::jsonb,
	trip_hint     TEXT NOT NULL DEFAULT '',
	received_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingest_results (
	source_id    TEXT PRIMARY KEY REFERENCES incoming_documents(source_id),
	trip_id      TEXT,
	result       JSONB NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS field_versions (
	id         TEXT PRIMARY KEY,
	seq        BIGSERIAL,
	trip_id    TEXT NOT NULL REFERENCES trips(id),
	field_name TEXT NOT NULL,
	value      TEXT NOT NULL,
	provenance JSONB NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	status     TEXT NOT NULL,
	resolution JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS leases (
	key        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_field_versions_active ON field_versions(trip_id, field_name) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_field_versions_trip_field ON field_versions(trip_id, field_name);
CREATE INDEX IF NOT EXISTS idx_trips_created_by ON trips(created_by_user_id);
CREATE INDEX IF NOT EXISTS idx_trip_travelers_user ON trip_travelers(user_id);
CREATE INDEX IF NOT EXISTS idx_confirmation_requests_trip ON confirmation_requests(trip_id);
CREATE INDEX IF NOT EXISTS idx_confirmation_requests_pending ON confirmation_requests(created_at) WHERE state = 'pending';
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Trips ---

func (s *PostgresStore) CreateTrip(ctx context.Context, trip *model.Trip, travelers []model.TripTraveler) error {
	prepareTrip(trip)
	data, err := json.Marshal(trip.StructuredData)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal structured data")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create trip")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO trips (`+tripColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		trip.ID, trip.Name, trip.Destination, trip.StartDate, trip.EndDate,
		trip.CreatedByUserID, string(trip.Status), data, trip.Summary, trip.CreatedAt, trip.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert trip %s", trip.ID)
	}
	if err := pgUpsertTravelers(ctx, tx, trip.ID, travelers); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create trip")
}

func (s *PostgresStore) UpsertTrip(ctx context.Context, trip *model.Trip, travelers []model.TripTraveler) error {
	prepareTrip(trip)
	data, err := json.Marshal(trip.StructuredData)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal structured data")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert trip")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO trips (`+tripColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			destination = EXCLUDED.destination,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		trip.ID, trip.Name, trip.Destination, trip.StartDate, trip.EndDate,
		trip.CreatedByUserID, string(trip.Status), data, trip.Summary, trip.CreatedAt, trip.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert trip %s", trip.ID)
	}
	if err := pgUpsertTravelers(ctx, tx, trip.ID, travelers); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert trip")
}

func pgUpsertTravelers(ctx context.Context, tx pgx.Tx, tripID string, travelers []model.TripTraveler) error {
	for _, tr := range travelers {
		role := tr.Role
		if role == "" {
			role = model.RoleTraveler
		}
		joined := tr.JoinedAt
		if joined.IsZero() {
			joined = time.Now().UTC()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO trip_travelers (trip_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (trip_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
			tripID, tr.UserID, role, joined,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert traveler %s on trip %s", tr.UserID, tripID)
		}
	}
	return nil
}

func (s *PostgresStore) GetTrip(ctx context.Context, tripID string) (*model.Trip, error) {
	t, err := scanPgTrip(s.pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, tripID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("trip", tripID)
	}
	return t, err
}

func (s *PostgresStore) ListUserTrips(ctx context.Context, userID string) ([]model.Trip, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tripColumns+` FROM trips
		 WHERE created_by_user_id = $1 OR id IN (SELECT trip_id FROM trip_travelers WHERE user_id = $1)
		 ORDER BY updated_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list user trips")
	}
	defer rows.Close()

	var trips []model.Trip
	for rows.Next() {
		t, err := scanPgTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, *t)
	}
	return trips, eris.Wrap(rows.Err(), "postgres: list user trips iterate")
}

func (s *PostgresStore) ListTravelers(ctx context.Context, tripID string) ([]model.TripTraveler, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trip_id, user_id, role, joined_at FROM trip_travelers WHERE trip_id = $1 ORDER BY joined_at, user_id`,
		tripID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list travelers")
	}
	defer rows.Close()

	var out []model.TripTraveler
	for rows.Next() {
		var tr model.TripTraveler
		if err := rows.Scan(&tr.TripID, &tr.UserID, &tr.Role, &tr.JoinedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan traveler")
		}
		out = append(out, tr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list travelers iterate")
}

// RefreshTrip locks the trip row with FOR UPDATE. ApplyVersion and
// AcceptConfirmation also write the trip row, so they serialize with it.
func (s *PostgresStore) RefreshTrip(ctx context.Context, tripID string, project ProjectFunc) (*model.Trip, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin refresh trip")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	trip, err := scanPgTrip(tx.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, tripID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("trip", tripID)
	}
	if err != nil {
		return nil, err
	}
	active, err := pgQueryVersions(ctx, tx,
		`SELECT `+versionColumns+` FROM field_versions WHERE trip_id = $1 AND status = 'active' ORDER BY created_at, seq`,
		tripID,
	)
	if err != nil {
		return nil, err
	}

	project(trip, active)
	data, err := json.Marshal(trip.StructuredData)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal structured data")
	}
	trip.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`UPDATE trips SET destination = $1, start_date = $2, end_date = $3, structured_data = $4, summary = $5, updated_at = $6
		 WHERE id = $7`,
		trip.Destination, trip.StartDate, trip.EndDate, data, trip.Summary, trip.UpdatedAt, trip.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update trip projection %s", trip.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit refresh trip")
	}
	return trip, nil
}

// DeleteTrip removes a trip and everything it owns. Incoming documents are
// kept as the audit record; their ingest results lose the trip reference.
func (s *PostgresStore) DeleteTrip(ctx context.Context, tripID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete trip")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM confirmation_requests WHERE trip_id = $1`,
		`DELETE FROM field_versions WHERE trip_id = $1`,
		`DELETE FROM trip_travelers WHERE trip_id = $1`,
		`UPDATE ingest_results SET trip_id = NULL WHERE trip_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, tripID); err != nil {
			return eris.Wrapf(err, "postgres: cascade delete trip %s", tripID)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM trips WHERE id = $1`, tripID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete trip %s", tripID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("trip", tripID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete trip")
}

// --- Documents ---

func (s *PostgresStore) SaveDocument(ctx context.Context, doc *model.IncomingDocument) (bool, error) {
	attachments, err := json.Marshal(doc.Attachments)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal attachments")
	}
	received := doc.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO incoming_documents (source_id, owner_user_id, text, attachments, trip_hint, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (source_id) DO NOTHING`,
		doc.SourceID, doc.OwnerUserID, doc.Text, attachments, doc.TripHint, received.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert document %s", doc.SourceID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, sourceID string) (*model.IncomingDocument, error) {
	var doc model.IncomingDocument
	var attachments []byte
	err := s.pool.QueryRow(ctx,
		`SELECT source_id, owner_user_id, text, attachments, trip_hint, received_at FROM incoming_documents WHERE source_id = $1`,
		sourceID,
	).Scan(&doc.SourceID, &doc.OwnerUserID, &doc.Text, &attachments, &doc.TripHint, &doc.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("document", sourceID)
		}
		return nil, eris.Wrap(err, "postgres: get document")
	}
	if err := json.Unmarshal(attachments, &doc.Attachments); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal attachments")
	}
	return &doc, nil
}

func (s *PostgresStore) GetIngestResult(ctx context.Context, sourceID string) (*model.IngestResult, error) {
	var resultJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM ingest_results WHERE source_id = $1`, sourceID,
	).Scan(&resultJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get ingest result")
	}
	var result model.IngestResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal ingest result")
	}
	return &result, nil
}

func (s *PostgresStore) SaveIngestResult(ctx context.Context, result *model.IngestResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ingest result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingest_results (source_id, trip_id, result, processed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_id) DO UPDATE SET trip_id = $2, result = $3, processed_at = $4`,
		result.SourceID, nullString(result.TripID), resultJSON, result.ProcessedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save ingest result %s", result.SourceID)
}

// --- Field versions ---

func (s *PostgresStore) GetActiveVersion(ctx context.Context, tripID, fieldName string) (*model.FieldVersion, error) {
	v, err := scanPgVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM field_versions WHERE trip_id = $1 AND field_name = $2 AND status = 'active'`,
		tripID, fieldName,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (*model.FieldVersion, error) {
	v, err := scanPgVersion(s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM field_versions WHERE id = $1`, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("field version", versionID)
	}
	return v, err
}

func (s *PostgresStore) ListVersions(ctx context.Context, filter VersionFilter) ([]model.FieldVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM field_versions WHERE trip_id = $1`
	args := []any{filter.TripID}

	if filter.FieldName != "" {
		args = append(args, filter.FieldName)
		query += ` AND field_name = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at, seq`
	return pgQueryVersions(ctx, s.pool, query, args...)
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgQueryVersions(ctx context.Context, q pgQuerier, query string, args ...any) ([]model.FieldVersion, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list versions")
	}
	defer rows.Close()

	var versions []model.FieldVersion
	for rows.Next() {
		v, err := scanPgVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: list versions iterate")
}

// ApplyVersion inserts v as the active version of its field, superseding the
// current one. The row lock taken by FOR UPDATE and the partial unique index
// on active versions make a concurrent writer fail with ErrVersionConflict.
func (s *PostgresStore) ApplyVersion(ctx context.Context, v *model.FieldVersion, expectedActiveID string) error {
	prepareVersion(v, model.VersionActive)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin apply version")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var currentID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM field_versions WHERE trip_id = $1 AND field_name = $2 AND status = 'active' FOR UPDATE`,
		v.TripID, v.FieldName,
	).Scan(&currentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrap(err, "postgres: read active version")
	}
	if currentID != expectedActiveID {
		return versionConflict(v.TripID, v.FieldName)
	}

	if currentID != "" {
		tag, err := tx.Exec(ctx,
			`UPDATE field_versions SET status = 'superseded', updated_at = $1 WHERE id = $2 AND status = 'active'`,
			v.UpdatedAt, currentID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: supersede version %s", currentID)
		}
		if tag.RowsAffected() == 0 {
			return versionConflict(v.TripID, v.FieldName)
		}
	}

	if err := pgInsertVersion(ctx, tx, v); err != nil {
		if db.IsUniqueViolation(err) {
			return versionConflict(v.TripID, v.FieldName)
		}
		return err
	}
	if err := pgSetTripField(ctx, tx, v.TripID, v.FieldName, v.Value, v.UpdatedAt); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit apply version")
}

func (s *PostgresStore) RecordConflict(ctx context.Context, v *model.FieldVersion, req *model.ConfirmationRequest) error {
	prepareVersion(v, model.VersionConflicted)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record conflict")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := pgInsertVersion(ctx, tx, v); err != nil {
		return err
	}
	if req != nil {
		prepareConfirmation(req, v)
		_, err := tx.Exec(ctx,
			`INSERT INTO confirmation_requests (`+confirmationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			req.ID, req.TripID, req.FieldName, req.CandidateVersionID, req.ActiveVersionID,
			req.OldValue, req.NewValue, req.CorrelationToken, req.OwnerUserID, string(req.State),
			req.CreatedAt, req.ResolvedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert confirmation for %s.%s", v.TripID, v.FieldName)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit record conflict")
}

func pgInsertVersion(ctx context.Context, tx pgx.Tx, v *model.FieldVersion) error {
	prov, err := json.Marshal(v.Provenance)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal provenance")
	}
	var resolution []byte
	if v.Resolution != nil {
		if resolution, err = json.Marshal(v.Resolution); err != nil {
			return eris.Wrap(err, "postgres: marshal resolution")
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO field_versions (`+versionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.TripID, v.FieldName, v.Value, prov, v.Confidence, string(v.Status), resolution, v.CreatedAt, v.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert version %s.%s", v.TripID, v.FieldName)
}

func pgSetTripField(ctx context.Context, tx pgx.Tx, tripID, field, value string, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE trips SET structured_data = jsonb_set(structured_data, ARRAY[$1::text], to_jsonb($2::text), true), updated_at = $3
		 WHERE id = $4`,
		field, value, at, tripID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set %s on trip %s", field, tripID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("trip", tripID)
	}
	return nil
}

// --- Confirmations ---

func (s *PostgresStore) GetConfirmation(ctx context.Context, requestID string) (*model.ConfirmationRequest, error) {
	req, err := scanPgConfirmation(s.pool.QueryRow(ctx,
		`SELECT `+confirmationColumns+` FROM confirmation_requests WHERE id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("confirmation", requestID)
	}
	return req, err
}

func (s *PostgresStore) GetConfirmationByToken(ctx context.Context, token string) (*model.ConfirmationRequest, error) {
	req, err := scanPgConfirmation(s.pool.QueryRow(ctx,
		`SELECT `+confirmationColumns+` FROM confirmation_requests WHERE correlation_token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("confirmation token", token)
	}
	return req, err
}

func (s *PostgresStore) ListConfirmations(ctx context.Context, filter ConfirmationFilter) ([]model.ConfirmationRequest, error) {
	query := `SELECT ` + confirmationColumns + ` FROM confirmation_requests WHERE 1=1`
	var args []any

	if filter.TripID != "" {
		args = append(args, filter.TripID)
		query += ` AND trip_id = $` + strconv.Itoa(len(args))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		query += ` AND state = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list confirmations")
	}
	defer rows.Close()

	var out []model.ConfirmationRequest
	for rows.Next() {
		req, err := scanPgConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list confirmations iterate")
}

func (s *PostgresStore) AcceptConfirmation(ctx context.Context, requestID string, res model.Resolution) (*model.FieldVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin accept confirmation")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	req, err := scanPgConfirmation(tx.QueryRow(ctx,
		`SELECT `+confirmationColumns+` FROM confirmation_requests WHERE id = $1 FOR UPDATE`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
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
	resolution, err := json.Marshal(res)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal resolution")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE confirmation_requests SET state = $1, resolved_at = $2 WHERE id = $3 AND state = 'pending'`,
		string(model.ConfirmationAccepted), res.ResolvedAt, requestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: accept confirmation %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return nil, staleReply(requestID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE field_versions SET status = 'superseded', updated_at = $1 WHERE trip_id = $2 AND field_name = $3 AND status = 'active'`,
		res.ResolvedAt, req.TripID, req.FieldName,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: supersede active %s.%s", req.TripID, req.FieldName)
	}

	promoted, err := scanPgVersion(tx.QueryRow(ctx,
		`UPDATE field_versions SET status = 'active', resolution = $1, updated_at = $2
		 WHERE id = $3 AND status = 'conflicted'
		 RETURNING `+versionColumns,
		resolution, res.ResolvedAt, req.CandidateVersionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, versionConflict(req.TripID, req.FieldName)
	}
	if err != nil {
		return nil, err
	}
	if err := pgSetTripField(ctx, tx, req.TripID, req.FieldName, promoted.Value, res.ResolvedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit accept confirmation")
	}
	return promoted, nil
}

func (s *PostgresStore) CloseConfirmation(ctx context.Context, requestID string, state model.ConfirmationState, res model.Resolution) error {
	if state != model.ConfirmationRejected && state != model.ConfirmationExpired {
		return eris.Errorf("postgres: cannot close confirmation %s as %s", requestID, state)
	}

	res.ConfirmationID = requestID
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now().UTC()
	}
	resolution, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal resolution")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin close confirmation")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var candidateID string
	err = tx.QueryRow(ctx,
		`UPDATE confirmation_requests SET state = $1, resolved_at = $2
		 WHERE id = $3 AND state = 'pending'
		 RETURNING candidate_version_id`,
		string(state), res.ResolvedAt, requestID,
	).Scan(&candidateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return staleReply(requestID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: close confirmation %s", requestID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE field_versions SET resolution = $1, updated_at = $2 WHERE id = $3 AND status = 'conflicted'`,
		resolution, res.ResolvedAt, candidateID,
	); err != nil {
		return eris.Wrapf(err, "postgres: annotate version %s", candidateID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit close confirmation")
}

// --- Leases ---

// ClaimLease inserts the lease, or takes it over when the current one has
// expired or already belongs to holder. Concurrent claims on one key are
// serialized by the primary key, so exactly one of them succeeds.
func (s *PostgresStore) ClaimLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO leases (key, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE leases.expires_at < $4 OR leases.holder = EXCLUDED.holder`,
		key, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim lease %s", key)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE key = $1 AND holder = $2`, key, holder)
	return eris.Wrapf(err, "postgres: release lease %s", key)
}

// helpers

func scanPgTrip(row pgx.Row) (*model.Trip, error) {
	var t model.Trip
	var data []byte

	err := row.Scan(&t.ID, &t.Name, &t.Destination, &t.StartDate, &t.EndDate, &t.CreatedByUserID,
		&t.Status, &data, &t.Summary, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan trip")
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &t.StructuredData); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal structured data")
		}
	}
	if t.StructuredData == nil {
		t.StructuredData = map[string]any{}
	}
	return &t, nil
}

func scanPgVersion(row pgx.Row) (*model.FieldVersion, error) {
	var v model.FieldVersion
	var prov, resolution []byte

	err := row.Scan(&v.ID, &v.TripID, &v.FieldName, &v.Value, &prov, &v.Confidence,
		&v.Status, &resolution, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan version")
	}
	if err := json.Unmarshal(prov, &v.Provenance); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal provenance")
	}
	if len(resolution) > 0 {
		v.Resolution = &model.Resolution{}
		if err := json.Unmarshal(resolution, v.Resolution); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal resolution")
		}
	}
	return &v, nil
}

func scanPgConfirmation(row pgx.Row) (*model.ConfirmationRequest, error) {
	var r model.ConfirmationRequest
	err := row.Scan(&r.ID, &r.TripID, &r.FieldName, &r.CandidateVersionID, &r.ActiveVersionID,
		&r.OldValue, &r.NewValue, &r.CorrelationToken, &r.OwnerUserID, &r.State, &r.CreatedAt, &r.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan confirmation")
	}
	return &r, nil
}
