package tuning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SqliteStore persists tuning state in a local Sqlite database. Writes go
// through a WAL connection; reads use a separate read-only connection. Both
// are opened lazily on first use.
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store backed by the database at dbPath. The
// schema is created on first write.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	// The write connection creates the schema, so reads cannot race an
	// uninitialized database file.
	if _, err := s.getWriteDB(); err != nil {
		return nil, err
	}

	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateSession(ctx context.Context, session *TuningSession) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	timeline, changes, metrics, err := marshalSessionJSON(session)
	if err != nil {
		return err
	}

	if _, err = stmt.ExecContext(ctx,
		session.ID.String(),
		session.ProfileID,
		session.Phase.String(),
		session.CreatedAt.UTC(),
		session.UpdatedAt.UTC(),
		nullUUID(session.PreSnapshotID),
		nullUUID(session.PostSnapshotID),
		timeline,
		changes,
		metrics,
	); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *SqliteStore) Session(ctx context.Context, profileID string) (session *TuningSession, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var sess TuningSession
	var id, phase string
	var preSnap, postSnap, timeline, changes, metrics sql.NullString

	row := stmt.QueryRowContext(ctx, profileID)
	if err = row.Scan(&id, &sess.ProfileID, &phase, &sess.CreatedAt, &sess.UpdatedAt,
		&preSnap, &postSnap, &timeline, &changes, &metrics); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if sess.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing session id: %w", err)
	}
	if sess.Phase, err = ParsePhase(phase); err != nil {
		return nil, err
	}
	if sess.PreSnapshotID, err = parseNullUUID(preSnap); err != nil {
		return nil, fmt.Errorf("parsing pre-snapshot id: %w", err)
	}
	if sess.PostSnapshotID, err = parseNullUUID(postSnap); err != nil {
		return nil, fmt.Errorf("parsing post-snapshot id: %w", err)
	}
	if err = unmarshalNullJSON(timeline, &sess.Timeline); err != nil {
		return nil, fmt.Errorf("decoding timeline: %w", err)
	}
	if err = unmarshalNullJSON(changes, &sess.AppliedChanges); err != nil {
		return nil, fmt.Errorf("decoding applied changes: %w", err)
	}
	if metrics.Valid {
		sess.Metrics = new(CompactMetrics)
		if err = json.Unmarshal([]byte(metrics.String), sess.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics: %w", err)
		}
	}

	return &sess, nil
}

func (s *SqliteStore) UpdateSession(ctx context.Context, session *TuningSession) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, updateSessionSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	timeline, changes, metrics, err := marshalSessionJSON(session)
	if err != nil {
		return err
	}

	result, err := stmt.ExecContext(ctx,
		session.Phase.String(),
		session.UpdatedAt.UTC(),
		nullUUID(session.PreSnapshotID),
		nullUUID(session.PostSnapshotID),
		timeline,
		changes,
		metrics,
		session.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNoSession
	}
	return nil
}

func (s *SqliteStore) DeleteSession(ctx context.Context, profileID string) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	if _, err = db.ExecContext(ctx, deleteSessionSQL, profileID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *SqliteStore) ArchiveSession(ctx context.Context, record *CompletedTuningRecord) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	timeline, err := marshalNullJSON(record.Timeline, len(record.Timeline) > 0)
	if err != nil {
		return fmt.Errorf("encoding timeline: %w", err)
	}
	changes, err := marshalNullJSON(record.AppliedChanges, len(record.AppliedChanges) > 0)
	if err != nil {
		return fmt.Errorf("encoding applied changes: %w", err)
	}
	metrics, err := marshalNullJSON(record.Metrics, record.Metrics != nil)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	if _, err = tx.ExecContext(ctx, insertRecordSQL,
		record.ID.String(),
		record.SessionID.String(),
		record.ProfileID,
		string(record.Outcome),
		record.StartedAt.UTC(),
		record.FinishedAt.UTC(),
		timeline,
		changes,
		metrics,
	); err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}

	if _, err = tx.ExecContext(ctx, deleteSessionSQL, record.ProfileID); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SqliteStore) Records(ctx context.Context, profileID string) (records []*CompletedTuningRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectRecordsSQL, profileID)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var rec CompletedTuningRecord
		var id, sessionID, outcome string
		var timeline, changes, metrics sql.NullString

		if err = rows.Scan(&id, &sessionID, &rec.ProfileID, &outcome,
			&rec.StartedAt, &rec.FinishedAt, &timeline, &changes, &metrics); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}

		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing record id: %w", err)
		}
		if rec.SessionID, err = uuid.Parse(sessionID); err != nil {
			return nil, fmt.Errorf("parsing session id: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		if err = unmarshalNullJSON(timeline, &rec.Timeline); err != nil {
			return nil, fmt.Errorf("decoding timeline: %w", err)
		}
		if err = unmarshalNullJSON(changes, &rec.AppliedChanges); err != nil {
			return nil, fmt.Errorf("decoding applied changes: %w", err)
		}
		if metrics.Valid {
			rec.Metrics = new(CompactMetrics)
			if err = json.Unmarshal([]byte(metrics.String), rec.Metrics); err != nil {
				return nil, fmt.Errorf("decoding metrics: %w", err)
			}
		}

		records = append(records, &rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}

func marshalSessionJSON(session *TuningSession) (timeline, changes, metrics sql.NullString, err error) {
	if timeline, err = marshalNullJSON(session.Timeline, len(session.Timeline) > 0); err != nil {
		err = fmt.Errorf("encoding timeline: %w", err)
		return
	}
	if changes, err = marshalNullJSON(session.AppliedChanges, len(session.AppliedChanges) > 0); err != nil {
		err = fmt.Errorf("encoding applied changes: %w", err)
		return
	}
	if metrics, err = marshalNullJSON(session.Metrics, session.Metrics != nil); err != nil {
		err = fmt.Errorf("encoding metrics: %w", err)
	}
	return
}

func marshalNullJSON(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	p, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(p), Valid: true}, nil
}

func unmarshalNullJSON(s sql.NullString, v any) error {
	if !s.Valid {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func nullUUID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseNullUUID(s sql.NullString) (uuid.UUID, error) {
	if !s.Valid {
		return uuid.Nil, nil
	}
	return uuid.Parse(s.String)
}
