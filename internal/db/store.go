package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/models"
)

// ErrStaleVersion is returned when a write would lower a stored version.
var ErrStaleVersion = errors.New("stale entity version")

const (
	stateKeyCursor   = "cursor"
	stateKeyDeviceID = "device_id"
)

const entityColumns = `id, type, payload, version, last_modified, origin_device_id,
	owner_user_id, organization_id, checksum, size, conflict_policy, priority, tags, pending`

// Store is the local entity store. It exclusively owns persisted entity state,
// the device id and the download cursor.
type Store struct {
	db *DB

	// Prepared statements for the hot read paths, created on first use.
	// Never used inside a transaction: the pool holds a single connection.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// OpenStore opens the database in dataDir and wraps it in a Store.
func OpenStore(dataDir string) (*Store, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "open store", err)
	}
	return NewStore(db), nil
}

// PrepareStmt gets or creates a prepared statement from cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes cached statements and the database.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// =====================================================
// Entity Operations
// =====================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*models.SyncEntity, bool, error) {
	var (
		e            models.SyncEntity
		payload      string
		lastModified int64
		tags         string
		pending      bool
	)
	err := row.Scan(&e.ID, &e.Type, &payload, &e.Version, &lastModified, &e.OriginDeviceID,
		&e.OwnerUserID, &e.OrganizationID, &e.Metadata.Checksum, &e.Metadata.Size,
		&e.Metadata.ConflictPolicy, &e.Metadata.Priority, &tags, &pending)
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, false, fmt.Errorf("decode payload of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Metadata.Tags); err != nil {
		return nil, false, fmt.Errorf("decode tags of %s: %w", e.ID, err)
	}
	e.LastModified = fromNanos(lastModified)
	return &e, pending, nil
}

// Get returns the stored entity, or nil when absent.
func (s *Store) Get(id string) (*models.SyncEntity, error) {
	stmt, err := s.PrepareStmt(`SELECT ` + entityColumns + ` FROM entities WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "get entity", err)
	}
	e, _, err := scanEntity(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "get entity "+id, err)
	}
	return e, nil
}

// Put upserts e. Writing the stored state again is a no-op, and writing a
// version lower than the stored one (or not above a tombstone) is refused
// with ErrStaleVersion. pending marks the entity as awaiting upload.
func (s *Store) Put(e *models.SyncEntity, pending bool) error {
	if e == nil || e.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	if len(e.Metadata.Checksum) != 64 {
		return apperrors.Newf(apperrors.ErrInvalid, "entity %s is not sealed", e.ID)
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}
	tags := models.NormalizeTags(e.Metadata.Tags)
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode tags", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "begin put", err)
	}
	defer tx.Rollback()

	var (
		curVersion  int64
		curChecksum string
		curPending  bool
	)
	err = tx.QueryRow(`SELECT version, checksum, pending FROM entities WHERE id = ?`, e.ID).
		Scan(&curVersion, &curChecksum, &curPending)
	switch {
	case err == sql.ErrNoRows:
		var deletedVersion int64
		err = tx.QueryRow(`SELECT version FROM tombstones WHERE entity_id = ?`, e.ID).Scan(&deletedVersion)
		if err == nil && e.Version <= deletedVersion {
			return staleErr(e.ID, e.Version, deletedVersion)
		}
		if err != nil && err != sql.ErrNoRows {
			return apperrors.Wrap(apperrors.ErrStorage, "read tombstone "+e.ID, err)
		}
	case err != nil:
		return apperrors.Wrap(apperrors.ErrStorage, "read entity "+e.ID, err)
	default:
		if e.Version < curVersion {
			return staleErr(e.ID, e.Version, curVersion)
		}
		if e.Version == curVersion && e.Metadata.Checksum == curChecksum && pending == curPending {
			return nil
		}
	}

	_, err = tx.Exec(`INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			payload = excluded.payload,
			version = excluded.version,
			last_modified = excluded.last_modified,
			origin_device_id = excluded.origin_device_id,
			owner_user_id = excluded.owner_user_id,
			organization_id = excluded.organization_id,
			checksum = excluded.checksum,
			size = excluded.size,
			conflict_policy = excluded.conflict_policy,
			priority = excluded.priority,
			tags = excluded.tags,
			pending = excluded.pending`,
		e.ID, e.Type, string(payload), e.Version, toNanos(e.LastModified), e.OriginDeviceID,
		e.OwnerUserID, e.OrganizationID, e.Metadata.Checksum, e.Metadata.Size,
		orDefault(string(e.Metadata.ConflictPolicy), string(models.PolicyAuto)),
		orDefault(string(e.Metadata.Priority), string(models.PriorityNormal)),
		string(tagsJSON), pending)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write entity "+e.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM tombstones WHERE entity_id = ?`, e.ID); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "clear tombstone "+e.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "commit put", err)
	}
	return nil
}

// Delete removes the entity and records ts in one transaction. A tombstone
// older than the stored entity is refused with ErrStaleVersion.
func (s *Store) Delete(ts *models.Tombstone, pending bool) error {
	if ts == nil || ts.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "tombstone entity id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "begin delete", err)
	}
	defer tx.Rollback()

	var curVersion int64
	err = tx.QueryRow(`SELECT version FROM entities WHERE id = ?`, ts.EntityID).Scan(&curVersion)
	if err != nil && err != sql.ErrNoRows {
		return apperrors.Wrap(apperrors.ErrStorage, "read entity "+ts.EntityID, err)
	}
	if err == nil && ts.Version < curVersion {
		return staleErr(ts.EntityID, ts.Version, curVersion)
	}

	var prevVersion int64
	err = tx.QueryRow(`SELECT version FROM tombstones WHERE entity_id = ?`, ts.EntityID).Scan(&prevVersion)
	if err != nil && err != sql.ErrNoRows {
		return apperrors.Wrap(apperrors.ErrStorage, "read tombstone "+ts.EntityID, err)
	}
	if err == nil && ts.Version < prevVersion {
		return staleErr(ts.EntityID, ts.Version, prevVersion)
	}

	if _, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, ts.EntityID); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "delete entity "+ts.EntityID, err)
	}
	_, err = tx.Exec(`INSERT INTO tombstones (entity_id, type, version, deleted_at, origin_device_id, owner_user_id, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			type = excluded.type,
			version = excluded.version,
			deleted_at = excluded.deleted_at,
			origin_device_id = excluded.origin_device_id,
			owner_user_id = excluded.owner_user_id,
			pending = excluded.pending`,
		ts.EntityID, ts.Type, ts.Version, toNanos(ts.DeletedAt), ts.OriginDeviceID, ts.OwnerUserID, pending)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write tombstone "+ts.EntityID, err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "commit delete", err)
	}
	return nil
}

// Tombstone returns the tombstone for id, or nil when the entity was never deleted.
func (s *Store) Tombstone(id string) (*models.Tombstone, error) {
	stmt, err := s.PrepareStmt(`SELECT entity_id, type, version, deleted_at, origin_device_id, owner_user_id
		FROM tombstones WHERE entity_id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "get tombstone", err)
	}
	ts, err := scanTombstone(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "get tombstone "+id, err)
	}
	return ts, nil
}

func scanTombstone(row rowScanner) (*models.Tombstone, error) {
	var ts models.Tombstone
	var deletedAt int64
	if err := row.Scan(&ts.EntityID, &ts.Type, &ts.Version, &deletedAt, &ts.OriginDeviceID, &ts.OwnerUserID); err != nil {
		return nil, err
	}
	ts.DeletedAt = fromNanos(deletedAt)
	return &ts, nil
}

// ListPending returns entities and deletion markers awaiting upload, oldest first.
func (s *Store) ListPending() ([]*models.SyncEntity, error) {
	stmt, err := s.PrepareStmt(`SELECT ` + entityColumns + ` FROM entities WHERE pending = 1 ORDER BY last_modified, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list pending", err)
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list pending", err)
	}

	var pending []*models.SyncEntity
	for rows.Next() {
		e, _, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, apperrors.Wrap(apperrors.ErrStorage, "scan pending entity", err)
		}
		pending = append(pending, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list pending", err)
	}
	rows.Close()

	tsStmt, err := s.PrepareStmt(`SELECT entity_id, type, version, deleted_at, origin_device_id, owner_user_id
		FROM tombstones WHERE pending = 1 ORDER BY deleted_at, entity_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list pending tombstones", err)
	}
	tsRows, err := tsStmt.Query()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list pending tombstones", err)
	}
	defer tsRows.Close()
	for tsRows.Next() {
		ts, err := scanTombstone(tsRows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "scan pending tombstone", err)
		}
		pending = append(pending, ts.AsEntity())
	}
	if err := tsRows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list pending tombstones", err)
	}
	return pending, nil
}

// MarkSynced clears the pending flag of id if its stored version is still version.
func (s *Store) MarkSynced(id string, version int64) error {
	stmt, err := s.PrepareStmt(`UPDATE entities SET pending = 0 WHERE id = ? AND version = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "mark synced", err)
	}
	if _, err := stmt.Exec(id, version); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "mark synced "+id, err)
	}
	tsStmt, err := s.PrepareStmt(`UPDATE tombstones SET pending = 0 WHERE entity_id = ? AND version = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "mark synced", err)
	}
	if _, err := tsStmt.Exec(id, version); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "mark tombstone synced "+id, err)
	}
	return nil
}

// Counts returns the number of stored entities, pending entities and tombstones.
func (s *Store) Counts() (entities, pending, tombstones int, err error) {
	err = s.db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM entities),
		(SELECT COUNT(*) FROM entities WHERE pending = 1) + (SELECT COUNT(*) FROM tombstones WHERE pending = 1),
		(SELECT COUNT(*) FROM tombstones)`).Scan(&entities, &pending, &tombstones)
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrStorage, "count entities", err)
	}
	return entities, pending, tombstones, err
}

// =====================================================
// Sync State Operations
// =====================================================

func (s *Store) getState(key string) (string, bool, error) {
	stmt, err := s.PrepareStmt(`SELECT value FROM sync_state WHERE key = ?`)
	if err != nil {
		return "", false, err
	}
	var value string
	err = stmt.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) setState(key, value string) error {
	stmt, err := s.PrepareStmt(`INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key, value)
	return err
}

// Cursor returns the last download cursor, or the zero time before the first download.
func (s *Store) Cursor() (time.Time, error) {
	value, ok, err := s.getState(stateKeyCursor)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.ErrStorage, "read cursor", err)
	}
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.ErrStorage, "parse cursor", err)
	}
	return t, nil
}

// SetCursor persists the download cursor.
func (s *Store) SetCursor(t time.Time) error {
	if err := s.setState(stateKeyCursor, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write cursor", err)
	}
	return nil
}

// DeviceID returns the persisted device id, or "" if none was stored yet.
func (s *Store) DeviceID() (string, error) {
	value, _, err := s.getState(stateKeyDeviceID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "read device id", err)
	}
	return value, nil
}

// SetDeviceID persists the device id.
func (s *Store) SetDeviceID(id string) error {
	if err := s.setState(stateKeyDeviceID, id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write device id", err)
	}
	return nil
}

// =====================================================
// Session and Conflict Log Operations
// =====================================================

// RecordSession inserts or updates a session record.
func (s *Store) RecordSession(sess *models.SyncSession) error {
	var endTime interface{}
	if sess.EndTime != nil {
		endTime = toNanos(*sess.EndTime)
	}
	stmt, err := s.PrepareStmt(`INSERT INTO sync_sessions (id, device_id, user_id, kind, start_time, end_time,
			status, entities_synced, conflicts_resolved, bytes_transferred, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time = excluded.end_time,
			status = excluded.status,
			entities_synced = excluded.entities_synced,
			conflicts_resolved = excluded.conflicts_resolved,
			bytes_transferred = excluded.bytes_transferred,
			error = excluded.error`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "record session", err)
	}
	_, err = stmt.Exec(sess.ID, sess.DeviceID, sess.UserID, string(sess.Kind), toNanos(sess.StartTime), endTime,
		string(sess.Status), sess.EntitiesSynced, sess.ConflictsResolved, sess.BytesTransferred, sess.Error)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "record session "+sess.ID, err)
	}
	return nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(limit int) ([]*models.SyncSession, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, device_id, user_id, kind, start_time, end_time, status,
			entities_synced, conflicts_resolved, bytes_transferred, error
		FROM sync_sessions ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list sessions", err)
	}
	defer rows.Close()

	var sessions []*models.SyncSession
	for rows.Next() {
		var (
			sess   models.SyncSession
			start  int64
			end    sql.NullInt64
			kind   string
			status string
		)
		if err := rows.Scan(&sess.ID, &sess.DeviceID, &sess.UserID, &kind, &start, &end, &status,
			&sess.EntitiesSynced, &sess.ConflictsResolved, &sess.BytesTransferred, &sess.Error); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "scan session", err)
		}
		sess.Kind = models.SessionKind(kind)
		sess.Status = models.SessionStatus(status)
		sess.StartTime = fromNanos(start)
		if end.Valid {
			t := fromNanos(end.Int64)
			sess.EndTime = &t
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list sessions", err)
	}
	return sessions, nil
}

// RecordResolution appends an entry to the conflict log.
func (s *Store) RecordResolution(entry *models.ConflictLog) error {
	stmt, err := s.PrepareStmt(`INSERT INTO conflict_log (id, entity_id, conflict_type, strategy,
			local_version, remote_version, result_version, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "record resolution", err)
	}
	_, err = stmt.Exec(entry.ID, entry.EntityID, string(entry.ConflictType), string(entry.Strategy),
		entry.LocalVersion, entry.RemoteVersion, entry.ResultVersion,
		toNanos(entry.DetectedAt), toNanos(entry.ResolvedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "record resolution "+entry.EntityID, err)
	}
	return nil
}

// ListResolutions returns logged resolutions for entityID, or for all
// entities when entityID is empty, newest first.
func (s *Store) ListResolutions(entityID string, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, entity_id, conflict_type, strategy, local_version, remote_version,
			result_version, detected_at, resolved_at
		FROM conflict_log WHERE (? = '' OR entity_id = ?) ORDER BY resolved_at DESC LIMIT ?`,
		entityID, entityID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list resolutions", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var (
			entry              models.ConflictLog
			conflictType       string
			strategy           string
			detected, resolved int64
		)
		if err := rows.Scan(&entry.ID, &entry.EntityID, &conflictType, &strategy, &entry.LocalVersion,
			&entry.RemoteVersion, &entry.ResultVersion, &detected, &resolved); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "scan resolution", err)
		}
		entry.ConflictType = models.ConflictType(conflictType)
		entry.Strategy = models.ResolutionStrategy(strategy)
		entry.DetectedAt = fromNanos(detected)
		entry.ResolvedAt = fromNanos(resolved)
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list resolutions", err)
	}
	return out, nil
}

// =====================================================
// Helpers
// =====================================================

func staleErr(id string, version, stored int64) error {
	return apperrors.Wrap(apperrors.ErrInvalid,
		fmt.Sprintf("entity %s version %d does not supersede stored version %d", id, version, stored),
		ErrStaleVersion)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
