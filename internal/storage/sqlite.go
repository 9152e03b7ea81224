package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/medrec/medrec/internal/audit"
	"github.com/medrec/medrec/internal/records"
)

// SQLiteFile is the database file name inside the data directory.
const SQLiteFile = "medrec.db"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS audit_logs (
		seq       INTEGER PRIMARY KEY,
		role      TEXT NOT NULL,
		action    TEXT NOT NULL,
		details   TEXT NOT NULL DEFAULT '',
		ts        INTEGER NOT NULL,
		prev_hash TEXT NOT NULL UNIQUE,
		hash      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_role ON audit_logs(role);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_logs(ts);

	CREATE TABLE IF NOT EXISTS patients (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		dob            TEXT NOT NULL DEFAULT '',
		gender         TEXT NOT NULL DEFAULT '',
		address        TEXT NOT NULL DEFAULT '',
		phone          TEXT NOT NULL DEFAULT '',
		encrypted_data BLOB NOT NULL,
		deleted        INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);
`

// openSQLite opens (or creates) the database at path. WAL mode lets the
// CLI read while another process writes.
func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return db, nil
}

// SQLiteAuditStore keeps the audit chain in the audit_logs table.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore wraps an open database.
func NewSQLiteAuditStore(db *sql.DB) *SQLiteAuditStore {
	return &SQLiteAuditStore{db: db}
}

func (s *SQLiteAuditStore) Last(ctx context.Context) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, role, action, details, ts, prev_hash, hash FROM audit_logs ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Insert writes e only if it extends the current tail. The check and the
// write are one statement, so SQLite's write lock makes them atomic across
// processes.
func (s *SQLiteAuditStore) Insert(ctx context.Context, e audit.Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (seq, role, action, details, ts, prev_hash, hash)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE COALESCE((SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1), ?) = ?
		  AND COALESCE((SELECT MAX(seq) FROM audit_logs), 0) + 1 = ?`,
		e.Seq, string(e.Role), string(e.Action), e.Details, e.Timestamp.UnixMicro(), e.PrevHash, e.Hash,
		audit.GenesisHash, e.PrevHash, e.Seq,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %v", audit.ErrChainWriteConflict, err)
		}
		return fmt.Errorf("inserting audit entry %d: %w", e.Seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting audit entry %d: %w", e.Seq, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: entry seq %d does not extend the stored tail", audit.ErrChainWriteConflict, e.Seq)
	}
	return nil
}

func (s *SQLiteAuditStore) EntriesAfter(ctx context.Context, afterSeq uint64) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, action, details, ts, prev_hash, hash FROM audit_logs WHERE seq > ? ORDER BY seq ASC`,
		afterSeq)
	if err != nil {
		return nil, fmt.Errorf("querying audit_logs: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (audit.Entry, error) {
	var (
		e            audit.Entry
		role, action string
		ts           int64
	)
	if err := sc.Scan(&e.Seq, &role, &action, &e.Details, &ts, &e.PrevHash, &e.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scanning audit row: %w", err)
	}
	e.Role = audit.Role(role)
	e.Action = audit.Action(action)
	e.Timestamp = time.UnixMicro(ts).UTC()
	return e, nil
}

func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}

// SQLitePatientStore keeps patient rows in the patients table.
type SQLitePatientStore struct {
	db *sql.DB
}

// NewSQLitePatientStore wraps an open database.
func NewSQLitePatientStore(db *sql.DB) *SQLitePatientStore {
	return &SQLitePatientStore{db: db}
}

func (s *SQLitePatientStore) Insert(ctx context.Context, p records.Patient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, dob, gender, address, phone, encrypted_data, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.DOB, p.Gender, p.Address, p.Phone, p.Sealed, p.Deleted,
		p.CreatedAt.UnixMicro(), p.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("inserting patient %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLitePatientStore) Update(ctx context.Context, p records.Patient) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE patients SET name = ?, dob = ?, gender = ?, address = ?, phone = ?,
			encrypted_data = ?, deleted = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.DOB, p.Gender, p.Address, p.Phone, p.Sealed, p.Deleted, p.UpdatedAt.UnixMicro(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating patient %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating patient %s: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", records.ErrNotFound, p.ID)
	}
	return nil
}

func (s *SQLitePatientStore) Get(ctx context.Context, id string) (records.Patient, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, dob, gender, address, phone, encrypted_data, deleted, created_at, updated_at
		FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Patient{}, fmt.Errorf("%w: %s", records.ErrNotFound, id)
	}
	return p, err
}

func (s *SQLitePatientStore) List(ctx context.Context) ([]records.Patient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, dob, gender, address, phone, encrypted_data, deleted, created_at, updated_at
		FROM patients ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying patients: %w", err)
	}
	defer rows.Close()

	var out []records.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPatient(sc scanner) (records.Patient, error) {
	var (
		p                records.Patient
		created, updated int64
	)
	err := sc.Scan(&p.ID, &p.Name, &p.DOB, &p.Gender, &p.Address, &p.Phone, &p.Sealed, &p.Deleted, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scanning patient row: %w", err)
	}
	p.CreatedAt = time.UnixMicro(created).UTC()
	p.UpdatedAt = time.UnixMicro(updated).UTC()
	return p, nil
}
