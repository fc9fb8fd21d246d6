package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteContactRepository keeps last contact times in a sqlite file, so that a manager without redis still
// remembers its hosts across restarts.
type SQLiteContactRepository struct {
	db *sql.DB
	// sqlite allows one writer at a time
	writeLock sync.Mutex
}

func NewSQLiteContactRepository(path string) (*SQLiteContactRepository, func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "error creating directory for %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error opening sqlite database %s", path)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"CREATE TABLE IF NOT EXISTS host_contact (fqdn TEXT PRIMARY KEY, contact_at INTEGER NOT NULL)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, nil, errors.Wrapf(err, "error setting up sqlite database %s", path)
		}
	}
	return &SQLiteContactRepository{db: db}, func() {
		if err := db.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Sqlite database %s didn't close cleanly", path)
		}
	}, nil
}

func (r *SQLiteContactRepository) RecordContact(fqdn string, at time.Time) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	if _, err := r.db.Exec("INSERT OR REPLACE INTO host_contact (fqdn, contact_at) VALUES (?, ?)", fqdn, at.UnixNano()); err != nil {
		return errors.Wrap(err, "error storing host contact in sqlite")
	}
	return nil
}

func (r *SQLiteContactRepository) GetContacts() (map[string]time.Time, error) {
	rows, err := r.db.Query("SELECT fqdn, contact_at FROM host_contact")
	if err != nil {
		return nil, errors.Wrap(err, "error retrieving host contacts from sqlite")
	}
	defer rows.Close()
	contacts := map[string]time.Time{}
	for rows.Next() {
		var fqdn string
		var nanos int64
		if err := rows.Scan(&fqdn, &nanos); err != nil {
			return nil, errors.WithStack(err)
		}
		contacts[fqdn] = time.Unix(0, nanos)
	}
	return contacts, errors.WithStack(rows.Err())
}

// Ping checks that the database file can still be read.
func (r *SQLiteContactRepository) Ping() error {
	var one int
	return errors.Wrap(r.db.QueryRow("SELECT 1").Scan(&one), "sqlite")
}
