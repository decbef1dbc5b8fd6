package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/savesync/savesync/internal/db"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS sync_journal (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tag TEXT NOT NULL,
    folder TEXT NOT NULL,
    operation TEXT NOT NULL,
    local_modified INTEGER NOT NULL,
    cloud_modified INTEGER NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL -- RFC3339
);

CREATE INDEX IF NOT EXISTS idx_journal_folder ON sync_journal(tag, folder);
`

// Journal operations besides the reconcile actions.
const (
	OpSettle        = "settle"
	OpResolveLocal  = "resolve_local"
	OpResolveCloud  = "resolve_cloud"
	OpResolveView   = "resolve_view"
	OpRemove        = "remove"
	OpInitialUpload = "initial_upload"
)

// JournalEntry is one recorded sync outcome.
type JournalEntry struct {
	ID            int64     `json:"id"`
	Tag           string    `json:"tag"`
	Folder        string    `json:"folder"`
	Operation     string    `json:"operation"`
	LocalModified time.Time `json:"local_modified"`
	CloudModified time.Time `json:"cloud_modified"`
	Size          int64     `json:"size"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type dbJournalEntry struct {
	ID            int64  `db:"id"`
	Tag           string `db:"tag"`
	Folder        string `db:"folder"`
	Operation     string `db:"operation"`
	LocalModified int64  `db:"local_modified"`
	CloudModified int64  `db:"cloud_modified"`
	Size          int64  `db:"size"`
	Error         string `db:"error"`
	CreatedAt     string `db:"created_at"`
}

func (e *dbJournalEntry) toEntry() (*JournalEntry, error) {
	created, err := time.Parse(time.RFC3339, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", e.CreatedAt, err)
	}
	return &JournalEntry{
		ID:            e.ID,
		Tag:           e.Tag,
		Folder:        e.Folder,
		Operation:     e.Operation,
		LocalModified: unixOrZero(e.LocalModified),
		CloudModified: unixOrZero(e.CloudModified),
		Size:          e.Size,
		Error:         e.Error,
		CreatedAt:     created,
	}, nil
}

// SyncJournal keeps the history of sync outcomes in SQLite.
type SyncJournal struct {
	db     *sqlx.DB
	dbPath string
}

func NewSyncJournal(dbPath string) *SyncJournal {
	return &SyncJournal{dbPath: dbPath}
}

func (s *SyncJournal) Open() error {
	if s.db != nil {
		return fmt.Errorf("sync journal already open")
	}

	conn, err := db.Open(s.dbPath, db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("failed to open sync journal: %w", err)
	}
	if err := db.Migrate(conn, journalSchema); err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	s.db = conn
	return nil
}

func (s *SyncJournal) Close() error {
	if s.db == nil {
		return fmt.Errorf("sync journal not open")
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		slog.Error("sync journal close", "error", err)
		return err
	}
	return nil
}

func (s *SyncJournal) Record(e *JournalEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO sync_journal (tag, folder, operation, local_modified, cloud_modified, size, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Tag, e.Folder, e.Operation,
		unixSeconds(e.LocalModified), unixSeconds(e.CloudModified),
		e.Size, e.Error, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", e.Tag, e.Folder, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// Last returns the latest entry for a folder, or nil.
func (s *SyncJournal) Last(key FolderKey) (*JournalEntry, error) {
	var row dbJournalEntry
	err := s.db.Get(&row,
		`SELECT * FROM sync_journal WHERE tag = ? AND folder = ? ORDER BY id DESC LIMIT 1`,
		key.Tag, key.Folder,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("query %s: %w", key, err)
	}
	return row.toEntry()
}

// Recent returns up to limit entries, newest first.
func (s *SyncJournal) Recent(limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []dbJournalEntry
	if err := s.db.Select(&rows, `SELECT * FROM sync_journal ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}

	out := make([]*JournalEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SyncJournal) Count() (int, error) {
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM sync_journal`); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
