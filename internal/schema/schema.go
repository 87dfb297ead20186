package schema

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CurrentVersion is the current schema version.
const CurrentVersion = 1

// OpenDB opens the bridge/message database at path with the pragmas the
// engine relies on. SQLite in WAL mode gives multi-process readers a
// consistent snapshot while a single writer commits.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	// Wait for competing writers instead of failing with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return db, nil
}

// InitDB initializes a new database with the current schema.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	if err := setSchemaVersion(tx, CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Migrate brings the database to the current schema version, initializing
// it from scratch when no schema exists.
func Migrate(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if currentVersion == 0 {
		return InitDB(db)
	}

	if currentVersion > CurrentVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentVersion)
	}

	// Future migrations go here, stepping currentVersion up one at a time.
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createTables creates all database tables.
func createTables(tx *sql.Tx) error {
	tables := []string{
		// Bridges table. session_a/session_b are stored in creation
		// argument order; pair queries check both columns.
		`CREATE TABLE IF NOT EXISTS bridges (
			bridge_id     TEXT PRIMARY KEY,
			session_a     TEXT NOT NULL,
			session_b     TEXT NOT NULL,
			context       TEXT,
			created_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL
		)`,

		// Messages table. Rows are immutable once written; removal only
		// happens through bridge cleanup via the cascade.
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			bridge_id  TEXT NOT NULL,
			from_team  TEXT NOT NULL,
			to_team    TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (bridge_id) REFERENCES bridges(bridge_id) ON DELETE CASCADE
		)`,
	}

	for _, table := range tables {
		if _, err := tx.Exec(table); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	return nil
}

// createIndexes creates all database indexes.
func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		// Inbox scans: messages addressed to a team in timestamp order
		`CREATE INDEX IF NOT EXISTS idx_messages_to_team ON messages(to_team, created_at)`,

		// Per-bridge history
		`CREATE INDEX IF NOT EXISTS idx_messages_bridge ON messages(bridge_id, created_at)`,

		// Bridge listings by participant
		`CREATE INDEX IF NOT EXISTS idx_bridges_session_a ON bridges(session_a)`,
		`CREATE INDEX IF NOT EXISTS idx_bridges_session_b ON bridges(session_b)`,

		// Age-based cleanup
		`CREATE INDEX IF NOT EXISTS idx_bridges_last_activity ON bridges(last_activity)`,
	}

	for _, index := range indexes {
		if _, err := tx.Exec(index); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}
