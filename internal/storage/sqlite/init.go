package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite journal at dbPath and creates the downloads
// table if it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		title TEXT,
		file_path TEXT,
		size_bytes INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_downloads_batch ON downloads (batch_id)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
