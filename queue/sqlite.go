package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteQueue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteQueue opens (or creates) the pending transaction table in the given db file.
// It can share the file with the cache storage.
func NewSQLiteQueue(filename string) (*SQLiteQueue, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS pending_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			body BLOB,
			header TEXT,
			created_at INTEGER
		)`,
		// the file is shared with the cache storage connection
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare queue database: %w", err)
		}
	}
	return &SQLiteQueue{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) Add(ctx context.Context, t PendingTransaction) (int64, error) {
	header, err := json.Marshal(t.Header)
	if err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	result, err := q.db.ExecContext(ctx,
		"INSERT INTO pending_transactions (body, header, created_at) VALUES (?, ?, ?)",
		t.Body, string(header), t.CreatedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert pending transaction: %w", err)
	}
	return result.LastInsertId()
}

func (q *SQLiteQueue) List(ctx context.Context) ([]PendingTransaction, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, body, header, created_at FROM pending_transactions ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]PendingTransaction, 0)
	for rows.Next() {
		var (
			t         PendingTransaction
			header    string
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &t.Body, &header, &createdAt); err != nil {
			return items, err
		}
		t.Header = http.Header{}
		if header != "" && header != "null" {
			if err := json.Unmarshal([]byte(header), &t.Header); err != nil {
				return items, fmt.Errorf("decode header of pending transaction %d: %w", t.ID, err)
			}
		}
		t.CreatedAt = time.Unix(0, createdAt)
		items = append(items, t)
	}
	return items, rows.Err()
}

func (q *SQLiteQueue) Remove(ctx context.Context, id int64) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	result, err := q.db.ExecContext(ctx, "DELETE FROM pending_transactions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}
