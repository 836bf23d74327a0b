// Package ledger persists the last applied order per symbol so idempotent
// replays survive a restart.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"confluence/internal/execution"
)

// Store 以 symbol 为主键保存最近一次成功下单结果。
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ execution.Ledger = (*Store)(nil)

// Open opens or creates the sqlite database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS order_ledger (
		symbol TEXT PRIMARY KEY,
		client_order_id TEXT NOT NULL,
		status TEXT,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(stmt)
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("ledger 未初始化")
	}
	return s.db, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Last(ctx context.Context, symbol string) (execution.OrderResult, bool, error) {
	db, err := s.conn()
	if err != nil {
		return execution.OrderResult{}, false, err
	}
	var payload string
	err = db.QueryRowContext(ctx, `SELECT payload FROM order_ledger WHERE symbol = ?`, symbol).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.OrderResult{}, false, nil
	}
	if err != nil {
		return execution.OrderResult{}, false, err
	}
	var res execution.OrderResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return execution.OrderResult{}, false, fmt.Errorf("decode ledger row %s: %w", symbol, err)
	}
	return res, true, nil
}

func (s *Store) Save(ctx context.Context, res execution.OrderResult) error {
	if strings.TrimSpace(res.Symbol) == "" {
		return fmt.Errorf("ledger save: symbol 不能为空")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	updated := res.At
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO order_ledger(symbol, client_order_id, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			client_order_id=excluded.client_order_id,
			status=excluded.status,
			payload=excluded.payload,
			updated_at=excluded.updated_at;
	`, res.Symbol, res.ClientOrderID, string(res.Status), string(payload), updated.UnixMilli())
	return err
}

func (s *Store) Clear(ctx context.Context, symbol string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM order_ledger WHERE symbol = ?`, symbol)
	return err
}
