package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a registry backed by a SQLite file. Hosts share it through a common
// filesystem; the primary key makes PutIfAbsent atomic.
type SQLite struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) Get(ctx context.Context, id string) (InstallRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM installs WHERE topology_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return InstallRecord{}, ErrNotFound
	}
	if err != nil {
		return InstallRecord{}, fmt.Errorf("get install %s: %w", id, err)
	}
	return decode([]byte(data))
}

func (s *SQLite) Put(ctx context.Context, id string, rec InstallRecord) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO installs (topology_id, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(topology_id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		id, data, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put install %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) PutIfAbsent(ctx context.Context, id string, rec InstallRecord) (bool, error) {
	data, err := encode(rec)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO installs (topology_id, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(topology_id) DO NOTHING`,
		id, data, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("claim install %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim install %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLite) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM installs WHERE topology_id = ?`, id); err != nil {
		return fmt.Errorf("remove install %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
