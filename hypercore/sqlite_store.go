package hypercore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, as karasz-securelog uses

	"github.com/ionvm/substrate/codes"
)

// sqliteStore implements Store on a modernc.org/sqlite database, adapted
// from _examples/karasz-securelog/sqlite_store.go's WAL-mode schema and
// serializable-transaction append discipline.
type sqliteStore struct {
	db   *sql.DB
	name string
}

// OpenSQLiteStore opens/creates a SQLite DB at dsn whose single entries
// table holds every log's rows, partitioned by log_name.
func OpenSQLiteStore(dsn, name string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, codes.Wrap(codes.IOError, err, "open sqlite database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, codes.Wrap(codes.IOError, err, "ping sqlite database")
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, codes.Wrap(codes.IOError, err, fmt.Sprintf("set %s", p))
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS entries (
  log_name  TEXT    NOT NULL,
  seq       INTEGER NOT NULL,
  hash      BLOB    NOT NULL,
  prev_hash BLOB    NOT NULL,
  ts        INTEGER NOT NULL,
  data      BLOB    NOT NULL,
  PRIMARY KEY(log_name, seq)
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, codes.Wrap(codes.IOError, err, "create schema")
	}
	return &sqliteStore{db: db, name: name}, nil
}

func (s *sqliteStore) Append(e Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return codes.Wrap(codes.IOError, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM entries WHERE log_name = ?`, s.name).Scan(&maxSeq); err != nil {
		return codes.Wrap(codes.IOError, err, "read max seq")
	}
	var expect uint64
	if maxSeq.Valid {
		expect = uint64(maxSeq.Int64) + 1
	}
	if expect != e.Seq {
		return codes.New(codes.InvalidConfig,
			fmt.Sprintf("non-contiguous append: have %d, got %d", expect, e.Seq))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries(log_name, seq, hash, prev_hash, ts, data) VALUES(?, ?, ?, ?, ?, ?)`,
		s.name, e.Seq, e.Hash[:], e.PrevHash[:], e.Timestamp, e.Data); err != nil {
		return codes.Wrap(codes.IOError, err, "insert entry")
	}
	if err := tx.Commit(); err != nil {
		return codes.Wrap(codes.IOError, err, "commit transaction")
	}
	return nil
}

func (s *sqliteStore) Get(seq uint64) (Entry, bool, error) {
	var ts int64
	var hash, prevHash, data []byte
	err := s.db.QueryRow(
		`SELECT hash, prev_hash, ts, data FROM entries WHERE log_name = ? AND seq = ?`,
		s.name, seq).Scan(&hash, &prevHash, &ts, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, codes.Wrap(codes.IOError, err, "read entry")
	}
	e := Entry{Seq: seq, Timestamp: ts, ByteLength: uint32(len(data)), Data: data}
	copy(e.Hash[:], hash)
	copy(e.PrevHash[:], prevHash)
	return e, true, nil
}

func (s *sqliteStore) Length() (uint64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries WHERE log_name = ?`, s.name).Scan(&n); err != nil {
		return 0, codes.Wrap(codes.IOError, err, "count entries")
	}
	return uint64(n), nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
