// Package sidecar implements the relational store backing the
// overlay's extended attributes and checksums: the metadata, checksums,
// and block_hashes tables described in the mount's external interface.
// All operations are synchronous and serializable with respect to the
// calling goroutine; the store itself is safe for concurrent use since
// every call takes and releases its own pooled connection.
package sidecar

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vaultfs/vaultfs/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	path  TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (path, key)
);
CREATE TABLE IF NOT EXISTS checksums (
	path     TEXT PRIMARY KEY,
	checksum TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS block_hashes (
	path        TEXT NOT NULL,
	block_index INTEGER NOT NULL,
	checksum    TEXT NOT NULL,
	PRIMARY KEY (path, block_index)
);
`

// Store is the sidecar relational store, backed by a pooled SQLite
// database named .metadata.db in the backing directory.
type Store struct {
	pool *sqlitepool.Pool
}

// Open opens (creating if necessary) the sidecar database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 4,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sidecar: opening %s: %w", path, err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// PutXattr upserts (path, key) ↦ value.
func (s *Store) PutXattr(ctx context.Context, path, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO metadata(path, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(path, key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{path, key, value}},
	)
	if err != nil {
		return fmt.Errorf("sidecar: put xattr %s %s: %w", path, key, err)
	}
	return nil
}

// GetXattr returns the value stored for (path, key), or found=false if
// no such record exists.
func (s *Store) GetXattr(ctx context.Context, path, key string) (value []byte, found bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT value FROM metadata WHERE path = ? AND key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{path, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				return nil
			},
		},
	)
	if err != nil {
		return nil, false, fmt.Errorf("sidecar: get xattr %s %s: %w", path, key, err)
	}
	return value, found, nil
}

// ListXattr returns the set of keys recorded for path, in unspecified
// order.
func (s *Store) ListXattr(ctx context.Context, path string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn,
		`SELECT key FROM metadata WHERE path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sidecar: list xattr %s: %w", path, err)
	}
	return keys, nil
}

// DelXattrs removes every attribute recorded for path.
func (s *Store) DelXattrs(ctx context.Context, path string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM metadata WHERE path = ?`,
		&sqlitex.ExecOptions{Args: []any{path}},
	)
	if err != nil {
		return fmt.Errorf("sidecar: del xattrs %s: %w", path, err)
	}
	return nil
}

// DelXattr removes a single named attribute recorded for path. It
// reports whether a row was actually removed, so callers can
// distinguish "removed" from "no such attribute" the way
// removexattr(2) does.
func (s *Store) DelXattr(ctx context.Context, path, key string) (removed bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM metadata WHERE path = ? AND key = ?`,
		&sqlitex.ExecOptions{Args: []any{path, key}},
	)
	if err != nil {
		return false, fmt.Errorf("sidecar: del xattr %s %s: %w", path, key, err)
	}
	return conn.Changes() > 0, nil
}

// PutDigest upserts the whole-file digest for path.
func (s *Store) PutDigest(ctx context.Context, path, checksum string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO checksums(path, checksum) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET checksum = excluded.checksum`,
		&sqlitex.ExecOptions{Args: []any{path, checksum}},
	)
	if err != nil {
		return fmt.Errorf("sidecar: put digest %s: %w", path, err)
	}
	return nil
}

// GetDigest returns the stored whole-file digest for path, or
// found=false if none is recorded.
func (s *Store) GetDigest(ctx context.Context, path string) (checksum string, found bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT checksum FROM checksums WHERE path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				checksum = stmt.ColumnText(0)
				return nil
			},
		},
	)
	if err != nil {
		return "", false, fmt.Errorf("sidecar: get digest %s: %w", path, err)
	}
	return checksum, found, nil
}

// DelDigest removes the whole-file digest row for path.
func (s *Store) DelDigest(ctx context.Context, path string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM checksums WHERE path = ?`,
		&sqlitex.ExecOptions{Args: []any{path}},
	)
	if err != nil {
		return fmt.Errorf("sidecar: del digest %s: %w", path, err)
	}
	return nil
}

// PutBlock upserts the digest of block index of path, for block mode.
func (s *Store) PutBlock(ctx context.Context, path string, index int64, checksum string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO block_hashes(path, block_index, checksum) VALUES (?, ?, ?)
		 ON CONFLICT(path, block_index) DO UPDATE SET checksum = excluded.checksum`,
		&sqlitex.ExecOptions{Args: []any{path, index, checksum}},
	)
	if err != nil {
		return fmt.Errorf("sidecar: put block %s[%d]: %w", path, index, err)
	}
	return nil
}

// GetBlock returns the stored digest for block index of path, or
// found=false if none is recorded.
func (s *Store) GetBlock(ctx context.Context, path string, index int64) (checksum string, found bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT checksum FROM block_hashes WHERE path = ? AND block_index = ?`,
		&sqlitex.ExecOptions{
			Args: []any{path, index},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				checksum = stmt.ColumnText(0)
				return nil
			},
		},
	)
	if err != nil {
		return "", false, fmt.Errorf("sidecar: get block %s[%d]: %w", path, index, err)
	}
	return checksum, found, nil
}

// DelBlocksAfter deletes every block row of path strictly beyond
// index, used by truncate to prune blocks past the new end of file.
func (s *Store) DelBlocksAfter(ctx context.Context, path string, index int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM block_hashes WHERE path = ? AND block_index > ?`,
		&sqlitex.ExecOptions{Args: []any{path, index}},
	)
	if err != nil {
		return fmt.Errorf("sidecar: del blocks after %s[%d]: %w", path, index, err)
	}
	return nil
}

// DelBlocks removes every block row of path.
func (s *Store) DelBlocks(ctx context.Context, path string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM block_hashes WHERE path = ?`,
		&sqlitex.ExecOptions{Args: []any{path}},
	)
	if err != nil {
		return fmt.Errorf("sidecar: del blocks %s: %w", path, err)
	}
	return nil
}

// RenamePath relabels every metadata, checksums, and block_hashes row
// referring to oldPath so that it refers to newPath instead, as a
// single logical step: either every row moves or (on error) none do.
func (s *Store) RenamePath(ctx context.Context, oldPath, newPath string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sidecar: rename %s -> %s: begin: %w", oldPath, newPath, err)
	}
	defer endTransaction(&err)

	// OR REPLACE: if newPath already carries sidecar rows (a rename
	// clobbering an existing destination), those rows are displaced by
	// the ones moving from oldPath rather than causing a primary-key
	// conflict.
	statements := []string{
		`UPDATE OR REPLACE metadata SET path = ? WHERE path = ?`,
		`UPDATE OR REPLACE checksums SET path = ? WHERE path = ?`,
		`UPDATE OR REPLACE block_hashes SET path = ? WHERE path = ?`,
	}
	for _, stmt := range statements {
		if err = sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{Args: []any{newPath, oldPath}}); err != nil {
			return fmt.Errorf("sidecar: rename %s -> %s: %w", oldPath, newPath, err)
		}
	}
	return nil
}
