// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"

	"meshnode/internal/neighborhood"
)

var ErrNoRoot = errors.New("no neighborhood persisted")

// ConnectionWrapper is the part of a database connection the store needs.
// *sql.DB satisfies it.
type ConnectionWrapper interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

var _ ConnectionWrapper = (*sql.DB)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	public_key BLOB PRIMARY KEY,
	position   INTEGER NOT NULL,
	node_addr  TEXT,
	relay      INTEGER NOT NULL DEFAULT 0,
	is_root    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS neighbors (
	public_key BLOB NOT NULL,
	position   INTEGER NOT NULL,
	neighbor   BLOB NOT NULL,
	PRIMARY KEY (public_key, position)
);
`

// Open opens (creating when needed) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NeighborhoodStore persists a neighborhood graph. Neighbor lists are kept
// as written, including references to keys that have no node row.
type NeighborhoodStore struct {
	conn ConnectionWrapper
}

func NewNeighborhoodStore(ctx context.Context, conn ConnectionWrapper) (*NeighborhoodStore, error) {
	s := &NeighborhoodStore{conn: conn}
	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	}); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// OpenNeighborhoodStore is Open followed by NewNeighborhoodStore.
func OpenNeighborhoodStore(ctx context.Context, path string) (*NeighborhoodStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewNeighborhoodStore(ctx, db)
	if err != nil {
		return nil, multierror.Append(err, db.Close()).ErrorOrNil()
	}
	return s, nil
}

func (s *NeighborhoodStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return multierror.Append(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Save replaces whatever was persisted with graph.
func (s *NeighborhoodStore) Save(ctx context.Context, graph neighborhood.Graph) error {
	root := graph.Root()
	if root == nil {
		return ErrNoRoot
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM neighbors`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
			return err
		}
		insNode, err := tx.PrepareContext(ctx, `INSERT INTO nodes (public_key, position, node_addr, relay, is_root) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer insNode.Close()
		insNeighbor, err := tx.PrepareContext(ctx, `INSERT INTO neighbors (public_key, position, neighbor) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer insNeighbor.Close()

		for pos, key := range graph.Keys() {
			rec, ok := graph.NodeByKey(key)
			if !ok {
				return fmt.Errorf("%w: %s", neighborhood.ErrUnknownNode, key)
			}
			var addr sql.NullString
			if rec.NodeAddr != nil {
				addr = sql.NullString{String: rec.NodeAddr.String(), Valid: true}
			}
			if _, err := insNode.ExecContext(ctx, key.Bytes(), pos, addr, rec.IsRelay(), key == root.PublicKey); err != nil {
				return fmt.Errorf("save node %s: %w", key, err)
			}
			for i, n := range rec.Neighbors() {
				if _, err := insNeighbor.ExecContext(ctx, key.Bytes(), i, n.Bytes()); err != nil {
					return fmt.Errorf("save neighbor %s -> %s: %w", key, n, err)
				}
			}
		}
		return nil
	})
}

// Load rebuilds the persisted neighborhood. ErrNoRoot when nothing was saved.
func (s *NeighborhoodStore) Load(ctx context.Context) (*neighborhood.Database, error) {
	neighbors, err := s.loadNeighbors(ctx)
	if err != nil {
		return nil, err
	}

	stmt, err := s.conn.PrepareContext(ctx, `SELECT public_key, node_addr, relay, is_root FROM nodes ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var root *neighborhood.NodeRecord
	var others []*neighborhood.NodeRecord
	for rows.Next() {
		var (
			rawKey []byte
			addr   sql.NullString
			relay  bool
			isRoot bool
		)
		if err := rows.Scan(&rawKey, &addr, &relay, &isRoot); err != nil {
			return nil, err
		}
		key := neighborhood.PublicKeyFromBytes(rawKey)
		var nodeAddr *neighborhood.NodeAddr
		if addr.Valid {
			a, err := neighborhood.ParseNodeAddr(addr.String)
			if err != nil {
				return nil, fmt.Errorf("load node %s: %w", key, err)
			}
			nodeAddr = &a
		}
		rec := neighborhood.NewNodeRecord(key, nodeAddr, relay, neighbors[key]...)
		if isRoot {
			root = rec
		} else {
			others = append(others, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, ErrNoRoot
	}

	db, err := neighborhood.NewDatabaseFromRecord(root)
	if err != nil {
		return nil, err
	}
	for _, rec := range others {
		if err := db.AddNode(rec); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (s *NeighborhoodStore) loadNeighbors(ctx context.Context) (map[neighborhood.PublicKey][]neighborhood.PublicKey, error) {
	stmt, err := s.conn.PrepareContext(ctx, `SELECT public_key, neighbor FROM neighbors ORDER BY public_key, position`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[neighborhood.PublicKey][]neighborhood.PublicKey)
	for rows.Next() {
		var from, to []byte
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		k := neighborhood.PublicKeyFromBytes(from)
		out[k] = append(out[k], neighborhood.PublicKeyFromBytes(to))
	}
	return out, rows.Err()
}

func (s *NeighborhoodStore) Close() error {
	return s.conn.Close()
}
