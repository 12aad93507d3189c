// Package sqlite3 implements a blob store on Sqlite.
package sqlite3

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

// Store is a Sqlite-based blob store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `blobs` and `anchors` tables if they do not exist.
// (If they do exist, they must have the columns, constraints, and indexing described here.)
//
// Anchor times are stored as fixed-width UTC strings
// so that string order is time order.
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
  ref BLOB PRIMARY KEY NOT NULL,
  data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS anchors (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  ref BLOB NOT NULL,
  at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS anchor_idx ON anchors (name, at);
`

// New produces a new Store using `db` for storage.
// It expects to create tables `blobs` and `anchors`,
// or for those tables already to exist with the correct schema.
// (See variable Schema.)
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref seqvault.Ref) (seqvault.Blob, error) {
	const q = `SELECT data FROM blobs WHERE ref = $1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q, ref[:]).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, seqvault.ErrNotFound
	}
	if b == nil && err == nil {
		b = []byte{}
	}
	return b, errors.Wrapf(err, "getting blob %s", ref)
}

// Has tells whether the blob with hash `ref` is present.
func (s *Store) Has(ctx context.Context, ref seqvault.Ref) (bool, error) {
	const q = `SELECT 1 FROM blobs WHERE ref = $1`

	var one int
	err := s.db.QueryRowContext(ctx, q, ref[:]).Scan(&one)
	if stderrs.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrapf(err, "checking blob %s", ref)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b seqvault.Blob) (seqvault.Ref, bool, error) {
	const q = `INSERT INTO blobs (ref, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	ref := b.Ref()
	data := []byte(b)
	if data == nil {
		data = []byte{}
	}
	res, err := s.db.ExecContext(ctx, q, ref[:], data)
	if err != nil {
		return seqvault.Zero, false, errors.Wrap(err, "inserting blob")
	}

	aff, err := res.RowsAffected()
	if err != nil {
		return seqvault.Zero, false, errors.Wrap(err, "counting affected rows")
	}

	return ref, aff > 0, nil
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, ref seqvault.Ref) error {
	const q = `DELETE FROM blobs WHERE ref = $1`
	_, err := s.db.ExecContext(ctx, q, ref[:])
	return errors.Wrapf(err, "deleting blob %s", ref)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start seqvault.Ref, f func(seqvault.Ref) error) error {
	const q = `SELECT ref FROM blobs WHERE ref > $1 ORDER BY ref`

	// Collect first so that f may write to the store.
	var refs []seqvault.Ref
	err := sqlutil.ForQueryRows(ctx, s.db, q, start[:], func(b []byte) error {
		refs = append(refs, seqvault.RefFromBytes(b))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing refs")
	}
	for _, ref := range refs {
		if err := f(ref); err != nil {
			return err
		}
	}
	return nil
}

// GetAnchor implements seqvault.AnchorGetter.
func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (seqvault.Ref, error) {
	const q = `SELECT ref FROM anchors WHERE name = $1 AND at <= $2 ORDER BY at DESC, seq DESC LIMIT 1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q, name, seqvault.TimeString(at)).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return seqvault.Zero, seqvault.ErrNotFound
	}
	if err != nil {
		return seqvault.Zero, errors.Wrapf(err, "getting anchor %s", name)
	}
	return seqvault.RefFromBytes(b), nil
}

// PutAnchor implements seqvault.AnchorStore.
func (s *Store) PutAnchor(ctx context.Context, name string, ref seqvault.Ref, at time.Time) error {
	const q = `INSERT INTO anchors (name, ref, at) VALUES ($1, $2, $3)`
	_, err := s.db.ExecContext(ctx, q, name, ref[:], seqvault.TimeString(at))
	return errors.Wrapf(err, "inserting anchor %s", name)
}

// ListAnchors implements seqvault.AnchorGetter.
func (s *Store) ListAnchors(ctx context.Context, name string, f func(seqvault.TimeRef) error) error {
	const q = `SELECT ref, at FROM anchors WHERE name = $1 ORDER BY at, seq`

	var trs []seqvault.TimeRef
	err := sqlutil.ForQueryRows(ctx, s.db, q, name, func(b []byte, atstr string) error {
		at, err := seqvault.ParseTimeString(atstr)
		if err != nil {
			return errors.Wrapf(err, "parsing time %s", atstr)
		}
		trs = append(trs, seqvault.TimeRef{T: at, R: seqvault.RefFromBytes(b)})
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "listing anchor %s", name)
	}
	for _, tr := range trs {
		if err := f(tr); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	store.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
