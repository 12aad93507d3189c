// Package pg implements a blob store on Postgresql.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

// Store is a Postgresql-based blob store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `blobs` and `anchors` tables if they do not exist.
// (If they do exist, they must have the columns, constraints, and indexing described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
  ref BYTEA PRIMARY KEY NOT NULL,
  data BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS anchors (
  seq BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  at TIMESTAMP WITH TIME ZONE NOT NULL,
  ref BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS anchors_name_at ON anchors (name, at);
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

	var result []byte
	err := s.db.QueryRowContext(ctx, q, ref[:]).Scan(&result)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, seqvault.ErrNotFound
	}
	return result, errors.Wrapf(err, "getting blob %s", ref)
}

// Has tells whether the blob with hash `ref` is present.
func (s *Store) Has(ctx context.Context, ref seqvault.Ref) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM blobs WHERE ref = $1)`

	var found bool
	err := s.db.QueryRowContext(ctx, q, ref[:]).Scan(&found)
	return found, errors.Wrapf(err, "checking blob %s", ref)
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

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (seqvault.Ref, error) {
	const q = `SELECT ref FROM anchors WHERE name = $1 AND at <= $2 ORDER BY at DESC, seq DESC LIMIT 1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q, name, at).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return seqvault.Zero, seqvault.ErrNotFound
	}
	if err != nil {
		return seqvault.Zero, errors.Wrapf(err, "getting anchor %s", name)
	}
	return seqvault.RefFromBytes(b), nil
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(ctx context.Context, name string, ref seqvault.Ref, at time.Time) error {
	const q = `INSERT INTO anchors (name, at, ref) VALUES ($1, $2, $3)`
	_, err := s.db.ExecContext(ctx, q, name, at, ref[:])
	return errors.Wrapf(err, "inserting anchor %s", name)
}

// ListAnchors lists the refs of one anchor in time order.
func (s *Store) ListAnchors(ctx context.Context, name string, f func(seqvault.TimeRef) error) error {
	const q = `SELECT ref, at FROM anchors WHERE name = $1 ORDER BY at, seq`

	var trs []seqvault.TimeRef
	err := sqlutil.ForQueryRows(ctx, s.db, q, name, func(b []byte, at time.Time) error {
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
	store.Register("pg", func(ctx context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
