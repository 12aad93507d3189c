package manifest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
)

// ErrOutOfOrder is returned when committing a manifest
// that does not follow the current head.
var ErrOutOfOrder = errors.New("manifest out of order")

const databasesAnchor = "databases"

func headAnchor(db string) string     { return "head/" + db }
func versionsAnchor(db string) string { return "versions/" + db }

func versionAnchor(db string, version uint64) string {
	return "manifest/" + db + "/" + strconv.FormatUint(version, 10)
}

// Log is the versioned manifest log of one or more databases,
// kept as blobs and anchors in an AnchorStore.
//
// Each committed manifest's JSON is stored as a blob.
// The anchor manifest/<db>/<version> points to it,
// versions/<db> accumulates every committed version in order,
// and head/<db> points to the latest.
// The head anchor is written last,
// so a reader never sees a head whose manifest is missing.
type Log struct {
	s   seqvault.AnchorStore
	now func() time.Time

	mu sync.Mutex // serializes commits
}

// NewLog produces a Log on s.
// If now is nil, time.Now is used.
func NewLog(s seqvault.AnchorStore, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{s: s, now: now}
}

// Commit appends m to the log of db and makes it the head.
//
// m's version must exceed the head's,
// and its sequence time must not precede the head's;
// otherwise the result is ErrOutOfOrder.
// Recommitting a version already in the log with the same etag
// completes any anchors an interrupted commit of it left unwritten,
// and is otherwise a no-op.
func (l *Log) Commit(ctx context.Context, db string, m *Manifest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, at, err := l.head(ctx, db)
	if errors.Is(err, seqvault.ErrNotFound) {
		head = nil
	} else if err != nil {
		return err
	}

	ref, err := l.s.GetAnchor(ctx, versionAnchor(db, m.Version), seqvault.EndOfTime)
	switch {
	case err == nil:
		existing, err := l.load(ctx, ref)
		if err != nil {
			return err
		}
		if existing.ETag != m.ETag {
			return errors.Wrapf(ErrOutOfOrder, "version %d of %s already committed with etag %s", m.Version, db, existing.ETag)
		}
		if head != nil && head.Version >= m.Version {
			return nil
		}
		return l.finish(ctx, db, m.Version, ref, head == nil, true, at)

	case !errors.Is(err, seqvault.ErrNotFound):
		return seqvault.StorageErr("get version anchor", seqvault.Zero, err)
	}

	if head != nil {
		if m.Version <= head.Version {
			return errors.Wrapf(ErrOutOfOrder, "version %d does not follow head version %d of %s", m.Version, head.Version, db)
		}
		if m.SequenceTime.Before(head.SequenceTime) {
			return errors.Wrapf(ErrOutOfOrder, "sequence time %s precedes head's %s", m.SequenceTime, head.SequenceTime)
		}
	}

	j, err := m.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshaling manifest")
	}
	ref, _, err = l.s.Put(ctx, j)
	if err != nil {
		return seqvault.StorageErr("put manifest", seqvault.Zero, err)
	}
	return l.finish(ctx, db, m.Version, ref, head == nil, false, at)
}

// finish writes the anchors committing the manifest blob ref,
// the head anchor last.
// When resuming, the version anchor already exists
// and the others are written only if they lack ref.
func (l *Log) finish(ctx context.Context, db string, version uint64, ref seqvault.Ref, first, resume bool, at time.Time) error {
	now := l.now().UTC()
	if now.Before(at) {
		now = at
	}

	if first {
		nameRef, _, err := l.s.Put(ctx, []byte(db))
		if err != nil {
			return seqvault.StorageErr("put database name", seqvault.Zero, err)
		}
		if err := l.putAnchorOnce(ctx, resume, databasesAnchor, nameRef, now); err != nil {
			return seqvault.StorageErr("put databases anchor", nameRef, err)
		}
	}
	if !resume {
		if err := l.s.PutAnchor(ctx, versionAnchor(db, version), ref, now); err != nil {
			return seqvault.StorageErr("put version anchor", ref, err)
		}
	}
	if err := l.putAnchorOnce(ctx, resume, versionsAnchor(db), ref, now); err != nil {
		return seqvault.StorageErr("put versions anchor", ref, err)
	}
	if err := l.s.PutAnchor(ctx, headAnchor(db), ref, now); err != nil {
		return seqvault.StorageErr("put head anchor", ref, err)
	}
	return nil
}

// putAnchorOnce assigns ref to the named anchor,
// unless check is set and the anchor already has it.
func (l *Log) putAnchorOnce(ctx context.Context, check bool, name string, ref seqvault.Ref, at time.Time) error {
	if check {
		var found bool
		err := l.s.ListAnchors(ctx, name, func(tr seqvault.TimeRef) error {
			if tr.R == ref {
				found = true
			}
			return nil
		})
		if err != nil && !errors.Is(err, seqvault.ErrNotFound) {
			return err
		}
		if found {
			return nil
		}
	}
	return l.s.PutAnchor(ctx, name, ref, at)
}

// Head returns the latest committed manifest of db,
// or seqvault.ErrNotFound if there is none.
func (l *Log) Head(ctx context.Context, db string) (*Manifest, error) {
	m, _, err := l.head(ctx, db)
	return m, err
}

// head also returns the time of the last head anchor.
func (l *Log) head(ctx context.Context, db string) (*Manifest, time.Time, error) {
	var last *seqvault.TimeRef
	err := l.s.ListAnchors(ctx, headAnchor(db), func(tr seqvault.TimeRef) error {
		last = &tr
		return nil
	})
	if err != nil {
		return nil, time.Time{}, seqvault.StorageErr("list head anchor", seqvault.Zero, err)
	}
	if last == nil {
		return nil, time.Time{}, seqvault.ErrNotFound
	}
	m, err := l.load(ctx, last.R)
	return m, last.T, err
}

// Get returns the given version of db's manifest,
// or seqvault.ErrNotFound.
func (l *Log) Get(ctx context.Context, db string, version uint64) (*Manifest, error) {
	ref, err := l.s.GetAnchor(ctx, versionAnchor(db, version), seqvault.EndOfTime)
	if err != nil {
		return nil, seqvault.StorageErr("get version anchor", seqvault.Zero, err)
	}
	return l.load(ctx, ref)
}

// List calls f with each committed manifest of db in version order.
// Versions removed by garbage collection are skipped.
func (l *Log) List(ctx context.Context, db string, f func(*Manifest) error) error {
	return l.EachRef(ctx, db, func(ref seqvault.Ref) error {
		m, err := l.load(ctx, ref)
		if errors.Is(err, seqvault.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return f(m)
	})
}

// EachRef calls f with the blob ref of each committed manifest of db in version order.
func (l *Log) EachRef(ctx context.Context, db string, f func(seqvault.Ref) error) error {
	return l.s.ListAnchors(ctx, versionsAnchor(db), func(tr seqvault.TimeRef) error {
		return f(tr.R)
	})
}

// Databases lists the names of the databases with committed manifests,
// in order of first commit.
func (l *Log) Databases(ctx context.Context) ([]string, error) {
	var (
		names []string
		seen  = make(map[string]bool)
	)
	err := l.s.ListAnchors(ctx, databasesAnchor, func(tr seqvault.TimeRef) error {
		b, err := l.s.Get(ctx, tr.R)
		if err != nil {
			return seqvault.StorageErr("get database name", tr.R, err)
		}
		if name := string(b); !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return nil
	})
	return names, err
}

func (l *Log) load(ctx context.Context, ref seqvault.Ref) (*Manifest, error) {
	b, err := l.s.Get(ctx, ref)
	if err != nil {
		return nil, seqvault.StorageErr("get manifest", ref, err)
	}
	m, err := Parse(b)
	return m, errors.Wrapf(err, "loading manifest %s", ref)
}
