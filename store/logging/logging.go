// Package logging implements a store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/store"
)

var _ seqvault.AnchorStore = &Store{}

// Store logs each operation on a nested store at debug level,
// and each failure at error level.
type Store struct {
	s      seqvault.AnchorStore
	logger *zap.Logger
}

// New produces a new Store.
// A nil logger means zap.NewNop.
func New(s seqvault.AnchorStore, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{s: s, logger: logger.Named("store")}
}

func (s *Store) log(msg string, err error, fields ...zap.Field) {
	if err != nil && !errors.Is(err, seqvault.ErrNotFound) {
		s.logger.Error(msg, append(fields, zap.Error(err))...)
		return
	}
	if err != nil {
		fields = append(fields, zap.Bool("not_found", true))
	}
	s.logger.Debug(msg, fields...)
}

func (s *Store) Get(ctx context.Context, ref seqvault.Ref) (seqvault.Blob, error) {
	b, err := s.s.Get(ctx, ref)
	s.log("get", err, zap.Stringer("ref", ref), zap.Int("size", len(b)))
	return b, err
}

func (s *Store) Has(ctx context.Context, ref seqvault.Ref) (bool, error) {
	has, err := s.s.Has(ctx, ref)
	s.log("has", err, zap.Stringer("ref", ref), zap.Bool("has", has))
	return has, err
}

func (s *Store) ListRefs(ctx context.Context, start seqvault.Ref, f func(seqvault.Ref) error) error {
	var n int
	err := s.s.ListRefs(ctx, start, func(ref seqvault.Ref) error {
		n++
		return f(ref)
	})
	s.log("list refs", err, zap.Stringer("start", start), zap.Int("count", n))
	return err
}

func (s *Store) Put(ctx context.Context, b seqvault.Blob) (seqvault.Ref, bool, error) {
	ref, added, err := s.s.Put(ctx, b)
	s.log("put", err, zap.Stringer("ref", ref), zap.Bool("added", added), zap.Int("size", len(b)))
	return ref, added, err
}

func (s *Store) Delete(ctx context.Context, ref seqvault.Ref) error {
	d, ok := s.s.(seqvault.Deleter)
	if !ok {
		return errors.Errorf("nested store is a %T and cannot delete", s.s)
	}
	err := d.Delete(ctx, ref)
	s.log("delete", err, zap.Stringer("ref", ref))
	return err
}

func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (seqvault.Ref, error) {
	ref, err := s.s.GetAnchor(ctx, name, at)
	s.log("get anchor", err, zap.String("name", name), zap.Time("at", at), zap.Stringer("ref", ref))
	return ref, err
}

func (s *Store) ListAnchors(ctx context.Context, name string, f func(seqvault.TimeRef) error) error {
	var n int
	err := s.s.ListAnchors(ctx, name, func(tr seqvault.TimeRef) error {
		n++
		return f(tr)
	})
	s.log("list anchors", err, zap.String("name", name), zap.Int("count", n))
	return err
}

func (s *Store) PutAnchor(ctx context.Context, name string, ref seqvault.Ref, at time.Time) error {
	err := s.s.PutAnchor(ctx, name, ref, at)
	s.log("put anchor", err, zap.String("name", name), zap.Time("at", at), zap.Stringer("ref", ref))
	return err
}

// Close closes the nested store if it needs closing.
func (s *Store) Close() error {
	return store.Close(s.s)
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
		nested, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, errors.Wrap(err, "creating logger")
		}
		return New(nested, logger), nil
	})
}
