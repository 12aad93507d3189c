// Package remote serves a repository's manifests, chunks, and sequences over HTTP,
// and fetches them from such a server or directly from another repository's stores.
package remote

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/canonical"
	"github.com/bobg/seqvault/manifest"
)

// Server is an http.Handler serving:
//
//	GET /v1/chunks/{hash}     encoded chunk
//	GET /v1/sequences/{hash}  sequence bytes
//	GET /v1/{db}/manifest     head manifest of db, honoring If-None-Match
type Server struct {
	canon  *canonical.Store
	log    *manifest.Log
	logger *zap.Logger
	router *mux.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer produces a Server for the repository in canon,
// whose metadata store also holds the manifest log.
func NewServer(canon *canonical.Store, opts ...ServerOption) *Server {
	s := &Server{
		canon:  canon,
		log:    manifest.NewLog(canon.Meta(), nil),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("remote")

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/chunks/{hash}", s.handleChunk).Methods("GET")
	v1.HandleFunc("/sequences/{hash}", s.handleSequence).Methods("GET")
	v1.HandleFunc("/{db}/manifest", s.handleManifest).Methods("GET")
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on listener until ctx is canceled.
func (s *Server) Run(ctx context.Context, listener net.Listener, extra ...func(*http.ServeMux)) error {
	h := http.NewServeMux()
	h.Handle("/v1/", s)
	for _, f := range extra {
		f(h)
	}
	srv := &http.Server{Handler: h}

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})
	group.Go(func() error {
		defer cancel()
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})
	return group.Wait()
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	db := mux.Vars(r)["db"]
	head, err := s.log.Head(r.Context(), db)
	if err != nil {
		s.fail(w, r, "manifest", err)
		return
	}

	w.Header().Set("ETag", quote(head.ETag))
	if matchETag(r.Header.Get("If-None-Match"), head.ETag) {
		requests.WithLabelValues("manifest", "304").Inc()
		w.WriteHeader(http.StatusNotModified)
		return
	}

	j, err := head.Marshal()
	if err != nil {
		s.fail(w, r, "manifest", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.write(w, "manifest", j)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.parseRef(w, r, "chunk")
	if !ok {
		return
	}
	b, err := s.canon.Meta().Get(r.Context(), ref)
	if err != nil {
		s.fail(w, r, "chunk", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	s.write(w, "chunk", b)
}

func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.parseRef(w, r, "sequence")
	if !ok {
		return
	}
	b, err := s.canon.Get(r.Context(), ref)
	if err != nil {
		s.fail(w, r, "sequence", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	s.write(w, "sequence", b)
}

func (s *Server) parseRef(w http.ResponseWriter, r *http.Request, route string) (seqvault.Ref, bool) {
	ref, err := seqvault.RefFromHex(mux.Vars(r)["hash"])
	if err != nil {
		requests.WithLabelValues(route, "400").Inc()
		http.Error(w, "bad hash", http.StatusBadRequest)
		return seqvault.Zero, false
	}
	return ref, true
}

func (s *Server) write(w http.ResponseWriter, route string, b []byte) {
	requests.WithLabelValues(route, "200").Inc()
	bytesServed.WithLabelValues(route).Add(float64(len(b)))
	if _, err := w.Write(b); err != nil {
		s.logger.Debug("writing response", zap.String("route", route), zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, route string, err error) {
	if errors.Is(err, seqvault.ErrNotFound) {
		requests.WithLabelValues(route, "404").Inc()
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	requests.WithLabelValues(route, "500").Inc()
	s.logger.Error("serving request", zap.String("route", route), zap.String("path", r.URL.Path), zap.Error(err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func quote(etag string) string {
	return `"` + etag + `"`
}

func unquote(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// matchETag tells whether an If-None-Match header value matches etag.
func matchETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || unquote(candidate) == etag {
			return true
		}
	}
	return false
}
