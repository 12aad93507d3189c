// Package config reads a repository configuration file
// and opens the stores, managers, and fetchers it describes.
package config

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/canonical"
	"github.com/bobg/seqvault/chunk"
	"github.com/bobg/seqvault/delta"
	"github.com/bobg/seqvault/manifest"
	"github.com/bobg/seqvault/remote"
	"github.com/bobg/seqvault/store"
	"github.com/bobg/seqvault/temporal"
)

// Config is the contents of a configuration file.
//
// Store configs are maps with a "type" key naming a registered backend
// plus that backend's parameters, e.g.
//
//	{"type": "pebble", "dir": "/var/lib/seqvault"}
type Config struct {
	// DB names the database.
	DB string `json:"db"`

	// Store holds chunks, representations, deltas, and the manifest log,
	// and sequence bytes too unless Seqs is set.
	Store map[string]interface{} `json:"store"`
	Seqs  map[string]interface{} `json:"seqs,omitempty"`

	Chunker chunk.Config `json:"chunker"`
	Delta   delta.Policy `json:"delta"`
	Update  Update       `json:"update"`

	// Remotes are base URLs of servers to update from.
	Remotes []string `json:"remotes,omitempty"`

	// Mirrors are other repositories' stores to update from directly.
	Mirrors []Mirror `json:"mirrors,omitempty"`

	// Timeout bounds each request to a remote, as a duration string.
	Timeout string `json:"timeout,omitempty"`

	// MaxBody bounds each response body from a remote, in bytes.
	MaxBody int64 `json:"max_body,omitempty"`

	// Listen is the address served by "seqvault serve".
	Listen string `json:"listen,omitempty"`

	// CacheSize is the temporal snapshot cache size.
	CacheSize int `json:"cache_size,omitempty"`

	Log Log `json:"log"`
}

// Update configures updates from remotes.
type Update struct {
	Workers       int    `json:"workers"`
	Attempts      int    `json:"attempts"`
	RetryInterval string `json:"retry_interval"`
	GC            bool   `json:"gc"`
}

// Mirror describes another repository's stores.
type Mirror struct {
	Store map[string]interface{} `json:"store"`
	Seqs  map[string]interface{} `json:"seqs,omitempty"`
}

// Log configures logging.
type Log struct {
	// Level is a zap level name. The default is "info".
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Load reads a configuration file.
func Load(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	c, err := Read(f)
	return c, errors.Wrapf(err, "reading config file %s", filename)
}

// Read decodes a configuration and checks it.
func Read(r io.Reader) (*Config, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	c := new(Config)
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) check() error {
	if c.DB == "" {
		return errors.New(`missing "db"`)
	}
	if c.Store == nil {
		return errors.New(`missing "store"`)
	}
	if c.Update.RetryInterval != "" {
		if _, err := time.ParseDuration(c.Update.RetryInterval); err != nil {
			return errors.Wrap(err, "parsing update.retry_interval")
		}
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return errors.Wrap(err, "parsing timeout")
		}
	}
	return nil
}

// UpdateOptions converts the update section.
func (c *Config) UpdateOptions() manifest.UpdateOptions {
	// Checked by Read.
	d, _ := time.ParseDuration(c.Update.RetryInterval)
	return manifest.UpdateOptions{
		Workers:       c.Update.Workers,
		Attempts:      c.Update.Attempts,
		RetryInterval: d,
		GC:            c.Update.GC,
	}
}

// Logger builds the configured logger.
func (c *Config) Logger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if c.Log.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Log.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing log level %s", c.Log.Level)
		}
		zc.Level = level
	}
	return zc.Build()
}

// Repo is an opened repository.
type Repo struct {
	Config  *Config
	Logger  *zap.Logger
	Seqs    seqvault.AnchorStore
	Meta    seqvault.AnchorStore
	Canon   *canonical.Store
	Manager *manifest.Manager

	closers []io.Closer
}

// Open opens the stores of c and builds a Repo on them.
// The backends named in the config must be registered,
// typically by importing their packages.
func (c *Config) Open(ctx context.Context, logger *zap.Logger) (*Repo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repo{Config: c, Logger: logger}

	seqs, meta, err := r.openPair(ctx, c.Store, c.Seqs)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.Seqs, r.Meta = seqs, meta
	r.Canon = canonical.New(seqs, meta, canonical.WithLogger(logger))
	r.Manager = manifest.NewManager(c.DB, r.Canon,
		manifest.WithChunkConfig(c.Chunker),
		manifest.WithDeltaPolicy(c.Delta),
		manifest.WithUpdateOptions(c.UpdateOptions()),
		manifest.WithLogger(logger),
	)
	return r, nil
}

func (r *Repo) openPair(ctx context.Context, metaConf, seqsConf map[string]interface{}) (seqs, meta seqvault.AnchorStore, err error) {
	meta, err = r.open(ctx, metaConf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening store")
	}
	seqs = meta
	if seqsConf != nil {
		seqs, err = r.open(ctx, seqsConf)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening sequence store")
		}
	}
	return seqs, meta, nil
}

func (r *Repo) open(ctx context.Context, conf map[string]interface{}) (seqvault.AnchorStore, error) {
	s, err := store.FromConfig(ctx, conf)
	if err != nil {
		return nil, err
	}
	if c, ok := s.(io.Closer); ok {
		r.closers = append(r.closers, c)
	}
	return s, nil
}

// Fetchers builds a fetcher for each configured remote and mirror,
// in that order.
func (r *Repo) Fetchers(ctx context.Context) ([]manifest.Fetcher, error) {
	var timeout time.Duration
	if r.Config.Timeout != "" {
		timeout, _ = time.ParseDuration(r.Config.Timeout)
	}

	var out []manifest.Fetcher
	for _, u := range r.Config.Remotes {
		var opts []remote.ClientOption
		if timeout > 0 {
			opts = append(opts, remote.WithTimeout(timeout))
		}
		if r.Config.MaxBody > 0 {
			opts = append(opts, remote.WithMaxBody(r.Config.MaxBody))
		}
		out = append(out, remote.NewClient(u, opts...))
	}
	for i, m := range r.Config.Mirrors {
		seqs, meta, err := r.openPair(ctx, m.Store, m.Seqs)
		if err != nil {
			return nil, errors.Wrapf(err, "opening mirror %d", i)
		}
		out = append(out, remote.NewStoreFetcher(canonical.New(seqs, meta)))
	}
	return out, nil
}

// Temporal loads the temporal index of the repository's database.
func (r *Repo) Temporal(ctx context.Context) (*temporal.Index, error) {
	return temporal.Load(ctx, r.Manager.Log(), r.Config.DB, r.Config.CacheSize)
}

// Close closes the stores that need it.
func (r *Repo) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}
