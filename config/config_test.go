package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/chunk"
	"github.com/bobg/seqvault/manifest"
	"github.com/bobg/seqvault/remote"
	"github.com/bobg/seqvault/store"
	_ "github.com/bobg/seqvault/store/logging"
	_ "github.com/bobg/seqvault/store/lru"
	"github.com/bobg/seqvault/store/mem"
	"github.com/bobg/seqvault/store/storetest"
)

const sample = `{
	"db": "uniprot",
	"store": {"type": "mem"},
	"seqs": {"type": "mem"},
	"chunker": {"max_sequences": 2, "workers": 2},
	"delta": {"enabled": true, "threshold": 0.25},
	"update": {"attempts": 5, "retry_interval": "250ms", "gc": true},
	"remotes": ["http://mirror.example.org/"],
	"mirrors": [{"store": {"type": "mem"}}],
	"timeout": "10s",
	"listen": ":8080",
	"cache_size": 32,
	"log": {"level": "debug"}
}`

func TestRead(t *testing.T) {
	c, err := Read(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "uniprot", c.DB)
	assert.Equal(t, "mem", c.Store["type"])
	assert.Equal(t, chunk.Config{MaxSequences: 2, Workers: 2}, c.Chunker)
	assert.True(t, c.Delta.Enabled)
	assert.Equal(t, 0.25, c.Delta.Threshold)
	assert.Equal(t, manifest.UpdateOptions{Attempts: 5, RetryInterval: 250 * time.Millisecond, GC: true}, c.UpdateOptions())
	assert.Equal(t, 32, c.CacheSize)

	logger, err := c.Logger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestReadErrors(t *testing.T) {
	cases := map[string]string{
		"no db":          `{"store": {"type": "mem"}}`,
		"no store":       `{"db": "x"}`,
		"bad interval":   `{"db": "x", "store": {"type": "mem"}, "update": {"retry_interval": "soon"}}`,
		"bad timeout":    `{"db": "x", "store": {"type": "mem"}, "timeout": "5 parsecs"}`,
		"malformed json": `{"db": `,
	}
	for name, conf := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(conf))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "seqvault.json")
	require.NoError(t, os.WriteFile(filename, []byte(sample), 0644))

	c, err := Load(filename)
	require.NoError(t, err)
	assert.Equal(t, "uniprot", c.DB)

	_, err = Load(filepath.Join(t.TempDir(), "nonexistent.json"))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	c, err := Read(strings.NewReader(sample))
	require.NoError(t, err)

	r, err := c.Open(ctx, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.NotSame(t, r.Seqs, r.Meta)
	assert.Equal(t, "uniprot", r.Manager.Database())

	recs := []chunk.Record{
		{Seq: []byte("MKVLAAGIVGLLLA"), Header: ">a", Taxon: 1},
		{Seq: []byte("MSTNPKPQRKTKRN"), Header: ">b", Taxon: 1},
		{Seq: []byte("MADEEKLPPGWEKR"), Header: ">c", Taxon: 1},
	}
	m, err := r.Manager.Ingest(ctx, chunk.NewSliceSource(recs), manifest.IngestParams{})
	require.NoError(t, err)

	// max_sequences of 2 splits the taxon group.
	assert.Len(t, m.Chunks, 2)

	idx, err := r.Temporal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	fetchers, err := r.Fetchers(ctx)
	require.NoError(t, err)
	require.Len(t, fetchers, 2)
	assert.IsType(t, &remote.Client{}, fetchers[0])
	assert.IsType(t, &remote.StoreFetcher{}, fetchers[1])
}

func TestOpenUnknownBackend(t *testing.T) {
	c, err := Read(strings.NewReader(`{"db": "x", "store": {"type": "nonesuch"}}`))
	require.NoError(t, err)
	_, err = c.Open(context.Background(), nil)
	assert.Error(t, err)
}

func TestCloseNested(t *testing.T) {
	var closers []*storetest.Closer
	store.Register("closer", func(context.Context, map[string]interface{}) (seqvault.AnchorStore, error) {
		c := &storetest.Closer{AnchorStore: mem.New()}
		closers = append(closers, c)
		return c, nil
	})

	c, err := Read(strings.NewReader(`{
		"db": "uniprot",
		"store": {"type": "logging", "nested": {"type": "lru", "size": 10, "nested": {"type": "closer"}}},
		"seqs": {"type": "lru", "size": 10, "nested": {"type": "closer"}}
	}`))
	require.NoError(t, err)

	r, err := c.Open(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, closers, 2)

	require.NoError(t, r.Close())
	for i, cl := range closers {
		assert.Equal(t, 1, cl.Closed, "store %d", i)
	}
}
