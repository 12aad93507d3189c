package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/canonical"
	"github.com/bobg/seqvault/chunk"
	"github.com/bobg/seqvault/manifest"
	"github.com/bobg/seqvault/store/mem"
)

var fast = manifest.UpdateOptions{Attempts: 2, RetryInterval: time.Millisecond}

func newRepo(db string) *manifest.Manager {
	s := mem.New()
	return manifest.NewManager(db, canonical.New(s, s), manifest.WithUpdateOptions(fast))
}

func populate(t *testing.T, m *manifest.Manager) *manifest.Manifest {
	t.Helper()
	recs := []chunk.Record{
		{Seq: []byte("MKVLAAGIVGLLLA"), Header: ">sp|P12345|A", Source: "uniprot", Taxon: 562},
		{Seq: []byte("MSTNPKPQRKTKRN"), Header: ">sp|P67890|B", Source: "uniprot", Taxon: 9606},
		{Seq: []byte("MADEEKLPPGWEKR"), Header: ">sp|Q11111|C", Source: "uniprot", Taxon: 9606},
	}
	head, err := m.Ingest(context.Background(), chunk.NewSliceSource(recs), manifest.IngestParams{})
	require.NoError(t, err)
	return head
}

func TestClientUpdate(t *testing.T) {
	ctx := context.Background()
	origin := newRepo("uniprot")
	want := populate(t, origin)

	ts := httptest.NewServer(NewServer(origin.Canonical()))
	defer ts.Close()

	client := NewClient(ts.URL, WithTimeout(5*time.Second))
	local := newRepo("uniprot")

	changed, err := local.CheckUpdate(ctx, client)
	require.NoError(t, err)
	assert.True(t, changed)

	res, err := local.Update(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, want.Version, res.Version)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 3, res.Sequences)

	head, err := local.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.ETag, head.ETag)

	rep, err := local.Verify(ctx, 0)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%+v", rep.Problems)

	// Conditional fetch.
	_, _, err = client.FetchManifest(ctx, "uniprot", want.ETag)
	assert.ErrorIs(t, err, seqvault.ErrNotModified)

	res, err = local.Update(ctx, client)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
}

func TestServerErrors(t *testing.T) {
	ctx := context.Background()
	origin := newRepo("uniprot")
	populate(t, origin)

	ts := httptest.NewServer(NewServer(origin.Canonical()))
	defer ts.Close()
	client := NewClient(ts.URL)

	_, _, err := client.FetchManifest(ctx, "nosuchdb", "")
	assert.ErrorIs(t, err, seqvault.ErrNotFound)

	_, err = client.FetchChunk(ctx, seqvault.Blob("missing").Ref())
	assert.ErrorIs(t, err, seqvault.ErrNotFound)

	resp, err := http.Get(ts.URL + "/v1/chunks/xyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/uniprot/manifest", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestManifestETag(t *testing.T) {
	origin := newRepo("uniprot")
	head := populate(t, origin)

	ts := httptest.NewServer(NewServer(origin.Canonical()))
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/v1/uniprot/manifest", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", `"other", W/"`+head.ETag+`"`)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Equal(t, `"`+head.ETag+`"`, resp.Header.Get("ETag"))

	resp, err = http.Get(ts.URL + "/v1/uniprot/manifest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	got, err := manifest.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, head.ETag, got.ETag)
}

func TestMatchETag(t *testing.T) {
	cases := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"*", true},
		{`"abc"`, true},
		{`W/"abc"`, true},
		{`"x", "abc"`, true},
		{`"abcd"`, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchETag(tc.header, "abc"), tc.header)
	}
}

// corrupting flips a byte in every chunk response.
type corrupting struct {
	h http.Handler
}

func (c corrupting) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/chunks/") {
		c.h.ServeHTTP(w, r)
		return
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, r)
	b := rec.Body.Bytes()
	if len(b) > 0 {
		b[0] ^= 0xff
	}
	w.WriteHeader(rec.Code)
	w.Write(b)
}

func TestClientCorrupt(t *testing.T) {
	ctx := context.Background()
	origin := newRepo("uniprot")
	populate(t, origin)

	bad := httptest.NewServer(corrupting{h: NewServer(origin.Canonical())})
	defer bad.Close()
	good := httptest.NewServer(NewServer(origin.Canonical()))
	defer good.Close()

	local := newRepo("uniprot")
	_, err := local.Update(ctx, NewClient(bad.URL))
	require.ErrorIs(t, err, seqvault.ErrMerkleVerification)

	_, err = local.Head(ctx)
	assert.ErrorIs(t, err, seqvault.ErrNotFound)

	// An alternate source succeeds.
	res, err := local.Update(ctx, NewClient(bad.URL), NewClient(good.URL))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
}

func TestClientMaxBody(t *testing.T) {
	ctx := context.Background()
	body := bytes.Repeat([]byte("ACGT"), 25)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, WithMaxBody(99)).FetchChunk(ctx, seqvault.Zero)
	assert.ErrorIs(t, err, seqvault.ErrStorage)

	got, err := NewClient(srv.URL, WithMaxBody(100)).FetchChunk(ctx, seqvault.Zero)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestStoreFetcher(t *testing.T) {
	ctx := context.Background()
	origin := newRepo("uniprot")
	want := populate(t, origin)

	f := NewStoreFetcher(origin.Canonical())
	local := newRepo("uniprot")
	res, err := local.Update(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, want.Version, res.Version)

	_, _, err = f.FetchManifest(ctx, "uniprot", want.ETag)
	assert.ErrorIs(t, err, seqvault.ErrNotModified)

	for _, e := range want.Chunks {
		b, err := f.FetchChunk(ctx, e.Ref)
		require.NoError(t, err)
		c, err := chunk.Decode(b)
		require.NoError(t, err)
		for _, ref := range c.Seqs {
			seq, err := local.Canonical().Get(ctx, ref)
			require.NoError(t, err)
			orig, err := f.FetchSequence(ctx, ref)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(orig, seq))
		}
	}
}
