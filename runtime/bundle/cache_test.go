package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/catalog/job"
)

// pathFetcher serves artifacts straight from their recorded path.
type pathFetcher struct{}

func (pathFetcher) Fetch(_ context.Context, bv *job.BundleVersion, _ string) (string, error) {
	return bv.ArtifactPath, nil
}

func writeArchive(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "bundle.tgz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	sum := sha256.Sum256(buf.Bytes())
	return path, hex.EncodeToString(sum[:])
}

func testVersion(path, checksum string) *job.BundleVersion {
	return &job.BundleVersion{
		BundleSlug:      "report-gen",
		Version:         "1.0.0",
		Manifest:        job.BundleManifest{Name: "report-gen", Entry: "index.js"},
		Checksum:        checksum,
		ArtifactStorage: job.StorageLocal,
		ArtifactPath:    path,
		Status:          job.BundlePublished,
	}
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.Fetchers == nil {
		opts.Fetchers = map[job.ArtifactStorage]ArtifactFetcher{job.StorageLocal: pathFetcher{}}
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestAcquireExtractsAndResolvesEntry(t *testing.T) {
	path, checksum := writeArchive(t, map[string]string{
		"manifest.json": `{"name":"report-gen","entry":"index.js"}`,
		"index.js":      "module.exports = () => 42;",
	})
	c := newTestCache(t, Options{})
	got, err := c.Acquire(context.Background(), testVersion(path, checksum))
	require.NoError(t, err)
	defer got.Release()

	assert.FileExists(t, got.EntryFile)
	assert.Equal(t, "index.js", got.Manifest.Entry)
	content, err := os.ReadFile(filepath.Join(got.Directory, "index.js"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "42")
}

func TestAcquireChecksumMismatch(t *testing.T) {
	path, _ := writeArchive(t, map[string]string{"index.js": "x"})
	c := newTestCache(t, Options{})
	_, err := c.Acquire(context.Background(), testVersion(path, "deadbeef"))
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, 0, c.Len())
}

func TestAcquireSameKeySharesDirectory(t *testing.T) {
	path, checksum := writeArchive(t, map[string]string{"index.js": "x"})
	c := newTestCache(t, Options{})
	bv := testVersion(path, checksum)

	a, err := c.Acquire(context.Background(), bv)
	require.NoError(t, err)
	b, err := c.Acquire(context.Background(), bv)
	require.NoError(t, err)
	assert.Equal(t, a.Directory, b.Directory)
	assert.Equal(t, 1, c.Len())
	a.Release()
	b.Release()
}

func TestAcquireEntryMissing(t *testing.T) {
	path, checksum := writeArchive(t, map[string]string{"other.js": "x"})
	c := newTestCache(t, Options{})
	_, err := c.Acquire(context.Background(), testVersion(path, checksum))
	require.ErrorIs(t, err, ErrEntryMissing)
}

func TestAcquireRejectsUnsafeTarEntries(t *testing.T) {
	path, checksum := writeArchive(t, map[string]string{"../escape.js": "x"})
	c := newTestCache(t, Options{})
	_, err := c.Acquire(context.Background(), testVersion(path, checksum))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsafe path")
}

func TestEvictionRespectsCapacityAndRefCounts(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 1})

	pathA, sumA := writeArchive(t, map[string]string{"index.js": "a"})
	pathB, sumB := writeArchive(t, map[string]string{"index.js": "b"})
	bvA := testVersion(pathA, sumA)
	bvB := testVersion(pathB, sumB)
	bvB.Version = "2.0.0"

	a, err := c.Acquire(context.Background(), bvA)
	require.NoError(t, err)
	b, err := c.Acquire(context.Background(), bvB)
	require.NoError(t, err)

	// Both held: over capacity but nothing evictable.
	assert.Equal(t, 2, c.Len())

	b.Release()
	assert.Equal(t, 1, c.Len())
	assert.DirExists(t, a.Directory)
	assert.NoDirExists(t, b.Directory)
	a.Release()
}

func TestTTLExpiryReloads(t *testing.T) {
	path, checksum := writeArchive(t, map[string]string{"index.js": "x"})
	c := newTestCache(t, Options{TTL: 10 * time.Millisecond})
	bv := testVersion(path, checksum)

	a, err := c.Acquire(context.Background(), bv)
	require.NoError(t, err)
	a.Release()

	time.Sleep(20 * time.Millisecond)
	b, err := c.Acquire(context.Background(), bv)
	require.NoError(t, err)
	defer b.Release()
	assert.FileExists(t, b.EntryFile)
}

func TestNoFetcherForStorage(t *testing.T) {
	path, checksum := writeArchive(t, map[string]string{"index.js": "x"})
	c := newTestCache(t, Options{})
	bv := testVersion(path, checksum)
	bv.ArtifactStorage = job.StorageS3
	_, err := c.Acquire(context.Background(), bv)
	require.ErrorIs(t, err, ErrNoFetcher)
}
