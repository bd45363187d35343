// Package bundle materializes content-addressed job bundles on local disk
// and hands out ref-counted directories to the sandbox runner. Entries are
// keyed by slug@version#checksum so a republished artifact with different
// bytes never aliases a cached directory. Eviction combines a TTL with an
// LRU capacity bound and never removes a directory while a handler holds it.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/runtime/telemetry"
)

// Sentinel errors surfaced by Acquire. They are matched with errors.Is by
// the job runtime when deciding whether a recovery hook applies.
var (
	// ErrChecksumMismatch reports that the artifact bytes do not hash to
	// the recorded checksum. The bundle is never extracted in that case.
	ErrChecksumMismatch = errors.New("bundle artifact checksum mismatch")

	// ErrEntryMissing reports that the manifest entry file is absent from
	// the extracted bundle or escapes the cache root.
	ErrEntryMissing = errors.New("bundle entry file missing")

	// ErrNoFetcher reports that no fetcher is registered for the bundle's
	// artifact storage kind.
	ErrNoFetcher = errors.New("no artifact fetcher for storage")
)

type (
	// ArtifactFetcher makes a bundle artifact available on local disk and
	// returns its path. downloadDir is a cache-owned staging directory the
	// fetcher may use for partial downloads; implementations rename the
	// finished file into place atomically.
	ArtifactFetcher interface {
		Fetch(ctx context.Context, bv *job.BundleVersion, downloadDir string) (string, error)
	}

	// Options configures the cache.
	Options struct {
		// Root is the directory bundle contents are extracted under.
		Root string
		// MaxEntries bounds the number of cached bundles; 0 means
		// unbounded.
		MaxEntries int
		// TTL expires idle entries; 0 disables TTL eviction.
		TTL time.Duration
		// Fetchers maps artifact storage kinds (job.StorageLocal,
		// job.StorageS3) to fetchers.
		Fetchers map[job.ArtifactStorage]ArtifactFetcher
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// Cache is the process-wide bundle cache.
	Cache struct {
		root       string
		maxEntries int
		ttl        time.Duration
		fetchers   map[job.ArtifactStorage]ArtifactFetcher
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		// mu guards entries and pending.
		mu      sync.Mutex
		entries map[string]*entry
		pending map[string]*pendingLoad
	}

	// AcquiredBundle is a live lease on a cached bundle directory. The
	// directory stays on disk until Release is called and eviction decides
	// to drop it.
	AcquiredBundle struct {
		Directory string
		EntryFile string
		Manifest  job.BundleManifest

		release func()
		once    sync.Once
	}

	entry struct {
		key          string
		dir          string
		entryFile    string
		manifest     job.BundleManifest
		refCount     int
		lastAccessed time.Time
	}

	pendingLoad struct {
		done chan struct{}
		err  error
	}
)

// New constructs a cache rooted at opts.Root. The root and its staging
// subdirectories are created eagerly so the first Acquire does not race on
// mkdir.
func New(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, errors.New("bundle cache root is required")
	}
	logger, metrics, _ := telemetry.OrDefault(opts.Logger, opts.Metrics, nil)
	for _, sub := range []string{"", "__downloads", "__staging"} {
		if err := os.MkdirAll(filepath.Join(opts.Root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create bundle cache dir: %w", err)
		}
	}
	return &Cache{
		root:       opts.Root,
		maxEntries: opts.MaxEntries,
		ttl:        opts.TTL,
		fetchers:   opts.Fetchers,
		logger:     logger,
		metrics:    metrics,
		entries:    make(map[string]*entry),
		pending:    make(map[string]*pendingLoad),
	}, nil
}

// Key computes the content-addressed cache key for a bundle version.
func Key(bv *job.BundleVersion) string {
	return bv.BundleSlug + "@" + bv.Version + "#" + bv.Checksum
}

// Acquire returns a lease on the bundle's extracted directory, loading and
// verifying the artifact on a miss. Concurrent acquisitions of the same key
// coalesce onto a single load. The caller must Release the lease.
func (c *Cache) Acquire(ctx context.Context, bv *job.BundleVersion) (*AcquiredBundle, error) {
	key := Key(bv)
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && c.usable(e) {
			e.refCount++
			e.lastAccessed = time.Now()
			c.mu.Unlock()
			c.metrics.IncCounter("bundle_cache_hits", 1)
			return c.lease(e), nil
		}
		if p, ok := c.pending[key]; ok {
			c.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if p.err != nil {
				return nil, p.err
			}
			continue
		}
		// Expired entry with no holders: drop it before reloading.
		var stale string
		if e, ok := c.entries[key]; ok {
			stale = e.dir
			delete(c.entries, key)
		}
		p := &pendingLoad{done: make(chan struct{})}
		c.pending[key] = p
		c.mu.Unlock()

		if stale != "" {
			os.RemoveAll(stale)
		}
		e, err := c.load(ctx, key, bv)
		c.mu.Lock()
		delete(c.pending, key)
		if err == nil {
			e.refCount = 1
			e.lastAccessed = time.Now()
			c.entries[key] = e
		}
		p.err = err
		c.mu.Unlock()
		close(p.done)
		if err != nil {
			c.metrics.IncCounter("bundle_cache_load_failures", 1)
			return nil, err
		}
		c.metrics.IncCounter("bundle_cache_misses", 1)
		return c.lease(e), nil
	}
}

// usable reports whether a cached entry may serve an acquisition. A held
// entry is always usable since its directory cannot be replaced under the
// holder.
func (c *Cache) usable(e *entry) bool {
	if e.refCount > 0 || c.ttl == 0 {
		return true
	}
	return time.Since(e.lastAccessed) <= c.ttl
}

func (c *Cache) lease(e *entry) *AcquiredBundle {
	return &AcquiredBundle{
		Directory: e.dir,
		EntryFile: e.entryFile,
		Manifest:  e.manifest,
		release:   func() { c.releaseEntry(e) },
	}
}

// Release returns the lease. It is idempotent.
func (b *AcquiredBundle) Release() {
	b.once.Do(b.release)
}

func (c *Cache) releaseEntry(e *entry) {
	c.mu.Lock()
	e.refCount--
	e.lastAccessed = time.Now()
	removed := c.evictLocked(time.Now())
	c.mu.Unlock()
	for _, dir := range removed {
		os.RemoveAll(dir)
	}
}

// evictLocked applies TTL eviction, then LRU eviction down to capacity.
// Entries with holders are never candidates. Returns the directories to
// remove outside the lock.
func (c *Cache) evictLocked(now time.Time) []string {
	var removed []string
	if c.ttl > 0 {
		for key, e := range c.entries {
			if e.refCount <= 0 && now.Sub(e.lastAccessed) > c.ttl {
				removed = append(removed, e.dir)
				delete(c.entries, key)
			}
		}
	}
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		var oldest *entry
		var oldestKey string
		for key, e := range c.entries {
			if e.refCount > 0 {
				continue
			}
			if oldest == nil || e.lastAccessed.Before(oldest.lastAccessed) {
				oldest, oldestKey = e, key
			}
		}
		if oldest == nil {
			break
		}
		removed = append(removed, oldest.dir)
		delete(c.entries, oldestKey)
	}
	return removed
}

// load materializes, verifies and extracts the artifact for key.
func (c *Cache) load(ctx context.Context, key string, bv *job.BundleVersion) (*entry, error) {
	fetcher, ok := c.fetchers[bv.ArtifactStorage]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoFetcher, bv.ArtifactStorage)
	}
	artifact, err := fetcher.Fetch(ctx, bv, filepath.Join(c.root, "__downloads"))
	if err != nil {
		return nil, fmt.Errorf("fetch bundle artifact: %w", err)
	}
	if err := verifyChecksum(artifact, bv.Checksum); err != nil {
		return nil, err
	}

	staging := filepath.Join(c.root, "__staging", fmt.Sprintf("%s-%d", dirName(key), time.Now().UnixNano()))
	if err := extractTarGz(artifact, staging); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("extract bundle: %w", err)
	}

	target := filepath.Join(c.root, dirName(key))
	// No live entry references target here, so replace is safe.
	if err := os.RemoveAll(target); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("replace bundle dir: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("install bundle dir: %w", err)
	}

	manifest := bv.Manifest
	if manifest.Entry == "" {
		m, err := readManifest(target)
		if err != nil {
			os.RemoveAll(target)
			return nil, err
		}
		manifest = *m
	}
	entryFile, err := resolveEntry(target, manifest.Entry)
	if err != nil {
		os.RemoveAll(target)
		return nil, err
	}

	c.logger.Debug(ctx, "bundle materialized", "bundle", key, "dir", target)
	return &entry{key: key, dir: target, entryFile: entryFile, manifest: manifest}, nil
}

// resolveEntry joins the manifest entry against the bundle directory and
// guards against the entry escaping it.
func resolveEntry(dir, entryPath string) (string, error) {
	if entryPath == "" {
		return "", fmt.Errorf("%w: manifest declares no entry", ErrEntryMissing)
	}
	resolved := filepath.Join(dir, filepath.FromSlash(entryPath))
	rel, err := filepath.Rel(dir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes bundle directory", ErrEntryMissing, entryPath)
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("%w: %q", ErrEntryMissing, entryPath)
	}
	return resolved, nil
}

func verifyChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open bundle artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash bundle artifact: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

// dirName maps a cache key onto a filesystem-safe directory name.
func dirName(key string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "#", "-", "@", "-")
	return r.Replace(key)
}

// Len reports the number of cached entries. Test helper.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
