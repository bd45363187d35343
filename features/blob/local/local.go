// Package local serves bundle artifacts from a directory on the local
// filesystem, the default storage for single-node deployments. The storage
// root is configured via WEFT_BUNDLE_STORAGE_ROOT.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/runtime/bundle"
)

// EnvStorageRoot names the environment variable holding the artifact root.
const EnvStorageRoot = "WEFT_BUNDLE_STORAGE_ROOT"

// Fetcher resolves artifact paths under a fixed root directory.
type Fetcher struct {
	root string
}

var _ bundle.ArtifactFetcher = (*Fetcher)(nil)

// New constructs a fetcher rooted at root.
func New(root string) (*Fetcher, error) {
	if root == "" {
		return nil, errors.New("bundle storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Fetcher{root: abs}, nil
}

// NewFromEnv constructs a fetcher from WEFT_BUNDLE_STORAGE_ROOT.
func NewFromEnv() (*Fetcher, error) {
	return New(os.Getenv(EnvStorageRoot))
}

// Fetch resolves the artifact path under the root. Paths escaping the root
// are rejected, matching the traversal guard applied to bundle contents.
func (f *Fetcher) Fetch(_ context.Context, bv *job.BundleVersion, _ string) (string, error) {
	resolved := filepath.Join(f.root, filepath.FromSlash(bv.ArtifactPath))
	rel, err := filepath.Rel(f.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes storage root", bv.ArtifactPath)
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("bundle artifact %s@%s: %w", bv.BundleSlug, bv.Version, err)
	}
	return resolved, nil
}
