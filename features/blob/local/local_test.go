package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/catalog/job"
)

func TestFetchResolvesUnderRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bundles"), 0o755))
	artifact := filepath.Join(root, "bundles", "reports-1.0.0.tgz")
	require.NoError(t, os.WriteFile(artifact, []byte("tgz"), 0o644))

	f, err := New(root)
	require.NoError(t, err)

	got, err := f.Fetch(context.Background(), &job.BundleVersion{
		BundleSlug:   "reports",
		Version:      "1.0.0",
		ArtifactPath: "bundles/reports-1.0.0.tgz",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, artifact, got)
}

func TestFetchRejectsEscapingPaths(t *testing.T) {
	f, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), &job.BundleVersion{
		BundleSlug:   "sneaky",
		Version:      "1.0.0",
		ArtifactPath: "../../etc/passwd",
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes storage root")
}

func TestFetchReportsMissingArtifact(t *testing.T) {
	f, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), &job.BundleVersion{
		BundleSlug:   "reports",
		Version:      "9.9.9",
		ArtifactPath: "bundles/missing.tgz",
	}, "")
	require.Error(t, err)
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
