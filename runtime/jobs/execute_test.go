package jobs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/catalog/job"
	"github.com/weftworks/weft/catalog/store/inmem"
	"github.com/weftworks/weft/runtime/bundle"
	"github.com/weftworks/weft/runtime/sandbox"
)

func newRuntime(t *testing.T, opts Options) (*Runtime, *inmem.Store) {
	t.Helper()
	st := inmem.New()
	opts.Store = st
	rt, err := New(opts)
	require.NoError(t, err)
	return rt, st
}

func seedDefinition(t *testing.T, st *inmem.Store, def *job.Definition) *job.Definition {
	t.Helper()
	require.NoError(t, st.UpsertJobDefinition(context.Background(), def))
	return def
}

func seedRun(t *testing.T, st *inmem.Store, run *job.Run) *job.Run {
	t.Helper()
	require.NoError(t, st.CreateJobRun(context.Background(), run))
	return run
}

func staticDef() *job.Definition {
	return &job.Definition{
		Slug:       "send-report",
		Name:       "Send Report",
		Runtime:    job.RuntimeNode,
		EntryPoint: "sendReport",
	}
}

func TestExecuteStaticSuccess(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	def := seedDefinition(t, st, staticDef())
	rt.RegisterHandler("send-report", func(_ context.Context, rc *RunContext) (any, error) {
		params := rc.Parameters().(map[string]any)
		return map[string]any{"sentTo": params["tenant"]}, nil
	})
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID, Parameters: map[string]any{"tenant": "acme"}})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunSucceeded, got.Status)
	assert.Equal(t, map[string]any{"sentTo": "acme"}, got.Result)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecuteStaticHandlerError(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	def := seedDefinition(t, st, staticDef())
	rt.RegisterHandler("send-report", func(context.Context, *RunContext) (any, error) {
		return nil, errors.New("smtp unreachable")
	})
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunFailed, got.Status)
	assert.Equal(t, "smtp unreachable", got.ErrorMessage)
	assert.Equal(t, "smtp unreachable", got.Context["error"])
}

func TestExecuteStaticPanicCaptured(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	def := seedDefinition(t, st, staticDef())
	rt.RegisterHandler("send-report", func(context.Context, *RunContext) (any, error) {
		panic("nil dereference")
	})
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "handler panic")
}

func TestExecuteStaticTimeoutExpires(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	def := staticDef()
	def.TimeoutMs = 30
	def = seedDefinition(t, st, def)
	rt.RegisterHandler("send-report", func(ctx context.Context, _ *RunContext) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunExpired, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
}

func TestExecuteNoHandler(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	def := seedDefinition(t, st, staticDef())
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no handler registered")
}

func TestExecuteMissingDefinitionFailsRun(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	run := seedRun(t, st, &job.Run{JobDefinitionID: "gone"})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "not found")
}

func TestExecuteTerminalRunIsNoOp(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	def := seedDefinition(t, st, staticDef())
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID})
	run.Status = job.RunSucceeded
	run.Result = "done"
	require.NoError(t, st.CompleteJobRun(context.Background(), run))

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunSucceeded, got.Status)
	assert.Equal(t, "done", got.Result)
}

func TestExecuteBundleFallback(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	def := staticDef()
	def.EntryPoint = "bundle:report-gen@1.0.0"
	def = seedDefinition(t, st, def)
	rt.RegisterFallback("send-report", func(context.Context, *RunContext) (any, error) {
		return "fallback-result", nil
	})
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunSucceeded, got.Status)
	assert.Equal(t, "fallback-result", got.Result)
	assert.Equal(t, true, got.Metrics["bundleFallback"])
}

func TestExecuteBundleResolutionFailure(t *testing.T) {
	rt, st := newRuntime(t, Options{})
	def := staticDef()
	def.EntryPoint = "bundle:report-gen@1.0.0"
	def = seedDefinition(t, st, def)
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "bundle resolution failed")
}

func TestExecuteRecoveryHookConsulted(t *testing.T) {
	recovered := false
	rt, st := newRuntime(t, Options{
		Recovery: func(_ context.Context, binding job.BundleBinding) (*job.BundleVersion, error) {
			recovered = true
			assert.Equal(t, "report-gen", binding.Slug)
			return nil, errors.New("nothing to recover")
		},
	})
	// Bundle execution configured but the version record is absent.
	cache, err := bundle.New(bundle.Options{Root: t.TempDir()})
	require.NoError(t, err)
	rt.bundles = cache
	rt.sandbox = sandbox.NewRunner(sandbox.Options{})

	def := staticDef()
	def.EntryPoint = "bundle:report-gen@1.0.0"
	def = seedDefinition(t, st, def)
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID})

	got, execErr := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, execErr)
	assert.Equal(t, job.RunFailed, got.Status)
	assert.True(t, recovered)
}

// bundleArchive writes a tar.gz with the given files and returns its path
// and sha256.
func bundleArchive(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
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

type pathFetcher struct{}

func (pathFetcher) Fetch(_ context.Context, bv *job.BundleVersion, _ string) (string, error) {
	return bv.ArtifactPath, nil
}

func TestExecuteBundleEndToEnd(t *testing.T) {
	path, checksum := bundleArchive(t, map[string]string{
		"manifest.json": `{"name":"report-gen","entry":"index.js"}`,
		"index.js":      "handler",
	})
	cache, err := bundle.New(bundle.Options{
		Root:     t.TempDir(),
		Fetchers: map[job.ArtifactStorage]bundle.ArtifactFetcher{job.StorageLocal: pathFetcher{}},
	})
	require.NoError(t, err)

	script := `read start
echo '{"type":"log","payload":{"level":"info","message":"generating"}}'
echo '{"type":"result","payload":{"result":{"pages":3},"durationMs":4,"resourceUsage":{"cpuUserMicros":50}}}'`
	runner := sandbox.NewRunner(sandbox.Options{Node: []string{"/bin/sh", "-c", script}})

	rt, st := newRuntime(t, Options{})
	rt.bundles = cache
	rt.sandbox = runner

	require.NoError(t, st.PutBundleVersion(context.Background(), &job.BundleVersion{
		BundleSlug:      "report-gen",
		Version:         "1.0.0",
		Manifest:        job.BundleManifest{Entry: "index.js"},
		Checksum:        checksum,
		ArtifactStorage: job.StorageLocal,
		ArtifactPath:    path,
		Status:          job.BundlePublished,
	}))

	def := staticDef()
	def.EntryPoint = "bundle:report-gen@1.0.0"
	def = seedDefinition(t, st, def)
	run := seedRun(t, st, &job.Run{JobDefinitionID: def.ID, Parameters: map[string]any{"tenant": "acme"}})

	got, err := rt.ExecuteJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RunSucceeded, got.Status)
	assert.Equal(t, map[string]any{"pages": float64(3)}, got.Result)

	sb, ok := got.Metrics["sandbox"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 4, sb["durationMs"])
	sbCtx, ok := got.Context["sandbox"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, sbCtx["logs"])
}

func TestWorkflowBundleOverride(t *testing.T) {
	run := &job.Run{Context: map[string]any{
		WorkflowBundleContextKey: map[string]any{"slug": "report-gen", "version": "2.0.0", "exportName": "render"},
	}}
	b := workflowBundleOverride(run)
	require.NotNil(t, b)
	assert.Equal(t, "report-gen", b.Slug)
	assert.Equal(t, "2.0.0", b.Version)
	assert.Equal(t, "render", b.ExportName)

	assert.Nil(t, workflowBundleOverride(&job.Run{}))
}
