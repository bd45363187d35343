package job

import "time"

type (
	// BundleVersion is one published, content-addressed bundle artifact. Once
	// Immutable is set the artifact bytes and manifest are frozen; the
	// checksum is re-verified on every cache acquisition.
	BundleVersion struct {
		BundleSlug string
		Version    string
		Manifest   BundleManifest
		// Checksum is the sha256 hex digest of the artifact bytes.
		Checksum string
		// ArtifactStorage selects the fetcher used to materialize the
		// artifact: "local" or "s3".
		ArtifactStorage ArtifactStorage
		// ArtifactPath is the storage-relative path of the tar.gz artifact.
		ArtifactPath string
		Immutable    bool
		Status       BundleStatus
		PublishedAt  time.Time
	}

	// BundleManifest mirrors the manifest.json shipped inside a bundle
	// artifact.
	BundleManifest struct {
		Name string `json:"name,omitempty"`
		// Entry is the bundle-relative path of the handler entry file.
		Entry string `json:"entry"`
		// Capabilities gates host APIs inside the sandbox (e.g. "fs",
		// "network", "process"). Undeclared capabilities are denied.
		Capabilities []string       `json:"capabilities,omitempty"`
		Version      string         `json:"version,omitempty"`
		Metadata     map[string]any `json:"metadata,omitempty"`
	}

	// ArtifactStorage enumerates supported artifact backends.
	ArtifactStorage string

	// BundleStatus enumerates bundle version lifecycle states.
	BundleStatus string
)

const (
	StorageLocal ArtifactStorage = "local"
	StorageS3    ArtifactStorage = "s3"
)

const (
	BundlePublished  BundleStatus = "published"
	BundleDeprecated BundleStatus = "deprecated"
)

// HasCapability reports whether the manifest declares the named capability.
func (m BundleManifest) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
