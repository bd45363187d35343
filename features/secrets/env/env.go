// Package env resolves secret references from the process environment and a
// static in-process map. It backs both the job runtime and the executor's
// service-step headers in deployments without a dedicated secret manager.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/weftworks/weft/catalog/workflow"
)

type (
	// Options configures the Source.
	Options struct {
		// Prefix is prepended to environment lookups for "env" references,
		// e.g. "WEFT_SECRET_". Keys are upper-cased and dashes become
		// underscores.
		Prefix string
		// Static backs "store" references. Versioned lookups use
		// "key@version" entries and fall back to the bare key.
		Static map[string]string
	}

	// Source resolves workflow.SecretRef values. A nil result with a nil
	// error means the secret does not exist.
	Source struct {
		prefix string
		static map[string]string
	}
)

// New constructs a Source.
func New(opts Options) *Source {
	return &Source{prefix: opts.Prefix, static: opts.Static}
}

// Resolve looks up the reference. Unknown sources are an error; a missing
// secret is nil, nil so callers can distinguish absence from failure.
func (s *Source) Resolve(_ context.Context, ref workflow.SecretRef) (*string, error) {
	switch ref.Source {
	case "env", "":
		name := s.prefix + envKey(ref.Key)
		v, ok := os.LookupEnv(name)
		if !ok {
			return nil, nil
		}
		return &v, nil
	case "store":
		if ref.Version != "" {
			if v, ok := s.static[ref.Key+"@"+ref.Version]; ok {
				return &v, nil
			}
		}
		if v, ok := s.static[ref.Key]; ok {
			return &v, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown secret source %q", ref.Source)
	}
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}
