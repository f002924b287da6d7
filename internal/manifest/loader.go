package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxManifestSize bounds the size of a fetched manifest
const maxManifestSize = 4 << 20

// Loader fetches application manifests over HTTP or from the local filesystem
type Loader struct {
	client *http.Client
}

// NewLoader creates a loader whose HTTP fetches time out after timeout
func NewLoader(timeout time.Duration) *Loader {
	return &Loader{client: &http.Client{Timeout: timeout}}
}

// Load reads the manifest at location, which is an http(s) URL, a file URL
// or a plain path
func (l *Loader) Load(ctx context.Context, location string) (*Manifest, error) {
	data, err := l.read(ctx, location)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", location, err)
	}
	return m, nil
}

func (l *Loader) read(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create manifest request: %w", err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch manifest %s: %w", location, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch manifest %s: status %d", location, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	}

	path := strings.TrimPrefix(location, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return data, nil
}

// Decode parses a manifest written in YAML or JSON
func Decode(data []byte) (*Manifest, error) {
	// YAML is a superset of JSON; decoding generically first lets the json
	// tags of the manifest types apply to both formats.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalManifest, err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalManifest, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalManifest, err)
	}
	return &m, nil
}
