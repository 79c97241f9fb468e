package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// maxManifestSize bounds a fetched manifest body.
const maxManifestSize = 1 << 20

// manifestSchema is the JSON schema every provider manifest must satisfy.
// Icon keys are pixel sizes.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "version", "description", "icons"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "icons": {
      "type": "object",
      "patternProperties": {"^[0-9]+$": {"type": "string", "minLength": 1}},
      "additionalProperties": false
    }
  }
}`

var manifestSchemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// Manifest describes a provider to pages choosing one.
type Manifest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Icons       map[string]string `json:"icons"`
}

// ManifestError reports a manifest that could not be fetched or did not
// satisfy the schema.
type ManifestError struct {
	Type    string `json:"type"`
	URL     string `json:"url,omitempty"`
	Details string `json:"details"`
}

func (e *ManifestError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("manifest %s: %s: %s", e.URL, e.Type, e.Details)
	}
	return fmt.Sprintf("manifest %s: %s", e.Type, e.Details)
}

// ParseManifest validates data against the manifest schema and decodes it.
func ParseManifest(data []byte) (*Manifest, error) {
	result, err := gojsonschema.Validate(manifestSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, &ManifestError{Type: "InvalidJson", Details: err.Error()}
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, fmt.Sprintf("  - %s", desc))
		}
		return nil, &ManifestError{Type: "SchemaValidation", Details: strings.Join(details, "\n")}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Type: "InvalidJson", Details: err.Error()}
	}
	return &m, nil
}

// JSON renders the manifest the way it is served.
func (m *Manifest) JSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FetchManifest downloads and validates the manifest at url.
func FetchManifest(ctx context.Context, client *http.Client, url string) (*Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ManifestError{Type: "Request", URL: url, Details: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ManifestError{Type: "Fetch", URL: url, Details: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ManifestError{Type: "Fetch", URL: url, Details: resp.Status}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, &ManifestError{Type: "Fetch", URL: url, Details: err.Error()}
	}
	m, err := ParseManifest(data)
	if err != nil {
		if me, ok := err.(*ManifestError); ok {
			me.URL = url
		}
		return nil, err
	}
	return m, nil
}

// ManifestHandler serves m as JSON.
func ManifestHandler(m *Manifest) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := m.JSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Write(data)
	})
}
