// Package trusteddoc defines the trusted-document collaborator boundary:
// an external store the gateway consults to resolve a client-supplied
// document id to the actual operation text, and to decide whether an
// inbound request's enforcement mode permits free-form queries at all.
package trusteddoc

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Mode controls how the gateway treats requests that do not resolve to a
// trusted document.
type Mode string

const (
	// ModeIgnore never consults the Store; every request's literal query
	// string is executed as sent. This is the default.
	ModeIgnore Mode = "ignore"
	// ModeAllow consults the Store when a documentId is present but still
	// accepts literal query strings when one is not.
	ModeAllow Mode = "allow"
	// ModeEnforce rejects any request that does not resolve through the
	// Store, even if it carries a literal query string.
	ModeEnforce Mode = "enforce"
)

// Store resolves a (client name, document id) pair to operation text.
// Implementations are external collaborators (a persisted-query cache, a
// CDN-backed manifest, ...); the core only depends on this interface.
type Store interface {
	Lookup(ctx context.Context, clientName, documentID string) (document string, found bool, err error)
}

// NoopStore never resolves anything; it is the default Store wired when no
// trusted-document backend is configured, making ModeIgnore/ModeAllow behave
// as if the feature were absent.
type NoopStore struct{}

func (NoopStore) Lookup(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

var _ Store = NoopStore{}

// Settings is the request-time configuration the gateway holds per deployment.
type Settings struct {
	Mode              Mode
	Store             Store
	BypassHeaderName  string // when set and present on the request, enforcement is skipped for that request
	ClientNameHeader  string // header carrying the caller's client name, used as the Store lookup key
}

// DefaultSettings returns the inert configuration (enforcement off, no store).
func DefaultSettings() Settings {
	return Settings{Mode: ModeIgnore, Store: NoopStore{}}
}

// ManifestStore is a Store backed by a static JSON manifest loaded from
// disk, the simplest real-world Store a deployment can point a YAML config
// file at without writing Go code (a CDN-backed or database-backed Store
// still implements Store directly and is wired via WithTrustedDocuments
// instead). The manifest is keyed by client name first, so the same
// document id can resolve to different operation text per client; the
// empty string is the fallback bucket consulted for requests that don't
// carry a client name.
type ManifestStore struct {
	documents map[string]map[string]string
}

// NewManifestStore parses a JSON manifest of the shape
// {"clientName": {"documentId": "query { ... }"}}. Entries under the empty
// string key are consulted for requests that carry no client name.
func NewManifestStore(data []byte) (*ManifestStore, error) {
	var documents map[string]map[string]string
	if err := json.Unmarshal(data, &documents); err != nil {
		return nil, fmt.Errorf("parsing trusted document manifest: %w", err)
	}
	return &ManifestStore{documents: documents}, nil
}

// LoadManifestStore reads and parses a manifest file from path.
func LoadManifestStore(path string) (*ManifestStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trusted document manifest %s: %w", path, err)
	}
	return NewManifestStore(data)
}

func (m *ManifestStore) Lookup(_ context.Context, clientName, documentID string) (string, bool, error) {
	if byID, ok := m.documents[clientName]; ok {
		if doc, ok := byID[documentID]; ok {
			return doc, true, nil
		}
	}
	if clientName != "" {
		if byID, ok := m.documents[""]; ok {
			if doc, ok := byID[documentID]; ok {
				return doc, true, nil
			}
		}
	}
	return "", false, nil
}

var _ Store = (*ManifestStore)(nil)
