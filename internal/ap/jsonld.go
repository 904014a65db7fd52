package ap

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bluele/gcache"
	"github.com/piprate/json-gold/ld"
)

//go:embed contexts/*.json
var contextFS embed.FS

// ErrMalformedDocument marks inbound JSON that does not expand to
// exactly one JSON-LD node.
var ErrMalformedDocument = errors.New("malformed activitypub document")

// embeddedContexts maps context URLs that federation traffic uses
// constantly to bundled copies, so expansion never blocks on a context
// fetch for the common case.
var embeddedContexts = map[string]string{
	"https://www.w3.org/ns/activitystreams": "contexts/activitystreams.json",
	"http://www.w3.org/ns/activitystreams":  "contexts/activitystreams.json",
	"https://w3id.org/security/v1":          "contexts/security.json",
}

// JSONLD expands inbound documents to flat expanded form so property
// lookups are alias-proof.
type JSONLD struct {
	proc *ld.JsonLdProcessor
	opts *ld.JsonLdOptions
}

// NewJSONLD builds a processor whose document loader serves the
// bundled contexts and caches anything else it has to fetch.
func NewJSONLD(client *http.Client) *JSONLD {
	opts := ld.NewJsonLdOptions("")
	opts.DocumentLoader = newContextLoader(client)
	return &JSONLD{proc: ld.NewJsonLdProcessor(), opts: opts}
}

// Expand parses raw JSON and returns its single expanded node.
// Documents expanding to zero or multiple top-level nodes are rejected.
func (j *JSONLD) Expand(raw []byte) (map[string]any, error) {
	doc, err := ld.DocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	expanded, err := j.proc.Expand(doc, j.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if len(expanded) != 1 {
		return nil, fmt.Errorf("%w: expanded to %d nodes", ErrMalformedDocument, len(expanded))
	}
	node, ok := expanded[0].(map[string]any)
	if !ok {
		return nil, ErrMalformedDocument
	}
	return node, nil
}

// contextLoader serves bundled contexts from the binary and falls back
// to the network with a TTL cache for exotic ones.
type contextLoader struct {
	fallback ld.DocumentLoader
	cache    gcache.Cache
}

func newContextLoader(client *http.Client) *contextLoader {
	return &contextLoader{
		fallback: ld.NewDefaultDocumentLoader(client),
		cache:    gcache.New(64).LRU().Expiration(time.Hour).Build(),
	}
}

func (l *contextLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	if path, ok := embeddedContexts[u]; ok {
		raw, err := contextFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read bundled context %s: %w", u, err)
		}
		doc, err := ld.DocumentFromReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse bundled context %s: %w", u, err)
		}
		return &ld.RemoteDocument{DocumentURL: u, Document: doc}, nil
	}
	if cached, err := l.cache.Get(u); err == nil {
		return cached.(*ld.RemoteDocument), nil
	}
	doc, err := l.fallback.LoadDocument(u)
	if err != nil {
		return nil, err
	}
	_ = l.cache.Set(u, doc)
	return doc, nil
}
