// Package ap implements the ActivityPub wire layer: key material, HTTP
// signatures, JSON-LD expansion of inbound documents, and the compact
// JSON shapes this node serves and delivers.
package ap

const (
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"

	ContentType = `application/activity+json`
	// AcceptHeader also admits the ld+json profile some servers send.
	AcceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// DefaultContext is the @context attached to every outbound document.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"Hashtag":   "as:Hashtag",
		"sensitive": "as:sensitive",
	},
}

// Actor is an outbound actor document.
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Name              string      `json:"name"`
	PreferredUsername string      `json:"preferredUsername"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Following         string      `json:"following,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
	URL               string      `json:"url,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
}

// PublicKey is an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints holds the shared inbox pointer.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// NoteObject is an outbound Note.
type NoteObject struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Content      string        `json:"content"`
	Summary      string        `json:"summary,omitempty"`
	Sensitive    bool          `json:"sensitive"`
	Published    string        `json:"published,omitempty"`
	To           []string      `json:"to,omitempty"`
	CC           []string      `json:"cc,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	Tag          []interface{} `json:"tag,omitempty"`
	URL          string        `json:"url,omitempty"`
}

// TagHashtag is a hashtag entry in a note's tag list.
type TagHashtag struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Href string `json:"href,omitempty"`
}

// TagMention is a mention entry in a note's tag list.
type TagMention struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name,omitempty"`
}

// ActivityObject is the outbound activity envelope. Object is a bare
// IRI, an embedded NoteObject, or an embedded ActivityObject (for
// Accept, Reject and Undo).
type ActivityObject struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// Tombstone marks a deleted object inside a Delete activity.
type Tombstone struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	FormerType string `json:"formerType,omitempty"`
}

// OrderedCollection is an outbound followers/following/outbox listing.
type OrderedCollection struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	TotalItems   int           `json:"totalItems"`
	OrderedItems []interface{} `json:"orderedItems"`
}

// WebFingerResponse answers /.well-known/webfinger.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is one entry of a WebFinger response.
type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo answers /nodeinfo/2.0 and /nodeinfo/2.1.
type NodeInfo struct {
	Version           string            `json:"version"`
	Software          NodeInfoSoftware  `json:"software"`
	Protocols         []string          `json:"protocols"`
	Services          NodeInfoServices  `json:"services"`
	OpenRegistrations bool              `json:"openRegistrations"`
	Usage             NodeInfoUsage     `json:"usage"`
	Metadata          map[string]string `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

// NodeInfoDiscovery answers /.well-known/nodeinfo.
type NodeInfoDiscovery struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}
