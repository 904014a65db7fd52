package ap

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	asNS  = "https://www.w3.org/ns/activitystreams#"
	secNS = "https://w3id.org/security#"

	// inbox lives in the LDP vocabulary, not ActivityStreams.
	propInbox = "http://www.w3.org/ns/ldp#inbox"

	// PublicURI is the special audience IRI marking an activity as
	// addressed to the world.
	PublicURI = asNS + "Public"
)

// ErrUnknownActivity marks a well-formed document whose type is not an
// activity this node handles.
var ErrUnknownActivity = errors.New("unknown activity type")

// Activity is an inbound server-to-server activity in parsed form.
// Exactly one of Note, Inner or TargetURI carries the object,
// depending on Kind.
type Activity struct {
	Kind      string
	ID        string
	Actor     string
	To        []string
	Cc        []string
	Published time.Time

	// TargetURI is the object IRI for Follow, Announce, Delete, and
	// for Accept/Reject/Undo when the object came as a bare IRI.
	TargetURI string

	// Note is the embedded object of a Create.
	Note *Note

	// Inner is the embedded object of Accept, Reject or Undo.
	Inner *Activity
}

// Note is a parsed inbound Note or Article object.
type Note struct {
	ID           string
	AttributedTo string
	Content      string
	Summary      string
	Sensitive    bool
	Published    time.Time
	InReplyTo    string
	To           []string
	Cc           []string
	Hashtags     []string
	MentionURIs  []string
}

// ActorDoc is a parsed remote actor document.
type ActorDoc struct {
	ID                string
	Kind              string
	PreferredUsername string
	Name              string
	Summary           string
	Inbox             string
	SharedInbox       string
	Outbox            string
	Followers         string
	Following         string
	URL               string
	PublicKeys        []PublicKeyDoc
}

// PublicKeyDoc is one publicKey entry of an actor document.
type PublicKeyDoc struct {
	ID    string
	Owner string
	PEM   string
}

var activityKinds = map[string]string{
	asNS + "Follow":   "Follow",
	asNS + "Accept":   "Accept",
	asNS + "Reject":   "Reject",
	asNS + "Undo":     "Undo",
	asNS + "Create":   "Create",
	asNS + "Announce": "Announce",
	asNS + "Delete":   "Delete",
}

var actorKinds = map[string]string{
	asNS + "Person":       "Person",
	asNS + "Application":  "Application",
	asNS + "Service":      "Service",
	asNS + "Group":        "Group",
	asNS + "Organization": "Organization",
}

var noteKinds = map[string]bool{
	asNS + "Note":    true,
	asNS + "Article": true,
}

// ParseActivity interprets an expanded node as a server-to-server
// activity. Unknown types return ErrUnknownActivity so the inbox can
// answer 405 rather than 400.
func ParseActivity(node map[string]any) (*Activity, error) {
	kind := ""
	for _, t := range nodeTypes(node) {
		if k, ok := activityKinds[t]; ok {
			kind = k
			break
		}
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, strings.Join(nodeTypes(node), ","))
	}

	act := &Activity{
		Kind:      kind,
		ID:        nodeID(node),
		Actor:     getID(node, asNS+"actor"),
		To:        getIDs(node, asNS+"to"),
		Cc:        getIDs(node, asNS+"cc"),
		Published: getTime(node, asNS+"published"),
	}
	if act.Actor == "" {
		return nil, fmt.Errorf("%w: activity %s has no actor", ErrMalformedDocument, act.ID)
	}

	obj := getNode(node, asNS+"object")
	switch kind {
	case "Follow", "Announce", "Delete":
		act.TargetURI = objectIRI(obj)
		if act.TargetURI == "" {
			return nil, fmt.Errorf("%w: %s without object", ErrMalformedDocument, kind)
		}
	case "Accept", "Reject", "Undo":
		if obj == nil {
			return nil, fmt.Errorf("%w: %s without object", ErrMalformedDocument, kind)
		}
		if isIRINode(obj) {
			act.TargetURI = nodeID(obj)
			break
		}
		inner, err := ParseActivity(obj)
		if errors.Is(err, ErrUnknownActivity) && nodeID(obj) != "" {
			// Wrapped activity of a kind we don't handle; keep the
			// reference so the caller can ignore it gracefully.
			act.TargetURI = nodeID(obj)
			break
		}
		if err != nil {
			return nil, err
		}
		act.Inner = inner
	case "Create":
		if obj == nil || isIRINode(obj) {
			return nil, fmt.Errorf("%w: Create without embedded object", ErrMalformedDocument)
		}
		note, err := ParseNote(obj)
		if err != nil {
			return nil, err
		}
		act.Note = note
	}
	return act, nil
}

// ParseNote interprets an expanded node as a Note or Article.
func ParseNote(node map[string]any) (*Note, error) {
	ok := false
	for _, t := range nodeTypes(node) {
		if noteKinds[t] {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: object type %s is not a note", ErrUnknownActivity, strings.Join(nodeTypes(node), ","))
	}

	n := &Note{
		ID:           nodeID(node),
		AttributedTo: getID(node, asNS+"attributedTo"),
		Content:      getString(node, asNS+"content"),
		Summary:      getString(node, asNS+"summary"),
		Sensitive:    getBool(node, asNS+"sensitive"),
		Published:    getTime(node, asNS+"published"),
		InReplyTo:    getID(node, asNS+"inReplyTo"),
		To:           getIDs(node, asNS+"to"),
		Cc:           getIDs(node, asNS+"cc"),
	}
	if n.ID == "" || n.AttributedTo == "" {
		return nil, fmt.Errorf("%w: note lacks id or attributedTo", ErrMalformedDocument)
	}
	for _, tag := range getNodes(node, asNS+"tag") {
		for _, t := range nodeTypes(tag) {
			switch t {
			case asNS + "Hashtag":
				if name := getString(tag, asNS+"name"); name != "" {
					n.Hashtags = append(n.Hashtags, strings.TrimPrefix(name, "#"))
				}
			case asNS + "Mention":
				if href := getID(tag, asNS+"href"); href != "" {
					n.MentionURIs = append(n.MentionURIs, href)
				}
			}
		}
	}
	return n, nil
}

// ParseActorDoc interprets an expanded node as an actor document.
func ParseActorDoc(node map[string]any) (*ActorDoc, error) {
	kind := ""
	for _, t := range nodeTypes(node) {
		if k, ok := actorKinds[t]; ok {
			kind = k
			break
		}
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: %s is not an actor", ErrMalformedDocument, strings.Join(nodeTypes(node), ","))
	}

	doc := &ActorDoc{
		ID:                nodeID(node),
		Kind:              kind,
		PreferredUsername: getString(node, asNS+"preferredUsername"),
		Name:              getString(node, asNS+"name"),
		Summary:           getString(node, asNS+"summary"),
		Inbox:             getID(node, propInbox),
		Outbox:            getID(node, asNS+"outbox"),
		Followers:         getID(node, asNS+"followers"),
		Following:         getID(node, asNS+"following"),
		URL:               getID(node, asNS+"url"),
	}
	if doc.ID == "" || doc.Inbox == "" {
		return nil, fmt.Errorf("%w: actor lacks id or inbox", ErrMalformedDocument)
	}
	if doc.PreferredUsername == "" {
		return nil, fmt.Errorf("%w: actor %s lacks preferredUsername", ErrMalformedDocument, doc.ID)
	}
	if endpoints := getNode(node, asNS+"endpoints"); endpoints != nil {
		doc.SharedInbox = getID(endpoints, asNS+"sharedInbox")
	}
	for _, key := range getNodes(node, secNS+"publicKey") {
		pk := PublicKeyDoc{
			ID:    nodeID(key),
			Owner: getID(key, secNS+"owner"),
			PEM:   getString(key, secNS+"publicKeyPem"),
		}
		if pk.ID != "" && pk.PEM != "" {
			doc.PublicKeys = append(doc.PublicKeys, pk)
		}
	}
	return doc, nil
}

// Expanded-form accessors. Expansion leaves every property as a list
// of nodes; value nodes carry @value, references carry @id.

func nodeID(node map[string]any) string {
	id, _ := node["@id"].(string)
	return id
}

func nodeTypes(node map[string]any) []string {
	raw, _ := node["@type"].([]any)
	types := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			types = append(types, s)
		}
	}
	return types
}

// isIRINode reports whether a node is a bare reference with no
// properties of its own.
func isIRINode(node map[string]any) bool {
	if len(node) == 1 {
		_, hasID := node["@id"]
		return hasID
	}
	return false
}

// objectIRI returns the IRI a node refers to, whether it is a bare
// reference or an embedded object (e.g. a Tombstone inside a Delete).
func objectIRI(node map[string]any) string {
	if node == nil {
		return ""
	}
	return nodeID(node)
}

func getNodes(node map[string]any, prop string) []map[string]any {
	raw, _ := node[prop].([]any)
	nodes := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			nodes = append(nodes, m)
		}
	}
	return nodes
}

func getNode(node map[string]any, prop string) map[string]any {
	nodes := getNodes(node, prop)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

func getID(node map[string]any, prop string) string {
	for _, n := range getNodes(node, prop) {
		if id := nodeID(n); id != "" {
			return id
		}
	}
	return ""
}

func getIDs(node map[string]any, prop string) []string {
	var ids []string
	for _, n := range getNodes(node, prop) {
		if id := nodeID(n); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func getString(node map[string]any, prop string) string {
	for _, n := range getNodes(node, prop) {
		if v, ok := n["@value"].(string); ok {
			return v
		}
	}
	return ""
}

func getBool(node map[string]any, prop string) bool {
	for _, n := range getNodes(node, prop) {
		switch v := n["@value"].(type) {
		case bool:
			return v
		case string:
			return v == "true"
		}
	}
	return false
}

func getTime(node map[string]any, prop string) time.Time {
	raw := getString(node, prop)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
