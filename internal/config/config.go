// Package config loads runtime configuration from environment variables
// and provides helpers for minting the URIs of local federation objects.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Hostname            string
	HTTPScheme          string
	Port                string
	DatabaseURL         string
	AllowRegister       bool
	InstanceName        string
	InstanceDescription string
	OutboundTimeout     time.Duration
	RemoteActorTTL      time.Duration
	DeliveryMaxAttempts int
	DeliveryBackoffBase time.Duration
	DeliveryWorkers     int
	ResolveDepthLimit   int
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present, matching how the
// server is run in development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		return nil, fmt.Errorf("HOSTNAME is not set")
	}

	scheme := getEnv("HTTP_SCHEME", "https")
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("HTTP_SCHEME must be http or https, got %q", scheme)
	}

	cfg := &Config{
		Hostname:            hostname,
		HTTPScheme:          scheme,
		Port:                getEnv("PORT", "8000"),
		DatabaseURL:         getEnv("DATABASE_URL", "florapub.db"),
		AllowRegister:       getEnv("ALLOW_REGISTER", "false") == "true",
		InstanceName:        getEnv("INSTANCE_NAME", "florapub"),
		InstanceDescription: os.Getenv("INSTANCE_DESCRIPTION"),
		OutboundTimeout:     time.Duration(getEnvInt("OUTBOUND_TIMEOUT_SECONDS", 3)) * time.Second,
		RemoteActorTTL:      getEnvDuration("REMOTE_ACTOR_TTL", 24*time.Hour),
		DeliveryMaxAttempts: getEnvInt("DELIVERY_MAX_ATTEMPTS", 12),
		DeliveryBackoffBase: getEnvDuration("DELIVERY_BACKOFF_BASE", 30*time.Second),
		DeliveryWorkers:     getEnvInt("DELIVERY_WORKERS", 4),
		ResolveDepthLimit:   getEnvInt("RESOLVE_DEPTH_LIMIT", 3),
	}
	return cfg, nil
}

// InsecureOutbound reports whether outbound TLS verification is
// disabled. Only the http scheme (debug deployments) disables it.
func (c *Config) InsecureOutbound() bool {
	return c.HTTPScheme == "http"
}

// URL returns the parsed local base URL.
func (c *Config) URL() *url.URL {
	return &url.URL{Scheme: c.HTTPScheme, Host: c.Hostname}
}

// BaseURL constructs an absolute local URL from a path.
func (c *Config) BaseURL(path string) string {
	return c.HTTPScheme + "://" + c.Hostname + path
}

// UserURI returns the canonical URI of a local user.
func (c *Config) UserURI(userID string) string {
	return c.BaseURL("/api/users/" + userID)
}

// PostURI returns the canonical URI of a local post.
func (c *Config) PostURI(postID string) string {
	return c.BaseURL("/api/posts/" + postID)
}

// FollowersURI returns the followers collection URI of a local user.
func (c *Config) FollowersURI(userID string) string {
	return c.UserURI(userID) + "/followers"
}

// FollowingURI returns the following collection URI of a local user.
func (c *Config) FollowingURI(userID string) string {
	return c.UserURI(userID) + "/following"
}

// InboxURI returns the inbox URI of a local user.
func (c *Config) InboxURI(userID string) string {
	return c.UserURI(userID) + "/inbox"
}

// OutboxURI returns the outbox URI of a local user.
func (c *Config) OutboxURI(userID string) string {
	return c.UserURI(userID) + "/outbox"
}

// SharedInboxURI returns the host-wide shared inbox URI.
func (c *Config) SharedInboxURI() string {
	return c.BaseURL("/inbox")
}

// InstanceActorURI returns the URI of the instance service actor used
// to sign resolver fetches.
func (c *Config) InstanceActorURI() string {
	return c.BaseURL("/actor")
}

// KeyURI returns the key id URI for an actor's main key.
func KeyURI(actorURI string) string {
	return actorURI + "#main-key"
}

// IsLocalURI reports whether the URI points at this instance.
func (c *Config) IsLocalURI(uri string) bool {
	base := c.HTTPScheme + "://" + c.Hostname
	return uri == base || strings.HasPrefix(uri, base+"/")
}

// LocalUserID extracts the user id from a local user URI.
// Returns ("", false) for URIs that are not local user URIs.
func (c *Config) LocalUserID(uri string) (string, bool) {
	return localID(uri, c.BaseURL("/api/users/"))
}

// LocalPostID extracts the post id from a local post URI.
func (c *Config) LocalPostID(uri string) (string, bool) {
	return localID(uri, c.BaseURL("/api/posts/"))
}

func localID(uri, prefix string) (string, bool) {
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(uri, prefix)
	// Strip trailing sub-resources like /inbox or #main-key.
	if i := strings.IndexAny(id, "/#?"); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		return "", false
	}
	return id, true
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts either a Go duration string ("24h") or a
// bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
