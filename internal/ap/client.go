package ap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrGone is returned when a remote resource responds with HTTP 410.
// The actor or object has been deleted on its home server.
var ErrGone = errors.New("resource gone (410)")

const userAgent = "florapub/1.0 (+https://github.com/florapub/florapub)"

// maxResponseBytes caps remote response bodies. Actor documents and
// activities are small; anything past this is hostile or broken.
const maxResponseBytes = 1 << 20

// Client performs signed server-to-server HTTP.
type Client struct {
	http   *http.Client
	scheme string
}

// NewClient builds a federation HTTP client. scheme is the URL scheme
// used for hosts discovered by name (https in production, http only
// for local test federations). insecure additionally skips TLS
// verification and must stay off outside debug deployments.
func NewClient(timeout time.Duration, scheme string, insecure bool) *Client {
	c := &http.Client{Timeout: timeout}
	if insecure {
		c.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{http: c, scheme: scheme}
}

// Get fetches an ActivityPub object, signing the request when a signer
// is supplied. Returns the raw body and status code; non-2xx statuses
// are returned as errors with the code still populated.
func (c *Client) Get(ctx context.Context, rawURL string, signer *Signer) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", AcceptHeader)
	req.Header.Set("User-Agent", userAgent)
	if signer != nil {
		if err := signer.SignGet(req); err != nil {
			return nil, 0, fmt.Errorf("sign GET %s: %w", rawURL, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", rawURL, err)
	}
	switch {
	case resp.StatusCode == http.StatusGone:
		return body, resp.StatusCode, ErrGone
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return body, resp.StatusCode, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

// Deliver POSTs a signed activity to an inbox and returns the response
// status code. The caller decides whether a failure is retryable.
func (c *Client) Deliver(ctx context.Context, inbox string, body []byte, signer *Signer) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", userAgent)
	if err := signer.SignPost(req, body); err != nil {
		return 0, fmt.Errorf("sign POST %s: %w", inbox, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, nil
}

// WebFinger resolves user@host to the actor URI advertised with the
// self rel.
func (c *Client) WebFinger(ctx context.Context, username, host string) (string, error) {
	wfURL := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s",
		c.scheme, host, url.QueryEscape("acct:"+username+"@"+host))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger fetch %s@%s: %w", username, host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return "", ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger for %s@%s: HTTP %d", username, host, resp.StatusCode)
	}

	var wf WebFingerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&wf); err != nil {
		return "", fmt.Errorf("decode webfinger for %s@%s: %w", username, host, err)
	}
	for _, link := range wf.Links {
		if link.Rel == "self" && link.Href != "" &&
			(link.Type == "" || strings.Contains(link.Type, "activity+json") || strings.Contains(link.Type, "ld+json")) {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("webfinger for %s@%s: no self link", username, host)
}
