package ap

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

// Signature verification failures, taxonomized so the inbox endpoint
// can map them to precise status codes.
var (
	ErrMissingSignature     = errors.New("request carries no http signature")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrHeadersNotCovered    = errors.New("signature does not cover the required headers")
	ErrUnknownKey           = errors.New("signature key id is unknown")
	ErrVerifyFailed         = errors.New("signature verification failed")
)

// requiredSignedHeaders must all appear in the headers= field of an
// inbound POST signature.
var requiredSignedHeaders = []string{"(request-target)", "host", "date", "digest"}

const signatureExpiration = 60 * 60 // seconds

// Signer signs outbound requests with an actor's RSA key.
type Signer struct {
	KeyID string
	Key   *rsa.PrivateKey
}

// NewSigner builds a Signer from a key id URI and a private key PEM.
func NewSigner(keyID, privatePEM string) (*Signer, error) {
	key, err := ParsePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("signer key %s: %w", keyID, err)
	}
	return &Signer{KeyID: keyID, Key: key}, nil
}

// SignPost signs an outbound POST carrying body. Host, Date and a
// SHA-256 Digest are attached before the Signature header covering
// (request-target) host date digest content-type.
func (s *Signer) SignPost(req *http.Request, body []byte) error {
	prepareHeaders(req)
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest", "content-type"},
		httpsig.Signature,
		signatureExpiration,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	return signer.SignRequest(s.Key, s.KeyID, req, body)
}

// SignGet signs an outbound bodyless GET, covering
// (request-target) host date.
func (s *Signer) SignGet(req *http.Request) error {
	prepareHeaders(req)
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date"},
		httpsig.Signature,
		signatureExpiration,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	return signer.SignRequest(s.Key, s.KeyID, req, nil)
}

func prepareHeaders(req *http.Request) {
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
}

// KeyFetch resolves a key id URI to the owner's public key PEM and the
// owner's local user id. Implementations may fetch the remote actor on
// a miss.
type KeyFetch func(ctx context.Context, keyID string) (pem string, ownerID string, err error)

// VerifyRequest authenticates an inbound request against its HTTP
// signature and returns the local user id of the verified key owner.
// The body digest is NOT checked here; callers compare the Digest
// header against the received body themselves.
func VerifyRequest(ctx context.Context, r *http.Request, fetch KeyFetch) (string, error) {
	params, err := parseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return "", err
	}
	if algo := params["algorithm"]; algo != "" && algo != "rsa-sha256" && algo != "hs2019" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algo)
	}
	covered := strings.Fields(strings.ToLower(params["headers"]))
	for _, h := range requiredSignedHeaders {
		if !contains(covered, h) {
			return "", fmt.Errorf("%w: %s missing", ErrHeadersNotCovered, h)
		}
	}
	for _, h := range covered {
		if h == "(request-target)" || h == "host" {
			continue
		}
		if r.Header.Get(h) == "" {
			return "", fmt.Errorf("%w: header %s listed but absent", ErrHeadersNotCovered, h)
		}
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingSignature, err)
	}
	keyID := verifier.KeyId()

	pemStr, ownerID, err := fetch(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnknownKey, keyID, err)
	}
	pubKey, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", keyID, err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	return ownerID, nil
}

// parseSignatureHeader splits the Signature header into its key="value"
// parameters.
func parseSignatureHeader(header string) (map[string]string, error) {
	if header == "" {
		return nil, ErrMissingSignature
	}
	params := make(map[string]string)
	for _, part := range splitSignatureParams(header) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	if params["keyid"] == "" {
		return nil, ErrMissingSignature
	}
	return params, nil
}

// splitSignatureParams splits on commas outside quoted strings.
func splitSignatureParams(s string) []string {
	var parts []string
	var b strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MakeDigest computes the Digest header value for a body.
func MakeDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// DigestMatches reports whether a Digest header matches the received
// body. Only SHA-256 digests are accepted.
func DigestMatches(header string, body []byte) bool {
	algo, value, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(algo, "SHA-256") {
		return false
	}
	sum := sha256.Sum256(body)
	return value == base64.StdEncoding.EncodeToString(sum[:])
}
