package ap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// DefaultKeyBits is the RSA key size minted for local actors.
const DefaultKeyBits = 4096

// KeyPair holds an RSA key pair used for ActivityPub HTTP signatures.
type KeyPair struct {
	Private    *rsa.PrivateKey
	Public     *rsa.PublicKey
	PrivatePEM string
	PublicPEM  string
}

// GenerateKeyPair mints a fresh RSA key pair of the given size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(privKey)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &KeyPair{
		Private:    privKey,
		Public:     &privKey.PublicKey,
		PrivatePEM: string(privPEM),
		PublicPEM:  string(pubPEM),
	}, nil
}

// ParseKeyPair rebuilds a KeyPair from stored PEM material.
func ParseKeyPair(privPEM, pubPEM string) (*KeyPair, error) {
	priv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, err
	}
	pub, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub, PrivatePEM: privPEM, PublicPEM: pubPEM}, nil
}

// ParsePrivateKeyPEM parses an RSA private key in PKCS#1 or PKCS#8 form.
func ParsePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKeyPEM parses an RSA public key in PKIX or PKCS#1 form.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPub, nil
	}
	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return rsaPub, nil
}
