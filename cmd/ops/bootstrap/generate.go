package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"eventbell/internal/external"
)

// tokenByteLength is the number of random bytes generated for the operator
// key. 32 bytes = 256 bits of entropy, hex-encoded to a 64-character string.
const tokenByteLength = 32

// GenerateSecureToken produces a cryptographically secure random token,
// hex encoded.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Secrets are the internally generated credentials of a deployment.
type Secrets struct {
	// OperatorKey is shown to the operator once and never stored; only its
	// hash goes into the environment.
	OperatorKey     string
	OperatorKeyHash string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// GenerateSecrets creates a fresh operator key and VAPID key pair. cost is
// the bcrypt cost of the operator key hash.
func GenerateSecrets(cost int) (*Secrets, error) {
	key, err := GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generating operator key: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return nil, fmt.Errorf("hashing operator key: %w", err)
	}
	pub, priv, err := external.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generating VAPID keys: %w", err)
	}
	return &Secrets{
		OperatorKey:     key,
		OperatorKeyHash: string(hash),
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
	}, nil
}

// Env maps the secrets onto the variables config.LoadConfig reads.
func (s *Secrets) Env() map[string]string {
	return map[string]string{
		"OPERATOR_KEY_HASH": s.OperatorKeyHash,
		"VAPID_PUBLIC_KEY":  s.VAPIDPublicKey,
		"VAPID_PRIVATE_KEY": s.VAPIDPrivateKey,
	}
}
