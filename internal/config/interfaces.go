package config

import "context"

// SecretProvider resolves secret references to plaintext values. The loader
// calls it with every reference found in *_SECRET_FILE variables.
type SecretProvider interface {
	// Resolve returns a map of reference -> plaintext for every reference it
	// could resolve. Missing references are omitted, not errors.
	Resolve(ctx context.Context, refs []string) (map[string]string, error)
}
