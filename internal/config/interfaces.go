package config

import "context"

// SecretProvider resolves secret references named by *_SECRET_REF variables.
type SecretProvider interface {
	// GetParametersBatch returns plaintext values for every key it can
	// resolve. Keys it cannot resolve are omitted from the result.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
