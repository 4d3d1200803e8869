package config

import "context"

// SecretProvider resolves secret references to plaintext values.
// Production uses AWS SSM Parameter Store; local runs use the environment.
type SecretProvider interface {
	// GetParametersBatch returns key -> value for every key it could resolve.
	// Unresolved keys are omitted rather than reported as an error.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
