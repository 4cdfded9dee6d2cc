package kms

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// NewSecretSource creates a secret source from a spec string. See the
// package documentation for the supported formats.
func NewSecretSource(spec string) (interfaces.SecretSource, error) {
	switch {
	case strings.HasPrefix(spec, "hex:"):
		return &literalSource{encoded: strings.TrimPrefix(spec, "hex:")}, nil
	case strings.HasPrefix(spec, "file:"):
		return &fileSource{path: strings.TrimPrefix(spec, "file:")}, nil
	case strings.HasPrefix(spec, "env:"):
		return &envSource{name: strings.TrimPrefix(spec, "env:")}, nil
	case strings.HasPrefix(spec, "vault://"):
		return newVaultSource(spec)
	case strings.HasPrefix(spec, "shamir:"):
		return newShamirSource(strings.TrimPrefix(spec, "shamir:"))
	default:
		return nil, fmt.Errorf("unsupported secret source spec %q", redact(spec))
	}
}

// literalSource decodes a hex literal from the spec itself.
type literalSource struct {
	encoded string
}

func (s *literalSource) Resolve(ctx context.Context) ([]byte, error) {
	secret, err := hex.DecodeString(s.encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid hex secret: %w", err)
	}
	return secret, nil
}

// fileSource reads a hex string from a file.
type fileSource struct {
	path string
}

func (s *fileSource) Resolve(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("secret file %s is not valid hex: %w", s.path, err)
	}
	return secret, nil
}

// envSource reads a hex string from an environment variable.
type envSource struct {
	name string
}

func (s *envSource) Resolve(ctx context.Context) ([]byte, error) {
	value := os.Getenv(s.name)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", s.name)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("environment variable %s is not valid hex: %w", s.name, err)
	}
	return secret, nil
}

// redact keeps secret material out of error messages.
func redact(spec string) string {
	if i := strings.Index(spec, ":"); i >= 0 {
		return spec[:i] + ":***"
	}
	return "***"
}
