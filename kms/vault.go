package kms

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// vaultSource reads a hex-encoded secret field from a Vault KV v2 mount.
// The spec is vault://host:port/mount/path#field; the token comes from the
// standard VAULT_TOKEN environment variable (or ~/.vault-token), and
// ?insecure=true selects plain HTTP for development setups.
type vaultSource struct {
	address string
	mount   string
	path    string
	field   string
}

func newVaultSource(spec string) (*vaultSource, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid vault secret spec: %w", err)
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || len(parts) != 2 || u.Fragment == "" {
		return nil, fmt.Errorf("vault secret spec needs vault://host:port/mount/path#field")
	}

	scheme := "https"
	if u.Query().Get("insecure") == "true" {
		scheme = "http"
	}

	return &vaultSource{
		address: fmt.Sprintf("%s://%s", scheme, u.Host),
		mount:   parts[0],
		path:    parts[1],
		field:   u.Fragment,
	}, nil
}

func (s *vaultSource) Resolve(ctx context.Context) ([]byte, error) {
	config := vaultapi.DefaultConfig()
	config.Address = s.address

	client, err := vaultapi.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating Vault client: %w", err)
	}

	secret, err := client.KVv2(s.mount).Get(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("reading secret from Vault: %w", err)
	}

	raw, ok := secret.Data[s.field]
	if !ok {
		return nil, fmt.Errorf("vault secret %s/%s has no field %q", s.mount, s.path, s.field)
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("vault secret field %q is not a string", s.field)
	}

	value, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("vault secret field %q is not valid hex: %w", s.field, err)
	}
	return value, nil
}
