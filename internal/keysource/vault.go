package keysource

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// DefaultVaultField is the secret field read when none is configured.
const DefaultVaultField = "key"

// VaultClient reads field keys from a Vault KV secret.
type VaultClient struct {
	client *api.Client
}

// NewVaultClient builds a client from VAULT_ADDR, VAULT_TOKEN and
// VAULT_NAMESPACE.
func NewVaultClient() (*VaultClient, error) {
	config := api.DefaultConfig()
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		config.Address = addr
	}
	if config.Address == "" {
		return nil, fmt.Errorf("%w: VAULT_ADDR is not set", ErrNoKey)
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if ns := os.Getenv("VAULT_NAMESPACE"); ns != "" {
		client.SetNamespace(ns)
	}
	token := os.Getenv("VAULT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("%w: VAULT_TOKEN is not set", ErrNoKey)
	}
	client.SetToken(token)
	return &VaultClient{client: client}, nil
}

// NewVaultClientFrom wraps an existing API client.
func NewVaultClientFrom(client *api.Client) *VaultClient {
	return &VaultClient{client: client}
}

// Key reads field from the secret at path. KV v2 secrets (data nested
// under "data") and KV v1 secrets are both accepted. The value must be a
// hex or base64 encoded 256-bit key.
func (v *VaultClient) Key(ctx context.Context, path, field string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no vault path configured", ErrNoKey)
	}
	if field == "" {
		field = DefaultVaultField
	}

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: vault secret %s not found", ErrNoKey, path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	raw, ok := data[field].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: vault secret %s has no field %q", ErrNoKey, path, field)
	}

	key, err := DecodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("vault secret %s: %w", path, err)
	}
	return key, nil
}

// StoreKey writes key, base64 encoded, to a KV v2 secret. Used by
// "keys generate --store vault".
func (v *VaultClient) StoreKey(ctx context.Context, path, field string, key []byte) error {
	if field == "" {
		field = DefaultVaultField
	}
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			field: EncodeKey(key),
		},
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		return fmt.Errorf("writing vault secret %s: %w", path, err)
	}
	return nil
}
