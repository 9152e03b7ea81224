package keysource

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x42}, KeySize)

func TestDecodeKey(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"hex", hex.EncodeToString(testKey), false},
		{"base64", EncodeKey(testKey), false},
		{"base64 with whitespace", "  " + EncodeKey(testKey) + "\n", false},
		{"short", EncodeKey(testKey[:16]), true},
		{"garbage", "not a key!", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DecodeKey(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testKey, key)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("MEDREC_TEST_KEY", EncodeKey(testKey))
	key, err := FromEnv("MEDREC_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	t.Setenv("MEDREC_TEST_KEY", "")
	_, err = FromEnv("MEDREC_TEST_KEY")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	raw := filepath.Join(dir, "raw.key")
	require.NoError(t, os.WriteFile(raw, testKey, 0o600))
	key, err := FromFile(raw)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	encoded := filepath.Join(dir, "encoded.key")
	require.NoError(t, os.WriteFile(encoded, []byte(hex.EncodeToString(testKey)+"\n"), 0o600))
	key, err = FromFile(encoded)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = FromFile(filepath.Join(dir, "missing.key"))
	assert.Error(t, err)
}

func TestFromPassphrase(t *testing.T) {
	salt := filepath.Join(t.TempDir(), "salt.key")

	k1, err := FromPassphrase("correct horse", salt, 1000)
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)

	stored, err := os.ReadFile(salt)
	require.NoError(t, err)
	assert.Len(t, stored, SaltSize)

	k2, err := FromPassphrase("correct horse", salt, 1000)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same passphrase and salt derive the same key")

	k3, err := FromPassphrase("battery staple", salt, 1000)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	other := filepath.Join(t.TempDir(), "salt.key")
	k4, err := FromPassphrase("correct horse", other, 1000)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "a fresh salt derives a different key")

	_, err = FromPassphrase("", salt, 1000)
	assert.ErrorIs(t, err, ErrNoKey)

	require.NoError(t, os.WriteFile(salt, []byte("short"), 0o600))
	_, err = FromPassphrase("correct horse", salt, 1000)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Setenv("MEDREC_FIELD_KEY", EncodeKey(testKey))
	key, err := Resolve(ctx, Config{Source: SourceEnv, Env: "MEDREC_FIELD_KEY"}, dir)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "field.key"), testKey, 0o600))
	key, err = Resolve(ctx, Config{Source: SourceFile, File: "field.key"}, dir)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	t.Setenv("MEDICAL_MASTER_KEY", "")
	_, err = Resolve(ctx, Config{Source: SourcePassphrase, PassphraseEnv: "MEDICAL_MASTER_KEY", SaltFile: "salt.key"}, dir)
	assert.ErrorIs(t, err, ErrNoKey, "no fallback passphrase")

	t.Setenv("MEDICAL_MASTER_KEY", "hunter2")
	key, err = Resolve(ctx, Config{Source: SourcePassphrase, PassphraseEnv: "MEDICAL_MASTER_KEY", SaltFile: "salt.key", KDFIterations: 1000}, dir)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
	assert.FileExists(t, filepath.Join(dir, "salt.key"))

	_, err = Resolve(ctx, Config{Source: "kms"}, dir)
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MEDREC_DOTENV_KEY="+EncodeKey(testKey)+"\n"), 0o600))

	t.Setenv("MEDREC_DOTENV_KEY", "")
	os.Unsetenv("MEDREC_DOTENV_KEY")

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	key, err := FromEnv("MEDREC_DOTENV_KEY")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)
}

func newVaultServer(t *testing.T, secrets map[string]map[string]any) *VaultClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		path := r.URL.Path[len("/v1/"):]
		switch r.Method {
		case http.MethodGet:
			data, ok := secrets[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"errors":[]}`))
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"data": data})
		case http.MethodPut, http.MethodPost:
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			secrets[path] = body
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := api.DefaultConfig()
	cfg.Address = srv.URL
	client, err := api.NewClient(cfg)
	require.NoError(t, err)
	client.SetToken("test-token")
	return NewVaultClientFrom(client)
}

func TestVaultClient_Key(t *testing.T) {
	ctx := context.Background()
	v := newVaultServer(t, map[string]map[string]any{
		"secret/data/medrec": {"data": map[string]any{"key": EncodeKey(testKey)}},
		"kv/medrec":          {"field_key": hex.EncodeToString(testKey)},
		"secret/data/short":  {"data": map[string]any{"key": EncodeKey(testKey[:8])}},
	})

	key, err := v.Key(ctx, "secret/data/medrec", "")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	key, err = v.Key(ctx, "kv/medrec", "field_key")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = v.Key(ctx, "secret/data/missing", "")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = v.Key(ctx, "secret/data/medrec", "other")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = v.Key(ctx, "secret/data/short", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVaultClient_StoreKey(t *testing.T) {
	ctx := context.Background()
	v := newVaultServer(t, map[string]map[string]any{})

	require.NoError(t, v.StoreKey(ctx, "secret/data/new", "", testKey))
	key, err := v.Key(ctx, "secret/data/new", "")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)
}
