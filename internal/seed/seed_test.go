package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/pkg/crypto"
	"exchange-core/pkg/db"
)

const sampleSeed = `
brokers:
  - user_email: ops@example.com
    name: main
    exchange_type: kraken
    api_key: seed-key
    api_secret: seed-secret
  - user_email: ops@example.com
    name: backup
    exchange_type: bitget
    api_key: seed-key-2
    api_secret: seed-secret-2
    passphrase: seed-pass
    testnet: true
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brokers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newDeps(t *testing.T) (*db.Database, *crypto.KeyManager) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MASTER_ENCRYPTION_KEY", key)
	keys, err := crypto.NewKeyManager()
	require.NoError(t, err)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database, keys
}

func TestLoadValidatesEntries(t *testing.T) {
	_, err := Load(writeSeed(t, "brokers:\n  - user_email: a@b.c\n"))
	assert.Error(t, err)

	f, err := Load(writeSeed(t, sampleSeed))
	require.NoError(t, err)
	assert.Len(t, f.Brokers, 2)
	assert.True(t, f.Brokers[1].Testnet)
}

func TestApplyCreatesUsersAndEncryptedBrokers(t *testing.T) {
	database, keys := newDeps(t)
	ctx := context.Background()

	f, err := Load(writeSeed(t, sampleSeed))
	require.NoError(t, err)

	created, err := Apply(ctx, f, database, keys)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	user, err := database.GetUserByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Empty(t, user.PasswordHash)

	brokers, err := database.Queries().ListBrokersByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, brokers, 2)
	for _, b := range brokers {
		assert.NotEmpty(t, b.APIKeyEncrypted)
		assert.NotContains(t, b.APIKeyEncrypted, "seed-key")
		assert.NotContains(t, b.APISecretEncrypted, "seed-secret")
	}

	plain, err := keys.Decrypt(brokers[0].APIKeyEncrypted)
	require.NoError(t, err)
	assert.Contains(t, []string{"seed-key", "seed-key-2"}, plain)
}

func TestApplyIsIdempotent(t *testing.T) {
	database, keys := newDeps(t)
	ctx := context.Background()

	f, err := Load(writeSeed(t, sampleSeed))
	require.NoError(t, err)

	_, err = Apply(ctx, f, database, keys)
	require.NoError(t, err)
	created, err := Apply(ctx, f, database, keys)
	require.NoError(t, err)
	assert.Zero(t, created)
}
