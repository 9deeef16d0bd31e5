package digits

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/secrets"
)

func TestCodecSafeMode(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	t.Setenv("DTMF_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))

	codec, err := NewCodec(&config.DigitsConfig{
		ComplianceMode:   config.ComplianceSafe,
		EncryptionKeyEnv: "DTMF_ENCRYPTION_KEY",
	})
	require.NoError(t, err)
	assert.True(t, codec.Safe())

	stored, err := codec.Protect("123456")
	require.NoError(t, err)
	assert.NotEqual(t, "123456", stored)
	assert.NotContains(t, stored, "123456")

	clear, err := codec.Reveal(stored)
	require.NoError(t, err)
	assert.Equal(t, "123456", clear)

	// Empty values pass through so optional columns stay empty.
	stored, err = codec.Protect("")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestCodecSafeModeRequiresKey(t *testing.T) {
	t.Setenv("DTMF_ENCRYPTION_KEY", "")
	_, err := NewCodec(&config.DigitsConfig{
		ComplianceMode:   config.ComplianceSafe,
		EncryptionKeyEnv: "DTMF_ENCRYPTION_KEY",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrKeyMissing)
}

func TestCodecDevInsecurePassesThrough(t *testing.T) {
	codec, err := NewCodec(&config.DigitsConfig{ComplianceMode: config.ComplianceDevInsecure})
	require.NoError(t, err)
	assert.False(t, codec.Safe())

	stored, err := codec.Protect("123456")
	require.NoError(t, err)
	assert.Equal(t, "123456", stored)

	clear, err := codec.Reveal(stored)
	require.NoError(t, err)
	assert.Equal(t, "123456", clear)
}
