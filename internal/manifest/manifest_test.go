package manifest_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyedge/internal/manifest"
)

var manifestSecret = []byte("manifest-secret")

func writeManifest(t *testing.T, dir string, mutate func(*manifest.Manifest)) string {
	t.Helper()

	artifact := filepath.Join(dir, "injection_patterns.json")
	require.NoError(t, os.WriteFile(artifact, []byte(`{"patterns":[]}`), 0o640))
	sum := sha256.Sum256([]byte(`{"patterns":[]}`))

	m := manifest.Manifest{
		ArtifactHashes:     map[string]string{"injection_patterns.json": hex.EncodeToString(sum[:])},
		ClientOrderIDMax:   32,
		MarketableSigmaMax: 0.005,
		ModelPricing: map[string]manifest.ModelPrice{
			"gpt-5-mini": {InputPerMTokUSD: 0.25, OutputPerMTokUSD: 2.00, MaxTokens: 8000},
		},
		AllowedUserIDs: []int64{42},
		AllowedChatIDs: []int64{-100},
	}
	m.Sig = manifest.Sign(&m, manifestSecret)
	if mutate != nil {
		mutate(&m)
	}

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, raw, 0o640))
	return path
}

func TestLoadVerifies(t *testing.T) {
	path := writeManifest(t, t.TempDir(), nil)
	m, err := manifest.Load(path, manifestSecret)
	require.NoError(t, err)
	assert.Equal(t, 32, m.ClientOrderIDMax)
	assert.InDelta(t, 0.005, m.MarketableSigmaMax, 1e-9)
	assert.Equal(t, []string{"gpt-5-mini"}, m.ModelKeys())
}

func TestLoadRejectsBadSignature(t *testing.T) {
	path := writeManifest(t, t.TempDir(), func(m *manifest.Manifest) {
		m.ClientOrderIDMax = 64 // tamper after signing
	})
	_, err := manifest.Load(path, manifestSecret)
	assert.ErrorIs(t, err, manifest.ErrTampered)
}

func TestLoadRejectsWrongSecret(t *testing.T) {
	path := writeManifest(t, t.TempDir(), nil)
	_, err := manifest.Load(path, []byte("other-secret"))
	assert.ErrorIs(t, err, manifest.ErrTampered)
}

func TestLoadRejectsTamperedArtifact(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "injection_patterns.json"), []byte(`{"patterns":["x"]}`), 0o640))
	_, err := manifest.Load(path, manifestSecret)
	assert.ErrorIs(t, err, manifest.ErrTampered)
}

func TestWorstCaseCents(t *testing.T) {
	path := writeManifest(t, t.TempDir(), nil)
	m, err := manifest.Load(path, manifestSecret)
	require.NoError(t, err)

	// (0.25 + 2.00) * 8000 / 1e6 = 0.018 USD -> rounds up to 2 cents.
	cents, err := m.WorstCaseCents("gpt-5-mini")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cents)

	_, err = m.WorstCaseCents("unknown-model")
	assert.Error(t, err)
}

func TestCheckSecretPerms(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.env")
	require.NoError(t, os.WriteFile(good, []byte("SECRET=x"), 0o600))
	assert.NoError(t, manifest.CheckSecretPerms(good))

	bad := filepath.Join(dir, "bad.env")
	require.NoError(t, os.WriteFile(bad, []byte("SECRET=x"), 0o644))
	assert.Error(t, manifest.CheckSecretPerms(bad), "world-readable secret rejected")
}
