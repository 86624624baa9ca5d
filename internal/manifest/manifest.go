// Package manifest verifies the signed configuration manifest at startup.
// The manifest pins the hash of every config artifact plus the operational
// constants that must not drift silently: the venue client_order_id length,
// the marketable-limit volatility ceiling, AI model pricing, and the
// operator allowlist. A failed verification halts the process.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var ErrTampered = errors.New("manifest: verification failed")

// ModelPrice pins the worst-case token prices for one AI model.
type ModelPrice struct {
	InputPerMTokUSD  float64 `json:"input_per_mtok_usd"`
	OutputPerMTokUSD float64 `json:"output_per_mtok_usd"`
	MaxTokens        int     `json:"max_tokens"`
}

// Manifest is the signed configuration root.
type Manifest struct {
	ArtifactHashes     map[string]string     `json:"artifact_hashes"` // rel path -> sha256 hex
	ClientOrderIDMax   int                   `json:"client_order_id_max"`
	MarketableSigmaMax float64               `json:"marketable_sigma_max"`
	ModelPricing       map[string]ModelPrice `json:"model_pricing"`
	AllowedUserIDs     []int64               `json:"allowed_user_ids"`
	AllowedChatIDs     []int64               `json:"allowed_chat_ids"`
	Sig                string                `json:"sig"`
}

// Load reads, signature-checks, and artifact-checks the manifest. Any
// mismatch returns ErrTampered; the caller transitions to HALTED and emits
// CONFIG_TAMPER.
func Load(path string, secret []byte) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest.Load: read %q: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest.Load: parse: %w", err)
	}

	expected := Sign(&m, secret)
	if !hmac.Equal([]byte(expected), []byte(m.Sig)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrTampered)
	}

	dir := filepath.Dir(path)
	for rel, wantHex := range m.ArtifactHashes {
		sum, err := fileSHA256(filepath.Join(dir, rel))
		if err != nil {
			return nil, fmt.Errorf("%w: artifact %s: %v", ErrTampered, rel, err)
		}
		if sum != wantHex {
			return nil, fmt.Errorf("%w: artifact %s hash mismatch", ErrTampered, rel)
		}
	}

	if m.ClientOrderIDMax <= 0 {
		return nil, fmt.Errorf("%w: client_order_id_max missing", ErrTampered)
	}
	if m.MarketableSigmaMax <= 0 {
		return nil, fmt.Errorf("%w: marketable_sigma_max missing", ErrTampered)
	}
	return &m, nil
}

// Sign computes the manifest HMAC over its canonical serialization (every
// field except the signature itself, keys sorted).
func Sign(m *Manifest, secret []byte) string {
	type unsigned struct {
		ArtifactHashes     map[string]string     `json:"artifact_hashes"`
		ClientOrderIDMax   int                   `json:"client_order_id_max"`
		MarketableSigmaMax float64               `json:"marketable_sigma_max"`
		ModelPricing       map[string]ModelPrice `json:"model_pricing"`
		AllowedUserIDs     []int64               `json:"allowed_user_ids"`
		AllowedChatIDs     []int64               `json:"allowed_chat_ids"`
	}
	u := unsigned{
		ArtifactHashes:     m.ArtifactHashes,
		ClientOrderIDMax:   m.ClientOrderIDMax,
		MarketableSigmaMax: m.MarketableSigmaMax,
		ModelPricing:       m.ModelPricing,
		AllowedUserIDs:     m.AllowedUserIDs,
		AllowedChatIDs:     m.AllowedChatIDs,
	}
	canonical, _ := json.Marshal(u)
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// WorstCaseCents computes the pinned worst-case cost of one call to the
// model, in cents, rounded up.
func (m *Manifest) WorstCaseCents(modelKey string) (int64, error) {
	p, ok := m.ModelPricing[modelKey]
	if !ok {
		return 0, fmt.Errorf("manifest.WorstCaseCents: unknown model %q", modelKey)
	}
	usd := (p.InputPerMTokUSD + p.OutputPerMTokUSD) * float64(p.MaxTokens) / 1e6
	cents := int64(usd * 100)
	if float64(cents) < usd*100 {
		cents++
	}
	return cents, nil
}

// ModelKeys lists the pinned models in stable order.
func (m *Manifest) ModelKeys() []string {
	keys := make([]string, 0, len(m.ModelPricing))
	for k := range m.ModelPricing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CheckSecretPerms rejects secret files readable by others.
func CheckSecretPerms(paths ...string) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("manifest.CheckSecretPerms: %q: %w", p, err)
		}
		if info.Mode().Perm()&0o004 != 0 {
			return fmt.Errorf("manifest.CheckSecretPerms: %q is world-readable (mode %o)", p, info.Mode().Perm())
		}
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
