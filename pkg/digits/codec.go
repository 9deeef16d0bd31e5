package digits

import (
	"fmt"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/secrets"
)

// Codec applies the compliance mode to digit buffers crossing the
// persistence boundary. In safe mode values are sealed with AES-GCM before
// they reach a row and opened only for the capture engine itself; in
// dev_insecure mode they pass through untouched.
type Codec struct {
	mode   config.ComplianceMode
	cipher *secrets.Cipher
}

// NewCodec builds the codec for the configured compliance mode. Safe mode
// requires the encryption key env var to be set.
func NewCodec(cfg *config.DigitsConfig) (*Codec, error) {
	if cfg.ComplianceMode == config.ComplianceDevInsecure {
		return &Codec{mode: cfg.ComplianceMode}, nil
	}
	cipher, err := secrets.NewCipherFromEnv(cfg.EncryptionKeyEnv)
	if err != nil {
		return nil, fmt.Errorf("compliance mode %q: %w", cfg.ComplianceMode, err)
	}
	return &Codec{mode: config.ComplianceSafe, cipher: cipher}, nil
}

// Safe reports whether digits are encrypted at rest.
func (c *Codec) Safe() bool { return c.mode == config.ComplianceSafe }

// Protect prepares a cleartext buffer for persistence.
func (c *Codec) Protect(digits string) (string, error) {
	if digits == "" || !c.Safe() {
		return digits, nil
	}
	return c.cipher.Seal(digits)
}

// Reveal recovers the cleartext of a persisted buffer.
func (c *Codec) Reveal(stored string) (string, error) {
	if stored == "" || !c.Safe() {
		return stored, nil
	}
	return c.cipher.Open(stored)
}
