package git

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Signer produces detached armored PGP signatures for commits.
type Signer struct {
	entity *openpgp.Entity
}

// NewSigner loads an armored (or base64-encoded armored) private key and unlocks it
// with passphrase when the key is encrypted.
func NewSigner(key, passphrase string) (*Signer, error) {
	keyData := strings.TrimSpace(key)
	if keyData == "" {
		return nil, fmt.Errorf("signing key is empty")
	}
	if !strings.HasPrefix(keyData, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(keyData)
		if err != nil {
			return nil, fmt.Errorf("decode signing key: %w", err)
		}
		keyData = string(decoded)
	}

	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(keyData))
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	if len(ring) == 0 || ring[0].PrivateKey == nil {
		return nil, fmt.Errorf("signing key has no private key material")
	}

	entity := ring[0]
	if entity.PrivateKey.Encrypted {
		if passphrase == "" {
			return nil, fmt.Errorf("signing key is encrypted and no passphrase was given")
		}
		if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return nil, fmt.Errorf("unlock signing key: %w", err)
		}
		for _, sub := range entity.Subkeys {
			if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
				_ = sub.PrivateKey.Decrypt([]byte(passphrase))
			}
		}
	}

	return &Signer{entity: entity}, nil
}

// Sign returns the armored signature over the commit's unsigned encoding.
func (s *Signer) Sign(c *object.Commit) (string, error) {
	unsigned := &plumbing.MemoryObject{}
	if err := c.EncodeWithoutSignature(unsigned); err != nil {
		return "", fmt.Errorf("encode commit: %w", err)
	}
	rd, err := unsigned.Reader()
	if err != nil {
		return "", fmt.Errorf("read encoded commit: %w", err)
	}
	defer rd.Close()

	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, s.entity, rd, nil); err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return sig.String(), nil
}
