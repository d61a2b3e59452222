package sourceblob

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/arcvox/recmover/internal/faults"
)

// envelopeMetadataKey is the only blob metadata key probed for a client-side
// encryption envelope. Earlier revisions sniffed every metadata value for
// something envelope-shaped; a fixed key keeps garbled unrelated metadata from
// failing a transfer.
const envelopeMetadataKey = "encryptiondata"

// WrappedContentKey carries the vault-wrapped per-object content key.
type WrappedContentKey struct {
	KeyID        string `json:"KeyId"`
	EncryptedKey []byte `json:"EncryptedKey"`
	Algorithm    string `json:"Algorithm"`
}

// EncryptionAgent names the envelope protocol and content cipher.
type EncryptionAgent struct {
	Protocol            string `json:"Protocol"`
	EncryptionAlgorithm string `json:"EncryptionAlgorithm"`
}

// Envelope is the client-side encryption descriptor stored in blob metadata.
type Envelope struct {
	WrappedContentKey   WrappedContentKey `json:"WrappedContentKey"`
	EncryptionAgent     EncryptionAgent   `json:"EncryptionAgent"`
	ContentEncryptionIV []byte            `json:"ContentEncryptionIV"`
	KeyWrappingMetadata map[string]string `json:"KeyWrappingMetadata"`
}

// ParseEnvelope extracts the encryption envelope from blob metadata. The
// second return is false when the metadata carries no envelope at all; a
// present but garbled document is an error.
func ParseEnvelope(meta map[string]*string) (*Envelope, bool, error) {
	if len(meta) == 0 {
		return nil, false, nil
	}
	var raw string
	for key, val := range meta {
		if !strings.EqualFold(key, envelopeMetadataKey) {
			continue
		}
		if val != nil {
			raw = *val
		}
		break
	}
	if raw == "" {
		return nil, false, nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false, faults.Wrap(faults.Transfer, fmt.Errorf("sourceblob: decode encryption envelope: %w", err))
	}
	if env.WrappedContentKey.KeyID == "" || len(env.WrappedContentKey.EncryptedKey) == 0 {
		return nil, false, nil
	}
	return &env, true, nil
}

// splitKeyID breaks a Key Vault key identifier
// (https://{vault}/keys/{name}/{version}) into its parts.
func splitKeyID(keyID string) (vaultURL, name, version string, err error) {
	u, err := url.Parse(keyID)
	if err != nil {
		return "", "", "", fmt.Errorf("sourceblob: parse key id %q: %w", keyID, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", "", fmt.Errorf("sourceblob: key id %q is not an absolute vault URL", keyID)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || !strings.EqualFold(parts[0], "keys") || parts[1] == "" {
		return "", "", "", fmt.Errorf("sourceblob: key id %q does not reference a vault key", keyID)
	}
	vaultURL = u.Scheme + "://" + u.Host
	name = parts[1]
	if len(parts) > 2 {
		version = parts[2]
	}
	return vaultURL, name, version, nil
}

// decryptContent runs AES-CBC over the buffered ciphertext and strips the
// PKCS#7 padding.
func decryptContent(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sourceblob: content key: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("sourceblob: iv length %d, want %d", len(iv), block.BlockSize())
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("sourceblob: ciphertext length %d is not a block multiple", len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return stripPKCS7(plaintext, block.BlockSize())
}

func stripPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("sourceblob: empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("sourceblob: invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("sourceblob: invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
