package memory

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// cipherBox wraps authenticated encryption for records at rest. The master
// key is derived once at engine init via HKDF-SHA256; every record gets a
// fresh 96-bit nonce stored alongside its ciphertext. (domain|key) rides as
// additional data so a ciphertext cannot be replayed under another key.
type cipherBox struct {
	key []byte
}

// newCipherBox derives the process-wide master key from the configured
// secret. Key rotation is out of scope.
func newCipherBox(secret string) (*cipherBox, error) {
	if secret == "" {
		return nil, fmt.Errorf("master key material required (set CONDUCTOR_MASTER_KEY)")
	}

	kdf := hkdf.New(sha256.New, []byte(secret), []byte("conductor-memory-v1"), nil)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return &cipherBox{key: key}, nil
}

// seal encrypts plaintext, returning the nonce and ciphertext separately.
// Nonces come from crypto/rand; reuse would be fatal to confidentiality.
func (c *cipherBox) seal(domain, key string, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad(domain, key))
	return nonce, ciphertext, nil
}

// open decrypts a record. Any tampering or wrong key surfaces as an error.
func (c *cipherBox) open(domain, key string, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad(domain, key))
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ErrIntegrity)
	}
	return plaintext, nil
}

func aad(domain, key string) []byte {
	return []byte(domain + "|" + key)
}

// contentDigest returns the hex sha256 of plaintext content.
func contentDigest(content []byte) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%x", sum)
}

// cacheKey returns the hex sha256 of (domain|key), used for L2 cache file
// names so keys never leak into the filesystem.
func cacheKey(domain, key string) string {
	sum := sha256.Sum256(aad(domain, key))
	return fmt.Sprintf("%x", sum)
}
