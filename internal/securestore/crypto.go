package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of the derived value-encryption key.
const KeySize = chacha20poly1305.KeySize

// BlobVersion is the first byte of every encrypted value. It is part of
// the AAD, so a flipped version byte fails authentication.
const BlobVersion byte = 0x01

// BlobOverhead is 1 (version) + 24 (nonce) + 16 (tag).
const BlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfoValues = []byte("presenced.store.values.v1")

// DeriveKey stretches the configured secret into a value-encryption key.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty encryption secret")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoValues), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}

// sealBlob encrypts plaintext into the format
//
//	[version:1][nonce:24][ciphertext+tag]
//
// with version and the storage key name as AAD, so a blob copied under a
// different key does not decrypt.
func sealBlob(aead cipher.AEAD, name string, plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = BlobVersion
	copy(out[1:], nonce[:])

	return aead.Seal(out, nonce[:], plaintext, buildAAD(BlobVersion, name)), nil
}

func openBlob(aead cipher.AEAD, name string, blob []byte) ([]byte, error) {
	if len(blob) < BlobOverhead {
		return nil, fmt.Errorf("blob is %d bytes, minimum is %d", len(blob), BlobOverhead)
	}
	if blob[0] != BlobVersion {
		return nil, fmt.Errorf("blob version %d is not supported", blob[0])
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(blob[0], name))
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

func buildAAD(version byte, name string) []byte {
	aad := make([]byte, 1+len(name))
	aad[0] = version
	copy(aad[1:], name)
	return aad
}
