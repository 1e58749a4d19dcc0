// Package keywrap reproduces the two-level AES key chain a
// configuration-management platform uses to protect stored credentials:
// a master key (hex text on disk) is hashed down to a 128-bit wrapping
// key, the wrapping key unwraps an intermediate key blob, and the first
// 16 bytes of the unwrapped payload decrypt the credential ciphertexts.
//
// All functions here are pure and safe for concurrent use. Callers own
// every derived key; nothing is cached across calls.
package keywrap

import (
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Magic is the integrity marker the platform appends to every plaintext
// before encryption. Its presence after decryption is the only signal
// that the right key was used.
const Magic = "::::MAGIC::::"

// KeySize is the AES-128 key length used at every stage of the chain.
const KeySize = 16

var (
	// ErrEncoding reports input that cannot be interpreted in the
	// expected byte or text encoding (truncated ciphertext, bad base64,
	// short key material).
	ErrEncoding = errors.New("malformed input encoding")

	// ErrMarkerMissing reports plaintext that decrypted without the
	// integrity marker: wrong key, or a foreign/corrupted blob.
	ErrMarkerMissing = errors.New("integrity marker missing after decryption")

	// ErrBadPadding reports trailing padding inconsistent with the
	// declared pad length. Usually co-occurs with a wrong key.
	ErrBadPadding = errors.New("inconsistent trailing padding")
)

// DeriveKey reduces raw key material to a 16-byte AES key.
//
// The digest is computed over the material exactly as provided. The
// platform hashes its hex-encoded master key as text, without decoding
// it to binary first, and that quirk is preserved here: hand this
// function the trimmed file contents, not a decoded byte string.
func DeriveKey(material []byte) []byte {
	sum := sha256.Sum256(material)
	return sum[:KeySize]
}

// UnwrapKeyBlob decrypts the intermediate key blob with the wrapping key
// and returns the content key: the first 16 bytes of the plaintext.
//
// The blob plaintext is random key material followed by Magic, either
// bare or block-padded (platform versions differ; both layouts are
// accepted). A plaintext without the marker fails with ErrMarkerMissing.
func UnwrapKeyBlob(wrappingKey, blob []byte) ([]byte, error) {
	plain, err := ECBDecrypt(wrappingKey, blob)
	if err != nil {
		return nil, err
	}
	if len(plain) < KeySize+len(Magic) {
		return nil, fmt.Errorf("key blob too short (%d bytes): %w", len(plain), ErrEncoding)
	}

	if !bytes.HasSuffix(plain, []byte(Magic)) {
		// Padded layout: strip the pad tail, then the marker must be
		// the suffix of what remains.
		stripped, err := stripPadding(plain, aes.BlockSize)
		if err != nil || !bytes.HasSuffix(stripped, []byte(Magic)) {
			return nil, fmt.Errorf("unwrapping key blob: %w", ErrMarkerMissing)
		}
	}

	key := make([]byte, KeySize)
	copy(key, plain[:KeySize])
	return key, nil
}

// DecryptSecret decrypts a credential ciphertext with the content key
// and returns the plaintext secret.
//
// Only the first 16 bytes of contentKey are used, matching the
// platform's truncation of the unwrapped key material. The plaintext
// layout is secret || Magic || padding, where the pad byte value equals
// the pad length.
func DecryptSecret(contentKey, blob []byte) ([]byte, error) {
	if len(contentKey) < KeySize {
		return nil, fmt.Errorf("content key is %d bytes, need %d: %w", len(contentKey), KeySize, ErrEncoding)
	}
	plain, err := ECBDecrypt(contentKey[:KeySize], blob)
	if err != nil {
		return nil, err
	}

	stripped, err := stripPadding(plain, aes.BlockSize)
	if err != nil {
		// A garbled pad almost always means the wrong content key, the
		// same failure mode as a missing marker.
		return nil, fmt.Errorf("decrypting secret (wrong key?): %w", err)
	}
	if !bytes.HasSuffix(stripped, []byte(Magic)) {
		return nil, fmt.Errorf("decrypting secret: %w", ErrMarkerMissing)
	}

	secret := make([]byte, len(stripped)-len(Magic))
	copy(secret, stripped[:len(stripped)-len(Magic)])
	return secret, nil
}

// EncryptSecret is the inverse of DecryptSecret: it appends Magic, pads
// to the block boundary and encrypts with AES-ECB. The platform's
// credential-update path does exactly this, which is what makes the
// chosen-plaintext comparison attack possible.
func EncryptSecret(contentKey, secret []byte) ([]byte, error) {
	if len(contentKey) < KeySize {
		return nil, fmt.Errorf("content key is %d bytes, need %d: %w", len(contentKey), KeySize, ErrEncoding)
	}
	plain := make([]byte, 0, len(secret)+len(Magic)+aes.BlockSize)
	plain = append(plain, secret...)
	plain = append(plain, Magic...)
	plain = Pad(plain, aes.BlockSize)
	return ECBEncrypt(contentKey[:KeySize], plain)
}

// Pad appends padding bytes whose value equals the pad length, bringing
// b up to a multiple of blockSize. Already-aligned input still receives
// a full block of padding so the pad length is always recoverable.
func Pad(b []byte, blockSize int) []byte {
	p := blockSize - len(b)%blockSize
	padded := make([]byte, len(b), len(b)+p)
	copy(padded, b)
	for i := 0; i < p; i++ {
		padded = append(padded, byte(p))
	}
	return padded
}

// stripPadding validates and removes a pad-length tail.
func stripPadding(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext: %w", ErrBadPadding)
	}
	p := int(b[len(b)-1])
	if p < 1 || p > blockSize || p > len(b) {
		return nil, fmt.Errorf("pad length %d out of range: %w", p, ErrBadPadding)
	}
	for _, v := range b[len(b)-p:] {
		if v != byte(p) {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-p], nil
}

// ECBDecrypt decrypts ciphertext block by block with no chaining.
func ECBDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad AES key: %w", ErrEncoding)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of %d: %w",
			len(ciphertext), aes.BlockSize, ErrEncoding)
	}
	plain := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += aes.BlockSize {
		block.Decrypt(plain[off:], ciphertext[off:])
	}
	return plain, nil
}

// ECBEncrypt encrypts block-aligned plaintext block by block.
func ECBEncrypt(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad AES key: %w", ErrEncoding)
	}
	if len(plain) == 0 || len(plain)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("plaintext length %d is not a multiple of %d: %w",
			len(plain), aes.BlockSize, ErrEncoding)
	}
	out := make([]byte, len(plain))
	for off := 0; off < len(plain); off += aes.BlockSize {
		block.Encrypt(out[off:], plain[off:])
	}
	return out, nil
}
