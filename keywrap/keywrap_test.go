package keywrap

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
)

// Master key material from a real store: 128 random bytes hex-encoded
// to 256 characters. The platform hashes this text form directly.
const masterMaterial = "6fa18d9aaac920b016d119b76de75251f472ec6f44734533d64eeb5de794f1ca33108a7a7c853a3acf084184e3e93ff98484d668a32d16f810cce970f93c750da0b785cb25527384acab38015c1a3e180a342b807f724da01f3e94584ac60651dc7f1958f3e2c6ed1a16990cbbcc361c82e3b65e96f435173ea67b7255d6810f"

func TestDeriveKeyDeterministic(t *testing.T) {
	inputs := [][]byte{
		[]byte(masterMaterial),
		[]byte(""),
		[]byte("short"),
	}
	random := make([]byte, 128)
	rand.Read(random)
	inputs = append(inputs, random)

	for _, in := range inputs {
		a := DeriveKey(in)
		b := DeriveKey(in)
		if len(a) != KeySize {
			t.Fatalf("derived key is %d bytes, want %d", len(a), KeySize)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("DeriveKey not deterministic for %d-byte input", len(in))
		}
	}
}

func TestDeriveKeyHashesTextNotBinary(t *testing.T) {
	decoded, err := hex.DecodeString(masterMaterial)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(DeriveKey([]byte(masterMaterial)), DeriveKey(decoded)) {
		t.Error("hex text and decoded bytes derived the same key; material must be hashed as text")
	}
}

// makeKeyBlob builds a wrapped key blob the way the platform does:
// random key material followed by the marker, block-padded.
func makeKeyBlob(t *testing.T, wrappingKey []byte, payload []byte) []byte {
	t.Helper()
	plain := append(append([]byte{}, payload...), Magic...)
	blob, err := ECBEncrypt(wrappingKey, Pad(plain, 16))
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func TestUnwrapKeyBlobRoundTrip(t *testing.T) {
	wrappingKey := DeriveKey([]byte(masterMaterial))

	payload := make([]byte, 256)
	rand.Read(payload)
	blob := makeKeyBlob(t, wrappingKey, payload)

	contentKey, err := UnwrapKeyBlob(wrappingKey, blob)
	if err != nil {
		t.Fatalf("UnwrapKeyBlob: %v", err)
	}
	if !bytes.Equal(contentKey, payload[:16]) {
		t.Error("content key is not the first 16 bytes of the wrapped payload")
	}
}

func TestUnwrapKeyBlobUnpaddedLayout(t *testing.T) {
	wrappingKey := DeriveKey([]byte("another master key"))

	// 19-byte payload plus the 13-byte marker is exactly two blocks,
	// the layout older store versions write without padding.
	payload := make([]byte, 19)
	rand.Read(payload)
	plain := append(append([]byte{}, payload...), Magic...)
	blob, err := ECBEncrypt(wrappingKey, plain)
	if err != nil {
		t.Fatal(err)
	}

	contentKey, err := UnwrapKeyBlob(wrappingKey, blob)
	if err != nil {
		t.Fatalf("UnwrapKeyBlob: %v", err)
	}
	if !bytes.Equal(contentKey, payload[:16]) {
		t.Error("content key mismatch for unpadded blob layout")
	}
}

func TestUnwrapKeyBlobWrongKey(t *testing.T) {
	payload := make([]byte, 256)
	rand.Read(payload)
	blob := makeKeyBlob(t, DeriveKey([]byte("right key")), payload)

	_, err := UnwrapKeyBlob(DeriveKey([]byte("wrong key")), blob)
	if !errors.Is(err, ErrMarkerMissing) {
		t.Errorf("wrong wrapping key: got %v, want ErrMarkerMissing", err)
	}
}

func TestDecryptSecretRoundTrip(t *testing.T) {
	key := DeriveKey([]byte("content key material"))

	// Every secret length through a full block, covering each pad
	// length including the full extra block for aligned plaintexts.
	for n := 0; n < 16; n++ {
		secret := bytes.Repeat([]byte{'x'}, n)
		blob, err := EncryptSecret(key, secret)
		if err != nil {
			t.Fatalf("EncryptSecret(len %d): %v", n, err)
		}
		got, err := DecryptSecret(key, blob)
		if err != nil {
			t.Fatalf("DecryptSecret(len %d): %v", n, err)
		}
		if !bytes.Equal(got, secret) {
			t.Errorf("round trip lost secret of length %d", n)
		}
	}
}

func TestDecryptSecretPaddingLayout(t *testing.T) {
	key := DeriveKey([]byte("content key material"))
	blob, err := EncryptSecret(key, []byte("password"))
	if err != nil {
		t.Fatal(err)
	}

	// "password" (8) plus the marker (13) is 21 bytes, so the pad is
	// 11 bytes of 0x0B and the ciphertext two blocks.
	if len(blob) != 32 {
		t.Fatalf("ciphertext is %d bytes, want 32", len(blob))
	}
	plain, err := ECBDecrypt(key, blob)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range plain[21:] {
		if b != 0x0B {
			t.Fatalf("pad byte is %#x, want 0x0b", b)
		}
	}
	if string(plain[8:21]) != Magic {
		t.Error("marker not at expected position")
	}
}

func TestDecryptSecretWrongKey(t *testing.T) {
	blob, err := EncryptSecret(DeriveKey([]byte("right")), []byte("password"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = DecryptSecret(DeriveKey([]byte("wrong")), blob)
	if !errors.Is(err, ErrBadPadding) && !errors.Is(err, ErrMarkerMissing) {
		t.Errorf("wrong content key: got %v, want a padding or marker error", err)
	}
}

func TestDecryptSecretBadPadding(t *testing.T) {
	key := DeriveKey([]byte("content key material"))

	// Declared pad length 5 but only the final byte carries it.
	plain := append([]byte("0123456789"), 1, 2, 3, 4, 5)
	plain = append(plain, 0) // align to 16
	plain[15] = 5
	blob, err := ECBEncrypt(key, plain)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptSecret(key, blob); !errors.Is(err, ErrBadPadding) {
		t.Errorf("got %v, want ErrBadPadding", err)
	}
}

func TestDecryptSecretMarkerMissing(t *testing.T) {
	key := DeriveKey([]byte("content key material"))
	blob, err := ECBEncrypt(key, Pad([]byte("no marker here"), 16))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptSecret(key, blob); !errors.Is(err, ErrMarkerMissing) {
		t.Errorf("got %v, want ErrMarkerMissing", err)
	}
}

func TestEncodingErrors(t *testing.T) {
	key := DeriveKey([]byte("key"))

	if _, err := ECBDecrypt(key, make([]byte, 17)); !errors.Is(err, ErrEncoding) {
		t.Errorf("unaligned ciphertext: got %v, want ErrEncoding", err)
	}
	if _, err := ECBDecrypt([]byte("short"), make([]byte, 16)); !errors.Is(err, ErrEncoding) {
		t.Errorf("bad key size: got %v, want ErrEncoding", err)
	}
	if _, err := DecryptSecret(key[:8], make([]byte, 16)); !errors.Is(err, ErrEncoding) {
		t.Errorf("short content key: got %v, want ErrEncoding", err)
	}
}

func TestPadAlwaysRecoverable(t *testing.T) {
	for n := 0; n < 40; n++ {
		padded := Pad(bytes.Repeat([]byte{'a'}, n), 16)
		if len(padded)%16 != 0 {
			t.Fatalf("len %d not block-aligned after padding", len(padded))
		}
		p := padded[len(padded)-1]
		if p < 1 || int(p) > 16 {
			t.Fatalf("pad value %d out of range", p)
		}
		if n%16 == 0 && int(p) != 16 {
			t.Errorf("aligned input of length %d should get a full pad block, got %d", n, p)
		}
	}
}
