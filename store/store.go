// Package store reads the target platform's on-disk credential store:
// the master key file, the wrapped intermediate key blob, and the XML
// document holding encrypted credentials. It hands opaque bytes to the
// keywrap package and does no cryptography itself.
package store

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Default file locations relative to the platform's home directory.
const (
	DefaultMasterKeyFile   = "secrets/master.key"
	DefaultKeyBlobFile     = "secrets/hudson.util.Secret"
	DefaultCredentialsFile = "credentials.xml"
)

// defaultSecretFields are the element names whose text is treated as an
// encrypted secret inside a credential entry.
var defaultSecretFields = []string{"password", "secret", "passphrase"}

// Store reads credential artifacts from a platform home directory.
type Store struct {
	Root string

	// CredentialsFile overrides the credentials document path,
	// relative to Root.
	CredentialsFile string

	// SecretFields overrides the element names scanned for
	// ciphertexts.
	SecretFields []string
}

// New returns a Store rooted at the platform home directory.
func New(root string) *Store {
	return &Store{
		Root:            root,
		CredentialsFile: DefaultCredentialsFile,
		SecretFields:    defaultSecretFields,
	}
}

// MasterKeyMaterial returns the master key file's contents with
// surrounding whitespace trimmed and nothing else done to it: the
// material is consumed as text, exactly as the platform hashes it.
func (s *Store) MasterKeyMaterial() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, DefaultMasterKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading master key: %w", err)
	}
	return bytes.TrimSpace(data), nil
}

// KeyBlob returns the wrapped intermediate key blob, raw.
func (s *Store) KeyBlob() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, DefaultKeyBlobFile))
	if err != nil {
		return nil, fmt.Errorf("reading key blob: %w", err)
	}
	return data, nil
}

// CredentialCiphertext scans the credentials document for the entry
// whose <id> matches id and returns its decoded secret ciphertext.
func (s *Store) CredentialCiphertext(id string) ([]byte, error) {
	path := filepath.Join(s.Root, s.CredentialsFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials document: %w", err)
	}
	defer f.Close()

	enc, err := s.findEntry(f, id)
	if err != nil {
		return nil, err
	}

	// Newer store versions wrap the base64 in braces.
	enc = strings.Trim(strings.TrimSpace(enc), "{}")
	ct, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext for %q: %w", id, err)
	}
	log.Debug().Str("id", id).Int("bytes", len(ct)).Msg("credential ciphertext loaded")
	return ct, nil
}

// findEntry walks the XML token stream looking for an element that
// contains both an <id> child matching id and one of the secret
// fields. The envelope's schema varies across plugin versions, so no
// structural assumptions are made beyond that nesting.
func (s *Store) findEntry(r io.Reader, id string) (string, error) {
	secretField := make(map[string]bool, len(s.SecretFields))
	for _, f := range s.SecretFields {
		secretField[f] = true
	}

	type frame struct {
		name   string
		id     strings.Builder
		secret strings.Builder
	}
	var stack []*frame

	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("credential %q not found in document", id)
		}
		if err != nil {
			return "", fmt.Errorf("parsing credentials document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, &frame{name: t.Name.Local})
		case xml.CharData:
			if len(stack) < 2 {
				continue
			}
			leaf := stack[len(stack)-1]
			entry := stack[len(stack)-2]
			if leaf.name == "id" {
				entry.id.Write(t)
			} else if secretField[leaf.name] {
				entry.secret.Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if strings.TrimSpace(top.id.String()) == id && strings.TrimSpace(top.secret.String()) != "" {
				return top.secret.String(), nil
			}
		}
	}
}
