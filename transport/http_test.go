package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/credrake/credrake/keywrap"
	"github.com/credrake/credrake/oracle"
	"github.com/credrake/credrake/wordlist"
)

var testKey = []byte("fedcba9876543210")

// oracleServer behaves like the target platform's web interface: a
// form POST re-encrypts the stored credential, a GET serves the
// document embedding its ciphertext, and a crumb endpoint gates writes.
func oracleServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	var stored []byte

	mux := http.NewServeMux()
	mux.HandleFunc("/crumbIssuer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "X-Crumb:feedface")
	})
	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Crumb") != "feedface" {
			http.Error(w, "no crumb", http.StatusForbidden)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ct, err := keywrap.EncryptSecret(testKey, []byte(r.PostFormValue("password")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		stored = ct
		mu.Unlock()
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "<entry><password>%s</password></entry>",
			base64.StdEncoding.EncodeToString(stored))
	})
	return httptest.NewServer(mux)
}

func newTestTransport(t *testing.T, srv *httptest.Server) *HTTPForm {
	t.Helper()
	tr, err := NewHTTPForm(HTTPFormConfig{
		UpdateURL:      srv.URL + "/update",
		FetchURL:       srv.URL + "/config",
		CrumbURL:       srv.URL + "/crumbIssuer",
		Field:          "password",
		ExtractPattern: `<password>([A-Za-z0-9+/=]+)</password>`,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestHTTPFormSubmitRetrieve(t *testing.T) {
	srv := oracleServer(t)
	defer srv.Close()
	tr := newTestTransport(t, srv)

	payload := []byte("chosen plaintext")
	h, err := tr.Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := tr.Retrieve(context.Background(), h)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	want, err := keywrap.EncryptSecret(testKey, payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Error("retrieved ciphertext does not match the oracle's encryption")
	}
}

func TestHTTPFormEndToEndSearch(t *testing.T) {
	srv := oracleServer(t)
	defer srv.Close()
	tr := newTestTransport(t, srv)

	target, err := keywrap.EncryptSecret(testKey, []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	cands := wordlist.Generate([]string{"letmein", "hunter2", "qwerty"}, wordlist.Options{
		BlockSize:         16,
		ForbiddenPadBytes: tr.CorruptingByteValues(),
	})
	engine := &oracle.Engine{Transport: tr, BlockSize: 16, Concurrency: 2, Retries: 1}
	m, err := engine.FindMatch(context.Background(), cands, target)
	if err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if !m.Found || m.Word != "hunter2" {
		t.Errorf("got %+v, want hunter2", m)
	}
}

func TestCrumbFetchRetriedAfterFailure(t *testing.T) {
	srv := oracleServer(t)
	defer srv.Close()

	// Front the crumb endpoint with a proxy that drops the first
	// request. The transport must not cache that failure: the next
	// Submit has to fetch the crumb again and go through.
	var mu sync.Mutex
	crumbCalls := 0
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		crumbCalls++
		first := crumbCalls == 1
		mu.Unlock()
		if first {
			http.Error(w, "flaky upstream", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "X-Crumb:feedface")
	}))
	defer flaky.Close()

	tr, err := NewHTTPForm(HTTPFormConfig{
		UpdateURL:      srv.URL + "/update",
		FetchURL:       srv.URL + "/config",
		CrumbURL:       flaky.URL,
		Field:          "password",
		ExtractPattern: `<password>([A-Za-z0-9+/=]+)</password>`,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Submit(context.Background(), []byte("first try")); err == nil {
		t.Fatal("Submit should fail while the crumb endpoint is down")
	}
	h, err := tr.Submit(context.Background(), []byte("second try"))
	if err != nil {
		t.Fatalf("Submit after crumb recovery: %v", err)
	}
	if _, err := tr.Retrieve(context.Background(), h); err != nil {
		t.Fatalf("Retrieve after crumb recovery: %v", err)
	}
	mu.Lock()
	calls := crumbCalls
	mu.Unlock()
	if calls != 2 {
		t.Errorf("crumb endpoint hit %d times, want a retry then a cached crumb", calls)
	}
}

func TestNewHTTPFormValidation(t *testing.T) {
	if _, err := NewHTTPForm(HTTPFormConfig{}); err == nil {
		t.Error("missing URLs must be rejected")
	}
	if _, err := NewHTTPForm(HTTPFormConfig{
		UpdateURL:      "http://x/update",
		FetchURL:       "http://x/config",
		ExtractPattern: "no capture group",
	}); err == nil {
		t.Error("pattern without capture group must be rejected")
	}
	tr, err := NewHTTPForm(HTTPFormConfig{
		UpdateURL:      "http://x/update",
		FetchURL:       "http://x/config",
		ExtractPattern: `<v>(.+)</v>`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if tr.MaxRequestBytes() <= 0 {
		t.Error("default request ceiling not applied")
	}
	if len(tr.CorruptingByteValues()) == 0 {
		t.Error("default corrupting set not applied")
	}
}
