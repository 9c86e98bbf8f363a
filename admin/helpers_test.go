package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stellar-expert/notifier/cfg"
	"github.com/stellar-expert/notifier/watcher"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	mu      sync.Mutex
	status  watcher.Status
	kicks   int
	watches int
}

func (f *fakeWatcher) Status() watcher.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeWatcher) Watch(context.Context) {
	f.mu.Lock()
	f.watches++
	f.mu.Unlock()
}

func (f *fakeWatcher) Kick() {
	f.mu.Lock()
	f.kicks++
	f.mu.Unlock()
}

func (f *fakeWatcher) counts() (kicks, watches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicks, f.watches
}

type fixedLag map[string]uint64

func (l fixedLag) DeliveryLag() map[string]uint64 { return l }

type fixture struct {
	watcher  *fakeWatcher
	observer *watcher.Observer
	server   *httptest.Server
}

func newFixture(t *testing.T, admin cfg.AdminConfiguration) *fixture {
	t.Helper()
	f := &fixture{
		watcher:  &fakeWatcher{status: watcher.Status{State: "live", Observing: true, LastCursor: "100"}},
		observer: watcher.NewObserver(nil),
	}
	handlers := NewAdminHandlers(context.Background(), f.watcher, f.observer, fixedLag{"kafka": 3})
	f.server = httptest.NewServer(NewRouter(handlers, NewAuthorizer(admin)))
	t.Cleanup(f.server.Close)
	return f
}

func openAdmin() cfg.AdminConfiguration {
	return cfg.AdminConfiguration{Authorization: "disabled"}
}

func securedAdmin(keys ...string) cfg.AdminConfiguration {
	return cfg.AdminConfiguration{
		Authorization: "enabled",
		AdminToken:    "s3cret",
		AdminKeys:     keys,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, form url.Values) *http.Response {
	t.Helper()

	var req *http.Request
	var err error
	if method == http.MethodGet {
		target := f.server.URL + path
		if len(form) > 0 {
			target += "?" + form.Encode()
		}
		req, err = http.NewRequest(method, target, nil)
	} else {
		req, err = http.NewRequest(method, f.server.URL+path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("X-Access-Token", token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// signedToken signs the url-encoded params the way clients do
func signedToken(t *testing.T, kp *keypair.Full, params url.Values) string {
	t.Helper()
	sig, err := kp.Sign([]byte(params.Encode()))
	require.NoError(t, err)
	return kp.Address() + "." + base64.StdEncoding.EncodeToString(sig)
}

func decodeData(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, v))
}
