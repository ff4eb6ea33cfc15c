package offline

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginFetcher(t *testing.T) {
	var gotConnection, gotForwarded, gotBody, gotURI string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		gotConnection = r.Header.Get("Connection")
		gotForwarded = r.Header.Get("X-Forwarded-For")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		io.WriteString(w, "from origin")
	}))
	defer origin.Close()

	u, err := url.Parse(origin.URL + "/")
	require.NoError(t, err)
	fetcher := NewOriginFetcher(*u, "", 5*time.Second)

	req := httptest.NewRequest(http.MethodPost, "/api/transactions?draft=1", strings.NewReader(`{"amount":1}`))
	req.Header.Set("Connection", "close")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	res, err := fetcher.Fetch(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "from origin", string(body))
	assert.Equal(t, "/api/transactions?draft=1", gotURI)
	assert.Equal(t, `{"amount":1}`, gotBody)
	assert.Empty(t, gotConnection)
	assert.Empty(t, gotForwarded)
	assert.NotEmpty(t, res.Header.Get("Date"))

	// redirects are passed on, not followed
	res, err = fetcher.Fetch(httptest.NewRequest(http.MethodGet, "/old", nil))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/new", res.Header.Get("Location"))
}

func TestOriginFetcherConnectionFailure(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	u, err := url.Parse(origin.URL)
	require.NoError(t, err)
	origin.Close()

	fetcher := NewOriginFetcher(*u, "", time.Second)
	_, err = fetcher.Fetch(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
}

func TestHandlerFetcher(t *testing.T) {
	fetcher := HandlerFetcher{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{}`)
	})}
	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	res, err := fetcher.Fetch(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.Same(t, req, res.Request)
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, `{}`, string(body))
}

func TestOriginFetcherDropsHopByHopHeaders(t *testing.T) {
	var got http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	u, err := url.Parse(origin.URL)
	require.NoError(t, err)
	fetcher := NewOriginFetcher(*u, "", 5*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/api/budgets", nil)
	req.Header.Set("Connection", "keep-alive, X-Session-Hint")
	req.Header.Set("X-Session-Hint", "abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Proxy-Authorization", "Basic c2VjcmV0")
	req.Header.Set("Authorization", "Bearer alice")
	res, err := fetcher.Fetch(req)
	require.NoError(t, err)
	res.Body.Close()

	for _, name := range []string{"Connection", "X-Session-Hint", "Keep-Alive", "Te", "Upgrade", "Proxy-Authorization"} {
		assert.Empty(t, got.Get(name), name)
	}
	assert.Equal(t, "Bearer alice", got.Get("Authorization"))
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("Connection", "close")
	h.Add("Connection", " X-A ,X-B")
	h.Set("X-A", "1")
	h.Set("X-B", "2")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/html")

	removeHopHeaders(h)
	assert.Equal(t, http.Header{"Content-Type": {"text/html"}}, h)
}
