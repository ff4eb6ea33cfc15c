package cachekey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"lukechampine.com/blake3"
)

var ErrMalformedKey = errors.New("malformed cache key")

// CredentialHeaders decide whose data a response is.
var CredentialHeaders = []string{"Authorization", "Cookie"}

// Key returns the cache key for a request.
// Stores are keyed by request URL only (path and query), the method and
// headers of the request do not take part in the key.
func Key(r *http.Request) string {
	return r.URL.RequestURI()
}

// PartitionedKey returns the key for responses that belong to the client
// sending the request: the URL key prefixed with a digest of the request's
// credentials. Requests without credentials get the plain URL key.
func PartitionedKey(r *http.Request) string {
	var b strings.Builder
	for _, name := range CredentialHeaders {
		for _, v := range r.Header.Values(name) {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return Key(r)
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8]) + " " + Key(r)
}

// RequestFromKey generates a GET request that results in the provided key.
// It is used to fetch manifest entries.
func RequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, "/") {
		return nil, fmt.Errorf("%w: %q is not an absolute path", ErrMalformedKey, key)
	}
	u, err := url.ParseRequestURI(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return http.NewRequest(http.MethodGet, u.RequestURI(), nil)
}
