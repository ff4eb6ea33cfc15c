package offline

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	tee "github.com/savewise/offline-dispatcher/pkg/response-writer-tee"
)

// Fetcher is the network. An error means the request never produced a
// response (connection refused, DNS failure, timeout); HTTP error statuses
// are returned as responses.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

type FetcherFunc func(r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

// OriginFetcher forwards requests to the SaveWise backend.
type OriginFetcher struct {
	originURL  url.URL
	originHost string
	client     http.Client
}

// NewOriginFetcher creates a fetcher for the given origin. If host is set it
// is sent as the Host header and used as the TLS server name.
func NewOriginFetcher(origin url.URL, host string, timeout time.Duration) *OriginFetcher {
	o := &OriginFetcher{
		originURL:  origin,
		originHost: host,
		client: http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if host != "" {
		o.client.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return o
}

func (o *OriginFetcher) Fetch(r *http.Request) (*http.Response, error) {
	uri := strings.TrimSuffix(o.originURL.String(), "/") + r.URL.RequestURI()
	// the body must be nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	if o.originHost != "" {
		req.Host = o.originHost
	}
	copyHeader(req.Header, r.Header)
	removeHopHeaders(req.Header)

	res, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

// HandlerFetcher serves requests with an in-process handler. It never fails
// at the connection level.
type HandlerFetcher struct {
	Handler http.Handler
}

func (h HandlerFetcher) Fetch(r *http.Request) (*http.Response, error) {
	rw := tee.NewResponseSaver()
	// the handler gets the request as it would arrive over the wire,
	// without values attached to the caller's context
	h.Handler.ServeHTTP(rw, r.Clone(context.Background()))
	return rw.Response(r), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// headers added by an upstream proxy are not passed on
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// hopHeaders apply to a single connection and are not forwarded (RFC 9110 section 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders deletes the hop-by-hop headers and every header named in Connection.
func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
