package offline

import (
	"net/http"
	"regexp"
	"strings"
)

// Class is the serving policy selected for a request.
type Class int

const (
	// ClassAsset is served cache-first with network fallback.
	ClassAsset Class = iota
	// ClassAPIWrite is any non-GET API request: network only, JSON 503 when offline.
	ClassAPIWrite
	// ClassAPIBypass is a GET API request outside the allow-list: network only.
	ClassAPIBypass
	// ClassAPICacheable is an allow-listed GET API request: network first, dynamic store fallback.
	ClassAPICacheable
	// ClassNavigation is a top-level document load: network first, cached root page fallback.
	ClassNavigation
)

func (c Class) String() string {
	switch c {
	case ClassAPIWrite:
		return "api-write"
	case ClassAPIBypass:
		return "api-bypass"
	case ClassAPICacheable:
		return "api-cacheable"
	case ClassNavigation:
		return "navigation"
	default:
		return "asset"
	}
}

var (
	DefaultAPIPrefix = "/api/"
	// DefaultCacheable lists the API reads that take part in network-first caching.
	DefaultCacheable = []string{
		`^/api/transactions`,
		`^/api/budgets`,
		`^/api/categories`,
		`^/api/dashboard`,
		`^/api/alerts`,
	}
)

// Policy classifies requests. It holds no state besides its configuration.
type Policy struct {
	APIPrefix string
	Cacheable []*regexp.Regexp
}

// CompilePatterns compiles allow-list patterns.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Classify is a pure function of the request method, path and navigation headers.
func (p Policy) Classify(r *http.Request) Class {
	if strings.HasPrefix(r.URL.Path, p.APIPrefix) {
		if r.Method != http.MethodGet {
			return ClassAPIWrite
		}
		if !p.cacheable(r.URL.Path) {
			return ClassAPIBypass
		}
		return ClassAPICacheable
	}
	if IsNavigation(r) {
		return ClassNavigation
	}
	return ClassAsset
}

func (p Policy) cacheable(path string) bool {
	for _, re := range p.Cacheable {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// IsNavigation reports whether the request is a top-level document load.
// Browsers mark those with `Sec-Fetch-Mode: navigate`; clients that do not send
// fetch metadata are recognized by a GET asking for HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
