package offline

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cacheable, err := CompilePatterns(DefaultCacheable)
	require.NoError(t, err)
	policy := Policy{APIPrefix: DefaultAPIPrefix, Cacheable: cacheable}

	tests := []struct {
		method string
		target string
		header map[string]string
		want   Class
	}{
		{http.MethodPost, "/api/transactions", nil, ClassAPIWrite},
		{http.MethodHead, "/api/transactions", nil, ClassAPIWrite},
		{http.MethodDelete, "/api/budgets/3", nil, ClassAPIWrite},
		{http.MethodGet, "/api/users/me", nil, ClassAPIBypass},
		{http.MethodGet, "/api/auth/login", map[string]string{"Sec-Fetch-Mode": "navigate"}, ClassAPIBypass},
		{http.MethodGet, "/api/transactions?page=2", nil, ClassAPICacheable},
		{http.MethodGet, "/api/dashboard/summary", nil, ClassAPICacheable},
		{http.MethodGet, "/dashboard", map[string]string{"Sec-Fetch-Mode": "navigate"}, ClassNavigation},
		{http.MethodGet, "/budgets", map[string]string{"Accept": "text/html"}, ClassNavigation},
		{http.MethodGet, "/logo192.png", map[string]string{"Sec-Fetch-Mode": "no-cors", "Accept": "text/html"}, ClassAsset},
		{http.MethodGet, "/static/js/bundle.js", nil, ClassAsset},
		{http.MethodPost, "/login", nil, ClassAsset},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.target, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, policy.Classify(r))
		})
	}
}

func TestClassifyOnlyMatchesPathAgainstAllowList(t *testing.T) {
	policy := Policy{APIPrefix: "/api/", Cacheable: []*regexp.Regexp{regexp.MustCompile(`^/api/alerts$`)}}
	r := httptest.NewRequest(http.MethodGet, "/api/alerts?since=yesterday", nil)
	assert.Equal(t, ClassAPICacheable, policy.Classify(r))
}

func TestCompilePatternsRejectsInvalid(t *testing.T) {
	_, err := CompilePatterns([]string{"^/api/(transactions"})
	assert.Error(t, err)
}

func TestResolveGeneration(t *testing.T) {
	assert.Equal(t, "v1", ResolveGeneration("", nil))
	assert.Equal(t, "v7", ResolveGeneration("v7", DefaultManifest))

	auto := ResolveGeneration(AutoGeneration, DefaultManifest)
	assert.Len(t, auto, 13)
	assert.True(t, strings.HasPrefix(auto, "m"))
	assert.Equal(t, auto, ResolveGeneration(AutoGeneration, append([]string(nil), DefaultManifest...)))
	assert.NotEqual(t, auto, ResolveGeneration(AutoGeneration, []string{"/"}))

	assert.Equal(t, "static-"+auto, StaticStoreName(auto))
	assert.Equal(t, "dynamic-"+auto, DynamicStoreName(auto))
}
