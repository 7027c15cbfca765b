package integrations

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "no query", raw: "https://api.example.com/v1/items", want: "https://api.example.com/v1/items"},
		{name: "harmless query kept", raw: "https://api.example.com/search?q=shoes&page=2", want: "https://api.example.com/search?q=shoes&page=2"},
		{name: "token replaced", raw: "https://api.example.com/x?token=abc123&q=1", want: "https://api.example.com/x?q=1&token=%5BREDACTED%5D"},
		{name: "all sensitive params", raw: "http://h/p?auth=a&key=k&password=p&secret=s", want: "http://h/p?auth=%5BREDACTED%5D&key=%5BREDACTED%5D&password=%5BREDACTED%5D&secret=%5BREDACTED%5D"},
		{name: "userinfo password", raw: "https://bob:hunter2@h/p", want: "https://bob:xxxxx@h/p"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, SanitizeURL(u))
		})
	}
	assert.Empty(t, SanitizeURL(nil))
}

func TestHTTPClient_RecordsBreadcrumbs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	client := &http.Client{}
	hc := NewHTTPClient(client, "authorization")
	h := &fakeHandle{}
	require.NoError(t, hc.Setup(h))
	assert.ErrorIs(t, hc.Setup(h), ErrAlreadySetup)
	assert.NotNil(t, client.Transport)

	resp, err := client.Get(srv.URL + "/items?token=abc")
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = client.Post(srv.URL+"/missing", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	_ = resp.Body.Close()

	crumbs := h.Breadcrumbs()
	require.Len(t, crumbs, 2)

	first := crumbs[0]
	assert.Equal(t, traceway.BreadcrumbHTTP, first.Type)
	assert.Equal(t, "GET "+srv.URL+"/items?token=%5BREDACTED%5D 200", first.Message)
	assert.Equal(t, http.MethodGet, first.Data["method"])
	assert.Equal(t, 200, first.Data["status"])
	assert.Equal(t, "OK", first.Data["statusText"])
	assert.Contains(t, first.Data, "duration")

	second := crumbs[1]
	assert.Equal(t, "POST "+srv.URL+"/missing 404", second.Message)
	assert.Equal(t, "[7 bytes]", second.Data["requestBody"])

	hc.Teardown()
	assert.Nil(t, client.Transport)

	resp, err = client.Get(srv.URL + "/items")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Len(t, h.Breadcrumbs(), 2)
}

func TestHTTPClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client := &http.Client{}
	hc := NewHTTPClient(client)
	h := &fakeHandle{}
	require.NoError(t, hc.Setup(h))
	defer hc.Teardown()

	_, err := client.Get(addr + "/down")
	require.Error(t, err)

	crumbs := h.Breadcrumbs()
	require.Len(t, crumbs, 1)
	assert.Equal(t, 0, crumbs[0].Data["status"])
	assert.Equal(t, "Network Error", crumbs[0].Data["statusText"])
	assert.NotEmpty(t, crumbs[0].Data["error"])
	assert.True(t, strings.HasSuffix(crumbs[0].Message, " 0"))
}

func TestHTTPClient_RestoresCustomTransport(t *testing.T) {
	custom := &http.Transport{}
	client := &http.Client{Transport: custom}
	hc := NewHTTPClient(client)
	require.NoError(t, hc.Setup(&fakeHandle{}))
	assert.NotSame(t, custom, client.Transport)
	hc.Teardown()
	assert.Same(t, custom, client.Transport)
}
