package integrations

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fyrsmithlabs/traceway/internal/redact"
	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

// SensitiveQueryParams are the query parameters whose values are replaced
// in recorded URLs.
var SensitiveQueryParams = []string{"token", "auth", "key", "password", "secret"}

// HTTPClient records an http breadcrumb for every request made through a
// client. Setup wraps the client's transport; Teardown restores it.
type HTTPClient struct {
	client   *http.Client
	redactor *redact.Redactor

	mu       sync.Mutex
	h        traceway.Handle
	original http.RoundTripper
	wrapped  bool
}

// NewHTTPClient instruments client. Nil instruments http.DefaultClient.
// Breadcrumb data fields whose keys contain one of redactKeys are
// replaced.
func NewHTTPClient(client *http.Client, redactKeys ...string) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	hc := &HTTPClient{client: client}
	if len(redactKeys) > 0 {
		hc.redactor, _ = redact.New(redactKeys, []string{})
	}
	return hc
}

// Setup implements traceway.Integration.
func (c *HTTPClient) Setup(h traceway.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapped {
		return ErrAlreadySetup
	}
	c.h = h
	c.original = c.client.Transport
	c.client.Transport = &recordingTransport{owner: c, base: c.original}
	c.wrapped = true
	return nil
}

// Teardown implements traceway.Teardowner.
func (c *HTTPClient) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wrapped {
		return
	}
	c.client.Transport = c.original
	c.original = nil
	c.h = nil
	c.wrapped = false
}

func (c *HTTPClient) handle() traceway.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *HTTPClient) record(req *http.Request, resp *http.Response, took time.Duration, err error) {
	h := c.handle()
	if h == nil {
		return
	}
	target := SanitizeURL(req.URL)
	status, statusText := 0, "Network Error"
	if resp != nil {
		status = resp.StatusCode
		statusText = http.StatusText(status)
	}

	data := map[string]any{
		"method":     req.Method,
		"url":        target,
		"status":     status,
		"statusText": statusText,
		"duration":   took.Milliseconds(),
	}
	if req.ContentLength > 0 {
		data["requestBody"] = fmt.Sprintf("[%d bytes]", req.ContentLength)
	}
	if err != nil {
		data["error"] = err.Error()
	}
	if c.redactor != nil {
		data = c.redactor.Map(data)
	}
	h.AddBreadcrumb(traceway.BreadcrumbHTTP, fmt.Sprintf("%s %s %d", req.Method, target, status), data)
}

type recordingTransport struct {
	owner *HTTPClient
	base  http.RoundTripper
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	start := time.Now()
	resp, err := base.RoundTrip(req)
	t.owner.record(req, resp, time.Since(start), err)
	return resp, err
}

// SanitizeURL renders u with the values of SensitiveQueryParams and any
// userinfo password replaced.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	changed := false
	for _, p := range SensitiveQueryParams {
		if q.Has(p) {
			q.Set(p, redact.Redacted)
			changed = true
		}
	}
	if !changed {
		return u.Redacted()
	}
	clean := *u
	clean.RawQuery = q.Encode()
	return clean.Redacted()
}
