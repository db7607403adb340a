package llm

import "net/http"

// ClientIDHeader carries the tenant id on every completion request
const ClientIDHeader = "X-Client-ID"

// clientIDTransport adds the client id from the request context as a header
type clientIDTransport struct {
	Transport http.RoundTripper
}

// RoundTrip implements http.RoundTripper and adds the client id header from context
func (t *clientIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if clientID := ClientIDFromContext(req.Context()); clientID != "" {
		req = req.Clone(req.Context())
		req.Header.Set(ClientIDHeader, clientID)
	}

	if t.Transport != nil {
		return t.Transport.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// newHTTPClientWithClientID wraps base so requests carry the client id header
func newHTTPClientWithClientID(base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}

	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &http.Client{
		Transport:     &clientIDTransport{Transport: transport},
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}
}
