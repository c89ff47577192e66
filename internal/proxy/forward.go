package proxy

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// hop-by-hop headers are meaningful per connection, not per message, and
// must not travel upstream
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Keep-Alive",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// newUpstreamClient builds the http.Client one client connection uses for
// all of its forwards. Connection reuse is therefore scoped to that client
// connection and never shared across them. Verification is skipped on
// purpose: the operator points real traffic at arbitrary hosts while already
// trusting the proxy with the plaintext.
func newUpstreamClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: true,
	}
	// http2 setup failing only costs us protocol negotiation, not forwards
	_ = http2.ConfigureTransport(tr)

	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// redirects belong to the client, pass them through untouched
			return http.ErrUseLastResponse
		},
	}
}

// buildOutbound turns the intercepted request into one the upstream client
// can send: absolute URL, hop-by-hop headers stripped, original Host kept.
func buildOutbound(ctx context.Context, in *http.Request, targetURL string) (*http.Request, error) {
	outReq, err := http.NewRequestWithContext(ctx, in.Method, targetURL, in.Body)
	if err != nil {
		return nil, err
	}

	outReq.Header = in.Header.Clone()
	for _, h := range hopByHopHeaders {
		outReq.Header.Del(h)
	}
	// let the transport negotiate gzip and decode it transparently, so
	// recorded bodies are plaintext and replayable
	outReq.Header.Del("Accept-Encoding")

	outReq.Host = in.Host
	outReq.ContentLength = in.ContentLength

	return outReq, nil
}
