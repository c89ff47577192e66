package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BetterCallFirewall/Replaycon/internal/cert"
	"github.com/BetterCallFirewall/Replaycon/internal/config"
	"github.com/BetterCallFirewall/Replaycon/internal/flow"
	"github.com/BetterCallFirewall/Replaycon/internal/storage"
)

type proxyFixture struct {
	srv    *Server
	store  *storage.FlowStore
	certs  *cert.Manager
	client *http.Client
}

func startProxy(t *testing.T, mutate func(cfg *config.Config)) *proxyFixture {
	t.Helper()

	cfg := &config.Config{
		Proxy: config.ProxyConfig{ListenAddr: "127.0.0.1:0"},
		Cert:  config.CertConfig{CertFile: filepath.Join(t.TempDir(), "ca.pem")},
		Intercept: config.InterceptConfig{
			MaxBodyBytes:       1 << 20,
			UpstreamTimeoutSec: 5,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := zap.NewNop().Sugar()
	store := storage.NewFlowStore("", log)
	certs, err := cert.NewManager(cfg)
	require.NoError(t, err)

	srv := NewServer(cfg, store, certs, nil, log)
	go srv.Start()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		require.True(t, time.Now().Before(deadline), "proxy did not start listening")
		time.Sleep(5 * time.Millisecond)
	}

	proxyURL, err := url.Parse("http://" + srv.Addr())
	require.NoError(t, err)

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(certs.CAPEM()))

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
	}

	t.Cleanup(func() {
		client.CloseIdleConnections()
		srv.Stop()
	})

	return &proxyFixture{srv: srv, store: store, certs: certs, client: client}
}

func get(t *testing.T, client *http.Client, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func singleFlow(t *testing.T, store *storage.FlowStore) *flow.Flow {
	t.Helper()
	flows := store.List()
	require.Len(t, flows, 1)
	return flows[0]
}

func TestRecordOverrideReplayHTTP(t *testing.T) {
	var upstreamCalls int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&upstreamCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"origin":"8.8.8.8"}`))
	}))
	defer upstream.Close()

	fx := startProxy(t, nil)

	// first exchange records the flow and relays the live body
	resp, body := get(t, fx.client, upstream.URL+"/ip")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"origin":"8.8.8.8"}`, body)
	assert.EqualValues(t, 1, atomic.LoadInt64(&upstreamCalls))

	f := singleFlow(t, fx.store)
	require.NotNil(t, f.Response)
	assert.Equal(t, `{"origin":"8.8.8.8"}`, f.Response.Body)
	assert.Equal(t, "GET", f.Identity.Method)

	// override the body; the next identical request must not touch upstream
	edited := `{"origin":"1.2.3.4"}`
	_, err := fx.store.SetOverride(f.Identity.Key(), flow.Override{Body: &edited})
	require.NoError(t, err)

	resp, body = get(t, fx.client, upstream.URL+"/ip")
	assert.Equal(t, 200, resp.StatusCode, "status falls back to the recorded response")
	assert.Equal(t, edited, body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"), "recorded headers survive the merge")
	assert.EqualValues(t, 1, atomic.LoadInt64(&upstreamCalls), "override must be served without an upstream call")

	// clearing the override reverts to live fetching and re-recording
	_, err = fx.store.ClearOverride(f.Identity.Key())
	require.NoError(t, err)

	_, body = get(t, fx.client, upstream.URL+"/ip")
	assert.Equal(t, `{"origin":"8.8.8.8"}`, body)
	assert.EqualValues(t, 2, atomic.LoadInt64(&upstreamCalls))
}

func TestHTTPSInterception(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "secure:%s", r.URL.Path)
	}))
	defer upstream.Close()

	fx := startProxy(t, nil)

	resp, body := get(t, fx.client, upstream.URL+"/secret")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "secure:/secret", body)

	f := singleFlow(t, fx.store)
	assert.Equal(t, "https", f.Identity.Scheme, "decrypted traffic is recorded with its real scheme")

	// overrides work identically on intercepted TLS flows
	edited := "faked"
	_, err := fx.store.SetOverride(f.Identity.Key(), flow.Override{Body: &edited})
	require.NoError(t, err)

	_, body = get(t, fx.client, upstream.URL+"/secret")
	assert.Equal(t, "faked", body)
}

func TestUpstreamFailureSynthesizes502(t *testing.T) {
	fx := startProxy(t, nil)

	// a port nothing listens on
	resp, body := get(t, fx.client, "http://127.0.0.1:1/unreachable")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream", resp.Header.Get("X-Replaycon-Error"))
	assert.Contains(t, body, "unreachable")

	assert.Equal(t, 0, fx.store.Len(), "failed exchanges are never recorded")
}

func TestResponsesInRequestOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "reply:%s", r.URL.Path)
	}))
	defer upstream.Close()

	fx := startProxy(t, nil)

	// same keep-alive connection through the proxy
	for _, path := range []string{"/r1", "/r2", "/r1", "/r3"} {
		_, body := get(t, fx.client, upstream.URL+path)
		assert.Equal(t, "reply:"+path, body)
	}
	assert.Equal(t, 3, fx.store.Len())
}

func TestFailureIsolationAcrossConnections(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("slow"))
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fast"))
	}))
	defer fast.Close()

	fx := startProxy(t, nil)

	slowDone := make(chan string, 1)
	go func() {
		_, body := get(t, fx.client, slow.URL+"/")
		slowDone <- body
	}()

	// the fast request must complete while the slow one is still stuck
	_, body := get(t, fx.client, fast.URL+"/")
	assert.Equal(t, "fast", body)

	select {
	case <-slowDone:
		t.Fatal("slow request finished before being released")
	default:
	}

	close(release)
	select {
	case body := <-slowDone:
		assert.Equal(t, "slow", body)
	case <-time.After(3 * time.Second):
		t.Fatal("slow request never completed")
	}
}

func TestOversizedBodyPassesThroughUnrecorded(t *testing.T) {
	bigBody := strings.Repeat("x", 256)
	var seenLen int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		atomic.StoreInt64(&seenLen, int64(len(b)))
		w.Write([]byte(bigBody))
	}))
	defer upstream.Close()

	fx := startProxy(t, func(cfg *config.Config) {
		cfg.Intercept.MaxBodyBytes = 16
	})

	resp, err := fx.client.Post(upstream.URL+"/big", "text/plain", bytes.NewReader([]byte(bigBody)))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, bigBody, string(body), "oversized exchanges still pass through intact")
	assert.EqualValues(t, len(bigBody), atomic.LoadInt64(&seenLen), "request body is forwarded whole, not truncated")
	assert.Equal(t, 0, fx.store.Len(), "oversized exchanges are never recorded")
}

func TestOversizedResponseKeepsFraming(t *testing.T) {
	bigBody := strings.Repeat("y", 256)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bigBody))
	}))
	defer upstream.Close()

	fx := startProxy(t, func(cfg *config.Config) {
		cfg.Intercept.MaxBodyBytes = 16
	})

	// a GET keeps the request under the cap, only the response overflows
	resp, body := get(t, fx.client, upstream.URL+"/large")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, bigBody, body, "the client receives the whole body, not a hung connection")
	assert.EqualValues(t, len(bigBody), resp.ContentLength, "declared length survives the relay")
	assert.Equal(t, 0, fx.store.Len(), "oversized exchanges are never recorded")

	// the connection stays usable for the next request
	resp, _ = get(t, fx.client, upstream.URL+"/large")
	assert.Equal(t, 200, resp.StatusCode)
}

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan bool, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
			canceled <- true
		case <-time.After(3 * time.Second):
			canceled <- false
		}
	}))
	defer upstream.Close()

	fx := startProxy(t, nil)

	conn, err := net.Dial("tcp", fx.srv.Addr())
	require.NoError(t, err)
	host := strings.TrimPrefix(upstream.URL, "http://")
	fmt.Fprintf(conn, "GET %s/hang HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.URL, host)

	<-started
	conn.Close()

	select {
	case ok := <-canceled:
		assert.True(t, ok, "in-flight upstream request must be canceled when the client hangs up")
	case <-time.After(5 * time.Second):
		t.Fatal("upstream handler never finished")
	}
}

func TestExcludedHostGatewayErrorClosesConnection(t *testing.T) {
	fx := startProxy(t, func(cfg *config.Config) {
		cfg.Intercept.AllowedHosts = []string{"only-this.example"}
	})

	conn, err := net.Dial("tcp", fx.srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// excluded host, dead upstream, body still pending on the wire
	body := "leftover-bytes"
	fmt.Fprintf(conn, "POST http://127.0.0.1:1/ HTTP/1.1\r\nHost: 127.0.0.1:1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream", resp.Header.Get("X-Replaycon-Error"))
	io.Copy(io.Discard, resp.Body)

	// the undrained request body makes the stream unsafe for another request
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "connection must be closed after the gateway error")
}

func TestResolveTargetNormalizesDefaultPorts(t *testing.T) {
	tests := []struct {
		name   string
		target string
		host   string
		scheme string
		want   string
	}{
		{
			name:   "absolute form drops default http port",
			target: "http://example.com:80/x",
			scheme: "http",
			want:   "http://example.com/x",
		},
		{
			name:   "absolute form drops default https port",
			target: "https://example.com:443/x",
			scheme: "https",
			want:   "https://example.com/x",
		},
		{
			name:   "absolute form keeps explicit port",
			target: "http://example.com:8080/x",
			scheme: "http",
			want:   "http://example.com:8080/x",
		},
		{
			name:   "origin form drops default https port",
			target: "/x",
			host:   "example.com:443",
			scheme: "https",
			want:   "https://example.com/x",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.host != "" {
				req.Host = tt.host
			}
			raw, u, err := resolveTarget(req, tt.scheme, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, raw)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestAllowlistSkipsRecording(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain"))
	}))
	defer upstream.Close()

	fx := startProxy(t, func(cfg *config.Config) {
		cfg.Intercept.AllowedHosts = []string{"only-this.example"}
	})

	_, body := get(t, fx.client, upstream.URL+"/")
	assert.Equal(t, "plain", body, "excluded hosts are still proxied")
	assert.Equal(t, 0, fx.store.Len())
}

func TestUnrecognizedProtocolClosesConnection(t *testing.T) {
	fx := startProxy(t, nil)

	conn, err := net.Dial("tcp", fx.srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x00, 0x01, 0x02, 0x03})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "garbage input must close the connection without a response")
}
