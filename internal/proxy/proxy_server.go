package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BetterCallFirewall/Replaycon/internal/broker"
	"github.com/BetterCallFirewall/Replaycon/internal/cert"
	"github.com/BetterCallFirewall/Replaycon/internal/config"
	"github.com/BetterCallFirewall/Replaycon/internal/flow"
	"github.com/BetterCallFirewall/Replaycon/internal/storage"
	"github.com/BetterCallFirewall/Replaycon/internal/utils"
)

const tunnelDialTimeout = 10 * time.Second

// Server is the client-facing proxy socket: it accepts connections, detects
// the protocol, terminates TLS with certificates from the cert manager and
// runs the interception pipeline against the flow store.
type Server struct {
	config  *config.Config
	store   *storage.FlowStore
	certs   *cert.Manager
	filter  *utils.HostFilter
	events  *broker.Broker[flow.Summary]
	log     *zap.SugaredLogger
	ln      net.Listener
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	maxBody         int64
	upstreamTimeout time.Duration
}

func NewServer(
	cfg *config.Config,
	store *storage.FlowStore,
	certs *cert.Manager,
	events *broker.Broker[flow.Summary],
	log *zap.SugaredLogger,
) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:          cfg,
		store:           store,
		certs:           certs,
		filter:          utils.NewHostFilter(cfg.Intercept.AllowedHosts),
		events:          events,
		log:             log,
		baseCtx:         ctx,
		cancel:          cancel,
		maxBody:         cfg.Intercept.MaxBodyBytes,
		upstreamTimeout: time.Duration(cfg.Intercept.UpstreamTimeoutSec) * time.Second,
	}
}

// Start blocks on the accept loop until Stop is called or the listener
// fails. Every accepted connection runs in its own goroutine; a failure in
// one never touches the others.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Proxy.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Infow("proxy listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.baseCtx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr reports the bound listen address, useful when the config asked for
// port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("stop timed out waiting for in-flight connections")
	}
	return err
}

// handleConn runs the full per-connection state machine: sniff, optional
// tunnel setup, optional TLS termination, then the request loop.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	bc := newBufferedConn(conn)

	kind, err := bc.sniff()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debugw("client hung up before first byte", "remote", conn.RemoteAddr().String(), "error", err)
		}
		return
	}

	switch kind {
	case kindTLS:
		// transparent setup: the proxy itself is the TLS endpoint and
		// SNI is the only hostname source
		s.terminateTLS(ctx, bc, "")
	case kindHTTP:
		req, err := http.ReadRequest(bc.r)
		if err != nil {
			s.logError(&ProtocolError{Reason: fmt.Sprintf("bad request line: %v", err)}, "")
			return
		}
		if req.Method == http.MethodConnect {
			s.handleTunnel(ctx, bc, req)
			return
		}
		s.serveLoop(ctx, bc, bc.r, "http", "", req)
	default:
		s.logError(&ProtocolError{Reason: "first byte is neither HTTP nor TLS"}, "")
	}
}

// handleTunnel answers a CONNECT request and re-enters sniffing on the
// tunneled bytes. Hosts outside the intercept allowlist get a blind relay,
// everything else is TLS-terminated locally.
func (s *Server) handleTunnel(ctx context.Context, bc *bufferedConn, connectReq *http.Request) {
	target := connectReq.Host
	if target == "" {
		target = connectReq.RequestURI
	}
	host := stripPort(target)

	if !s.filter.Allowed(host) {
		s.relayTunnel(bc, target)
		return
	}

	if _, err := bc.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	kind, err := bc.sniff()
	if err != nil {
		return
	}
	switch kind {
	case kindTLS:
		s.terminateTLS(ctx, bc, target)
	case kindHTTP:
		// cleartext HTTP inside a CONNECT tunnel is unusual but legal
		s.serveLoop(ctx, bc, bc.r, "http", target, nil)
	default:
		s.logError(&ProtocolError{Reason: "tunneled bytes are neither TLS nor HTTP"}, host)
	}
}

// relayTunnel blindly pipes a CONNECT tunnel to the real server without
// interception, for hosts the operator excluded.
func (s *Server) relayTunnel(bc *bufferedConn, target string) {
	destConn, err := net.DialTimeout("tcp", target, tunnelDialTimeout)
	if err != nil {
		s.logError(&UpstreamError{Host: target, Err: err}, stripPort(target))
		bc.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}

	if _, err := bc.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		destConn.Close()
		return
	}

	s.log.Debugw("relaying tunnel without interception", "target", target)

	defer destConn.Close()
	go func() {
		io.Copy(destConn, bc)
		destConn.Close()
	}()
	io.Copy(bc.Conn, destConn)
}

// terminateTLS performs the local handshake impersonating the upstream
// host. The leaf subject comes from SNI, falling back to the CONNECT target;
// with neither available the client would reject any certificate we present,
// which is an operator-visible condition distinct from handshake failures.
func (s *Server) terminateTLS(ctx context.Context, bc *bufferedConn, connectTarget string) {
	fallback := stripPort(connectTarget)

	var leafHost string
	tlsCfg := &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := chi.ServerName
			if name == "" {
				name = fallback
			}
			if name == "" {
				return nil, &TLSError{HostnameRelated: true, Err: errors.New("no SNI and no CONNECT target")}
			}
			leafHost = name
			return s.certs.Leaf(name)
		},
	}

	tlsConn := tls.Server(bc, tlsCfg)
	defer tlsConn.Close()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		var tlsErr *TLSError
		var caErr *cert.CAError
		switch {
		case errors.As(err, &tlsErr):
			s.logError(tlsErr, fallback)
		case errors.As(err, &caErr):
			s.logError(caErr, fallback)
		default:
			s.logError(&TLSError{Host: firstNonEmpty(leafHost, fallback), Err: err}, fallback)
		}
		return
	}

	tunnelHost := connectTarget
	if tunnelHost == "" {
		tunnelHost = leafHost
	}
	s.serveLoop(ctx, tlsConn, bufio.NewReader(tlsConn), "https", tunnelHost, nil)
}

// serveLoop reads requests off one (possibly TLS-wrapped) connection and
// answers them strictly in order. firstReq carries the request that was
// already consumed during protocol detection.
func (s *Server) serveLoop(
	ctx context.Context,
	conn net.Conn,
	br *bufio.Reader,
	scheme, tunnelHost string,
	firstReq *http.Request,
) {
	upstream := newUpstreamClient(s.upstreamTimeout)

	for {
		req := firstReq
		firstReq = nil
		if req == nil {
			var err error
			req, err = http.ReadRequest(br)
			if err != nil {
				// EOF here is just the client being done
				return
			}
		}

		closeAfter := s.handleRequest(ctx, conn, br, req, scheme, tunnelHost, upstream)
		if closeAfter || req.Close {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// handleRequest is one trip through the interception pipeline: frame the
// request, compute its identity, serve the override if one is set, otherwise
// forward upstream and record. The return value asks the loop to close the
// connection.
func (s *Server) handleRequest(
	ctx context.Context,
	conn net.Conn,
	br *bufio.Reader,
	req *http.Request,
	scheme, tunnelHost string,
	upstream *http.Client,
) bool {
	targetURL, u, err := resolveTarget(req, scheme, tunnelHost)
	if err != nil {
		s.logError(&ProtocolError{Reason: err.Error()}, tunnelHost)
		return true
	}
	host := stripPort(u.Host)

	if !s.filter.Allowed(host) {
		// plain proxy request for an excluded host: forward, do not record
		return s.passThrough(ctx, conn, req, upstream, targetURL, host, nil)
	}

	body, overflow, err := readCapped(req.Body, s.maxBody)
	if err != nil {
		s.logError(&ProtocolError{Reason: fmt.Sprintf("reading request body: %v", err)}, host)
		return true
	}
	if overflow {
		// oversized bodies pass through unrecorded, never truncated
		s.logError(&BodyTooLargeError{Limit: s.maxBody}, host)
		return s.passThrough(ctx, conn, req, upstream, targetURL, host, body)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	identity := flow.NewIdentity(req.Method, u, body)

	if resp, fl, ok := s.store.OverriddenResponse(identity); ok {
		s.log.Infow("serving override", "method", req.Method, "url", targetURL, "identity", identity.Key())
		s.publish(fl)
		return writeResponse(conn, resp) != nil
	}

	// the request body is fully buffered from here on, so a background read
	// can watch for the client abandoning the connection mid round trip
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	stop := watchClientGone(conn, br, cancelReq)
	defer stop()

	outReq, err := buildOutbound(reqCtx, req, targetURL)
	if err != nil {
		s.logError(&ProtocolError{Reason: fmt.Sprintf("building upstream request: %v", err)}, host)
		return true
	}

	upResp, err := upstream.Do(outReq)
	if err != nil {
		if reqCtx.Err() != nil {
			// the client went away, nobody is waiting for a 502
			return true
		}
		s.logError(&UpstreamError{Host: u.Host, Err: err}, host)
		return writeGatewayError(conn, u.Host, err) != nil
	}
	defer upResp.Body.Close()

	respBody, overflow, err := readCapped(upResp.Body, s.maxBody)
	if err != nil {
		if reqCtx.Err() != nil {
			return true
		}
		s.logError(&UpstreamError{Host: u.Host, Err: err}, host)
		return writeGatewayError(conn, u.Host, err) != nil
	}
	if overflow {
		s.logError(&BodyTooLargeError{Limit: s.maxBody}, host)
		closeAfter, _ := relayResponse(conn, upResp, respBody)
		return closeAfter
	}

	respData := flow.ResponseData{
		Status:  upResp.StatusCode,
		Headers: sanitizeHeaders(upResp.Header),
		Body:    string(respBody),
	}
	reqData := flow.RequestData{
		URL:     targetURL,
		Method:  req.Method,
		Headers: req.Header.Clone(),
		Body:    string(body),
	}

	fl := s.store.Record(identity, reqData, respData)
	s.log.Infow("recorded flow",
		"method", req.Method, "url", targetURL, "status", upResp.StatusCode, "identity", identity.Key())
	s.publish(fl)

	if err := writeResponse(conn, respData); err != nil {
		return true
	}
	return upResp.Close
}

var aLongTimeAgo = time.Unix(1, 0)

// watchClientGone cancels in-flight upstream work when the client closes its
// connection during the round trip. It must only run while the request body
// is fully buffered, so the background read cannot race the forwarder; stop
// halts the read and returns ownership of br to the caller.
func watchClientGone(conn net.Conn, br *bufio.Reader, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		// blocks until the next pipelined byte, a close, or the deadline
		// poke from stop
		if _, err := br.Peek(1); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			cancel()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			conn.SetReadDeadline(aLongTimeAgo)
			<-done
			conn.SetReadDeadline(time.Time{})
		})
	}
}

// passThrough forwards the request without touching the store. prefix holds
// any body bytes already consumed by the cap check.
func (s *Server) passThrough(
	ctx context.Context,
	w io.Writer,
	req *http.Request,
	upstream *http.Client,
	targetURL, host string,
	prefix []byte,
) bool {
	if prefix != nil {
		req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(prefix), req.Body))
	}

	outReq, err := buildOutbound(ctx, req, targetURL)
	if err != nil {
		s.logError(&ProtocolError{Reason: fmt.Sprintf("building upstream request: %v", err)}, host)
		return true
	}

	upResp, err := upstream.Do(outReq)
	if err != nil {
		s.logError(&UpstreamError{Host: host, Err: err}, host)
		// the request body may be partially unread, so the stream cannot
		// carry another request
		writeGatewayError(w, host, err)
		return true
	}
	defer upResp.Body.Close()

	closeAfter, _ := relayResponse(w, upResp, nil)
	return closeAfter
}

func (s *Server) publish(fl *flow.Flow) {
	if s.events != nil {
		s.events.Publish(broker.TopicFlows, fl.Summary())
	}
}

// logError reports every pipeline error with its kind, per the isolation
// policy: log and move on, never take the process down.
func (s *Server) logError(err error, host string) {
	s.log.Errorw("connection error", "kind", errorKind(err), "host", host, "error", err)
}

func errorKind(err error) string {
	var (
		protoErr    *ProtocolError
		tlsErr      *TLSError
		caErr       *cert.CAError
		tooLarge    *BodyTooLargeError
		upstreamErr *UpstreamError
	)
	switch {
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &tlsErr):
		if tlsErr.HostnameRelated {
			return "tls-hostname"
		}
		return "tls"
	case errors.As(err, &caErr):
		return "ca"
	case errors.As(err, &tooLarge):
		return "body-too-large"
	case errors.As(err, &upstreamErr):
		return "upstream"
	}
	return "internal"
}

// resolveTarget rebuilds the absolute URL of a request, from the request
// line for plain proxy requests and from the tunnel host for intercepted
// TLS traffic.
func resolveTarget(req *http.Request, scheme, tunnelHost string) (string, *url.URL, error) {
	if req.URL.IsAbs() {
		u := req.URL
		u.Host = trimDefaultPort(u.Host, u.Scheme)
		return u.String(), u, nil
	}

	host := req.Host
	if host == "" {
		host = tunnelHost
	}
	if host == "" {
		return "", nil, errors.New("request has no Host and no tunnel target")
	}
	host = trimDefaultPort(host, scheme)

	raw := scheme + "://" + host + req.URL.RequestURI()
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("unparseable request target %q: %w", raw, err)
	}
	return raw, u, nil
}

// readCapped buffers up to max bytes and reports whether the stream held
// more. One extra byte is read so truncation is detected without guessing.
func readCapped(rc io.Reader, max int64) ([]byte, bool, error) {
	if rc == nil {
		return nil, false, nil
	}
	buf, err := io.ReadAll(io.LimitReader(rc, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > max {
		return buf, true, nil
	}
	return buf, false, nil
}

// sanitizeHeaders drops framing headers that no longer describe the stored
// body (which is fully buffered and content-decoded).
func sanitizeHeaders(h http.Header) http.Header {
	out := h.Clone()
	out.Del("Content-Length")
	out.Del("Transfer-Encoding")
	out.Del("Content-Encoding")
	return out
}

// writeResponse serializes a recorded or synthesized response back onto the
// client connection with correct framing.
func writeResponse(w io.Writer, data flow.ResponseData) error {
	h := data.Headers
	if h == nil {
		h = http.Header{}
	} else {
		h = h.Clone()
	}
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")

	resp := &http.Response{
		StatusCode:    data.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(data.Body)),
		ContentLength: int64(len(data.Body)),
	}
	return resp.Write(w)
}

// relayResponse streams an upstream response to the client verbatim. prefix
// holds body bytes already consumed by the cap check; the declared framing is
// kept so the client can still find the end of the body. The returned flag
// asks for the connection to be closed because the body is close-delimited
// (or the write failed).
func relayResponse(w io.Writer, upResp *http.Response, prefix []byte) (bool, error) {
	if prefix != nil {
		upResp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(prefix), upResp.Body))
	}
	closeDelimited := upResp.ContentLength < 0 && !isChunked(upResp.TransferEncoding)
	if closeDelimited {
		upResp.Close = true
	}
	err := upResp.Write(w)
	return closeDelimited || err != nil, err
}

func isChunked(te []string) bool {
	for _, e := range te {
		if e == "chunked" {
			return true
		}
	}
	return false
}

// writeGatewayError answers the client with a synthetic 502 carrying the
// upstream failure, leaving the flow store untouched.
func writeGatewayError(w io.Writer, host string, cause error) error {
	body := fmt.Sprintf("replaycon: upstream %s unreachable: %v\n", host, cause)
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Replaycon-Error", "upstream")
	return writeResponse(w, flow.ResponseData{
		Status:  http.StatusBadGateway,
		Headers: h,
		Body:    body,
	})
}

// trimDefaultPort drops an explicit default port so both spellings of the
// same resource share one flow identity.
func trimDefaultPort(host, scheme string) string {
	if scheme == "https" {
		return strings.TrimSuffix(host, ":443")
	}
	return strings.TrimSuffix(host, ":80")
}

func stripPort(hostport string) string {
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
