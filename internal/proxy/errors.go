package proxy

import "fmt"

// ProtocolError marks inbound bytes the detector could not classify as
// HTTP, CONNECT or TLS. The connection is closed, no flow is touched.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unrecognized client protocol: %s", e.Reason)
}

// TLSError is a failed local TLS termination. HostnameRelated separates
// "we could not learn which host to impersonate" (an operator/trust problem)
// from genuine handshake failures.
type TLSError struct {
	Host            string
	HostnameRelated bool
	Err             error
}

func (e *TLSError) Error() string {
	if e.HostnameRelated {
		return fmt.Sprintf("tls termination for %q: no usable hostname: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("tls handshake with client for %q failed: %v", e.Host, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// BodyTooLargeError means a message body exceeded the configured cap. The
// request is still forwarded as a plain pass-through, it just is not
// recorded: a truncated body would corrupt replay.
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("message body exceeds %d byte cap", e.Limit)
}

// UpstreamError is any failure talking to the real server. It surfaces to
// the client as a synthetic 502 and never overwrites recorded state.
type UpstreamError struct {
	Host string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Host, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
