package proxy

import (
	"bufio"
	"net"
)

// protocolKind is the detector's verdict on the first bytes of a connection
// (or of a freshly established CONNECT tunnel).
type protocolKind int

const (
	kindUnknown protocolKind = iota
	kindHTTP
	kindTLS
)

// tls record type 22 = handshake, followed by the 0x03 record version major
const tlsRecordHandshake = 0x16

// bufferedConn pairs a net.Conn with the bufio.Reader used to peek at it, so
// sniffed bytes are not lost for whoever parses the stream next. Write goes
// straight to the underlying connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(c net.Conn) *bufferedConn {
	return &bufferedConn{Conn: c, r: bufio.NewReader(c)}
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// sniff classifies the pending bytes without consuming them.
func (b *bufferedConn) sniff() (protocolKind, error) {
	head, err := b.r.Peek(1)
	if err != nil {
		return kindUnknown, err
	}
	switch {
	case head[0] == tlsRecordHandshake:
		return kindTLS, nil
	case isHTTPStart(head[0]):
		return kindHTTP, nil
	default:
		return kindUnknown, nil
	}
}

// isHTTPStart accepts the first octet of any HTTP method token.
func isHTTPStart(c byte) bool {
	return c >= 'A' && c <= 'Z'
}
