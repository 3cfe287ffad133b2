// Package wire implements the subset of the WebSocket protocol (RFC 6455) used
// to talk JSON-RPC to a TrueNAS appliance: the client opening handshake and
// single, unfragmented text frames. Client frames are always masked, server
// frames must never be. Control frames, fragmentation and extensions are not
// produced and are rejected when received.
package wire

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	finBit   = 0x80
	rsvBits  = 0x70
	maskBit  = 0x80
	opMask   = 0x0f
	opText   = 0x1
	len16    = 126
	len64    = 127
	maxLen7  = 125
	maxLen16 = 0xffff

	// DefaultReadLimit bounds a single server frame. TrueNAS list calls can
	// return large JSON documents.
	DefaultReadLimit = 16 * 1024 * 1024
)

// ProtocolError reports a frame that falls outside the supported subset.
type ProtocolError struct {
	Opcode byte
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket: protocol error (opcode 0x%x): %s", e.Opcode, e.Reason)
}

// HandshakeError reports a failed opening handshake.
type HandshakeError struct {
	StatusCode int
	Reason     string
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("websocket: handshake failed with status %d: %s", e.StatusCode, e.Reason)
	}
	return "websocket: handshake failed: " + e.Reason
}

// NewKey returns a random base64-encoded 16 byte Sec-WebSocket-Key.
func NewKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate handshake key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// AcceptKey computes the Sec-WebSocket-Accept value a server must answer
// with for the given client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Handshake performs the client side of the opening handshake on an already
// connected stream. Frames that follow the handshake response stay buffered
// in br, so the same reader must be used for ReadText afterwards.
func Handshake(w io.Writer, br *bufio.Reader, u *url.URL, header http.Header) error {
	key, err := NewKey()
	if err != nil {
		return err
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: u.Path, RawQuery: u.RawQuery},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", key)

	if err := req.Write(w); err != nil {
		return fmt.Errorf("write handshake request: %w", err)
	}

	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: "expected 101 Switching Protocols, got " + resp.Status}
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("unexpected Upgrade header %q", resp.Header.Get("Upgrade"))}
	}
	if !headerContainsToken(resp.Header, "Connection", "upgrade") {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("unexpected Connection header %q", resp.Header.Get("Connection"))}
	}
	if got, want := resp.Header.Get("Sec-WebSocket-Accept"), AcceptKey(key); got != want {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("accept key mismatch: got %q, want %q", got, want)}
	}
	if ext := resp.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		return &HandshakeError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("server negotiated unsupported extensions %q", ext)}
	}
	return nil
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// Mask XORs b in place with key, cycling through the four key bytes.
// Applying it twice restores the original payload.
func Mask(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// EncodeText builds a single FIN text frame carrying payload, masked with key.
func EncodeText(payload []byte, key [4]byte) []byte {
	n := len(payload)
	hdr := 2
	switch {
	case n > maxLen16:
		hdr += 8
	case n > maxLen7:
		hdr += 2
	}

	buf := make([]byte, hdr+4+n)
	buf[0] = finBit | opText
	switch {
	case n <= maxLen7:
		buf[1] = maskBit | byte(n)
	case n <= maxLen16:
		buf[1] = maskBit | len16
		binary.BigEndian.PutUint16(buf[2:], uint16(n))
	default:
		buf[1] = maskBit | len64
		binary.BigEndian.PutUint64(buf[2:], uint64(n))
	}
	copy(buf[hdr:], key[:])
	copy(buf[hdr+4:], payload)
	Mask(buf[hdr+4:], key)
	return buf
}

// WriteText writes payload as one masked text frame using a fresh random key.
func WriteText(w io.Writer, payload []byte) error {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate mask: %w", err)
	}
	_, err := w.Write(EncodeText(payload, key))
	return err
}

// ReadText reads one server frame and returns its payload. Anything other
// than an unmasked FIN text frame no larger than limit is a *ProtocolError.
// A limit <= 0 means DefaultReadLimit.
func ReadText(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	op := hdr[0] & opMask
	if hdr[0]&rsvBits != 0 {
		return nil, &ProtocolError{Opcode: op, Reason: "reserved bits set"}
	}
	if op != opText {
		return nil, &ProtocolError{Opcode: op, Reason: "only text frames are supported"}
	}
	if hdr[0]&finBit == 0 {
		return nil, &ProtocolError{Opcode: op, Reason: "fragmented frames are not supported"}
	}
	if hdr[1]&maskBit != 0 {
		return nil, &ProtocolError{Opcode: op, Reason: "server frames must not be masked"}
	}

	n := uint64(hdr[1] &^ maskBit)
	switch n {
	case len16:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		n = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		n = binary.BigEndian.Uint64(ext[:])
		if n>>63 != 0 {
			return nil, &ProtocolError{Opcode: op, Reason: "invalid 64-bit payload length"}
		}
	}
	if n > uint64(limit) {
		return nil, &ProtocolError{Opcode: op, Reason: fmt.Sprintf("frame of %d bytes exceeds read limit %d", n, limit)}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
