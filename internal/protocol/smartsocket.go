package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Smartsocket requests and replies are framed as four lowercase hex digits
// of length followed by that many bytes.

const maxProtocolString = 0xffff

// FormatProtocolString frames s with its %04x length. Strings longer than
// 0xffff bytes are truncated.
func FormatProtocolString(s string) []byte {
	if len(s) > maxProtocolString {
		s = s[:maxProtocolString]
	}
	return fmt.Appendf(nil, "%04x%s", len(s), s)
}

// OkayReply is the bare success status.
func OkayReply() []byte {
	return []byte("OKAY")
}

// OkayWithString is OKAY followed by a framed payload.
func OkayWithString(s string) []byte {
	return append(OkayReply(), FormatProtocolString(s)...)
}

// FailReply is FAIL followed by a framed reason.
func FailReply(reason string) []byte {
	return append([]byte("FAIL"), FormatProtocolString(reason)...)
}

// Unhex parses exactly four hex digits.
func Unhex(b []byte) (int, bool) {
	if len(b) != 4 {
		return 0, false
	}
	n, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// ReadProtocolString reads one framed string.
func ReadProtocolString(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", fmt.Errorf("read length: %w", err)
	}
	n, ok := Unhex(hdr[:])
	if !ok {
		return "", fmt.Errorf("%w: bad length %q", ErrMalformedPacket, hdr[:])
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	return string(buf), nil
}

// ErrFail wraps the reason of a FAIL status.
var ErrFail = errors.New("FAIL")

// ReadStatus reads OKAY or FAIL. A FAIL is returned as an error wrapping
// ErrFail with the server's reason.
func ReadStatus(r io.Reader) error {
	var st [4]byte
	if _, err := io.ReadFull(r, st[:]); err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	switch string(st[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		reason, err := ReadProtocolString(r)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrFail, reason)
	default:
		return fmt.Errorf("%w: unexpected status %q", ErrMalformedPacket, st[:])
	}
}

// WriteRequest frames and writes a smartsocket request.
func WriteRequest(w io.Writer, service string) error {
	_, err := w.Write(FormatProtocolString(service))
	return err
}
