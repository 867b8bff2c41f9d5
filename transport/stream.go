// Package transport carries OFTP commands over TCP and TLS streams.
//
// Every command travels in one stream transmission buffer: a header byte,
// a 3-byte big-endian length covering header and payload, then the command.
package transport

import (
	"fmt"
	"io"

	"github.com/drunlade/go-oftp/oftp"
)

// Well known OFTP ports
const (
	DefaultPort    = 6619
	DefaultTLSPort = 3305
)

const (
	sthHeader    = 0x10
	sthSize      = 4
	maxSTHLength = 1<<24 - 1
)

// putHeader writes the stream transmission header of a payload of n bytes.
func putHeader(dst []byte, n int) {
	total := n + sthSize
	dst[0] = sthHeader
	dst[1] = byte(total >> 16)
	dst[2] = byte(total >> 8)
	dst[3] = byte(total)
}

// payloadLength validates a header and returns the payload length.
func payloadLength(hdr []byte, max int) (int, error) {
	if hdr[0] != sthHeader {
		return 0, malformed("stream transmission header %#02x", hdr[0])
	}
	total := int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	if total <= sthSize {
		return 0, malformed("stream transmission length %d", total)
	}
	if n := total - sthSize; n > max {
		return 0, malformed("command of %d bytes exceeds buffer of %d", n, max)
	}
	return total - sthSize, nil
}

// appendFrame appends the stream transmission buffer carrying p to dst.
func appendFrame(dst, p []byte) ([]byte, error) {
	if len(p) == 0 || len(p)+sthSize > maxSTHLength {
		return dst, oftp.NewError(oftp.ErrInternal, fmt.Sprintf("cannot frame a command of %d bytes", len(p)))
	}
	n := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	putHeader(dst[n:], len(p))
	return append(dst, p...), nil
}

// WriteFrame writes p as one stream transmission buffer with a single Write.
func WriteFrame(w io.Writer, p []byte) error {
	frame, err := appendFrame(nil, p)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one stream transmission buffer into buf.
func ReadFrame(r io.Reader, buf []byte) (int, error) {
	var hdr [sthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n, err := payloadLength(hdr[:], len(buf))
	if err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return n, nil
}

func malformed(format string, args ...interface{}) *oftp.Error {
	return oftp.NewError(oftp.ErrRemoteEnd, "malformed stream: "+fmt.Sprintf(format, args...))
}
