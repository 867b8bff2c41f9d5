package oftp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	terminatorCR  = 0x0D
	terminatorCR2 = 0x8D

	utf8PrefixLen  = 3
	bytesPrefixLen = 2

	maxDumpLen = 256
)

// command is a view over the session buffer that holds one command.
// The buffer is owned by the session and reused for every command; a view
// must not outlive the next send or receive on the same buffer.
type command struct {
	buf    []byte
	length int
}

// newCommand starts a command of the given kind and base length in buf.
func newCommand(buf []byte, kind CommandKind, length int) (*command, error) {
	if length > len(buf) {
		return nil, &Error{
			Type:    ErrInternal,
			Message: fmt.Sprintf("command needs %d bytes, buffer holds %d", length, len(buf)),
			Command: kind,
			Reason:  EndSessionExchangeBufferSizeError,
		}
	}
	for i := 0; i < length; i++ {
		buf[i] = ' '
	}
	buf[0] = byte(kind)
	return &command{buf: buf, length: length}, nil
}

// Bytes returns the command as sent on the wire.
func (c *command) Bytes() []byte {
	return c.buf[:c.length]
}

func (c *command) kind() CommandKind {
	if c.length == 0 {
		return 0
	}
	return CommandKind(c.buf[0])
}

// hexDump renders at most the first 256 bytes for diagnostics.
func (c *command) hexDump() string {
	n := c.length
	if n > maxDumpLen {
		n = maxDumpLen
	}
	return hex.EncodeToString(c.buf[:n])
}

// invalid builds the CommandContainedInvalidData error for a received command.
func (c *command) invalid(format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return NewCommandError(EndSessionCommandContainedInvalidData,
		fmt.Sprintf("%s (len=%d, data=[%s])", msg, c.length, c.hexDump()), c.kind())
}

// Read primitives

func (c *command) readASCII(off, n int) string {
	return strings.TrimRight(string(c.buf[off:off+n]), " ")
}

func (c *command) readNumber(off, n int) (int64, error) {
	s := c.readASCII(off, n)
	v, err := strconv.ParseInt(strings.TrimLeft(s, " "), 10, 64)
	if err != nil || v < 0 {
		return 0, c.invalid("numeric field at %d is %q", off, s)
	}
	return v, nil
}

func (c *command) readUnsigned(off, n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<8 | uint32(c.buf[off+i])
	}
	return v
}

func (c *command) readFlag(off int) bool {
	return c.buf[off] == 'Y'
}

// readUTF8 returns the text and the offset after the field.
func (c *command) readUTF8(off int) (string, int, error) {
	if off+utf8PrefixLen > c.length {
		return "", 0, c.invalid("text field at %d exceeds command", off)
	}
	n, err := c.readNumber(off, utf8PrefixLen)
	if err != nil {
		return "", 0, err
	}
	end := off + utf8PrefixLen + int(n)
	if end > c.length {
		return "", 0, c.invalid("text field at %d has length %d beyond command", off, n)
	}
	raw := c.buf[off+utf8PrefixLen : end]
	if !utf8.Valid(raw) {
		return "", 0, c.invalid("text field at %d is not UTF-8", off)
	}
	return strings.TrimRight(string(raw), " "), end, nil
}

// readBytes returns a copy of the binary field and the offset after it.
func (c *command) readBytes(off int) ([]byte, int, error) {
	if off+bytesPrefixLen > c.length {
		return nil, 0, c.invalid("binary field at %d exceeds command", off)
	}
	n := int(c.readUnsigned(off, bytesPrefixLen))
	end := off + bytesPrefixLen + n
	if end > c.length {
		return nil, 0, c.invalid("binary field at %d has length %d beyond command", off, n)
	}
	if n == 0 {
		return nil, end, nil
	}
	out := make([]byte, n)
	copy(out, c.buf[off+bytesPrefixLen:end])
	return out, end, nil
}

func (c *command) readStamp(off int, v Version) (time.Time, error) {
	if v.IsV2() {
		s := c.readASCII(off, 18)
		t, err := time.ParseInLocation("20060102150405", s[:min(len(s), 14)], time.UTC)
		if err != nil || len(s) != 18 {
			return time.Time{}, c.invalid("stamp %q", s)
		}
		frac, err := strconv.Atoi(s[14:])
		if err != nil {
			return time.Time{}, c.invalid("stamp %q", s)
		}
		return t.Add(time.Duration(frac) * 100 * time.Microsecond), nil
	}
	s := c.readASCII(off, 12)
	t, err := time.ParseInLocation("060102150405", s, time.UTC)
	if err != nil {
		return time.Time{}, c.invalid("stamp %q", s)
	}
	return t, nil
}

func (c *command) isTerminator(off int) bool {
	b := c.buf[off]
	return b == terminatorCR || b == terminatorCR2
}

// Write primitives

// asciiLetter maps a rune onto the OFTP character set.
func asciiLetter(r rune) (byte, bool) {
	switch {
	case r == ' ', r == '/', r == '-', r == '.', r == '&', r == '(', r == ')':
		return byte(r), true
	case r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
		return byte(r), true
	case r >= 'a' && r <= 'z':
		return byte(r - 0x20), true
	default:
		return 0, false
	}
}

// writeASCII writes s space padded into the field, upper casing letters.
func (c *command) writeASCII(off, n int, s string) error {
	end := off + n
	i := off
	for _, r := range s {
		if i >= end {
			break
		}
		b, ok := asciiLetter(r)
		if !ok {
			return NewFileServiceError(AnswerInvalidFilename, false, "invalid character %q in %q", r, s)
		}
		c.buf[i] = b
		i++
	}
	for ; i < end; i++ {
		c.buf[i] = ' '
	}
	return nil
}

// writeNumber writes v right justified and zero padded.
func (c *command) writeNumber(off, n int, v int64) error {
	if v < 0 {
		return &Error{Type: ErrInternal, Message: fmt.Sprintf("negative value %d", v), Command: c.kind()}
	}
	for i := off + n - 1; i >= off; i-- {
		c.buf[i] = byte('0' + v%10)
		v /= 10
	}
	if v != 0 {
		return &Error{Type: ErrInternal, Message: fmt.Sprintf("value is longer than %d digits", n), Command: c.kind()}
	}
	return nil
}

func (c *command) writeUnsigned(off, n int, v uint32) error {
	for i := n - 1; i >= 0; i-- {
		c.buf[off+i] = byte(v)
		v >>= 8
	}
	if v != 0 {
		return &Error{Type: ErrInternal, Message: fmt.Sprintf("value does not fit %d bytes", n), Command: c.kind()}
	}
	return nil
}

func (c *command) writeFlag(off int, b bool) {
	if b {
		c.buf[off] = 'Y'
	} else {
		c.buf[off] = 'N'
	}
}

func (c *command) writeStamp(off int, v Version, t time.Time) error {
	t = t.UTC()
	if v.IsV2() {
		s := t.Format("20060102150405") + fmt.Sprintf("%04d", t.Nanosecond()/100000)
		return c.writeASCII(off, 18, s)
	}
	return c.writeASCII(off, 12, t.Format("060102150405"))
}

// resize moves the tail that starts at source to target and adjusts the
// command length. Fields after source keep their content.
func (c *command) resize(source, target int) error {
	if source == target {
		return nil
	}
	newLength := c.length + target - source
	if newLength > len(c.buf) {
		return &Error{
			Type:    ErrInternal,
			Message: fmt.Sprintf("command needs %d bytes, buffer holds %d", newLength, len(c.buf)),
			Command: c.kind(),
			Reason:  EndSessionExchangeBufferSizeError,
		}
	}
	copy(c.buf[target:newLength], c.buf[source:c.length])
	c.length = newLength
	return nil
}

// maxTextLength is the largest text a three digit length prefix can carry.
const maxTextLength = 999

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// writeUTF8Resize replaces the text field at off, shifting everything after it.
func (c *command) writeUTF8Resize(off int, s string) error {
	if len(s) > maxTextLength {
		return &Error{Type: ErrInternal, Message: "text field longer than 999 bytes", Command: c.kind()}
	}
	old, err := c.readNumber(off, utf8PrefixLen)
	if err != nil {
		return err
	}
	source := off + utf8PrefixLen + int(old)
	target := off + utf8PrefixLen + len(s)
	if err := c.resize(source, target); err != nil {
		return err
	}
	if err := c.writeNumber(off, utf8PrefixLen, int64(len(s))); err != nil {
		return err
	}
	copy(c.buf[off+utf8PrefixLen:], s)
	return nil
}

// writeBytesResize replaces the binary field at off, shifting everything after it.
func (c *command) writeBytesResize(off int, p []byte) error {
	if len(p) > 0xFFFF {
		return &Error{Type: ErrInternal, Message: "binary field longer than 65535 bytes", Command: c.kind()}
	}
	source := off + bytesPrefixLen + int(c.readUnsigned(off, bytesPrefixLen))
	target := off + bytesPrefixLen + len(p)
	if err := c.resize(source, target); err != nil {
		return err
	}
	if err := c.writeUnsigned(off, bytesPrefixLen, uint32(len(p))); err != nil {
		return err
	}
	copy(c.buf[off+bytesPrefixLen:], p)
	return nil
}

// initUTF8 and initBytes write empty variable fields into a new command.
func (c *command) initUTF8(off int) {
	copy(c.buf[off:], "000")
}

func (c *command) initBytes(off int) {
	c.buf[off] = 0
	c.buf[off+1] = 0
}
