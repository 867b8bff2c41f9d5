package oftp

import (
	"encoding/hex"
	"fmt"
)

// Logger interface for OFTP protocol logging. *logging.Logger from
// gopkg.in/op/go-logging.v1 satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debugf(format string, args ...interface{})   {}
func (NoopLogger) Infof(format string, args ...interface{})    {}
func (NoopLogger) Warningf(format string, args ...interface{}) {}
func (NoopLogger) Errorf(format string, args ...interface{})   {}

// FormatCommandLog formats a command for logging. When m is nil the raw
// bytes are dumped, truncated to 128 bytes.
func FormatCommandLog(direction string, data []byte, m Message) string {
	if m != nil {
		return fmt.Sprintf("%s %s (len=%d)", direction, Describe(m), len(data))
	}
	n := len(data)
	truncated := ""
	if n > 128 {
		n = 128
		truncated = "...[truncated]"
	}
	return fmt.Sprintf("%s raw (len=%d, data=[%s]%s)", direction, len(data), hex.EncodeToString(data[:n]), truncated)
}
