package oftp

import "context"

// Channel moves whole commands between the session and its partner. The
// transport package frames them in stream transmission headers.
type Channel interface {
	// Name identifies the channel in logs.
	Name() string

	// UserData is sent in the SSIDUSER field.
	UserData() string

	// InitialCapabilities is the capability offer of the local side.
	InitialCapabilities() Capabilities

	// Receive reads one command into buf and returns its length. A closed
	// channel returns an ErrRemoteEnd error, an expired context an
	// ErrTimeout or ErrCancelled error.
	Receive(ctx context.Context, buf []byte) (int, error)

	// Send writes one command.
	Send(ctx context.Context, p []byte) error

	Disconnect() error
}

// LoggingChannel wraps a channel and logs every frame at debug level.
type LoggingChannel struct {
	Channel
	logger Logger
}

// NewLoggingChannel wraps ch.
func NewLoggingChannel(ch Channel, logger Logger) *LoggingChannel {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &LoggingChannel{Channel: ch, logger: logger}
}

func (lc *LoggingChannel) Receive(ctx context.Context, buf []byte) (int, error) {
	n, err := lc.Channel.Receive(ctx, buf)
	if err != nil {
		lc.logger.Errorf("%s: receive error: %v", lc.Name(), err)
		return n, err
	}
	lc.logger.Debugf("%s: %s", lc.Name(), FormatCommandLog("recv", buf[:n], nil))
	return n, nil
}

func (lc *LoggingChannel) Send(ctx context.Context, p []byte) error {
	err := lc.Channel.Send(ctx, p)
	if err != nil {
		lc.logger.Errorf("%s: send error: %v", lc.Name(), err)
		return err
	}
	lc.logger.Debugf("%s: %s", lc.Name(), FormatCommandLog("send", p, nil))
	return nil
}
