package oftp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the position of a session in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingReady
	StateAwaitingStartSession
	StateNegotiated
	StateAuthenticating
	StateSpeaker
	StateListener
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingReady:
		return "awaiting ready"
	case StateAwaitingStartSession:
		return "awaiting start session"
	case StateNegotiated:
		return "negotiated"
	case StateAuthenticating:
		return "authenticating"
	case StateSpeaker:
		return "speaker"
	case StateListener:
		return "listener"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Session runs one OFTP session over a channel.
type Session struct {
	// I/O
	ch       Channel
	provider ServiceProvider
	auth     Authenticator

	// Configuration
	config *Config

	// Callbacks
	callbacks *Callbacks
	progress  *progressTracker

	// Context
	ctx context.Context

	// Logger
	logger Logger

	// Negotiated parameters
	initiator  bool
	version    Version
	bufferSize int
	credit     int
	caps       Capabilities
	remoteID   string
	canSend    bool
	canReceive bool
	service    FileService

	// Buffers, reused for every command. Only Data commands are bound by
	// the negotiated buffer size.
	sendBuf []byte
	recvBuf []byte

	// Direction control
	askedChangeDirection bool
	handBack             bool

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

// Config holds session configuration.
type Config struct {
	// Identity
	Version  Version
	LocalID  string
	Password string

	// RemoteID is the partner an initiator expects to answer; empty
	// accepts any.
	RemoteID string

	// Exchange buffer
	MaxBufferSize int
	MaxCredit     int

	// Capability offer. Send and receive are always offered; the file
	// service limits them.
	Capabilities                Capabilities
	RequireSecureAuthentication bool

	// Timeout bounds every receive, 0 disables it
	Timeout time.Duration

	// Progress update interval
	ProgressInterval time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version:          Rev20,
		MaxBufferSize:    DefaultBufferSize,
		MaxCredit:        DefaultCredit,
		Capabilities:     CapBufferCompression | CapRestart | CapSpecialLogic | CapSecureAuthentication,
		Timeout:          2 * time.Minute,
		ProgressInterval: 100 * time.Millisecond,
	}
}

// Validate checks the configuration limits.
func (c *Config) Validate() error {
	if !c.Version.Supported() {
		return fmt.Errorf("oftp: unsupported version %s", c.Version)
	}
	if c.LocalID == "" {
		return errors.New("oftp: local id is empty")
	}
	if c.MaxBufferSize < MinBufferSize || c.MaxBufferSize > MaxBufferSize {
		return fmt.Errorf("oftp: buffer size %d out of range %d..%d", c.MaxBufferSize, MinBufferSize, MaxBufferSize)
	}
	if c.MaxCredit < 1 || c.MaxCredit > MaxCredit {
		return fmt.Errorf("oftp: credit %d out of range 1..%d", c.MaxCredit, MaxCredit)
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = withDefaults(callbacks)
	}
}

// WithContext sets the session context.
func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		s.ctx = ctx
	}
}

// WithSessionLogger sets a logger for protocol debugging.
func WithSessionLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithAuthenticator enables the secure authentication handshake.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Session) {
		s.auth = auth
	}
}

// NewSession creates a new OFTP session.
func NewSession(ch Channel, provider ServiceProvider, opts ...Option) *Session {
	s := &Session{
		ch:        ch,
		provider:  provider,
		config:    DefaultConfig(),
		callbacks: withDefaults(nil),
		ctx:       context.Background(),
		logger:    NoopLogger{},
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = NoopLogger{}
	}

	s.progress = newProgressTracker(s.callbacks.OnProgress, s.config.ProgressInterval)
	s.sendBuf = make([]byte, MaxBufferSize)
	s.recvBuf = make([]byte, MaxBufferSize)
	s.version = s.config.Version
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Info returns the negotiated session parameters.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		RemoteID:     s.remoteID,
		Version:      s.version,
		BufferSize:   s.bufferSize,
		Credit:       s.credit,
		Capabilities: s.caps,
		Initiator:    s.initiator,
	}
}

// Initiate runs the session as the calling party.
func (s *Session) Initiate(ctx context.Context) error {
	if ctx == nil {
		ctx = s.ctx
	}
	s.initiator = true
	if err := s.config.Validate(); err != nil {
		s.close()
		return err
	}

	err := s.initiate(ctx)
	if err == nil {
		err = s.run(ctx)
	}
	return s.finish(ctx, err)
}

// Accept runs the session as the called party.
func (s *Session) Accept(ctx context.Context) error {
	if ctx == nil {
		ctx = s.ctx
	}
	s.initiator = false
	if err := s.config.Validate(); err != nil {
		s.close()
		return err
	}

	err := s.accept(ctx)
	if err == nil {
		err = s.run(ctx)
	}
	return s.finish(ctx, err)
}

// localID is the id this side presents to the partner.
func (s *Session) localID() string {
	if s.service != nil {
		if id := s.service.DestinationID(); id != "" {
			return id
		}
	}
	return s.config.LocalID
}

// run alternates the speaker and listener roles until a speaker has nothing
// left to do.
func (s *Session) run(ctx context.Context) error {
	s.callbacks.OnSessionStart(s.Info())
	s.logger.Infof("session with %s established: version %s, buffer %d, credit %d, %s",
		s.remoteID, s.version, s.bufferSize, s.credit, s.caps)

	speaker := s.initiator
	forceChangeDirection := true
	for {
		if !speaker {
			s.setState(StateListener)
			ended, err := s.listen(ctx)
			if err != nil {
				return err
			}
			if ended {
				return nil
			}
			speaker = true
			continue
		}

		s.setState(StateSpeaker)
		requested, err := s.speak(ctx)
		if err != nil {
			return err
		}
		if requested || forceChangeDirection || s.handBack {
			forceChangeDirection = false
			s.handBack = false
			if err := s.send(ctx, &ChangeDirection{}); err != nil {
				return err
			}
			s.event(EventChangeDirection, "speaker role handed to partner", CmdChangeDirection)
			speaker = false
			continue
		}

		s.setState(StateEnding)
		return s.send(ctx, &EndSession{Reason: EndSessionNone})
	}
}

// speak sends the outbound files and end-to-end responses. It returns true
// when the partner asked for the speaker role.
func (s *Session) speak(ctx context.Context) (bool, error) {
	if s.canSend {
		files, err := s.service.OutFiles(ctx)
		if err != nil {
			return false, fmt.Errorf("list out files: %w", err)
		}
		for _, open := range files {
			requested, err := s.sendFile(ctx, open)
			if err != nil {
				return false, err
			}
			if requested {
				return true, nil
			}
		}
	}
	return false, s.sendEndToEnd(ctx)
}

// listen serves the partner until it hands the speaker role back or ends
// the session.
func (s *Session) listen(ctx context.Context) (bool, error) {
	for {
		m, err := s.receive(ctx)
		if err != nil {
			return false, err
		}
		switch m := m.(type) {
		case *StartFile:
			if err := s.receiveFile(ctx, m); err != nil {
				return false, err
			}
		case *EndToEndResponse, *NegativeEndResponse:
			if err := s.receiveEndToEnd(ctx, m); err != nil {
				return false, err
			}
		case *ChangeDirection:
			if s.askedChangeDirection {
				s.askedChangeDirection = false
				s.handBack = true
			}
			return false, nil
		case *EndSession:
			if m.Reason != EndSessionNone {
				return false, remoteEnd(m)
			}
			s.logger.Infof("partner ended the session")
			return true, nil
		default:
			return false, unexpected(m)
		}
	}
}

// send encodes m into the send buffer and writes it.
func (s *Session) send(ctx context.Context, m Message) error {
	c, err := m.encode(s.sendBuf, s.version)
	if err != nil {
		return err
	}
	s.logger.Debugf("%s", FormatCommandLog("send", c.Bytes(), m))
	if m.Kind() != CmdData {
		s.event(EventCommandSent, Describe(m), m.Kind())
	}
	return s.sendCommand(ctx, c)
}

func (s *Session) sendCommand(ctx context.Context, c *command) error {
	if err := s.ch.Send(ctx, c.Bytes()); err != nil {
		return channelError(err, "send")
	}
	return nil
}

// receive reads and decodes the next command.
func (s *Session) receive(ctx context.Context) (Message, error) {
	rctx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	n, err := s.ch.Receive(rctx, s.recvBuf)
	if err != nil {
		return nil, channelError(err, "receive")
	}
	m, err := Decode(s.recvBuf[:n], s.version)
	if err != nil {
		s.logger.Debugf("%s", FormatCommandLog("recv", s.recvBuf[:n], nil))
		return nil, err
	}
	s.logger.Debugf("%s", FormatCommandLog("recv", s.recvBuf[:n], m))
	if m.Kind() != CmdData {
		s.event(EventCommandReceived, Describe(m), m.Kind())
	}
	return m, nil
}

// expect receives the next command and checks its kind. An end session
// command becomes an ErrRemoteEnd error.
func (s *Session) expect(ctx context.Context, kinds ...CommandKind) (Message, error) {
	m, err := s.receive(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if m.Kind() == k {
			return m, nil
		}
	}
	if es, ok := m.(*EndSession); ok {
		return nil, remoteEnd(es)
	}
	return nil, unexpected(m)
}

func (s *Session) event(t EventType, msg string, kind CommandKind) {
	s.callbacks.OnEvent(Event{Type: t, Message: msg, Command: kind, Timestamp: time.Now()})
}

// finish ends the session on err, disconnects and closes the file service.
func (s *Session) finish(ctx context.Context, err error) error {
	defer s.close()
	if err == nil {
		s.event(EventSessionEnd, "session ended", CmdEndSession)
		return nil
	}

	s.logger.Errorf("session with %s failed: %v", s.ch.Name(), err)
	s.callbacks.OnError(err, "session")

	reason, text, ok := endSessionFor(err)
	if !ok {
		return err
	}
	s.setState(StateEnding)
	sctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if serr := s.send(sctx, &EndSession{Reason: reason, ReasonText: text}); serr != nil {
		s.logger.Warningf("sending end session %d failed: %v", int(reason), serr)
	}
	return err
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnected)
		if err := s.ch.Disconnect(); err != nil {
			s.logger.Debugf("disconnect: %v", err)
		}
		if s.service != nil {
			if err := s.service.Close(); err != nil {
				s.logger.Warningf("closing file service: %v", err)
			}
		}
	})
}

// endSessionFor picks the end session reason for a failure. It reports
// false when the channel can no longer carry a command.
func endSessionFor(err error) (EndSessionReason, string, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return EndSessionUnspecifiedAbortCode, err.Error(), true
	}
	switch e.Type {
	case ErrRemoteEnd:
		return EndSessionNone, "", false
	case ErrTimeout:
		return EndSessionTimeOut, e.Message, true
	case ErrCancelled:
		return EndSessionLocalSiteEmergencyCloseDown, e.Message, true
	case ErrInternal:
		if e.Reason != EndSessionNone {
			return e.Reason, e.Message, true
		}
		return EndSessionUnspecifiedAbortCode, e.Message, true
	default:
		return e.Reason, e.Message, true
	}
}

// channelError maps a channel failure onto the error types of the engine.
func channelError(err error, op string) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Type: ErrTimeout, Message: op + " timed out", Reason: EndSessionTimeOut}
	case errors.Is(err, context.Canceled):
		return &Error{Type: ErrCancelled, Message: op + " cancelled"}
	default:
		return &Error{Type: ErrRemoteEnd, Message: fmt.Sprintf("%s: %v", op, err)}
	}
}

func remoteEnd(m *EndSession) *Error {
	return &Error{
		Type:    ErrRemoteEnd,
		Message: "partner ended the session: " + m.Text(),
		Command: CmdEndSession,
		Reason:  m.Reason,
	}
}

func unexpected(m Message) *Error {
	return NewCommandError(EndSessionProtocolViolation, "unexpected command "+Describe(m), m.Kind())
}
