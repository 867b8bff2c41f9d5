package oftp

import "time"

// Callbacks are hooks into a running session. Any of them may be nil. They
// run on the session goroutine and should return quickly.
type Callbacks struct {
	// OnSessionStart is called once the start session exchange succeeded.
	OnSessionStart func(info SessionInfo)

	// OnFileStart is called when a file transfer starts.
	// inbound is true for files received from the partner.
	OnFileStart func(id FileID, size int64, inbound bool)

	// OnProgress is called during a transfer, at most once per
	// Config.ProgressInterval, and once more when the file ends.
	OnProgress func(p Progress)

	// OnFileComplete is called when a file was confirmed by an end file
	// positive answer.
	OnFileComplete func(id FileID, bytesTransferred int64, duration time.Duration, inbound bool)

	// OnFileRejected is called when a file was refused by either side.
	OnFileRejected func(id FileID, reason AnswerReason, text string, inbound bool)

	// OnEndToEnd is called for every end-to-end response sent or received.
	OnEndToEnd func(e EndToEnd, inbound bool)

	// OnError is called when the session fails; where names the stage.
	OnError func(err error, where string)

	// OnEvent sees every command sent or received except DATA.
	OnEvent func(event Event)
}

// SessionInfo describes the negotiated parameters of a session.
type SessionInfo struct {
	RemoteID     string
	Version      Version
	BufferSize   int
	Credit       int
	Capabilities Capabilities
	Initiator    bool
}

// Event is a protocol event.
type Event struct {
	Type      EventType
	Message   string
	Command   CommandKind
	Timestamp time.Time
}

// EventType categorizes protocol events.
type EventType int

const (
	EventCommandSent EventType = iota
	EventCommandReceived
	EventChangeDirection
	EventAuthenticated
	EventSessionEnd
)

// withDefaults returns a copy of user with every nil hook replaced by a
// no-op, so the session can call hooks unconditionally.
func withDefaults(user *Callbacks) *Callbacks {
	var cb Callbacks
	if user != nil {
		cb = *user
	}
	if cb.OnSessionStart == nil {
		cb.OnSessionStart = func(SessionInfo) {}
	}
	if cb.OnFileStart == nil {
		cb.OnFileStart = func(FileID, int64, bool) {}
	}
	if cb.OnProgress == nil {
		cb.OnProgress = func(Progress) {}
	}
	if cb.OnFileComplete == nil {
		cb.OnFileComplete = func(FileID, int64, time.Duration, bool) {}
	}
	if cb.OnFileRejected == nil {
		cb.OnFileRejected = func(FileID, AnswerReason, string, bool) {}
	}
	if cb.OnEndToEnd == nil {
		cb.OnEndToEnd = func(EndToEnd, bool) {}
	}
	if cb.OnError == nil {
		cb.OnError = func(error, string) {}
	}
	if cb.OnEvent == nil {
		cb.OnEvent = func(Event) {}
	}
	return &cb
}
