package oftp

import (
	"fmt"
	"strings"
	"time"
)

// Message is a decoded OFTP command. Every message knows its V1 and V2
// layout; the session version picks one of them.
type Message interface {
	// Kind returns the signature of the command.
	Kind() CommandKind

	// Fields lists the decoded fields for diagnostics.
	Fields() []Field

	encode(buf []byte, v Version) (*command, error)
	decode(c *command, v Version) error
}

// Field is one name/value pair of a command dump.
type Field struct {
	Name  string
	Value interface{}
}

// Encode writes m into buf and returns the wire bytes, which alias buf.
func Encode(buf []byte, v Version, m Message) ([]byte, error) {
	c, err := m.encode(buf, v)
	if err != nil {
		return nil, err
	}
	return c.Bytes(), nil
}

// Decode parses the command held in buf. Byte slices of a Data message alias
// buf; every other field is copied.
func Decode(buf []byte, v Version) (Message, error) {
	c := &command{buf: buf, length: len(buf)}
	if len(buf) == 0 {
		return nil, NewProtocolError(EndSessionCommandContainedInvalidData, "empty command")
	}

	var m Message
	switch kind := CommandKind(buf[0]); kind {
	case CmdReadyMessage:
		m = &ReadyMessage{}
	case CmdStartSession:
		m = &StartSession{}
	case CmdEndSession:
		m = &EndSession{}
	case CmdStartFile:
		m = &StartFile{}
	case CmdStartFilePositive:
		m = &StartFilePositive{}
	case CmdStartFileNegative:
		m = &StartFileNegative{}
	case CmdData:
		m = &Data{}
	case CmdSetCredit:
		m = &SetCredit{}
	case CmdEndFile:
		m = &EndFile{}
	case CmdEndFilePositive:
		m = &EndFilePositive{}
	case CmdEndFileNegative:
		m = &EndFileNegative{}
	case CmdChangeDirection:
		m = &ChangeDirection{}
	case CmdEndToEnd:
		m = &EndToEndResponse{}
	case CmdNegativeEndToEnd:
		if !v.IsV2() {
			return nil, NewCommandError(EndSessionProtocolViolation, "negative end response requires OFTP 2.0", kind)
		}
		m = &NegativeEndResponse{}
	case CmdReadyToReceive:
		m = &ReadyToReceive{}
	case CmdSecurityChangeDirection:
		m = &SecurityChangeDirection{}
	case CmdAuthChallenge:
		m = &AuthChallenge{}
	case CmdAuthResponse:
		m = &AuthResponse{}
	default:
		return nil, NewCommandError(EndSessionCommandNotRecognised,
			fmt.Sprintf("unknown command signature 0x%02x (data=[%s])", buf[0], c.hexDump()), kind)
	}

	if err := m.decode(c, v); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe renders a message as IDENT{Field=value, ...}.
func Describe(m Message) string {
	var sb strings.Builder
	sb.WriteString(CommandName(m.Kind()))
	sb.WriteByte('{')
	for i, f := range m.Fields() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		switch v := f.Value.(type) {
		case string:
			fmt.Fprintf(&sb, "%q", v)
		case []byte:
			if len(v) == 0 {
				sb.WriteString("null")
				break
			}
			n := len(v)
			if n > 64 {
				n = 64
			}
			fmt.Fprintf(&sb, "L:%d:% X", len(v), v[:n])
		case time.Time:
			sb.WriteString(v.Format("2006-01-02 15:04:05.0000"))
		default:
			fmt.Fprintf(&sb, "%v", v)
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

// checkLength validates an exact command length.
func checkLength(c *command, want int) error {
	if c.length != want {
		return c.invalid("command length is %d, expected %d", c.length, want)
	}
	return nil
}

// checkMinLength validates the base length of a variable command.
func checkMinLength(c *command, want int) error {
	if c.length < want {
		return c.invalid("command length is %d, expected at least %d", c.length, want)
	}
	return nil
}

// fieldWriter keeps the first write error so encoders read top to bottom.
type fieldWriter struct {
	c   *command
	v   Version
	err error
}

func (w *fieldWriter) ascii(off, n int, s string) {
	if w.err == nil {
		w.err = w.c.writeASCII(off, n, s)
	}
}

func (w *fieldWriter) number(off, n int, v int64) {
	if w.err == nil {
		w.err = w.c.writeNumber(off, n, v)
	}
}

func (w *fieldWriter) stamp(off int, t time.Time) {
	if w.err == nil {
		w.err = w.c.writeStamp(off, w.v, t)
	}
}

func (w *fieldWriter) utf8(off int, s string) {
	if w.err == nil {
		w.err = w.c.writeUTF8Resize(off, s)
	}
}

// reason writes a reason text, cut to the field limit on a rune boundary.
func (w *fieldWriter) reason(off int, s string) {
	w.utf8(off, truncateText(s, maxTextLength))
}

func (w *fieldWriter) bytes(off int, p []byte) {
	if w.err == nil {
		w.err = w.c.writeBytesResize(off, p)
	}
}

// fieldReader keeps the first read error.
type fieldReader struct {
	c   *command
	v   Version
	err error
}

func (r *fieldReader) number(off, n int) int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.c.readNumber(off, n)
	r.err = err
	return v
}

func (r *fieldReader) stamp(off int) time.Time {
	if r.err != nil {
		return time.Time{}
	}
	t, err := r.c.readStamp(off, r.v)
	r.err = err
	return t
}

func (r *fieldReader) utf8(off int) (string, int) {
	if r.err != nil {
		return "", off
	}
	s, end, err := r.c.readUTF8(off)
	r.err = err
	return s, end
}

func (r *fieldReader) bytes(off int) ([]byte, int) {
	if r.err != nil {
		return nil, off
	}
	p, end, err := r.c.readBytes(off)
	r.err = err
	return p, end
}

// ReadyMessage is the SSRM the responder sends when a channel opens.
type ReadyMessage struct{}

const readyMessageText = "ODETTE FTP READY"

func (m *ReadyMessage) Kind() CommandKind { return CmdReadyMessage }
func (m *ReadyMessage) Fields() []Field   { return []Field{{"Message", readyMessageText}} }

func (m *ReadyMessage) encode(buf []byte, v Version) (*command, error) {
	c, err := newCommand(buf, CmdReadyMessage, 19)
	if err != nil {
		return nil, err
	}
	if err := c.writeASCII(1, 17, readyMessageText); err != nil {
		return nil, err
	}
	c.buf[18] = terminatorCR
	return c, nil
}

func (m *ReadyMessage) decode(c *command, v Version) error {
	if err := checkLength(c, 19); err != nil {
		return err
	}
	if c.readASCII(1, 17) != readyMessageText {
		return c.invalid("start session ready message is invalid")
	}
	if !c.isTerminator(18) {
		return c.invalid("end of command is not valid")
	}
	return nil
}

// StartSession is the SSID exchanged by both parties after the ready message.
type StartSession struct {
	Version      Version
	ID           string
	Password     string
	BufferSize   int
	Credit       int
	Capabilities Capabilities
	UserData     string
}

func (m *StartSession) Kind() CommandKind { return CmdStartSession }

func (m *StartSession) Fields() []Field {
	return []Field{
		{"Version", m.Version},
		{"ID", m.ID},
		{"Password", strings.Repeat("*", len(m.Password))},
		{"BufferSize", m.BufferSize},
		{"Credit", m.Credit},
		{"Capabilities", m.Capabilities},
		{"UserData", m.UserData},
	}
}

func (m *StartSession) encode(buf []byte, v Version) (*command, error) {
	c, err := newCommand(buf, CmdStartSession, 61)
	if err != nil {
		return nil, err
	}
	if m.Version == VersionUnknown {
		return nil, &Error{Type: ErrInternal, Message: "start session version is unknown", Command: CmdStartSession}
	}
	switch {
	case m.Capabilities.Has(CapBoth):
		c.buf[40] = 'B'
	case m.Capabilities.Has(CapSend):
		c.buf[40] = 'S'
	case m.Capabilities.Has(CapReceive):
		c.buf[40] = 'R'
	default:
		return nil, &Error{Type: ErrInternal, Message: "send, receive or both must be set", Command: CmdStartSession}
	}

	w := &fieldWriter{c: c, v: v}
	w.number(1, 1, int64(m.Version))
	w.ascii(2, 25, m.ID)
	w.ascii(27, 8, m.Password)
	w.number(35, 5, int64(m.BufferSize))
	w.number(44, 3, int64(m.Credit))
	w.ascii(52, 8, m.UserData)
	if w.err != nil {
		return nil, w.err
	}
	c.writeFlag(41, m.Capabilities.Has(CapBufferCompression))
	c.writeFlag(42, m.Capabilities.Has(CapRestart))
	c.writeFlag(43, m.Capabilities.Has(CapSpecialLogic))
	c.writeFlag(47, m.Capabilities.Has(CapSecureAuthentication))
	c.buf[60] = terminatorCR
	return c, nil
}

func (m *StartSession) decode(c *command, v Version) error {
	if err := checkLength(c, 61); err != nil {
		return err
	}
	if !c.isTerminator(60) {
		return c.invalid("end of command is not valid")
	}

	var caps Capabilities
	switch c.buf[40] {
	case 'S':
		caps = CapSend
	case 'R':
		caps = CapReceive
	case 'B':
		caps = CapBoth
	default:
		return c.invalid("SSIDSR must be R, S or B")
	}
	if c.readFlag(41) {
		caps |= CapBufferCompression
	}
	if c.readFlag(42) {
		caps |= CapRestart
	}
	if c.readFlag(43) {
		caps |= CapSpecialLogic
	}
	if c.readFlag(47) {
		caps |= CapSecureAuthentication
	}

	r := &fieldReader{c: c, v: v}
	m.Version = versionFromDigit(r.number(1, 1))
	m.ID = c.readASCII(2, 25)
	m.Password = c.readASCII(27, 8)
	m.BufferSize = int(r.number(35, 5))
	m.Credit = int(r.number(44, 3))
	m.UserData = c.readASCII(52, 8)
	m.Capabilities = caps
	return r.err
}

// EndSession is the ESID that closes a session.
type EndSession struct {
	Reason     EndSessionReason
	ReasonText string
}

func (m *EndSession) Kind() CommandKind { return CmdEndSession }

func (m *EndSession) Fields() []Field {
	return []Field{{"Reason", int(m.Reason)}, {"ReasonText", m.Text()}}
}

// Text returns the reason text, falling back to the reason name.
func (m *EndSession) Text() string {
	if m.ReasonText == "" {
		return m.Reason.String()
	}
	return m.ReasonText
}

func (m *EndSession) encode(buf []byte, v Version) (*command, error) {
	if !v.IsV2() {
		c, err := newCommand(buf, CmdEndSession, 4)
		if err != nil {
			return nil, err
		}
		if err := c.writeNumber(1, 2, int64(m.Reason)); err != nil {
			return nil, err
		}
		c.buf[3] = terminatorCR
		return c, nil
	}

	c, err := newCommand(buf, CmdEndSession, 7)
	if err != nil {
		return nil, err
	}
	c.initUTF8(3)
	c.buf[6] = terminatorCR
	w := &fieldWriter{c: c, v: v}
	w.number(1, 2, int64(m.Reason))
	w.reason(3, m.ReasonText)
	return c, w.err
}

func (m *EndSession) decode(c *command, v Version) error {
	r := &fieldReader{c: c, v: v}
	if v.IsV2() && c.length > 4 {
		if err := checkMinLength(c, 7); err != nil {
			return err
		}
		m.Reason = EndSessionReason(r.number(1, 2))
		text, end := r.utf8(3)
		if r.err != nil {
			return r.err
		}
		if end != c.length-1 || !c.isTerminator(end) {
			return c.invalid("end of command is not valid")
		}
		m.ReasonText = text
		return nil
	}

	if err := checkLength(c, 4); err != nil {
		return err
	}
	if !c.isTerminator(3) {
		return c.invalid("end of command is not valid")
	}
	m.Reason = EndSessionReason(r.number(1, 2))
	return r.err
}

// StartFile is the SFID that announces a virtual file.
type StartFile struct {
	VirtualFileName  string
	UserData         string
	Stamp            time.Time
	Destination      string
	Originator       string
	Format           FileFormat
	MaxRecordSize    int
	FileSize         int64 // in 1KB units
	FileSizeUnpacked int64 // 2.0 only
	RestartPosition  int64

	// 2.0 only
	SecurityLevel SecurityLevel
	CipherSuite   int
	Compressed    bool
	Enveloped     bool
	SignedEERP    bool
	Description   string
}

const (
	sfidLengthV1 = 128
	sfidLengthV2 = 165
)

func (m *StartFile) Kind() CommandKind { return CmdStartFile }

func (m *StartFile) Fields() []Field {
	return []Field{
		{"VirtualFileName", m.VirtualFileName},
		{"UserData", m.UserData},
		{"Stamp", m.Stamp},
		{"Destination", m.Destination},
		{"Originator", m.Originator},
		{"Format", m.Format},
		{"MaxRecordSize", m.MaxRecordSize},
		{"FileSize", m.FileSize},
		{"FileSizeUnpacked", m.FileSizeUnpacked},
		{"RestartPosition", m.RestartPosition},
		{"SecurityLevel", int(m.SecurityLevel)},
		{"CipherSuite", m.CipherSuite},
		{"Compressed", m.Compressed},
		{"Enveloped", m.Enveloped},
		{"SignedEERP", m.SignedEERP},
		{"Description", m.Description},
	}
}

func boolDigit(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (m *StartFile) encode(buf []byte, v Version) (*command, error) {
	length := sfidLengthV1
	if v.IsV2() {
		length = sfidLengthV2
	}
	c, err := newCommand(buf, CmdStartFile, length)
	if err != nil {
		return nil, err
	}

	format := m.Format
	if format == 0 {
		format = FormatUnstructured
	}
	if !format.Valid() {
		return nil, &Error{Type: ErrInternal, Message: fmt.Sprintf("invalid file format %q", byte(format)), Command: CmdStartFile}
	}
	maxRecord := int64(m.MaxRecordSize)
	if !format.HasRecords() {
		maxRecord = 0
	}
	c.buf[106] = byte(format)

	w := &fieldWriter{c: c, v: v}
	w.ascii(1, 26, m.VirtualFileName)
	w.ascii(48, 8, m.UserData)
	w.ascii(56, 25, m.Destination)
	w.ascii(81, 25, m.Originator)
	w.number(107, 5, maxRecord)
	if !v.IsV2() {
		w.stamp(36, m.Stamp)
		w.number(112, 7, m.FileSize)
		w.number(119, 9, m.RestartPosition)
		return c, w.err
	}

	w.stamp(30, m.Stamp)
	w.number(112, 13, m.FileSize)
	w.number(125, 13, m.FileSizeUnpacked)
	w.number(138, 17, m.RestartPosition)
	w.number(155, 2, int64(m.SecurityLevel))
	w.number(157, 2, int64(m.CipherSuite))
	w.number(159, 1, boolDigit(m.Compressed))
	w.number(160, 1, boolDigit(m.Enveloped))
	c.writeFlag(161, m.SignedEERP)
	c.initUTF8(162)
	w.utf8(162, m.Description)
	return c, w.err
}

func (m *StartFile) decode(c *command, v Version) error {
	if v.IsV2() {
		if err := checkMinLength(c, sfidLengthV2); err != nil {
			return err
		}
	} else if err := checkLength(c, sfidLengthV1); err != nil {
		return err
	}

	m.Format = FileFormat(c.buf[106])
	if !m.Format.Valid() {
		return c.invalid("invalid file format %q", c.buf[106])
	}

	r := &fieldReader{c: c, v: v}
	m.VirtualFileName = c.readASCII(1, 26)
	m.UserData = c.readASCII(48, 8)
	m.Destination = c.readASCII(56, 25)
	m.Originator = c.readASCII(81, 25)
	m.MaxRecordSize = int(r.number(107, 5))
	if !v.IsV2() {
		m.Stamp = r.stamp(36)
		m.FileSize = r.number(112, 7)
		m.RestartPosition = r.number(119, 9)
		return r.err
	}

	m.Stamp = r.stamp(30)
	m.FileSize = r.number(112, 13)
	m.FileSizeUnpacked = r.number(125, 13)
	m.RestartPosition = r.number(138, 17)
	m.SecurityLevel = SecurityLevel(r.number(155, 2))
	m.CipherSuite = int(r.number(157, 2))
	m.Compressed = r.number(159, 1) != 0
	m.Enveloped = r.number(160, 1) != 0
	m.SignedEERP = c.readFlag(161)
	m.Description, _ = r.utf8(162)
	return r.err
}

// StartFilePositive is the SFPA that accepts a file at a restart position.
type StartFilePositive struct {
	RestartPosition int64
}

func (m *StartFilePositive) Kind() CommandKind { return CmdStartFilePositive }
func (m *StartFilePositive) Fields() []Field {
	return []Field{{"RestartPosition", m.RestartPosition}}
}

func (m *StartFilePositive) encode(buf []byte, v Version) (*command, error) {
	length, width := 10, 9
	if v.IsV2() {
		length, width = 18, 17
	}
	c, err := newCommand(buf, CmdStartFilePositive, length)
	if err != nil {
		return nil, err
	}
	return c, c.writeNumber(1, width, m.RestartPosition)
}

func (m *StartFilePositive) decode(c *command, v Version) error {
	length, width := 10, 9
	if v.IsV2() {
		length, width = 18, 17
	}
	if err := checkLength(c, length); err != nil {
		return err
	}
	var err error
	m.RestartPosition, err = c.readNumber(1, width)
	return err
}

// StartFileNegative is the SFNA that refuses a file.
type StartFileNegative struct {
	Reason     AnswerReason
	Retry      bool
	ReasonText string // 2.0 only
}

func (m *StartFileNegative) Kind() CommandKind { return CmdStartFileNegative }
func (m *StartFileNegative) Fields() []Field {
	return []Field{{"Reason", int(m.Reason)}, {"Retry", m.Retry}, {"ReasonText", m.ReasonText}}
}

func (m *StartFileNegative) encode(buf []byte, v Version) (*command, error) {
	length := 4
	if v.IsV2() {
		length = 7
	}
	c, err := newCommand(buf, CmdStartFileNegative, length)
	if err != nil {
		return nil, err
	}
	c.writeFlag(3, m.Retry)
	w := &fieldWriter{c: c, v: v}
	w.number(1, 2, int64(m.Reason))
	if v.IsV2() {
		c.initUTF8(4)
		w.reason(4, m.ReasonText)
	}
	return c, w.err
}

func (m *StartFileNegative) decode(c *command, v Version) error {
	r := &fieldReader{c: c, v: v}
	if v.IsV2() {
		if err := checkMinLength(c, 7); err != nil {
			return err
		}
		m.ReasonText, _ = r.utf8(4)
	} else if err := checkLength(c, 4); err != nil {
		return err
	}
	m.Reason = AnswerReason(r.number(1, 2))
	m.Retry = c.readFlag(3)
	return r.err
}

// Data carries sub-records of a file. The file pump fills and drains the
// session buffer directly; this type serves tests and diagnostics.
type Data struct {
	Payload []byte
}

func (m *Data) Kind() CommandKind { return CmdData }
func (m *Data) Fields() []Field   { return []Field{{"Length", len(m.Payload)}} }

func (m *Data) encode(buf []byte, v Version) (*command, error) {
	c, err := newCommand(buf, CmdData, 1+len(m.Payload))
	if err != nil {
		return nil, err
	}
	copy(c.buf[1:], m.Payload)
	return c, nil
}

func (m *Data) decode(c *command, v Version) error {
	if err := checkMinLength(c, 1); err != nil {
		return err
	}
	m.Payload = c.buf[1:c.length]
	return nil
}

// SetCredit is the CDT that opens a new credit window.
type SetCredit struct{}

func (m *SetCredit) Kind() CommandKind { return CmdSetCredit }
func (m *SetCredit) Fields() []Field   { return nil }

func (m *SetCredit) encode(buf []byte, v Version) (*command, error) {
	return newCommand(buf, CmdSetCredit, 3)
}

func (m *SetCredit) decode(c *command, v Version) error {
	if c.length != 1 && c.length != 3 {
		return c.invalid("command length is %d, expected 1 or 3", c.length)
	}
	return nil
}

// EndFile is the EFID that closes the data phase of a file.
type EndFile struct {
	RecordCount int64
	UnitCount   int64
}

func (m *EndFile) Kind() CommandKind { return CmdEndFile }
func (m *EndFile) Fields() []Field {
	return []Field{{"RecordCount", m.RecordCount}, {"UnitCount", m.UnitCount}}
}

func (m *EndFile) encode(buf []byte, v Version) (*command, error) {
	if v.IsV2() {
		c, err := newCommand(buf, CmdEndFile, 35)
		if err != nil {
			return nil, err
		}
		w := &fieldWriter{c: c, v: v}
		w.number(1, 17, m.RecordCount)
		w.number(18, 17, m.UnitCount)
		return c, w.err
	}
	c, err := newCommand(buf, CmdEndFile, 22)
	if err != nil {
		return nil, err
	}
	w := &fieldWriter{c: c, v: v}
	w.number(1, 9, m.RecordCount)
	w.number(10, 12, m.UnitCount)
	return c, w.err
}

func (m *EndFile) decode(c *command, v Version) error {
	r := &fieldReader{c: c, v: v}
	if v.IsV2() {
		if err := checkLength(c, 35); err != nil {
			return err
		}
		m.RecordCount = r.number(1, 17)
		m.UnitCount = r.number(18, 17)
		return r.err
	}
	if err := checkLength(c, 22); err != nil {
		return err
	}
	m.RecordCount = r.number(1, 9)
	m.UnitCount = r.number(10, 12)
	return r.err
}

// EndFilePositive is the EFPA that confirms a file.
type EndFilePositive struct {
	ChangeDirection bool
}

func (m *EndFilePositive) Kind() CommandKind { return CmdEndFilePositive }
func (m *EndFilePositive) Fields() []Field {
	return []Field{{"ChangeDirection", m.ChangeDirection}}
}

func (m *EndFilePositive) encode(buf []byte, v Version) (*command, error) {
	c, err := newCommand(buf, CmdEndFilePositive, 2)
	if err != nil {
		return nil, err
	}
	c.writeFlag(1, m.ChangeDirection)
	return c, nil
}

func (m *EndFilePositive) decode(c *command, v Version) error {
	if err := checkLength(c, 2); err != nil {
		return err
	}
	m.ChangeDirection = c.readFlag(1)
	return nil
}

// EndFileNegative is the EFNA that rejects a completed file.
type EndFileNegative struct {
	Reason     AnswerReason
	ReasonText string // 2.0 only
}

func (m *EndFileNegative) Kind() CommandKind { return CmdEndFileNegative }
func (m *EndFileNegative) Fields() []Field {
	return []Field{{"Reason", int(m.Reason)}, {"ReasonText", m.ReasonText}}
}

func (m *EndFileNegative) encode(buf []byte, v Version) (*command, error) {
	length := 3
	if v.IsV2() {
		length = 6
	}
	c, err := newCommand(buf, CmdEndFileNegative, length)
	if err != nil {
		return nil, err
	}
	w := &fieldWriter{c: c, v: v}
	w.number(1, 2, int64(m.Reason))
	if v.IsV2() {
		c.initUTF8(3)
		w.reason(3, m.ReasonText)
	}
	return c, w.err
}

func (m *EndFileNegative) decode(c *command, v Version) error {
	r := &fieldReader{c: c, v: v}
	if v.IsV2() {
		if err := checkMinLength(c, 6); err != nil {
			return err
		}
		m.ReasonText, _ = r.utf8(3)
	} else if err := checkMinLength(c, 3); err != nil {
		return err
	}
	m.Reason = AnswerReason(r.number(1, 2))
	return r.err
}

// ChangeDirection is the CD that hands the speaker role to the partner.
type ChangeDirection struct{}

func (m *ChangeDirection) Kind() CommandKind { return CmdChangeDirection }
func (m *ChangeDirection) Fields() []Field   { return nil }

func (m *ChangeDirection) encode(buf []byte, v Version) (*command, error) {
	return newCommand(buf, CmdChangeDirection, 1)
}

func (m *ChangeDirection) decode(c *command, v Version) error {
	return checkLength(c, 1)
}

// EndToEndResponse is the EERP that confirms delivery of a file.
type EndToEndResponse struct {
	VirtualFileName string
	Stamp           time.Time
	UserData        string
	Destination     string
	Originator      string

	// 2.0 only
	FileHash  []byte
	Signature []byte
}

const (
	eerpLengthV1 = 106
	eerpLengthV2 = 110
)

func (m *EndToEndResponse) Kind() CommandKind { return CmdEndToEnd }

func (m *EndToEndResponse) Fields() []Field {
	return []Field{
		{"VirtualFileName", m.VirtualFileName},
		{"Stamp", m.Stamp},
		{"UserData", m.UserData},
		{"Destination", m.Destination},
		{"Originator", m.Originator},
		{"FileHash", m.FileHash},
		{"Signature", m.Signature},
	}
}

func (m *EndToEndResponse) encode(buf []byte, v Version) (*command, error) {
	length := eerpLengthV1
	if v.IsV2() {
		length = eerpLengthV2
	}
	c, err := newCommand(buf, CmdEndToEnd, length)
	if err != nil {
		return nil, err
	}
	w := &fieldWriter{c: c, v: v}
	w.ascii(1, 26, m.VirtualFileName)
	w.ascii(48, 8, m.UserData)
	w.ascii(56, 25, m.Destination)
	w.ascii(81, 25, m.Originator)
	if !v.IsV2() {
		w.stamp(36, m.Stamp)
		return c, w.err
	}
	w.stamp(30, m.Stamp)
	c.initBytes(106)
	c.initBytes(108)
	w.bytes(108, m.Signature)
	w.bytes(106, m.FileHash)
	return c, w.err
}

func (m *EndToEndResponse) decode(c *command, v Version) error {
	if v.IsV2() {
		if err := checkMinLength(c, eerpLengthV2); err != nil {
			return err
		}
	} else if err := checkLength(c, eerpLengthV1); err != nil {
		return err
	}

	r := &fieldReader{c: c, v: v}
	m.VirtualFileName = c.readASCII(1, 26)
	m.UserData = c.readASCII(48, 8)
	m.Destination = c.readASCII(56, 25)
	m.Originator = c.readASCII(81, 25)
	if !v.IsV2() {
		m.Stamp = r.stamp(36)
		return r.err
	}
	m.Stamp = r.stamp(30)
	var end int
	m.FileHash, end = r.bytes(106)
	m.Signature, _ = r.bytes(end)
	return r.err
}

// NegativeEndResponse is the NERP that reports a failed delivery. It only
// exists in OFTP 2.0.
type NegativeEndResponse struct {
	VirtualFileName string
	Stamp           time.Time
	Destination     string
	Originator      string
	Creator         string
	Reason          AnswerReason
	ReasonText      string
	FileHash        []byte
	Signature       []byte
}

const nerpLength = 135

func (m *NegativeEndResponse) Kind() CommandKind { return CmdNegativeEndToEnd }

func (m *NegativeEndResponse) Fields() []Field {
	return []Field{
		{"VirtualFileName", m.VirtualFileName},
		{"Stamp", m.Stamp},
		{"Destination", m.Destination},
		{"Originator", m.Originator},
		{"Creator", m.Creator},
		{"Reason", int(m.Reason)},
		{"ReasonText", m.ReasonText},
		{"FileHash", m.FileHash},
		{"Signature", m.Signature},
	}
}

func (m *NegativeEndResponse) encode(buf []byte, v Version) (*command, error) {
	if !v.IsV2() {
		return nil, &Error{Type: ErrInternal, Message: "negative end response requires OFTP 2.0", Command: CmdNegativeEndToEnd}
	}
	c, err := newCommand(buf, CmdNegativeEndToEnd, nerpLength)
	if err != nil {
		return nil, err
	}
	w := &fieldWriter{c: c, v: v}
	w.ascii(1, 26, m.VirtualFileName)
	w.stamp(33, m.Stamp)
	w.ascii(51, 25, m.Destination)
	w.ascii(76, 25, m.Originator)
	w.ascii(101, 25, m.Creator)
	w.number(126, 2, int64(m.Reason))
	c.initUTF8(128)
	c.initBytes(131)
	c.initBytes(133)
	// highest offset first, every resize carries the fields behind it
	w.bytes(133, m.Signature)
	w.bytes(131, m.FileHash)
	w.reason(128, m.ReasonText)
	return c, w.err
}

func (m *NegativeEndResponse) decode(c *command, v Version) error {
	if err := checkMinLength(c, nerpLength); err != nil {
		return err
	}
	r := &fieldReader{c: c, v: v}
	m.VirtualFileName = c.readASCII(1, 26)
	m.Stamp = r.stamp(33)
	m.Destination = c.readASCII(51, 25)
	m.Originator = c.readASCII(76, 25)
	m.Creator = c.readASCII(101, 25)
	m.Reason = AnswerReason(r.number(126, 2))
	var end int
	m.ReasonText, end = r.utf8(128)
	m.FileHash, end = r.bytes(end)
	m.Signature, _ = r.bytes(end)
	return r.err
}

// ReadyToReceive is the RTR that acknowledges an end-to-end response.
type ReadyToReceive struct{}

func (m *ReadyToReceive) Kind() CommandKind { return CmdReadyToReceive }
func (m *ReadyToReceive) Fields() []Field   { return nil }

func (m *ReadyToReceive) encode(buf []byte, v Version) (*command, error) {
	return newCommand(buf, CmdReadyToReceive, 1)
}

func (m *ReadyToReceive) decode(c *command, v Version) error {
	return checkLength(c, 1)
}

// SecurityChangeDirection is the SECD that switches roles during the
// authentication handshake.
type SecurityChangeDirection struct{}

func (m *SecurityChangeDirection) Kind() CommandKind { return CmdSecurityChangeDirection }
func (m *SecurityChangeDirection) Fields() []Field   { return nil }

func (m *SecurityChangeDirection) encode(buf []byte, v Version) (*command, error) {
	return newCommand(buf, CmdSecurityChangeDirection, 1)
}

func (m *SecurityChangeDirection) decode(c *command, v Version) error {
	return checkLength(c, 1)
}

// AuthChallenge is the AUCH holding an enveloped random challenge.
type AuthChallenge struct {
	Challenge []byte
}

func (m *AuthChallenge) Kind() CommandKind { return CmdAuthChallenge }
func (m *AuthChallenge) Fields() []Field   { return []Field{{"Challenge", m.Challenge}} }

func (m *AuthChallenge) encode(buf []byte, v Version) (*command, error) {
	c, err := newCommand(buf, CmdAuthChallenge, 3)
	if err != nil {
		return nil, err
	}
	c.initBytes(1)
	return c, c.writeBytesResize(1, m.Challenge)
}

func (m *AuthChallenge) decode(c *command, v Version) error {
	if err := checkMinLength(c, 3); err != nil {
		return err
	}
	p, end, err := c.readBytes(1)
	if err != nil {
		return err
	}
	if end != c.length {
		return c.invalid("challenge length does not match command length")
	}
	m.Challenge = p
	return nil
}

// AuthResponse is the AURP holding the decrypted challenge.
type AuthResponse struct {
	Response []byte
}

func (m *AuthResponse) Kind() CommandKind { return CmdAuthResponse }
func (m *AuthResponse) Fields() []Field   { return []Field{{"Response", m.Response}} }

func (m *AuthResponse) encode(buf []byte, v Version) (*command, error) {
	if len(m.Response) != challengeSize {
		return nil, &Error{Type: ErrInternal, Message: fmt.Sprintf("response must be %d bytes", challengeSize), Command: CmdAuthResponse}
	}
	c, err := newCommand(buf, CmdAuthResponse, 1+challengeSize)
	if err != nil {
		return nil, err
	}
	copy(c.buf[1:], m.Response)
	return c, nil
}

func (m *AuthResponse) decode(c *command, v Version) error {
	if err := checkLength(c, 1+challengeSize); err != nil {
		return err
	}
	m.Response = make([]byte, challengeSize)
	copy(m.Response, c.buf[1:c.length])
	return nil
}
