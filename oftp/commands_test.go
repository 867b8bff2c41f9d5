package oftp

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	stampV1 = time.Date(2024, 3, 15, 10, 20, 30, 0, time.UTC)
	stampV2 = time.Date(2024, 3, 15, 10, 20, 30, 123400000, time.UTC)
)

func roundTrip(t *testing.T, v Version, m Message) (Message, []byte) {
	t.Helper()
	buf := make([]byte, 4096)
	wire, err := Encode(buf, v, m)
	require.NoError(t, err, "encode %s", CommandName(m.Kind()))
	wire = append([]byte(nil), wire...)
	got, err := Decode(wire, v)
	require.NoError(t, err, "decode %s", CommandName(m.Kind()))
	return got, wire
}

func TestFixedCommandsRoundTrip(t *testing.T) {
	cases := []Message{
		&ReadyMessage{},
		&StartSession{
			Version:      Rev20,
			ID:           "O0013000000ACME",
			Password:     "SECRET",
			BufferSize:   99999,
			Credit:       999,
			Capabilities: CapBoth | CapRestart | CapSecureAuthentication,
			UserData:     "USER1",
		},
		&StartFilePositive{RestartPosition: 42},
		&SetCredit{},
		&EndFile{RecordCount: 7, UnitCount: 10000},
		&EndFilePositive{ChangeDirection: true},
		&EndFilePositive{},
		&ChangeDirection{},
		&ReadyToReceive{},
		&SecurityChangeDirection{},
		&AuthResponse{Response: bytes.Repeat([]byte{0xA5}, challengeSize)},
		&Data{Payload: []byte{0x83, 'A', 'B', 'C'}},
	}

	for _, v := range []Version{Rev13, Rev20} {
		for _, m := range cases {
			got, _ := roundTrip(t, v, m)
			assert.Equal(t, m, got, "version %s", v)
		}
	}
}

func TestCommandLengths(t *testing.T) {
	cases := []struct {
		m    Message
		v    Version
		want int
	}{
		{&ReadyMessage{}, Rev20, 19},
		{&StartSession{Version: Rev20, Capabilities: CapSend}, Rev20, 61},
		{&StartFile{Format: FormatUnstructured}, Rev13, 128},
		{&StartFile{Format: FormatUnstructured}, Rev20, 165},
		{&StartFilePositive{}, Rev13, 10},
		{&StartFilePositive{}, Rev20, 18},
		{&StartFileNegative{}, Rev13, 4},
		{&StartFileNegative{}, Rev20, 7},
		{&SetCredit{}, Rev20, 3},
		{&EndFile{}, Rev13, 22},
		{&EndFile{}, Rev20, 35},
		{&EndFilePositive{}, Rev20, 2},
		{&EndFileNegative{}, Rev13, 3},
		{&EndFileNegative{}, Rev20, 6},
		{&EndSession{}, Rev13, 4},
		{&EndSession{}, Rev20, 7},
		{&EndToEndResponse{}, Rev13, 106},
		{&EndToEndResponse{}, Rev20, 110},
		{&NegativeEndResponse{}, Rev20, 135},
		{&AuthChallenge{}, Rev20, 3},
	}
	for _, tc := range cases {
		wire, err := Encode(make([]byte, 512), tc.v, tc.m)
		require.NoError(t, err)
		assert.Len(t, wire, tc.want, "%s %s", CommandName(tc.m.Kind()), tc.v)
	}
}

func TestStartSessionLayout(t *testing.T) {
	m := &StartSession{
		Version:      Rev20,
		ID:           "ACME",
		Password:     "PW",
		BufferSize:   4096,
		Credit:       7,
		Capabilities: CapBoth | CapBufferCompression,
		UserData:     "",
	}
	wire, err := Encode(make([]byte, 128), Rev20, m)
	require.NoError(t, err)

	assert.Equal(t, byte('X'), wire[0])
	assert.Equal(t, byte('5'), wire[1])
	assert.Equal(t, "ACME"+string(bytes.Repeat([]byte{' '}, 21)), string(wire[2:27]))
	assert.Equal(t, "04096", string(wire[35:40]))
	assert.Equal(t, "BYNN", string(wire[40:44]))
	assert.Equal(t, "007", string(wire[44:47]))
	assert.Equal(t, byte('N'), wire[47])
	assert.Equal(t, byte(0x0D), wire[60])
}

func TestStartFileRoundTrip(t *testing.T) {
	t.Run("V2", func(t *testing.T) {
		m := &StartFile{
			VirtualFileName:  "INVOICE.EDI",
			UserData:         "U1",
			Stamp:            stampV2,
			Destination:      "O0013000000DEST",
			Originator:       "O0013000000ORIG",
			Format:           FormatFixed,
			MaxRecordSize:    80,
			FileSize:         12,
			FileSizeUnpacked: 14,
			RestartPosition:  3,
			Description:      "Lieferschein März",
		}
		got, wire := roundTrip(t, Rev20, m)
		assert.Len(t, wire, sfidLengthV2+len(m.Description))

		sf := got.(*StartFile)
		assert.True(t, stampV2.Equal(sf.Stamp), "stamp %s", sf.Stamp)
		sf.Stamp = m.Stamp
		assert.Equal(t, m, sf)
	})

	t.Run("V1", func(t *testing.T) {
		m := &StartFile{
			VirtualFileName: "ORDERS",
			Stamp:           stampV1,
			Destination:     "DEST",
			Originator:      "ORIG",
			Format:          FormatText,
			MaxRecordSize:   80,
			FileSize:        1,
			RestartPosition: 0,
		}
		got, wire := roundTrip(t, Rev13, m)
		assert.Len(t, wire, sfidLengthV1)

		sf := got.(*StartFile)
		assert.True(t, stampV1.Equal(sf.Stamp))
		assert.Equal(t, 0, sf.MaxRecordSize, "record size is dropped for text files")
		assert.Equal(t, "ORDERS", sf.VirtualFileName)
		assert.Equal(t, int64(1), sf.FileSize)
	})
}

func TestLowercaseIsUppercased(t *testing.T) {
	got, _ := roundTrip(t, Rev20, &StartFile{VirtualFileName: "invoice-01.edi", Format: FormatUnstructured, Stamp: stampV2})
	assert.Equal(t, "INVOICE-01.EDI", got.(*StartFile).VirtualFileName)
}

func TestInvalidCharacterIsRejected(t *testing.T) {
	_, err := Encode(make([]byte, 512), Rev20, &StartFile{VirtualFileName: "ÄRGER_1", Format: FormatUnstructured})
	require.Error(t, err)

	fse, ok := AsFileServiceError(err)
	require.True(t, ok)
	assert.Equal(t, AnswerInvalidFilename, fse.Reason)
}

func TestNumberOverflow(t *testing.T) {
	_, err := Encode(make([]byte, 128), Rev20, &StartSession{Version: Rev20, BufferSize: 100000, Capabilities: CapBoth})
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInternal, e.Type)
}

func TestVariableFieldsShiftTail(t *testing.T) {
	t.Run("NegativeEndResponse", func(t *testing.T) {
		m := &NegativeEndResponse{
			VirtualFileName: "PAYLOAD",
			Stamp:           stampV2,
			Destination:     "DEST",
			Originator:      "ORIG",
			Creator:         "CREATOR",
			Reason:          AnswerInvalidByteCount,
			ReasonText:      "byte count does not match",
			FileHash:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
			Signature:       []byte{9, 10, 11},
		}
		got, wire := roundTrip(t, Rev20, m)
		assert.Len(t, wire, nerpLength+len(m.ReasonText)+len(m.FileHash)+len(m.Signature))

		nerp := got.(*NegativeEndResponse)
		nerp.Stamp = m.Stamp
		assert.Equal(t, m, nerp)
	})

	t.Run("EndToEndResponse", func(t *testing.T) {
		m := &EndToEndResponse{
			VirtualFileName: "PAYLOAD",
			Stamp:           stampV2,
			UserData:        "UD",
			Destination:     "DEST",
			Originator:      "ORIG",
			FileHash:        bytes.Repeat([]byte{0xEE}, 32),
			Signature:       bytes.Repeat([]byte{0x11}, 5),
		}
		got, wire := roundTrip(t, Rev20, m)
		assert.Len(t, wire, eerpLengthV2+32+5)

		eerp := got.(*EndToEndResponse)
		eerp.Stamp = m.Stamp
		assert.Equal(t, m, eerp)
	})

	t.Run("EndSession", func(t *testing.T) {
		m := &EndSession{Reason: EndSessionInvalidPassword, ReasonText: "wrong password"}
		got, wire := roundTrip(t, Rev20, m)
		assert.Len(t, wire, 7+len(m.ReasonText))
		assert.Equal(t, byte(0x0D), wire[len(wire)-1])
		assert.Equal(t, m, got)
	})

	t.Run("Negative answers", func(t *testing.T) {
		sfna := &StartFileNegative{Reason: AnswerDuplicateFile, Retry: true, ReasonText: "seen before"}
		got, _ := roundTrip(t, Rev20, sfna)
		assert.Equal(t, sfna, got)

		efna := &EndFileNegative{Reason: AnswerInvalidRecordCount, ReasonText: "3 records"}
		got, _ = roundTrip(t, Rev20, efna)
		assert.Equal(t, efna, got)
	})

	t.Run("AuthChallenge", func(t *testing.T) {
		m := &AuthChallenge{Challenge: bytes.Repeat([]byte{0x42}, 300)}
		got, wire := roundTrip(t, Rev20, m)
		assert.Len(t, wire, 303)
		assert.Equal(t, m, got)
	})
}

func TestRewriteVariableField(t *testing.T) {
	buf := make([]byte, 256)
	c, err := newCommand(buf, CmdNegativeEndToEnd, nerpLength)
	require.NoError(t, err)
	c.initUTF8(128)
	c.initBytes(131)
	c.initBytes(133)

	require.NoError(t, c.writeBytesResize(133, []byte{7, 7}))
	require.NoError(t, c.writeUTF8Resize(128, "a much longer text"))
	require.NoError(t, c.writeUTF8Resize(128, "short"))

	text, end, err := c.readUTF8(128)
	require.NoError(t, err)
	assert.Equal(t, "short", text)

	hash, end, err := c.readBytes(end)
	require.NoError(t, err)
	assert.Empty(t, hash)

	sig, end, err := c.readBytes(end)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, sig)
	assert.Equal(t, c.length, end)
}

func TestEndSessionTextFallback(t *testing.T) {
	got, _ := roundTrip(t, Rev13, &EndSession{Reason: EndSessionTimeOut, ReasonText: "ignored in 1.3"})
	es := got.(*EndSession)
	assert.Equal(t, EndSessionTimeOut, es.Reason)
	assert.Empty(t, es.ReasonText)
	assert.Equal(t, "time out", es.Text())
}

func TestDecodeErrors(t *testing.T) {
	t.Run("unknown signature", func(t *testing.T) {
		_, err := Decode([]byte("Z1234"), Rev20)
		reason, ok := EndSessionReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, EndSessionCommandNotRecognised, reason)
	})

	t.Run("negative end response in 1.3", func(t *testing.T) {
		wire, err := Encode(make([]byte, 512), Rev20, &NegativeEndResponse{Stamp: stampV2})
		require.NoError(t, err)
		_, err = Decode(wire, Rev13)
		reason, _ := EndSessionReasonOf(err)
		assert.Equal(t, EndSessionProtocolViolation, reason)
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := Decode([]byte("RR"), Rev20)
		reason, _ := EndSessionReasonOf(err)
		assert.Equal(t, EndSessionCommandContainedInvalidData, reason)
		assert.Contains(t, err.Error(), "5252")
	})

	t.Run("bad mode", func(t *testing.T) {
		wire, err := Encode(make([]byte, 128), Rev20, &StartSession{Version: Rev20, Capabilities: CapBoth})
		require.NoError(t, err)
		wire[40] = 'Q'
		_, err = Decode(wire, Rev20)
		reason, _ := EndSessionReasonOf(err)
		assert.Equal(t, EndSessionCommandContainedInvalidData, reason)
	})

	t.Run("bad terminator", func(t *testing.T) {
		wire, err := Encode(make([]byte, 32), Rev20, &ReadyMessage{})
		require.NoError(t, err)
		wire[18] = 'X'
		_, err = Decode(wire, Rev20)
		assert.True(t, IsProtocol(err))
	})

	t.Run("bad number", func(t *testing.T) {
		wire, err := Encode(make([]byte, 64), Rev20, &EndFile{})
		require.NoError(t, err)
		wire[3] = 'X'
		_, err = Decode(wire, Rev20)
		reason, _ := EndSessionReasonOf(err)
		assert.Equal(t, EndSessionCommandContainedInvalidData, reason)
	})

	t.Run("buffer too small", func(t *testing.T) {
		_, err := Encode(make([]byte, 10), Rev20, &ReadyMessage{})
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, EndSessionExchangeBufferSizeError, e.Reason)
	})
}

func TestAlternativeTerminatorAndShortCredit(t *testing.T) {
	ready := append([]byte("IODETTE FTP READY "), 0x8D)
	m, err := Decode(ready, Rev20)
	require.NoError(t, err)
	assert.IsType(t, &ReadyMessage{}, m)

	m, err = Decode([]byte("C"), Rev20)
	require.NoError(t, err)
	assert.IsType(t, &SetCredit{}, m)
}

func TestDescribe(t *testing.T) {
	s := Describe(&StartSession{Version: Rev20, ID: "ACME", Password: "PW", Capabilities: CapSend})
	assert.Contains(t, s, "SSID{")
	assert.Contains(t, s, `ID="ACME"`)
	assert.Contains(t, s, `Password="**"`)
	assert.NotContains(t, s, "PW")

	s = Describe(&AuthChallenge{Challenge: []byte{0xAB, 0xCD}})
	assert.Equal(t, "AUCH{Challenge=L:2:AB CD}", s)
}

func TestLongReasonTextsAreCut(t *testing.T) {
	long := strings.Repeat("é", 600) // 1200 bytes

	for _, m := range []Message{
		&StartFileNegative{Reason: AnswerAccessMethodFailure, ReasonText: long},
		&EndFileNegative{Reason: AnswerInvalidByteCount, ReasonText: long},
		&EndSession{Reason: EndSessionUnspecifiedAbortCode, ReasonText: long},
		&NegativeEndResponse{VirtualFileName: "F", Stamp: stampV2, Destination: "A", Originator: "B", Creator: "B",
			Reason: AnswerUnspecifiedReason, ReasonText: long},
	} {
		got, _ := roundTrip(t, Rev20, m)
		var text string
		switch g := got.(type) {
		case *StartFileNegative:
			text = g.ReasonText
		case *EndFileNegative:
			text = g.ReasonText
		case *EndSession:
			text = g.ReasonText
		case *NegativeEndResponse:
			text = g.ReasonText
		}
		assert.Len(t, text, 998, CommandName(m.Kind()))
		assert.True(t, utf8.ValidString(text))
		assert.True(t, strings.HasPrefix(long, text))
	}

	_, err := Encode(make([]byte, 4096), Rev20, &StartFile{
		VirtualFileName: "F", Stamp: stampV2, Destination: "A", Originator: "B",
		Format: FormatUnstructured, Description: strings.Repeat("d", 1000),
	})
	assert.Error(t, err, "descriptions are not cut")
}
