package oftp

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceReader is a minimal unstructured FileReader.
type sliceReader struct {
	data     []byte
	pos      int
	finalEoR bool
}

func (r *sliceReader) ID() FileID                                      { return FileID{} }
func (r *sliceReader) Description() *FileDescription                   { return nil }
func (r *sliceReader) UserData() string                                { return "" }
func (r *sliceReader) TotalLength() int64                              { return int64(len(r.data)) }
func (r *sliceReader) RecordCount() int64                              { return 0 }
func (r *sliceReader) SetTransmissionError(AnswerReason, string, bool) {}
func (r *sliceReader) SetTransmissionState()                           {}
func (r *sliceReader) Close() error                                    { return nil }

func (r *sliceReader) Read(p []byte) (int, bool, error) {
	if r.pos >= len(r.data) {
		return 0, r.finalEoR, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, r.pos == len(r.data) && r.finalEoR, nil
}

// encodeAll runs the encoder with Data commands of the given size.
func encodeAll(t *testing.T, data []byte, compress bool, size int) [][]byte {
	t.Helper()
	enc := newSubRecordEncoder(&sliceReader{data: data, finalEoR: true}, compress)
	var cmds [][]byte
	for !enc.done() {
		buf := make([]byte, size)
		buf[0] = byte(CmdData)
		n, err := enc.fill(buf[1:])
		require.NoError(t, err)
		if n == 0 {
			continue
		}
		cmds = append(cmds, buf[:1+n])
	}
	return cmds
}

func decodeAll(t *testing.T, cmds [][]byte) ([]byte, bool) {
	t.Helper()
	var out bytes.Buffer
	var eor bool
	for _, wire := range cmds {
		res, err := decodeSubRecords(&command{buf: wire, length: len(wire)}, func(p []byte, _ bool) error {
			out.Write(p)
			return nil
		})
		require.NoError(t, err)
		if res.Found {
			eor = res.EoR
		}
	}
	return out.Bytes(), eor
}

func TestSubRecordRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var data []byte
	for len(data) < 20000 {
		if rng.Intn(3) == 0 {
			data = append(data, bytes.Repeat([]byte{byte(rng.Intn(256))}, 1+rng.Intn(90))...)
		} else {
			chunk := make([]byte, 1+rng.Intn(70))
			rng.Read(chunk)
			data = append(data, chunk...)
		}
	}

	for _, compress := range []bool{false, true} {
		for _, size := range []int{128, 300, 4096} {
			cmds := encodeAll(t, data, compress, size)
			got, eor := decodeAll(t, cmds)
			assert.Equal(t, data, got, "compress=%t size=%d", compress, size)
			assert.True(t, eor, "compress=%t size=%d", compress, size)
			for _, c := range cmds {
				assert.LessOrEqual(t, len(c), size)
			}
		}
	}
}

func TestFiveByteRunCompressesToTwoBytes(t *testing.T) {
	cmds := encodeAll(t, []byte("AAAAA"), true, 128)
	require.Len(t, cmds, 1)
	assert.Equal(t, []byte{'D', subRecordEoR | subRecordRepeat | 5, 'A'}, cmds[0])
}

func TestShortRunStaysLiteral(t *testing.T) {
	cmds := encodeAll(t, []byte("AAAAB"), true, 128)
	require.Len(t, cmds, 1)
	assert.Equal(t, []byte{'D', subRecordEoR | 5, 'A', 'A', 'A', 'A', 'B'}, cmds[0])
}

func TestLiteralThenRun(t *testing.T) {
	cmds := encodeAll(t, []byte("XYBBBBBBBB"), true, 128)
	require.Len(t, cmds, 1)
	assert.Equal(t, []byte{'D', 2, 'X', 'Y', subRecordEoR | subRecordRepeat | 8, 'B'}, cmds[0])
}

func TestWithoutCompressionRunsAreLiteral(t *testing.T) {
	cmds := encodeAll(t, bytes.Repeat([]byte{'Z'}, 10), false, 128)
	require.Len(t, cmds, 1)
	assert.Equal(t, append([]byte{'D', subRecordEoR | 10}, bytes.Repeat([]byte{'Z'}, 10)...), cmds[0])
}

func TestFullSubRecordThenEOF(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3}, 21)
	cmds := encodeAll(t, data, false, 128)
	require.Len(t, cmds, 1)
	assert.Equal(t, byte(subRecordEoR|maxSubRecord), cmds[0][1])
	assert.Len(t, cmds[0], 2+maxSubRecord)
}

func TestEmptyFileSendsLoneEndOfRecord(t *testing.T) {
	cmds := encodeAll(t, nil, true, 128)
	require.Len(t, cmds, 1)
	assert.Equal(t, []byte{'D', subRecordEoR}, cmds[0])

	got, eor := decodeAll(t, cmds)
	assert.Empty(t, got)
	assert.True(t, eor)
}

func TestMissingEndOfRecord(t *testing.T) {
	enc := newSubRecordEncoder(&sliceReader{data: []byte("abc"), finalEoR: false}, false)
	buf := make([]byte, 128)
	n, err := enc.fill(buf)
	require.Error(t, err)
	assert.Equal(t, 4, n, "the pending bytes are emitted before the failure")

	fse, ok := AsFileServiceError(err)
	require.True(t, ok)
	assert.Equal(t, AnswerInvalidByteCount, fse.Reason)
}

func TestPendingBytesCarryOver(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 10)
	cmds := encodeAll(t, data, false, 20)
	require.Greater(t, len(cmds), 5)
	for _, c := range cmds[:len(cmds)-1] {
		assert.Zero(t, c[1]&subRecordEoR, "only the last sub-record ends the record")
	}
	got, _ := decodeAll(t, cmds)
	assert.Equal(t, data, got)
}

func TestDecodeTruncatedSubRecord(t *testing.T) {
	wire := []byte{'D', 10, 'a', 'b'}
	_, err := decodeSubRecords(&command{buf: wire, length: len(wire)}, func([]byte, bool) error { return nil })
	reason, ok := EndSessionReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, EndSessionCommandContainedInvalidData, reason)

	wire = []byte{'D', subRecordRepeat | 9}
	_, err = decodeSubRecords(&command{buf: wire, length: len(wire)}, func([]byte, bool) error { return nil })
	assert.True(t, IsProtocol(err))
}

func TestDecodeStopsWritingAfterError(t *testing.T) {
	wire := []byte{'D', 2, 'a', 'b', subRecordEoR | 1, 'c'}
	calls := 0
	res, err := decodeSubRecords(&command{buf: wire, length: len(wire)}, func([]byte, bool) error {
		calls++
		return io.ErrShortWrite
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, res.WriteErr, io.ErrShortWrite)
	assert.True(t, res.EoR)
	assert.Equal(t, int64(3), res.Units)
}
