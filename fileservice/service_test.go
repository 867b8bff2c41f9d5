package fileservice

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drunlade/go-oftp/oftp"
	"github.com/drunlade/go-oftp/transport"
)

var stamp = time.Date(2026, 5, 4, 8, 15, 30, 123400000, time.UTC)

func newProvider(t *testing.T, localID string, partners ...Partner) *Provider {
	t.Helper()
	p, err := NewProvider(t.TempDir(), localID, partners)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func openService(t *testing.T, p *Provider, id, password string) *Service {
	t.Helper()
	svc, err := p.FileService(context.Background(), id, password)
	require.NoError(t, err)
	require.NotNil(t, svc)
	t.Cleanup(func() { svc.Close() })
	return svc.(*Service)
}

func TestNames(t *testing.T) {
	id := oftp.FileID{VirtualFileName: "INVOICE.2026", Stamp: stamp, Partner: "ALICE"}
	base := baseName(id)
	assert.Equal(t, "ALICE#INVOICE.2026#202605040815301234", base)

	got, state, ok := parseName(base + ".se2e")
	require.True(t, ok)
	assert.Equal(t, InPendingEndToEnd, state)
	assert.True(t, got.Matches(id))

	_, _, ok = parseName("notes.txt")
	assert.False(t, ok)
	_, _, ok = parseName("ALICE#A/B#202605040815301234.new")
	assert.False(t, ok)

	parsed, err := ParseName(Name(id))
	require.NoError(t, err)
	assert.True(t, parsed.Matches(id))
	_, err = ParseName(base + ".done")
	assert.Error(t, err)
}

func TestFileServiceResolvesPartners(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	p := newProvider(t, "BOB",
		Partner{ID: "alice", Password: hash, In: true},
		Partner{ID: "CAROL", Password: "PLAIN", Out: true})
	ctx := context.Background()

	svc, err := p.FileService(ctx, "DAVE", "SECRET")
	assert.NoError(t, err)
	assert.Nil(t, svc, "unknown partner")

	svc, err = p.FileService(ctx, "ALICE", "WRONG")
	assert.NoError(t, err)
	assert.Nil(t, svc, "wrong password")

	svc, err = p.FileService(ctx, "ALICE", "SECRET")
	require.NoError(t, err)
	require.NotNil(t, svc)
	assert.Equal(t, "BOB", svc.DestinationID())
	assert.True(t, svc.SupportsInFiles())
	assert.False(t, svc.SupportsOutFiles())

	_, err = p.FileService(ctx, "ALICE", "SECRET")
	reason, ok := oftp.EndSessionReasonOf(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, oftp.EndSessionResourcesNotAvailable, reason)

	require.NoError(t, svc.Close())
	again, err := p.FileService(ctx, "ALICE", "SECRET")
	require.NoError(t, err)
	require.NotNil(t, again)
	again.Close()

	plain, err := p.FileService(ctx, "CAROL", "plain")
	require.NoError(t, err)
	require.NotNil(t, plain)
	plain.Close()
}

func TestNewProviderRejectsDuplicatePartners(t *testing.T) {
	_, err := NewProvider(t.TempDir(), "BOB", []Partner{{ID: "ALICE"}, {ID: "alice"}})
	assert.Error(t, err)
}

func receive(t *testing.T, svc *Service, id oftp.FileID, desc *oftp.FileDescription, records ...string) error {
	t.Helper()
	w, err := svc.CreateInFile(context.Background(), id, desc, "")
	require.NoError(t, err)
	defer w.Close()
	var n int64
	for _, r := range records {
		if err := w.Write([]byte(r), true); err != nil {
			return err
		}
		n += int64(len(r))
	}
	var count int64
	if desc != nil && desc.Format.HasRecords() {
		count = int64(len(records))
	}
	return w.Commit(count, n)
}

func TestInboundStates(t *testing.T) {
	p := newProvider(t, "BOB", Partner{ID: "ALICE", Password: "APW", In: true})
	svc := openService(t, p, "ALICE", "APW")
	id := oftp.FileID{VirtualFileName: "ORDERS", Stamp: stamp, Partner: "ALICE"}

	require.NoError(t, receive(t, svc, id, nil, "hello"))
	ids, err := p.List("ALICE", InReceived)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	_, err = svc.CreateInFile(context.Background(), id, nil, "")
	fse, ok := oftp.AsFileServiceError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, oftp.AnswerDuplicateFile, fse.Reason)
	assert.False(t, fse.Retry)

	pending, err := svc.EndToEnd(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, p.Acknowledge("ALICE", id, oftp.AnswerInvalidFilename, "not expected"))
	pending, err = svc.EndToEnd(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, oftp.AnswerInvalidFilename, pending[0].Reason)
	assert.Equal(t, "not expected", pending[0].ReasonText)

	require.NoError(t, svc.CommitEndToEnd(context.Background(), pending[0]))
	ids, err = p.List("ALICE", InDone)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestInboundFilter(t *testing.T) {
	p := newProvider(t, "BOB", Partner{ID: "ALICE", Password: "APW", In: true, Filters: []string{"INV*"}})
	svc := openService(t, p, "ALICE", "APW")

	_, err := svc.CreateInFile(context.Background(), oftp.FileID{VirtualFileName: "ORDERS", Stamp: stamp, Partner: "ALICE"}, nil, "")
	fse, ok := oftp.AsFileServiceError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, oftp.AnswerInvalidFilename, fse.Reason)

	assert.NoError(t, receive(t, svc, oftp.FileID{VirtualFileName: "INV01", Stamp: stamp, Partner: "ALICE"}, nil, "x"))
}

func TestFixedRecordWriter(t *testing.T) {
	p := newProvider(t, "BOB", Partner{ID: "ALICE", Password: "APW", In: true})
	svc := openService(t, p, "ALICE", "APW")
	desc := &oftp.FileDescription{Format: oftp.FormatFixed, MaximumRecordSize: 4}

	require.NoError(t, receive(t, svc, oftp.FileID{VirtualFileName: "FIXED", Stamp: stamp, Partner: "ALICE"}, desc, "abcd", "efgh"))

	err := receive(t, svc, oftp.FileID{VirtualFileName: "SHORT", Stamp: stamp, Partner: "ALICE"}, desc, "abcd", "ef")
	fse, ok := oftp.AsFileServiceError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, oftp.AnswerInvalidRecordCount, fse.Reason)
}

func TestCommitChecksCounts(t *testing.T) {
	p := newProvider(t, "BOB", Partner{ID: "ALICE", Password: "APW", In: true})
	svc := openService(t, p, "ALICE", "APW")

	w, err := svc.CreateInFile(context.Background(), oftp.FileID{VirtualFileName: "COUNT", Stamp: stamp, Partner: "ALICE"}, nil, "")
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("abc"), true))
	err = w.Commit(0, 4)
	fse, ok := oftp.AsFileServiceError(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, oftp.AnswerInvalidByteCount, fse.Reason)
	require.NoError(t, w.Close())

	ids, err := p.List("ALICE", InReceiving)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "the partial file stays for a restart")
}

func TestVariableRecordRestart(t *testing.T) {
	p := newProvider(t, "BOB", Partner{ID: "ALICE", Password: "APW", In: true})
	svc := openService(t, p, "ALICE", "APW")
	id := oftp.FileID{VirtualFileName: "VAR", Stamp: stamp, Partner: "ALICE"}
	desc := &oftp.FileDescription{Format: oftp.FormatVariable, MaximumRecordSize: 10}
	ctx := context.Background()

	w, err := svc.CreateInFile(ctx, id, desc, "")
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("aa"), true))
	require.NoError(t, w.Write([]byte("bbb"), true))
	require.NoError(t, w.Write([]byte("cc"), false))
	require.NoError(t, w.Close())

	w, err = svc.CreateInFile(ctx, id, desc, "")
	require.NoError(t, err)
	pos, err := w.(oftp.Positioner).Restart(5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
	assert.Equal(t, int64(5), w.TotalLength())

	require.NoError(t, w.Write([]byte("c"), true))
	require.NoError(t, w.Commit(3, 6))

	m, err := p.Meta("ALICE", id, true)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1}, m.Records)

	data, err := os.ReadFile(filepath.Join(p.root, "ALICE", dirIn, baseName(id)+string(InReceived)))
	require.NoError(t, err)
	assert.Equal(t, "aabbbc", string(data))
}

func TestUnstructuredRestartTruncates(t *testing.T) {
	p := newProvider(t, "BOB", Partner{ID: "ALICE", Password: "APW", In: true})
	svc := openService(t, p, "ALICE", "APW")
	id := oftp.FileID{VirtualFileName: "BLOB", Stamp: stamp, Partner: "ALICE"}
	ctx := context.Background()

	w, err := svc.CreateInFile(ctx, id, nil, "")
	require.NoError(t, err)
	require.NoError(t, w.Write(bytes.Repeat([]byte{'x'}, 3000), false))
	require.NoError(t, w.Close())

	w, err = svc.CreateInFile(ctx, id, nil, "")
	require.NoError(t, err)
	defer w.Close()
	pos, err := w.(oftp.Positioner).Restart(10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
	assert.Equal(t, int64(2048), w.TotalLength())
}

func TestFreshWriteDiscardsPartial(t *testing.T) {
	p := newProvider(t, "BOB", Partner{ID: "ALICE", Password: "APW", In: true})
	svc := openService(t, p, "ALICE", "APW")
	id := oftp.FileID{VirtualFileName: "BLOB", Stamp: stamp, Partner: "ALICE"}

	w, err := svc.CreateInFile(context.Background(), id, nil, "")
	require.NoError(t, err)
	require.NoError(t, w.Write([]byte("stale data"), false))
	require.NoError(t, w.Close())

	require.NoError(t, receive(t, svc, id, nil, "new"))
	data, err := os.ReadFile(filepath.Join(p.root, "ALICE", dirIn, baseName(id)+string(InReceived)))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestReaderRecords(t *testing.T) {
	p := newProvider(t, "ALICE", Partner{ID: "BOB", Password: "BPW", Out: true})
	_, err := p.SubmitRecords("BOB", "recs", [][]byte{[]byte("one"), []byte("three"), []byte("x")}, nil, "UD")
	require.NoError(t, err)
	svc := openService(t, p, "BOB", "BPW")

	fns, err := svc.OutFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, fns, 1)
	r, err := fns[0](context.Background())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "RECS", r.ID().VirtualFileName)
	assert.Equal(t, "UD", r.UserData())
	assert.Equal(t, oftp.FormatVariable, r.Description().Format)
	assert.Equal(t, 5, r.Description().MaximumRecordSize)
	assert.Equal(t, int64(3), r.RecordCount())

	buf := make([]byte, 100)
	var got []string
	for {
		n, eor, err := r.Read(buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.True(t, eor)
		got = append(got, string(buf[:n]))
	}
	assert.Equal(t, []string{"one", "three", "x"}, got)

	pos, err := r.(oftp.Positioner).Restart(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
	n, _, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}

func TestSubmitFixedChecksLength(t *testing.T) {
	p := newProvider(t, "ALICE", Partner{ID: "BOB", Password: "BPW", Out: true})
	desc := &oftp.FileDescription{Format: oftp.FormatFixed, MaximumRecordSize: 4}
	_, err := p.Submit("BOB", "FIXED", bytes.NewReader([]byte("abcdef")), desc, "")
	assert.Error(t, err)
	assert.False(t, p.HasOutFiles("BOB"))

	_, err = p.Submit("NOBODY", "X", bytes.NewReader(nil), nil, "")
	assert.Error(t, err)
}

func TestOutboundStates(t *testing.T) {
	p := newProvider(t, "ALICE", Partner{ID: "BOB", Password: "BPW", Out: true})
	refused, err := p.Submit("BOB", "REFUSED", bytes.NewReader([]byte("a")), nil, "")
	require.NoError(t, err)
	_, err = p.Submit("BOB", "BUSY", bytes.NewReader([]byte("b")), nil, "")
	require.NoError(t, err)
	svc := openService(t, p, "BOB", "BPW")

	fns, err := svc.OutFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, fns, 2)

	for _, open := range fns {
		r, err := open(context.Background())
		require.NoError(t, err)
		if r.ID().Matches(refused) {
			r.SetTransmissionError(oftp.AnswerDuplicateFile, "seen", false)
		} else {
			r.SetTransmissionError(oftp.AnswerAccessMethodFailure, "later", true)
		}
	}

	failed, err := p.List("BOB", OutFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	queued, err := p.List("BOB", OutQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	m, err := p.Meta("BOB", refused, false)
	require.NoError(t, err)
	assert.Equal(t, oftp.AnswerDuplicateFile, m.Reason)
	assert.Equal(t, "seen", m.ReasonText)
}

func TestSessionBetweenDirectories(t *testing.T) {
	hash, err := HashPassword("APW")
	require.NoError(t, err)
	alice := newProvider(t, "ALICE", Partner{ID: "BOB", Password: "BPW", In: true, Out: true})

	var mu sync.Mutex
	var received []string
	bob, err := NewProvider(t.TempDir(), "BOB",
		[]Partner{{ID: "ALICE", Password: hash, In: true, Out: true, AutoEndToEnd: true}},
		WithReceivedHook(func(partner string, id oftp.FileID, path string) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, partner+" "+id.VirtualFileName+" "+filepath.Base(path))
		}))
	require.NoError(t, err)
	defer bob.Close()

	data := bytes.Repeat([]byte("0123456789"), 1000)
	id, err := alice.Submit("BOB", "PAYLOAD", bytes.NewReader(data), nil, "")
	require.NoError(t, err)

	config := func(id, password string) *oftp.Config {
		c := oftp.DefaultConfig()
		c.LocalID, c.Password = id, password
		c.Timeout = 5 * time.Second
		return c
	}

	a, b := net.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- oftp.NewSession(transport.NewConn(b), bob, oftp.WithConfig(config("BOB", "BPW"))).Accept(context.Background())
	}()
	err = oftp.NewSession(transport.NewConn(a), alice, oftp.WithConfig(config("ALICE", "APW"))).Initiate(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-errc)

	done, err := alice.List("BOB", OutReceivedEndToEnd)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.True(t, done[0].Matches(id))

	in, err := bob.List("ALICE", InDone)
	require.NoError(t, err)
	require.Len(t, in, 1)
	got, err := os.ReadFile(filepath.Join(bob.root, "ALICE", dirIn, baseName(in[0])+string(InDone)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	m, err := alice.Meta("BOB", id, false)
	require.NoError(t, err)
	require.NotNil(t, m.EndToEnd)
	assert.Equal(t, oftp.AnswerNone, m.EndToEnd.Reason)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ALICE", in[0].Partner, "inbound files are named after their originator")
	assert.Equal(t, []string{"ALICE PAYLOAD " + baseName(in[0]) + string(InPendingEndToEnd)}, received)
}
