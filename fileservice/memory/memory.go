// Package memory provides an in-memory OFTP file service for one partner.
package memory

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/drunlade/go-oftp/oftp"
)

// FileState is the lifecycle position of a file.
type FileState int

const (
	StateQueued   FileState = iota // out: waiting to be sent
	StateSent                      // out: waiting for its end-to-end response
	StateDone                      // out: acknowledged, in: end-to-end delivered
	StateFailed                    // out: refused without retry
	StatePartial                   // in: interrupted, kept for restart
	StateReceived                  // in: committed
)

// OutFile is a queued outbound file.
type OutFile struct {
	ID          oftp.FileID
	Description *oftp.FileDescription
	UserData    string
	Data        []byte
	Records     []int // record lengths of F and V files

	State    FileState
	Reason   oftp.AnswerReason
	Text     string
	Retry    bool
	EndToEnd *oftp.EndToEnd
}

// InFile is a received or partially received file.
type InFile struct {
	ID          oftp.FileID
	Description *oftp.FileDescription
	UserData    string
	Data        []byte
	Records     []int
	State       FileState
}

// Option configures a Service.
type Option func(*Service)

// WithDirections limits the service to receiving and/or sending.
func WithDirections(in, out bool) Option {
	return func(s *Service) {
		s.in, s.out = in, out
	}
}

// WithAutoEndToEnd queues a positive end-to-end response for every
// committed inbound file.
func WithAutoEndToEnd(auto bool) Option {
	return func(s *Service) {
		s.autoEndToEnd = auto
	}
}

// WithInFilter installs a check run before an inbound file is created.
func WithInFilter(filter func(oftp.FileID, *oftp.FileDescription) error) Option {
	return func(s *Service) {
		s.filter = filter
	}
}

// Service keeps files of one partner in memory.
type Service struct {
	mu sync.Mutex

	localID      string
	in, out      bool
	autoEndToEnd bool
	filter       func(oftp.FileID, *oftp.FileDescription) error

	outFiles []*OutFile
	inFiles  []*InFile
	pending  []oftp.EndToEnd
	received []oftp.EndToEnd
	closed   int
}

// New creates a service presenting localID to its partner.
func New(localID string, opts ...Option) *Service {
	s := &Service{localID: localID, in: true, out: true, autoEndToEnd: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns a provider that hands out s to partnerID with password.
func (s *Service) Provider(partnerID, password string) oftp.ServiceProvider {
	return oftp.ServiceProviderFunc(func(_ context.Context, remoteID, pw string) (oftp.FileService, error) {
		if !strings.EqualFold(remoteID, partnerID) || pw != password {
			return nil, nil
		}
		return s, nil
	})
}

// Queue adds an outbound file.
func (s *Service) Queue(id oftp.FileID, data []byte, desc *oftp.FileDescription, userData string) *OutFile {
	return s.QueueRecords(id, data, nil, desc, userData)
}

// QueueRecords adds an outbound file made of records of the given lengths.
func (s *Service) QueueRecords(id oftp.FileID, data []byte, records []int, desc *oftp.FileDescription, userData string) *OutFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &OutFile{ID: id, Description: desc, UserData: userData, Data: data, Records: records}
	s.outFiles = append(s.outFiles, f)
	return f
}

// AddEndToEnd queues an acknowledgement to send.
func (s *Service) AddEndToEnd(e oftp.EndToEnd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, e)
}

// OutFileList returns the outbound files.
func (s *Service) OutFileList() []*OutFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*OutFile(nil), s.outFiles...)
}

// InFileList returns the inbound files.
func (s *Service) InFileList() []*InFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*InFile(nil), s.inFiles...)
}

// PendingEndToEnd returns the acknowledgements not yet delivered.
func (s *Service) PendingEndToEnd() []oftp.EndToEnd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oftp.EndToEnd(nil), s.pending...)
}

// ReceivedEndToEnd returns the acknowledgements received from the partner.
func (s *Service) ReceivedEndToEnd() []oftp.EndToEnd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oftp.EndToEnd(nil), s.received...)
}

// Closed returns how often Close was called.
func (s *Service) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) DestinationID() string { return s.localID }
func (s *Service) SupportsInFiles() bool { return s.in }
func (s *Service) SupportsOutFiles() bool {
	return s.out
}

func (s *Service) CreateInFile(_ context.Context, id oftp.FileID, desc *oftp.FileDescription, userData string) (oftp.FileWriter, error) {
	if s.filter != nil {
		if err := s.filter(id, desc); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.inFiles {
		if !f.ID.Matches(id) {
			continue
		}
		if f.State != StatePartial {
			return nil, oftp.NewFileServiceError(oftp.AnswerDuplicateFile, false, "%s already received", id.VirtualFileName)
		}
		w := &writer{s: s, f: f, partial: f.Data, partialRecords: f.Records}
		f.Description, f.UserData = desc, userData
		f.Data, f.Records = nil, nil
		return w, nil
	}

	f := &InFile{ID: id, Description: desc, UserData: userData, State: StatePartial}
	s.inFiles = append(s.inFiles, f)
	return &writer{s: s, f: f}, nil
}

func (s *Service) OutFiles(context.Context) ([]oftp.OpenFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fns []oftp.OpenFunc
	for _, f := range s.outFiles {
		if f.State != StateQueued {
			continue
		}
		f := f
		fns = append(fns, func(context.Context) (oftp.FileReader, error) {
			return &reader{s: s, f: f}, nil
		})
	}
	return fns, nil
}

func (s *Service) EndToEnd(context.Context) ([]oftp.EndToEnd, error) {
	return s.PendingEndToEnd(), nil
}

func (s *Service) CommitEndToEnd(_ context.Context, e oftp.EndToEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.File.Matches(e.File) {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	for _, f := range s.inFiles {
		if f.ID.Matches(e.File) {
			f.State = StateDone
		}
	}
	return nil
}

func (s *Service) UpdateOutFileState(_ context.Context, e oftp.EndToEnd) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, e)
	for _, f := range s.outFiles {
		if f.State == StateSent && f.ID.Matches(e.File) {
			f.State = StateDone
			ack := e
			f.EndToEnd = &ack
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func hasRecords(desc *oftp.FileDescription) bool {
	return desc != nil && desc.Format.HasRecords()
}

// reader streams an OutFile.
type reader struct {
	s   *Service
	f   *OutFile
	pos int
	rec int // index of the current record
	off int // bytes of the current record already read
}

func (r *reader) ID() oftp.FileID                    { return r.f.ID }
func (r *reader) Description() *oftp.FileDescription { return r.f.Description }
func (r *reader) UserData() string                   { return r.f.UserData }
func (r *reader) TotalLength() int64                 { return int64(len(r.f.Data)) }
func (r *reader) RecordCount() int64                 { return int64(len(r.f.Records)) }
func (r *reader) Close() error                       { return nil }

func (r *reader) Read(p []byte) (int, bool, error) {
	if r.pos >= len(r.f.Data) {
		return 0, true, io.EOF
	}
	if !hasRecords(r.f.Description) {
		n := copy(p, r.f.Data[r.pos:])
		r.pos += n
		return n, r.pos == len(r.f.Data), nil
	}

	left := r.f.Records[r.rec] - r.off
	n := copy(p[:min(len(p), left)], r.f.Data[r.pos:])
	r.pos += n
	r.off += n
	if r.off < r.f.Records[r.rec] {
		return n, false, nil
	}
	r.rec++
	r.off = 0
	return n, true, nil
}

// Restart skips whole records, or 1KB blocks for unstructured files.
func (r *reader) Restart(pos int64) (int64, error) {
	if !hasRecords(r.f.Description) {
		off := min(int(pos)<<10, len(r.f.Data)&^1023)
		r.pos = off
		return int64(off >> 10), nil
	}
	r.pos, r.rec, r.off = 0, 0, 0
	for int64(r.rec) < pos && r.rec < len(r.f.Records) {
		r.pos += r.f.Records[r.rec]
		r.rec++
	}
	return int64(r.rec), nil
}

func (r *reader) SetTransmissionError(reason oftp.AnswerReason, text string, retry bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.f.Reason, r.f.Text, r.f.Retry = reason, text, retry
	if !retry {
		r.f.State = StateFailed
	}
}

func (r *reader) SetTransmissionState() {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.f.State = StateSent
}

// writer fills an InFile.
type writer struct {
	s   *Service
	f   *InFile
	cur int // bytes of the record in progress

	// left over from an interrupted transfer, restored by Restart
	partial        []byte
	partialRecords []int
}

func (w *writer) ID() oftp.FileID    { return w.f.ID }
func (w *writer) TotalLength() int64 { return int64(len(w.f.Data)) }
func (w *writer) RecordCount() int64 { return int64(len(w.f.Records)) }
func (w *writer) Close() error       { return nil }

func (w *writer) Write(p []byte, eor bool) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.f.Data = append(w.f.Data, p...)
	w.cur += len(p)
	if eor && hasRecords(w.f.Description) {
		w.f.Records = append(w.f.Records, w.cur)
		w.cur = 0
	}
	return nil
}

// Restart truncates the partial file to the restart position it can serve.
func (w *writer) Restart(pos int64) (int64, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if !hasRecords(w.f.Description) {
		off := min(int(pos)<<10, len(w.partial)&^1023)
		w.f.Data = append([]byte(nil), w.partial[:off]...)
		return int64(off >> 10), nil
	}
	n := min(int(pos), len(w.partialRecords))
	size := 0
	for _, l := range w.partialRecords[:n] {
		size += l
	}
	w.f.Records = append([]int(nil), w.partialRecords[:n]...)
	w.f.Data = append([]byte(nil), w.partial[:size]...)
	w.cur = 0
	return int64(n), nil
}

func (w *writer) Commit(recordCount, unitCount int64) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if unitCount != int64(len(w.f.Data)) {
		return oftp.NewFileServiceError(oftp.AnswerInvalidByteCount, false,
			"received %d bytes, announced %d", len(w.f.Data), unitCount)
	}
	if hasRecords(w.f.Description) && recordCount != int64(len(w.f.Records)) {
		return oftp.NewFileServiceError(oftp.AnswerInvalidRecordCount, false,
			"received %d records, announced %d", len(w.f.Records), recordCount)
	}
	w.f.State = StateReceived
	if w.s.autoEndToEnd {
		w.s.pending = append(w.s.pending, oftp.EndToEnd{File: w.f.ID, UserData: w.f.UserData})
	}
	return nil
}
