package fileservice

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/drunlade/go-oftp/oftp"
)

// layout describes how a format maps records onto the bytes of a file.
type layout struct {
	format     oftp.FileFormat
	recordSize int   // F: exact size, V: maximum size
	records    []int // V: record lengths
}

func newLayout(m *Meta) (layout, error) {
	l := layout{format: m.Format, recordSize: m.MaxRecordSize, records: m.Records}
	if l.format == 0 {
		l.format = oftp.FormatUnstructured
	}
	switch l.format {
	case oftp.FormatFixed:
		if l.recordSize <= 0 {
			return l, oftp.NewFileServiceError(oftp.AnswerMaximumRecordLengthNotSupported, false,
				"fixed record file without record size")
		}
	case oftp.FormatVariable:
	case oftp.FormatUnstructured, oftp.FormatText:
		l.recordSize = 0
	default:
		return l, oftp.NewFileServiceError(oftp.AnswerStorageRecordFormatNotSupported, false,
			"format %q is not supported", byte(l.format))
	}
	return l, nil
}

// restartOffset maps a restart position onto a byte offset no larger than size
// and returns the position that offset stands for.
func (l *layout) restartOffset(pos, size int64) (int64, int64) {
	switch l.format {
	case oftp.FormatFixed:
		rs := int64(l.recordSize)
		pos = min(pos, size/rs)
		return pos * rs, pos
	case oftp.FormatVariable:
		var off int64
		n := int64(0)
		for _, r := range l.records {
			if n == pos || off+int64(r) > size {
				break
			}
			off += int64(r)
			n++
		}
		return off, n
	default:
		off := min(pos<<10, size&^1023)
		return off, off >> 10
	}
}

// reader streams an outbound file.
type reader struct {
	svc   *Service
	entry entry
	meta  *Meta
	l     layout

	f    *os.File
	size int64
	pos  int64
	rec  int // current record of F and V files
	off  int // bytes of the current record already read
}

func openReader(svc *Service, e entry, m *Meta) (*reader, error) {
	l, err := newLayout(m)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(e.path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if l.format == oftp.FormatVariable {
		var total int64
		for _, r := range l.records {
			total += int64(r)
		}
		if total != fi.Size() {
			f.Close()
			return nil, fmt.Errorf("fileservice: %s: record table covers %d of %d bytes", e.base, total, fi.Size())
		}
	}
	return &reader{svc: svc, entry: e, meta: m, l: l, f: f, size: fi.Size()}, nil
}

func (r *reader) ID() oftp.FileID                    { return r.entry.id }
func (r *reader) Description() *oftp.FileDescription { return r.meta.description() }
func (r *reader) UserData() string                   { return r.meta.UserData }
func (r *reader) TotalLength() int64                 { return r.size }

func (r *reader) RecordCount() int64 {
	switch r.l.format {
	case oftp.FormatFixed:
		return r.size / int64(r.l.recordSize)
	case oftp.FormatVariable:
		return int64(len(r.l.records))
	default:
		return 0
	}
}

func (r *reader) Read(p []byte) (int, bool, error) {
	if r.pos >= r.size {
		return 0, true, io.EOF
	}

	var recLen int
	switch r.l.format {
	case oftp.FormatFixed:
		recLen = r.l.recordSize
	case oftp.FormatVariable:
		recLen = r.l.records[r.rec]
		if r.l.recordSize > 0 && recLen > r.l.recordSize {
			return 0, false, oftp.NewFileServiceError(oftp.AnswerMaximumRecordLengthNotSupported, false,
				"record %d has %d bytes, maximum %d", r.rec, recLen, r.l.recordSize)
		}
	default:
		n, err := io.ReadFull(r.f, p[:min(int64(len(p)), r.size-r.pos)])
		r.pos += int64(n)
		if err != nil {
			return n, false, accessError(err)
		}
		return n, r.pos == r.size, nil
	}

	want := min(len(p), recLen-r.off)
	n, err := io.ReadFull(r.f, p[:want])
	r.pos += int64(n)
	r.off += n
	if err != nil {
		return n, false, accessError(err)
	}
	if r.off < recLen {
		return n, false, nil
	}
	r.rec++
	r.off = 0
	return n, true, nil
}

func (r *reader) Restart(pos int64) (int64, error) {
	off, newPos := r.l.restartOffset(pos, r.size)
	if _, err := r.f.Seek(off, io.SeekStart); err != nil {
		return 0, accessError(err)
	}
	r.pos = off
	r.off = 0
	if r.l.format.HasRecords() {
		r.rec = int(newPos)
	}
	return newPos, nil
}

func (r *reader) SetTransmissionError(reason oftp.AnswerReason, text string, retry bool) {
	r.Close()
	r.svc.outResult(r.entry, reason, text, retry)
}

func (r *reader) SetTransmissionState() {
	r.Close()
	r.svc.outSent(r.entry)
}

func (r *reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// writer fills an inbound file. An existing partial file is kept until
// the first restart or write decides how much of it survives.
type writer struct {
	svc   *Service
	entry entry
	meta  *Meta
	l     layout

	f        *os.File
	size     int64
	prepared bool
	cur      int // bytes of the record in progress
}

func openWriter(svc *Service, e entry, m *Meta) (*writer, error) {
	l, err := newLayout(m)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(e.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, accessError(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, accessError(err)
	}
	return &writer{svc: svc, entry: e, meta: m, l: l, f: f, size: fi.Size()}, nil
}

func (w *writer) ID() oftp.FileID    { return w.entry.id }
func (w *writer) TotalLength() int64 { return w.size }

func (w *writer) RecordCount() int64 {
	switch w.l.format {
	case oftp.FormatFixed:
		return w.size / int64(w.l.recordSize)
	case oftp.FormatVariable:
		return int64(len(w.l.records))
	default:
		return 0
	}
}

// truncate keeps the first off bytes of the file.
func (w *writer) truncate(off int64) error {
	if err := w.f.Truncate(off); err != nil {
		return accessError(err)
	}
	if _, err := w.f.Seek(off, io.SeekStart); err != nil {
		return accessError(err)
	}
	w.size = off
	w.cur = 0
	w.prepared = true
	return nil
}

func (w *writer) Restart(pos int64) (int64, error) {
	off, newPos := w.l.restartOffset(pos, w.size)
	if w.l.format == oftp.FormatVariable {
		w.l.records = w.l.records[:newPos]
	}
	if err := w.truncate(off); err != nil {
		return 0, err
	}
	return newPos, nil
}

func (w *writer) Write(p []byte, eor bool) error {
	if !w.prepared {
		w.l.records = nil
		if err := w.truncate(0); err != nil {
			return err
		}
	}
	if _, err := w.f.Write(p); err != nil {
		return accessError(err)
	}
	w.size += int64(len(p))
	w.cur += len(p)

	switch w.l.format {
	case oftp.FormatFixed:
		if eor && w.cur != w.l.recordSize {
			return oftp.NewFileServiceError(oftp.AnswerInvalidRecordCount, false,
				"record of %d bytes, expected %d", w.cur, w.l.recordSize)
		}
	case oftp.FormatVariable:
		if w.l.recordSize > 0 && w.cur > w.l.recordSize {
			return oftp.NewFileServiceError(oftp.AnswerMaximumRecordLengthNotSupported, false,
				"record of %d bytes exceeds maximum %d", w.cur, w.l.recordSize)
		}
		if eor {
			w.l.records = append(w.l.records, w.cur)
		}
	}
	if eor {
		w.cur = 0
	}
	return nil
}

func (w *writer) Commit(recordCount, unitCount int64) error {
	if !w.prepared {
		w.l.records = nil
		if err := w.truncate(0); err != nil {
			return err
		}
	}
	if w.l.format.HasRecords() && w.RecordCount() != recordCount {
		return oftp.NewFileServiceError(oftp.AnswerInvalidRecordCount, false,
			"received %d records, announced %d", w.RecordCount(), recordCount)
	}
	if w.size != unitCount {
		return oftp.NewFileServiceError(oftp.AnswerInvalidByteCount, false,
			"received %d bytes, announced %d", w.size, unitCount)
	}
	if w.l.format == oftp.FormatFixed && w.size%int64(w.l.recordSize) != 0 {
		return oftp.NewFileServiceError(oftp.AnswerInvalidByteCount, false,
			"%d bytes is not a multiple of the record size %d", w.size, w.l.recordSize)
	}
	if err := w.f.Sync(); err != nil {
		return accessError(err)
	}
	if err := w.Close(); err != nil {
		return accessError(err)
	}
	return w.svc.inReceived(w.entry, w.l.records)
}

// Close keeps the record table of a partial V file for a later restart.
func (w *writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if w.l.format == oftp.FormatVariable {
		records := w.l.records
		if serr := w.svc.saveRecords(w.entry, records); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func accessError(err error) error {
	var fse *oftp.FileServiceError
	if errors.As(err, &fse) {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return oftp.NewFileServiceError(oftp.AnswerInvalidByteCount, false, "file is shorter than expected")
	}
	return oftp.NewFileServiceError(oftp.AnswerAccessMethodFailure, true, "%v", err)
}
