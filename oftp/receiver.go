package oftp

import (
	"context"
	"fmt"
	"strings"
)

// receiveFile answers a start file command and, once accepted, receives the
// data up to the end file command.
func (s *Session) receiveFile(ctx context.Context, m *StartFile) error {
	id := FileID{VirtualFileName: m.VirtualFileName, Stamp: m.Stamp, Partner: m.Originator, V1: !s.version.IsV2()}

	switch {
	case !s.canReceive:
		return s.refuse(ctx, id, AnswerFileDirectionRefused, "this side does not receive files", false)
	case !strings.EqualFold(m.Destination, s.localID()):
		return s.refuse(ctx, id, AnswerInvalidDestination, "unknown destination "+m.Destination, false)
	case m.SecurityLevel != SecurityNone:
		return s.refuse(ctx, id, AnswerEncryptedFileNotAllowed, "secured files are not supported", false)
	case m.Compressed:
		return s.refuse(ctx, id, AnswerCompressionNotAllowed, "compressed files are not supported", false)
	case m.Enveloped:
		return s.refuse(ctx, id, AnswerSignedFileNotAllowed, "enveloped files are not supported", false)
	case m.SignedEERP:
		return s.refuse(ctx, id, AnswerSignedFileNotAllowed, "signed end-to-end responses are not supported", false)
	}

	desc := &FileDescription{
		Format:            m.Format,
		MaximumRecordSize: m.MaxRecordSize,
		FileSize:          m.FileSize,
		FileSizeUnpacked:  m.FileSizeUnpacked,
		Description:       m.Description,
	}
	w, err := s.service.CreateInFile(ctx, id, desc, m.UserData)
	if err != nil {
		reason, text, retry := fileServiceAnswer(err)
		return s.refuse(ctx, id, reason, text, retry)
	}
	defer func() {
		if err := w.Close(); err != nil {
			s.logger.Warningf("closing %s: %v", id, err)
		}
	}()

	var restart int64
	if m.RestartPosition > 0 && s.caps.Has(CapRestart) {
		if p, ok := w.(Positioner); ok {
			pos, err := p.Restart(m.RestartPosition)
			if err != nil {
				_, text, retry := fileServiceAnswer(err)
				return s.refuse(ctx, id, AnswerAccessMethodFailure, text, retry)
			}
			if pos > m.RestartPosition {
				return s.refuse(ctx, id, AnswerAccessMethodFailure, "restart position beyond request", true)
			}
			restart = pos
		}
	}
	if err := s.send(ctx, &StartFilePositive{RestartPosition: restart}); err != nil {
		return err
	}

	var offset int64
	if restart > 0 && !m.Format.HasRecords() {
		offset = restart << 10
	}
	s.callbacks.OnFileStart(id, m.FileSize<<10, true)
	s.progress.start(id, true, m.FileSize<<10, offset)
	return s.receiveData(ctx, id, w)
}

func (s *Session) refuse(ctx context.Context, id FileID, reason AnswerReason, text string, retry bool) error {
	s.logger.Infof("refusing %s: %s %q (retry=%t)", id, reason, text, retry)
	s.callbacks.OnFileRejected(id, reason, text, true)
	return s.send(ctx, &StartFileNegative{Reason: reason, Retry: retry, ReasonText: text})
}

// receiveData consumes Data commands and grants a new credit window every
// time the current one is used up. A write error is kept until the end file
// command, which it then answers.
func (s *Session) receiveData(ctx context.Context, id FileID, w FileWriter) error {
	var (
		credit   = s.credit
		eor      bool
		writeErr error
	)
	write := func(p []byte, last bool) error {
		if writeErr != nil {
			return nil
		}
		return w.Write(p, last)
	}

	for {
		m, err := s.receive(ctx)
		if err != nil {
			return err
		}
		switch m := m.(type) {
		case *Data:
			if 1+len(m.Payload) > s.bufferSize {
				return NewCommandError(EndSessionProtocolViolation,
					fmt.Sprintf("data command of %d bytes exceeds buffer size %d", 1+len(m.Payload), s.bufferSize), CmdData)
			}
			c := &command{buf: s.recvBuf[:1+len(m.Payload)], length: 1 + len(m.Payload)}
			res, err := decodeSubRecords(c, write)
			if err != nil {
				return err
			}
			if res.WriteErr != nil && writeErr == nil {
				s.logger.Warningf("writing %s: %v", id, res.WriteErr)
				writeErr = res.WriteErr
			}
			if res.Found {
				eor = res.EoR
			}
			s.progress.add(res.Units)

			credit--
			if credit == 0 {
				if err := s.send(ctx, &SetCredit{}); err != nil {
					return err
				}
				credit = s.credit
			}
		case *EndFile:
			return s.endInFile(ctx, id, w, m, eor, writeErr)
		case *EndSession:
			return remoteEnd(m)
		default:
			return unexpected(m)
		}
	}
}

func (s *Session) endInFile(ctx context.Context, id FileID, w FileWriter, m *EndFile, eor bool, writeErr error) error {
	var err error
	switch {
	case writeErr != nil:
		err = writeErr
	case !eor:
		err = NewFileServiceError(AnswerInvalidByteCount, false, "last data command did not end a record")
	default:
		err = w.Commit(m.RecordCount, m.UnitCount)
	}
	if err != nil {
		reason, text, _ := fileServiceAnswer(err)
		s.logger.Warningf("rejecting %s: %s %q", id, reason, text)
		s.callbacks.OnFileRejected(id, reason, text, true)
		return s.send(ctx, &EndFileNegative{Reason: reason, ReasonText: text})
	}

	cd := s.wantsSpeaker(ctx)
	if cd {
		s.askedChangeDirection = true
	}
	if err := s.send(ctx, &EndFilePositive{ChangeDirection: cd}); err != nil {
		return err
	}
	duration := s.progress.done()
	s.callbacks.OnFileComplete(id, w.TotalLength(), duration, true)
	s.logger.Infof("received %s (%d bytes in %s)", id, w.TotalLength(), duration)
	return nil
}

// wantsSpeaker reports whether this side has files of its own queued.
func (s *Session) wantsSpeaker(ctx context.Context) bool {
	if !s.canSend {
		return false
	}
	files, err := s.service.OutFiles(ctx)
	if err != nil {
		s.logger.Warningf("listing out files: %v", err)
		return false
	}
	return len(files) > 0
}
