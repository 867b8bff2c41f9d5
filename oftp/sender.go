package oftp

import (
	"context"
	"fmt"
	"time"
)

// startFileFor builds the start file command of an outbound file. Its restart
// position is the largest one this side can serve.
func (s *Session) startFileFor(r FileReader) *StartFile {
	id := r.ID()
	desc := r.Description()
	if desc == nil {
		desc = &FileDescription{Format: FormatUnstructured}
	}
	format := desc.Format
	if format == 0 {
		format = FormatUnstructured
	}

	size := desc.FileSize
	if size == 0 {
		size = (r.TotalLength() + 1023) / 1024
	}
	unpacked := desc.FileSizeUnpacked
	if unpacked == 0 {
		unpacked = size
	}

	var restart int64
	if _, ok := r.(Positioner); ok && s.caps.Has(CapRestart) {
		if format.HasRecords() {
			restart = r.RecordCount()
		} else {
			restart = r.TotalLength() >> 10
		}
	}

	destination := id.Partner
	if destination == "" {
		destination = s.remoteID
	}
	stamp := id.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return &StartFile{
		VirtualFileName:  id.VirtualFileName,
		UserData:         r.UserData(),
		Stamp:            stamp,
		Destination:      destination,
		Originator:       s.localID(),
		Format:           format,
		MaxRecordSize:    desc.MaximumRecordSize,
		FileSize:         size,
		FileSizeUnpacked: unpacked,
		RestartPosition:  restart,
		Description:      desc.Description,
	}
}

// sendFile transfers one outbound file. It returns true when the end file
// answer asked for the speaker role.
func (s *Session) sendFile(ctx context.Context, open OpenFunc) (bool, error) {
	r, err := open(ctx)
	if err != nil {
		s.logger.Warningf("opening out file: %v", err)
		return false, nil
	}
	defer r.Close()

	id := r.ID()
	sfid := s.startFileFor(r)
	if err := s.send(ctx, sfid); err != nil {
		if fse, ok := AsFileServiceError(err); ok {
			s.logger.Warningf("skipping %s: %v", id, fse)
			r.SetTransmissionError(fse.Reason, fse.Text, false)
			s.callbacks.OnFileRejected(id, fse.Reason, fse.Text, false)
			return false, nil
		}
		return false, err
	}

	m, err := s.expect(ctx, CmdStartFilePositive, CmdStartFileNegative)
	if err != nil {
		return false, err
	}
	if nack, ok := m.(*StartFileNegative); ok {
		s.logger.Infof("partner refused %s: %s %q (retry=%t)", id, nack.Reason, nack.ReasonText, nack.Retry)
		r.SetTransmissionError(nack.Reason, nack.ReasonText, nack.Retry)
		s.callbacks.OnFileRejected(id, nack.Reason, nack.ReasonText, false)
		return false, nil
	}

	restart := m.(*StartFilePositive).RestartPosition
	var offset int64
	if restart > 0 {
		p, ok := r.(Positioner)
		if !ok || restart > sfid.RestartPosition {
			return false, NewCommandError(EndSessionProtocolViolation,
				fmt.Sprintf("partner restarts at %d beyond offered %d", restart, sfid.RestartPosition), CmdStartFilePositive)
		}
		if _, err := p.Restart(restart); err != nil {
			return false, s.abortFile(r, err)
		}
		if !sfid.Format.HasRecords() {
			offset = restart << 10
		}
		s.logger.Infof("restarting %s at %d", id, restart)
	}

	s.callbacks.OnFileStart(id, r.TotalLength(), false)
	s.progress.start(id, false, r.TotalLength(), offset)

	if err := s.pumpData(ctx, r); err != nil {
		return false, err
	}

	var records int64
	if sfid.Format.HasRecords() {
		records = r.RecordCount()
	}
	if err := s.send(ctx, &EndFile{RecordCount: records, UnitCount: r.TotalLength()}); err != nil {
		return false, err
	}

	m, err = s.expect(ctx, CmdEndFilePositive, CmdEndFileNegative)
	if err != nil {
		return false, err
	}
	if nack, ok := m.(*EndFileNegative); ok {
		s.logger.Warningf("partner rejected %s: %s %q", id, nack.Reason, nack.ReasonText)
		r.SetTransmissionError(nack.Reason, nack.ReasonText, false)
		s.callbacks.OnFileRejected(id, nack.Reason, nack.ReasonText, false)
		return false, nil
	}

	r.SetTransmissionState()
	duration := s.progress.done()
	s.callbacks.OnFileComplete(id, r.TotalLength(), duration, false)
	s.logger.Infof("sent %s (%d bytes in %s)", id, r.TotalLength(), duration)
	return m.(*EndFilePositive).ChangeDirection, nil
}

// pumpData streams the file in Data commands. After every credit window it
// waits for the partner's set credit command.
func (s *Session) pumpData(ctx context.Context, r FileReader) error {
	enc := newSubRecordEncoder(r, s.caps.Has(CapBufferCompression))
	credit := s.credit
	for !enc.done() {
		c, err := newCommand(s.sendBuf, CmdData, 1)
		if err != nil {
			return err
		}
		before := enc.units
		n, err := enc.fill(s.sendBuf[1:s.bufferSize])
		if err != nil {
			return s.abortFile(r, err)
		}
		if n == 0 {
			continue
		}
		c.length += n
		if err := s.sendCommand(ctx, c); err != nil {
			return err
		}
		s.progress.add(enc.units - before)

		credit--
		if credit == 0 {
			if _, err := s.expect(ctx, CmdSetCredit); err != nil {
				return err
			}
			credit = s.credit
		}
	}
	return nil
}

// abortFile records a reader failure and turns it into a session error.
func (s *Session) abortFile(r FileReader, err error) error {
	reason, text, _ := fileServiceAnswer(err)
	r.SetTransmissionError(reason, text, true)
	return NewProtocolError(EndSessionUnspecifiedAbortCode, "reading %s: %s: %s", r.ID(), reason, text)
}
