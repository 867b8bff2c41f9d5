package oftp

import (
	"context"
	"fmt"
)

// sendEndToEnd delivers the pending acknowledgements, each confirmed by a
// ready to receive command before it is committed.
func (s *Session) sendEndToEnd(ctx context.Context) error {
	pending, err := s.service.EndToEnd(ctx)
	if err != nil {
		return fmt.Errorf("list end-to-end responses: %w", err)
	}

	for _, e := range pending {
		var m Message
		if e.Positive() {
			m = &EndToEndResponse{
				VirtualFileName: e.File.VirtualFileName,
				Stamp:           e.File.Stamp,
				UserData:        e.UserData,
				Destination:     e.File.Partner,
				Originator:      s.localID(),
			}
		} else {
			if !s.version.IsV2() {
				s.logger.Warningf("negative end response for %s needs OFTP 2.0, keeping it", e.File)
				continue
			}
			m = &NegativeEndResponse{
				VirtualFileName: e.File.VirtualFileName,
				Stamp:           e.File.Stamp,
				Destination:     e.File.Partner,
				Originator:      s.localID(),
				Creator:         s.localID(),
				Reason:          e.Reason,
				ReasonText:      e.ReasonText,
			}
		}

		if err := s.send(ctx, m); err != nil {
			if fse, ok := AsFileServiceError(err); ok {
				s.logger.Warningf("skipping end-to-end response for %s: %v", e.File, fse)
				continue
			}
			return err
		}
		if _, err := s.expect(ctx, CmdReadyToReceive); err != nil {
			return err
		}
		if err := s.service.CommitEndToEnd(ctx, e); err != nil {
			return fmt.Errorf("commit end-to-end response for %s: %w", e.File, err)
		}
		s.callbacks.OnEndToEnd(e, false)
	}
	return nil
}

// receiveEndToEnd applies a received acknowledgement to the outbound file it
// names. The partner always gets a ready to receive answer.
func (s *Session) receiveEndToEnd(ctx context.Context, m Message) error {
	var e EndToEnd
	switch m := m.(type) {
	case *EndToEndResponse:
		e = EndToEnd{
			File:     FileID{VirtualFileName: m.VirtualFileName, Stamp: m.Stamp, Partner: m.Originator},
			UserData: m.UserData,
		}
	case *NegativeEndResponse:
		e = EndToEnd{
			File:       FileID{VirtualFileName: m.VirtualFileName, Stamp: m.Stamp, Partner: m.Originator},
			Reason:     m.Reason,
			ReasonText: m.ReasonText,
		}
		if e.Reason == AnswerNone {
			e.Reason = AnswerUnspecifiedReason
		}
	}

	e.File.V1 = !s.version.IsV2()
	found, err := s.service.UpdateOutFileState(ctx, e)
	switch {
	case err != nil:
		s.logger.Warningf("end-to-end response for %s: %v", e.File, err)
	case !found:
		s.logger.Warningf("end-to-end response for unknown file %s", e.File)
	default:
		s.logger.Infof("end-to-end response for %s: %s", e.File, e.Reason)
	}
	s.callbacks.OnEndToEnd(e, true)
	return s.send(ctx, &ReadyToReceive{})
}
