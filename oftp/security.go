package oftp

import (
	"bytes"
	"context"
	"crypto/rand"
)

// authenticate runs the secure authentication handshake. The initiator
// starts by handing the speaker role over, so the responder challenges first.
func (s *Session) authenticate(ctx context.Context) error {
	s.setState(StateAuthenticating)
	if s.auth == nil {
		return NewProtocolError(EndSessionSecureAuthenticationRequirementsIncompatible, "no authenticator configured")
	}

	if s.initiator {
		if err := s.send(ctx, &SecurityChangeDirection{}); err != nil {
			return err
		}
		if err := s.answerChallenge(ctx); err != nil {
			return err
		}
		if _, err := s.expect(ctx, CmdSecurityChangeDirection); err != nil {
			return err
		}
		if err := s.challenge(ctx); err != nil {
			return err
		}
	} else {
		if _, err := s.expect(ctx, CmdSecurityChangeDirection); err != nil {
			return err
		}
		if err := s.challenge(ctx); err != nil {
			return err
		}
		if err := s.send(ctx, &SecurityChangeDirection{}); err != nil {
			return err
		}
		if err := s.answerChallenge(ctx); err != nil {
			return err
		}
	}

	s.event(EventAuthenticated, "partner "+s.remoteID+" authenticated", CmdAuthResponse)
	s.logger.Infof("secure authentication with %s succeeded", s.remoteID)
	return nil
}

// challenge sends an enveloped random challenge and checks the response.
func (s *Session) challenge(ctx context.Context) error {
	plain := make([]byte, challengeSize)
	if _, err := rand.Read(plain); err != nil {
		return &Error{Type: ErrInternal, Message: "challenge: " + err.Error(), Command: CmdAuthChallenge}
	}

	envelope, err := s.auth.EncryptChallenge(s.remoteID, plain)
	if err != nil {
		return NewCommandError(EndSessionInvalidChallengeResponse,
			"encrypting challenge for "+s.remoteID+": "+err.Error(), CmdAuthChallenge)
	}
	if err := s.send(ctx, &AuthChallenge{Challenge: envelope}); err != nil {
		return err
	}

	m, err := s.expect(ctx, CmdAuthResponse)
	if err != nil {
		return err
	}
	if !bytes.Equal(m.(*AuthResponse).Response, plain) {
		return NewCommandError(EndSessionInvalidChallengeResponse,
			"challenge response of "+s.remoteID+" does not match", CmdAuthResponse)
	}
	return nil
}

// answerChallenge decrypts the partner's challenge. A challenge that cannot
// be opened is answered with zero bytes so the partner ends the session.
func (s *Session) answerChallenge(ctx context.Context) error {
	m, err := s.expect(ctx, CmdAuthChallenge)
	if err != nil {
		return err
	}

	response := make([]byte, challengeSize)
	plain, err := s.auth.DecryptChallenge(s.localID(), m.(*AuthChallenge).Challenge)
	switch {
	case err != nil:
		s.logger.Warningf("decrypting challenge of %s: %v", s.remoteID, err)
	case len(plain) != challengeSize:
		s.logger.Warningf("challenge of %s has %d bytes", s.remoteID, len(plain))
	default:
		copy(response, plain)
	}
	return s.send(ctx, &AuthResponse{Response: response})
}
