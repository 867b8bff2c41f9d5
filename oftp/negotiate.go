package oftp

import (
	"context"
	"errors"
	"strings"
)

// offer returns the capabilities this side announces.
func (s *Session) offer() Capabilities {
	caps := s.config.Capabilities | CapBoth
	if ic := s.ch.InitialCapabilities(); ic != 0 {
		caps &= ic | CapBoth
	}
	if s.auth == nil || !s.config.Version.IsV2() {
		caps &^= CapSecureAuthentication
	}
	if s.config.RequireSecureAuthentication && s.auth != nil && s.config.Version.IsV2() {
		caps |= CapSecureAuthentication
	}
	return caps
}

// initiate runs the calling side of the start session exchange.
func (s *Session) initiate(ctx context.Context) error {
	s.setState(StateAwaitingReady)
	if _, err := s.expect(ctx, CmdReadyMessage); err != nil {
		return err
	}

	offer := s.offer()
	local := &StartSession{
		Version:      s.config.Version,
		ID:           s.config.LocalID,
		Password:     s.config.Password,
		BufferSize:   s.config.MaxBufferSize,
		Credit:       s.config.MaxCredit,
		Capabilities: offer,
		UserData:     s.ch.UserData(),
	}
	if err := s.send(ctx, local); err != nil {
		return err
	}

	s.setState(StateAwaitingStartSession)
	m, err := s.expect(ctx, CmdStartSession)
	if err != nil {
		return err
	}
	reply := m.(*StartSession)

	switch {
	case s.config.RemoteID != "" && !strings.EqualFold(reply.ID, s.config.RemoteID):
		return NewProtocolError(EndSessionUserCodeNotKnown,
			"partner answered as %s, called %s", reply.ID, s.config.RemoteID)
	case reply.BufferSize > local.BufferSize || reply.BufferSize < MinBufferSize:
		return NewProtocolError(EndSessionExchangeBufferSizeError,
			"partner buffer size %d, offered %d", reply.BufferSize, local.BufferSize)
	case reply.Credit == 0 || reply.Credit > local.Credit:
		return NewProtocolError(EndSessionCommandContainedInvalidData,
			"partner credit %d, offered %d", reply.Credit, local.Credit)
	case !reply.Version.Supported() || reply.Version > local.Version:
		return NewProtocolError(EndSessionModeOrCapabilitiesIncompatible,
			"partner version %s, offered %s", reply.Version, local.Version)
	}

	wantAuth := offer.Has(CapSecureAuthentication)
	gotAuth := reply.Capabilities.Has(CapSecureAuthentication)
	if gotAuth && !wantAuth || wantAuth && !gotAuth && s.config.RequireSecureAuthentication {
		return NewProtocolError(EndSessionSecureAuthenticationRequirementsIncompatible,
			"secure authentication offered %t, partner %t", wantAuth, gotAuth)
	}

	s.version = reply.Version
	s.bufferSize = reply.BufferSize
	s.credit = reply.Credit
	s.caps = reply.Capabilities & (offer | CapBoth)
	s.remoteID = reply.ID

	svc, err := s.provider.FileService(ctx, reply.ID, reply.Password)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Type == ErrProtocol {
			return err
		}
		return NewProtocolError(EndSessionResourcesNotAvailable, "partner %s: %v", reply.ID, err)
	}
	if svc == nil {
		return NewProtocolError(EndSessionResourcesNotAvailable, "no file service for partner %s", reply.ID)
	}
	s.service = svc

	// the reply is written from the responder's point of view
	s.canSend = reply.Capabilities.Has(CapReceive) && svc.SupportsOutFiles()
	s.canReceive = reply.Capabilities.Has(CapSend) && svc.SupportsInFiles()
	s.setState(StateNegotiated)

	if gotAuth {
		return s.authenticate(ctx)
	}
	return nil
}

// accept runs the called side of the start session exchange.
func (s *Session) accept(ctx context.Context) error {
	s.setState(StateAwaitingStartSession)
	if err := s.send(ctx, &ReadyMessage{}); err != nil {
		return err
	}

	m, err := s.expect(ctx, CmdStartSession)
	if err != nil {
		return err
	}
	remote := m.(*StartSession)
	s.remoteID = remote.ID

	svc, err := s.provider.FileService(ctx, remote.ID, remote.Password)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Type == ErrProtocol {
			return err
		}
		return NewProtocolError(EndSessionInvalidPassword, "partner %s: %v", remote.ID, err)
	}
	if svc == nil {
		return NewProtocolError(EndSessionInvalidPassword, "partner %s is not known", remote.ID)
	}
	s.service = svc
	if !svc.SupportsInFiles() && !svc.SupportsOutFiles() {
		return NewProtocolError(EndSessionInvalidPassword, "partner %s may neither send nor receive", remote.ID)
	}

	version := remote.Version
	if s.config.Version < version {
		version = s.config.Version
	}
	if !version.Supported() {
		return NewProtocolError(EndSessionModeOrCapabilitiesIncompatible,
			"partner version %s, local %s", remote.Version, s.config.Version)
	}
	if remote.BufferSize < MinBufferSize {
		return NewProtocolError(EndSessionExchangeBufferSizeError, "partner buffer size %d", remote.BufferSize)
	}
	if remote.Credit == 0 {
		return NewProtocolError(EndSessionCommandContainedInvalidData, "partner credit is 0")
	}

	offer := s.offer()
	rs, rr := remote.Capabilities.Has(CapSend), remote.Capabilities.Has(CapReceive)
	ls := offer.Has(CapSend) && svc.SupportsOutFiles()
	lr := offer.Has(CapReceive) && svc.SupportsInFiles()

	var caps Capabilities
	if rr && ls {
		caps |= CapSend
	}
	if rs && lr {
		caps |= CapReceive
	}
	if caps == 0 {
		return NewProtocolError(EndSessionModeOrCapabilitiesIncompatible,
			"partner mode %s does not match local mode", remote.Capabilities&CapBoth)
	}
	caps |= remote.Capabilities & offer & (CapBufferCompression | CapRestart | CapSpecialLogic)

	remoteAuth := remote.Capabilities.Has(CapSecureAuthentication)
	switch {
	case s.config.RequireSecureAuthentication && !remoteAuth:
		return NewProtocolError(EndSessionSecureAuthenticationRequirementsIncompatible,
			"secure authentication is required")
	case remoteAuth && (s.auth == nil || !version.IsV2()):
		return NewProtocolError(EndSessionSecureAuthenticationRequirementsIncompatible,
			"secure authentication is not available")
	case remoteAuth:
		caps |= CapSecureAuthentication
	}

	s.version = version
	s.bufferSize = min(remote.BufferSize, s.config.MaxBufferSize)
	s.credit = min(remote.Credit, s.config.MaxCredit)
	s.caps = caps
	s.canSend = caps.Has(CapSend)
	s.canReceive = caps.Has(CapReceive)

	password := s.config.Password
	if cr, ok := svc.(Credentials); ok && cr.LocalPassword() != "" {
		password = cr.LocalPassword()
	}
	reply := &StartSession{
		Version:      version,
		ID:           s.localID(),
		Password:     password,
		BufferSize:   s.bufferSize,
		Credit:       s.credit,
		Capabilities: caps,
		UserData:     s.ch.UserData(),
	}
	if err := s.send(ctx, reply); err != nil {
		return err
	}
	s.setState(StateNegotiated)

	if remoteAuth {
		return s.authenticate(ctx)
	}
	return nil
}
