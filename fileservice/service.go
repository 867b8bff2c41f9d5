// Package fileservice stores OFTP files in a directory tree, one in and one
// out directory per partner. The state of each file is its extension;
// everything else about it lives in a bolt database beside the tree.
package fileservice

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/drunlade/go-oftp/oftp"
)

const (
	dirIn  = "in"
	dirOut = "out"

	storeFile = "oftp.db"
)

// Partner is the configuration of one remote OFTP id.
type Partner struct {
	ID string

	// Password is the password the partner sends, plain or a bcrypt hash.
	Password string

	// LocalPassword is the password answered to the partner. Empty uses
	// the session's own password.
	LocalPassword string

	In  bool
	Out bool

	// Filters are path.Match patterns on accepted virtual file names.
	Filters []string

	// AutoEndToEnd queues a positive end-to-end response for every file
	// received.
	AutoEndToEnd bool
}

func (p *Partner) checkPassword(password string) bool {
	password = strings.ToUpper(password)
	if strings.HasPrefix(p.Password, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(p.Password), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToUpper(p.Password)), []byte(password)) == 1
}

func (p *Partner) accepts(name string) bool {
	if len(p.Filters) == 0 {
		return true
	}
	for _, f := range p.Filters {
		if ok, _ := path.Match(f, name); ok {
			return true
		}
	}
	return false
}

// HashPassword returns the bcrypt hash of an OFTP password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(strings.ToUpper(password)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// ReceivedHook is called for every file committed to an in directory.
type ReceivedHook func(partner string, id oftp.FileID, path string)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(l oftp.Logger) ProviderOption {
	return func(p *Provider) {
		p.log = l
	}
}

// WithReceivedHook sets the hook called for received files.
func WithReceivedHook(fn ReceivedHook) ProviderOption {
	return func(p *Provider) {
		p.received = fn
	}
}

// Provider resolves the file services of the configured partners.
type Provider struct {
	root     string
	localID  string
	partners map[string]*Partner
	store    *Store
	log      oftp.Logger
	received ReceivedHook

	mu   sync.Mutex
	busy map[string]bool
}

// NewProvider opens the tree under root for the given partners.
func NewProvider(root, localID string, partners []Partner, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{
		root:     root,
		localID:  strings.ToUpper(localID),
		partners: make(map[string]*Partner, len(partners)),
		log:      oftp.NoopLogger{},
		busy:     make(map[string]bool),
	}
	for _, o := range opts {
		o(p)
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("fileservice: %w", err)
	}

	for i := range partners {
		partner := partners[i]
		partner.ID = strings.ToUpper(partner.ID)
		if _, dup := p.partners[partner.ID]; dup {
			return nil, fmt.Errorf("fileservice: partner %s configured twice", partner.ID)
		}
		for _, d := range []string{dirIn, dirOut} {
			if err := os.MkdirAll(filepath.Join(root, partner.ID, d), 0750); err != nil {
				return nil, fmt.Errorf("fileservice: %w", err)
			}
		}
		p.partners[partner.ID] = &partner
	}

	store, err := OpenStore(filepath.Join(root, storeFile))
	if err != nil {
		return nil, err
	}
	p.store = store
	return p, nil
}

// Close closes the metadata store.
func (p *Provider) Close() error {
	return p.store.Close()
}

func (p *Provider) partner(id string) (*Partner, error) {
	partner, ok := p.partners[strings.ToUpper(id)]
	if !ok {
		return nil, fmt.Errorf("fileservice: unknown partner %s", id)
	}
	return partner, nil
}

func (p *Provider) dir(partner, d string) string {
	return filepath.Join(p.root, partner, d)
}

// FileService returns the service of remoteID when password matches. A
// partner in session already is refused.
func (p *Provider) FileService(_ context.Context, remoteID, password string) (oftp.FileService, error) {
	partner, ok := p.partners[strings.ToUpper(remoteID)]
	if !ok {
		p.log.Warningf("unknown partner %s", remoteID)
		return nil, nil
	}
	if !partner.checkPassword(password) {
		p.log.Warningf("wrong password from partner %s", partner.ID)
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[partner.ID] {
		return nil, oftp.NewProtocolError(oftp.EndSessionResourcesNotAvailable,
			"partner %s is already in session", partner.ID)
	}
	p.busy[partner.ID] = true
	return &Service{p: p, partner: partner}, nil
}

func (p *Provider) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, id)
}

// OutDir returns the directory queued files of partner are stored in.
func (p *Provider) OutDir(partnerID string) string {
	return p.dir(strings.ToUpper(partnerID), dirOut)
}

// newOutEntry reserves a unique out name for virtualName.
func (p *Provider) newOutEntry(partner *Partner, virtualName string) (entry, error) {
	id := oftp.FileID{
		VirtualFileName: strings.ToUpper(virtualName),
		Stamp:           time.Now().UTC().Truncate(100 * time.Microsecond),
		Partner:         partner.ID,
	}
	dir := p.dir(partner.ID, dirOut)
	for {
		base := baseName(id)
		if _, _, ok := parseName(base + string(OutQueued)); !ok {
			return entry{}, fmt.Errorf("fileservice: %q is not a valid virtual file name", virtualName)
		}
		taken := false
		for _, st := range []State{OutQueued, OutWaitEndToEnd, OutReceivedEndToEnd, OutFailed} {
			if exists(filepath.Join(dir, base+string(st))) {
				taken = true
				break
			}
		}
		if !taken {
			return entry{id: id, base: base, path: filepath.Join(dir, base+string(OutQueued))}, nil
		}
		id.Stamp = id.Stamp.Add(100 * time.Microsecond)
	}
}

// Submit queues the content of src for partner.
func (p *Provider) Submit(partnerID, virtualName string, src io.Reader, desc *oftp.FileDescription, userData string) (oftp.FileID, error) {
	if desc != nil && desc.Format == oftp.FormatVariable {
		return oftp.FileID{}, errors.New("fileservice: V files are submitted with SubmitRecords")
	}
	return p.submit(partnerID, virtualName, desc, userData, func(w io.Writer, m *Meta) error {
		n, err := io.Copy(w, src)
		if err != nil {
			return err
		}
		if m.Format == oftp.FormatFixed && (m.MaxRecordSize <= 0 || n%int64(m.MaxRecordSize) != 0) {
			return fmt.Errorf("fileservice: %d bytes is not a multiple of the record size %d", n, m.MaxRecordSize)
		}
		return nil
	})
}

// SubmitRecords queues a V file made of records.
func (p *Provider) SubmitRecords(partnerID, virtualName string, records [][]byte, desc *oftp.FileDescription, userData string) (oftp.FileID, error) {
	if desc == nil {
		desc = &oftp.FileDescription{}
	}
	d := *desc
	d.Format = oftp.FormatVariable
	return p.submit(partnerID, virtualName, &d, userData, func(w io.Writer, m *Meta) error {
		for _, r := range records {
			if m.MaxRecordSize > 0 && len(r) > m.MaxRecordSize {
				return fmt.Errorf("fileservice: record of %d bytes exceeds maximum %d", len(r), m.MaxRecordSize)
			}
			if _, err := w.Write(r); err != nil {
				return err
			}
			m.Records = append(m.Records, len(r))
		}
		if m.MaxRecordSize == 0 {
			for _, n := range m.Records {
				m.MaxRecordSize = max(m.MaxRecordSize, n)
			}
		}
		return nil
	})
}

func (p *Provider) submit(partnerID, virtualName string, desc *oftp.FileDescription, userData string,
	fill func(io.Writer, *Meta) error) (oftp.FileID, error) {
	partner, err := p.partner(partnerID)
	if err != nil {
		return oftp.FileID{}, err
	}
	e, err := p.newOutEntry(partner, virtualName)
	if err != nil {
		return oftp.FileID{}, err
	}

	m := &Meta{UserData: userData}
	m.setDescription(desc)

	tmp := filepath.Join(filepath.Dir(e.path), e.base+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return oftp.FileID{}, err
	}
	err = fill(f, m)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = p.store.Put(partner.ID, dirOut, e.base, m)
	}
	if err == nil {
		err = os.Rename(tmp, e.path)
	}
	if err != nil {
		os.Remove(tmp)
		return oftp.FileID{}, err
	}
	p.log.Infof("queued %s for %s", e.id.VirtualFileName, partner.ID)
	return e.id, nil
}

// Acknowledge queues the end-to-end response of a received file.
func (p *Provider) Acknowledge(partnerID string, id oftp.FileID, reason oftp.AnswerReason, text string) error {
	partner, err := p.partner(partnerID)
	if err != nil {
		return err
	}
	dir := p.dir(partner.ID, dirIn)
	entries, err := list(dir, InReceived)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.id.Matches(id) {
			continue
		}
		if err := p.store.Update(partner.ID, dirIn, e.base, func(m *Meta) error {
			m.EndToEnd = &EndToEndMeta{Reason: reason, ReasonText: text}
			return nil
		}); err != nil {
			return err
		}
		return move(dir, e.base, InReceived, InPendingEndToEnd)
	}
	return fmt.Errorf("fileservice: no received file %s", id)
}

// HasOutFiles reports whether files are queued for partner.
func (p *Provider) HasOutFiles(partnerID string) bool {
	ids, err := p.List(partnerID, OutQueued)
	return err == nil && len(ids) > 0
}

// List returns the files of partner in one state.
func (p *Provider) List(partnerID string, state State) ([]oftp.FileID, error) {
	partner, err := p.partner(partnerID)
	if err != nil {
		return nil, err
	}
	d := dirOut
	if state.Inbound() {
		d = dirIn
	}
	entries, err := list(p.dir(partner.ID, d), state)
	if err != nil {
		return nil, err
	}
	ids := make([]oftp.FileID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// Meta returns the stored metadata of a file.
func (p *Provider) Meta(partnerID string, id oftp.FileID, inbound bool) (*Meta, error) {
	partner, err := p.partner(partnerID)
	if err != nil {
		return nil, err
	}
	d := dirOut
	if inbound {
		d = dirIn
	}
	return p.store.Get(partner.ID, d, baseName(id))
}

// Service is the file service of one session with one partner.
type Service struct {
	p       *Provider
	partner *Partner
	closed  bool
}

func (s *Service) DestinationID() string  { return s.p.localID }
func (s *Service) SupportsInFiles() bool  { return s.partner.In }
func (s *Service) SupportsOutFiles() bool { return s.partner.Out }
func (s *Service) LocalPassword() string  { return s.partner.LocalPassword }

func (s *Service) inDir() string  { return s.p.dir(s.partner.ID, dirIn) }
func (s *Service) outDir() string { return s.p.dir(s.partner.ID, dirOut) }

func (s *Service) CreateInFile(_ context.Context, id oftp.FileID, desc *oftp.FileDescription, userData string) (oftp.FileWriter, error) {
	if !s.partner.accepts(id.VirtualFileName) {
		return nil, oftp.NewFileServiceError(oftp.AnswerInvalidFilename, false,
			"%s is not accepted from %s", id.VirtualFileName, s.partner.ID)
	}
	base := baseName(id)
	if _, _, ok := parseName(base + string(InReceiving)); !ok {
		return nil, oftp.NewFileServiceError(oftp.AnswerInvalidFilename, false,
			"%s cannot be stored", id.VirtualFileName)
	}
	dir := s.inDir()
	for _, st := range []State{InReceived, InPendingEndToEnd, InDone} {
		if exists(filepath.Join(dir, base+string(st))) {
			return nil, oftp.NewFileServiceError(oftp.AnswerDuplicateFile, false,
				"%s already received", id.VirtualFileName)
		}
	}

	e := entry{id: id, base: base, path: filepath.Join(dir, base+string(InReceiving))}
	m := &Meta{}
	if exists(e.path) {
		partial, err := s.p.store.Get(s.partner.ID, dirIn, base)
		if err != nil {
			return nil, accessError(err)
		}
		m.Records = partial.Records
	}
	m.UserData = userData
	m.setDescription(desc)
	if err := s.p.store.Put(s.partner.ID, dirIn, base, m); err != nil {
		return nil, accessError(err)
	}
	return openWriter(s, e, m)
}

func (s *Service) saveRecords(e entry, records []int) error {
	return s.p.store.Update(s.partner.ID, dirIn, e.base, func(m *Meta) error {
		m.Records = records
		return nil
	})
}

func (s *Service) inReceived(e entry, records []int) error {
	if err := s.saveRecords(e, records); err != nil {
		return accessError(err)
	}
	dir := s.inDir()
	if err := move(dir, e.base, InReceiving, InReceived); err != nil {
		return accessError(err)
	}
	final := filepath.Join(dir, e.base+string(InReceived))
	if s.partner.AutoEndToEnd {
		if err := move(dir, e.base, InReceived, InPendingEndToEnd); err != nil {
			return accessError(err)
		}
		final = filepath.Join(dir, e.base+string(InPendingEndToEnd))
	}
	s.p.log.Infof("received %s from %s", e.id.VirtualFileName, s.partner.ID)
	if s.p.received != nil {
		s.p.received(s.partner.ID, e.id, final)
	}
	return nil
}

func (s *Service) OutFiles(context.Context) ([]oftp.OpenFunc, error) {
	entries, err := list(s.outDir(), OutQueued)
	if err != nil {
		return nil, err
	}
	fns := make([]oftp.OpenFunc, 0, len(entries))
	for _, e := range entries {
		e := e
		fns = append(fns, func(context.Context) (oftp.FileReader, error) {
			m, err := s.p.store.Get(s.partner.ID, dirOut, e.base)
			if err != nil {
				return nil, err
			}
			return openReader(s, e, m)
		})
	}
	return fns, nil
}

func (s *Service) outResult(e entry, reason oftp.AnswerReason, text string, retry bool) {
	if err := s.p.store.Update(s.partner.ID, dirOut, e.base, func(m *Meta) error {
		m.Reason, m.ReasonText, m.Retry = reason, text, retry
		return nil
	}); err != nil {
		s.p.log.Errorf("storing result of %s: %v", e.base, err)
	}
	if retry {
		return
	}
	if err := move(s.outDir(), e.base, OutQueued, OutFailed); err != nil {
		s.p.log.Errorf("failing %s: %v", e.base, err)
	}
}

func (s *Service) outSent(e entry) {
	if err := s.p.store.Update(s.partner.ID, dirOut, e.base, func(m *Meta) error {
		m.Reason, m.ReasonText, m.Retry = oftp.AnswerNone, "", false
		return nil
	}); err != nil {
		s.p.log.Errorf("storing result of %s: %v", e.base, err)
	}
	if err := move(s.outDir(), e.base, OutQueued, OutWaitEndToEnd); err != nil {
		s.p.log.Errorf("marking %s sent: %v", e.base, err)
	}
}

func (s *Service) EndToEnd(context.Context) ([]oftp.EndToEnd, error) {
	entries, err := list(s.inDir(), InPendingEndToEnd)
	if err != nil {
		return nil, err
	}
	out := make([]oftp.EndToEnd, 0, len(entries))
	for _, e := range entries {
		m, err := s.p.store.Get(s.partner.ID, dirIn, e.base)
		if err != nil {
			return nil, err
		}
		ack := oftp.EndToEnd{File: e.id}
		if m.EndToEnd != nil {
			ack.Reason = m.EndToEnd.Reason
			ack.ReasonText = m.EndToEnd.ReasonText
			ack.UserData = m.EndToEnd.UserData
		}
		out = append(out, ack)
	}
	return out, nil
}

func (s *Service) CommitEndToEnd(_ context.Context, ack oftp.EndToEnd) error {
	dir := s.inDir()
	entries, err := list(dir, InPendingEndToEnd)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.id.Matches(ack.File) {
			return move(dir, e.base, InPendingEndToEnd, InDone)
		}
	}
	return fmt.Errorf("fileservice: no pending end-to-end response for %s", ack.File)
}

func (s *Service) UpdateOutFileState(_ context.Context, ack oftp.EndToEnd) (bool, error) {
	dir := s.outDir()
	entries, err := list(dir, OutWaitEndToEnd)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.id.Matches(ack.File) {
			continue
		}
		if err := s.p.store.Update(s.partner.ID, dirOut, e.base, func(m *Meta) error {
			m.EndToEnd = &EndToEndMeta{Reason: ack.Reason, ReasonText: ack.ReasonText, UserData: ack.UserData}
			return nil
		}); err != nil {
			return false, err
		}
		return true, move(dir, e.base, OutWaitEndToEnd, OutReceivedEndToEnd)
	}
	return false, nil
}

func (s *Service) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.p.release(s.partner.ID)
	return nil
}
