// Package server runs the OFTP daemon: listeners for inbound sessions,
// connects to partners on schedule or when files are queued, and the
// metrics endpoint.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/drunlade/go-oftp/fileservice"
	"github.com/drunlade/go-oftp/internal/cms"
	"github.com/drunlade/go-oftp/internal/config"
	"github.com/drunlade/go-oftp/internal/instrument"
	"github.com/drunlade/go-oftp/internal/log"
	"github.com/drunlade/go-oftp/oftp"
	"github.com/drunlade/go-oftp/transport"
)

// ErrBusy is returned by Connect while a session with the partner is
// being dialed already.
var ErrBusy = errors.New("server: partner is being connected")

// Server is an OFTP daemon.
type Server struct {
	cfg      *config.Config
	backend  *log.Backend
	log      *logging.Logger
	provider *fileservice.Provider
	auth     *cms.Authenticator
	tls      *tls.Config

	sessions sync.WaitGroup

	mu      sync.Mutex
	dialing map[string]bool
}

// New prepares a server for cfg. The storage tree is opened immediately.
func New(cfg *config.Config, backend *log.Backend) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		log:     backend.GetLogger("server"),
		dialing: make(map[string]bool),
	}

	partners := make([]fileservice.Partner, 0, len(cfg.Partner))
	for _, p := range cfg.Partner {
		partners = append(partners, p.FilePartner())
	}
	provider, err := fileservice.NewProvider(cfg.Storage.Directory, cfg.Odette.ID, partners,
		fileservice.WithLogger(backend.GetLogger("fileservice")),
		fileservice.WithReceivedHook(func(partner string, id oftp.FileID, path string) {
			s.log.Noticef("stored %s from %s as %s", id.VirtualFileName, partner, path)
		}))
	if err != nil {
		return nil, err
	}
	s.provider = provider

	if cfg.Odette.SecureAuthentication {
		if s.auth, err = loadAuthenticator(cfg); err != nil {
			provider.Close()
			return nil, err
		}
	}
	if cfg.Listen.TLSAddress != "" {
		pair, err := tls.LoadX509KeyPair(cfg.Listen.CertificateFile, cfg.Listen.KeyFile)
		if err != nil {
			provider.Close()
			return nil, fmt.Errorf("server: TLS listener: %w", err)
		}
		s.tls = &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}
	}
	return s, nil
}

func loadAuthenticator(cfg *config.Config) (*cms.Authenticator, error) {
	a := cms.New()
	for _, id := range cfg.Identity {
		var err error
		if id.PKCS12File != "" {
			cert, key, lerr := cms.LoadPKCS12(id.PKCS12File, id.PKCS12Password)
			if err = lerr; err == nil {
				a.AddIdentity(id.ID, cert, key)
			}
		} else {
			cert, key, lerr := cms.LoadKeyPair(id.CertificateFile, id.KeyFile)
			if err = lerr; err == nil {
				a.AddIdentity(id.ID, cert, key)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("server: identity %s: %w", id.ID, err)
		}
	}
	for _, p := range cfg.Partner {
		if p.CertificateFile == "" {
			continue
		}
		cert, err := cms.LoadCertificate(p.CertificateFile)
		if err != nil {
			return nil, fmt.Errorf("server: partner %s: %w", p.ID, err)
		}
		if err := a.AddPartner(p.ID, cert, p.CipherSuite); err != nil {
			return nil, fmt.Errorf("server: partner %s: %w", p.ID, err)
		}
	}
	return a, nil
}

// Provider returns the file tree of the server.
func (s *Server) Provider() *fileservice.Provider {
	return s.provider
}

// Close releases the storage. Run must have returned.
func (s *Server) Close() error {
	return s.provider.Close()
}

// Run serves until ctx is cancelled, then waits for the sessions in
// progress.
func (s *Server) Run(ctx context.Context) error {
	var listeners []*transport.Listener
	listen := s.cfg.Listen
	for _, l := range []struct {
		address string
		tls     *tls.Config
	}{{listen.Address, nil}, {listen.TLSAddress, s.tls}} {
		if l.address == "" {
			continue
		}
		tl, err := transport.Listen(l.address, l.tls, listen.MaxConnections)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return err
		}
		listeners = append(listeners, tl)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error { return s.Serve(ctx, l) })
	}
	if s.cfg.Metrics.Address != "" {
		instrument.Init()
		mux := http.NewServeMux()
		mux.Handle("/metrics", instrument.Handler())
		srv := &http.Server{
			Addr:              s.cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          s.backend.GetGoLogger("metrics", "WARNING"),
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error { return s.runScheduler(ctx) })
	g.Go(func() error { return s.runWatcher(ctx) })

	err := g.Wait()
	s.sessions.Wait()
	return err
}

// Serve accepts sessions on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l *transport.Listener) error {
	s.log.Noticef("listening on %s", l.Addr())
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.AcceptConn()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.runSession(ctx, conn, false, s.cfg.Odette.SessionConfig())
		}()
	}
}

// Connect calls partner and runs one session.
func (s *Server) Connect(ctx context.Context, partnerID string) error {
	p, ok := s.cfg.FindPartner(partnerID)
	if !ok {
		return fmt.Errorf("server: unknown partner %s", partnerID)
	}
	if p.Address == "" {
		return fmt.Errorf("server: partner %s has no address", p.ID)
	}

	s.mu.Lock()
	if s.dialing[p.ID] {
		s.mu.Unlock()
		return ErrBusy
	}
	s.dialing[p.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.dialing, p.ID)
		s.mu.Unlock()
	}()

	d := &transport.Dialer{Timeout: transport.DefaultDialTimeout}
	if p.TLS {
		d.TLS = &tls.Config{
			ServerName:         p.ServerName,
			InsecureSkipVerify: p.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
	}
	if p.Proxy != nil {
		d.Proxy = &transport.ProxyConfig{
			Network:  p.Proxy.Network,
			Address:  p.Proxy.Address,
			User:     p.Proxy.User,
			Password: p.Proxy.Password,
		}
	}
	conn, err := d.Dial(ctx, p.DialAddress(), transport.WithName(p.ID))
	if err != nil {
		return err
	}

	c := s.cfg.Odette.SessionConfig()
	c.RemoteID = p.ID
	if p.LocalPassword != "" {
		c.Password = p.LocalPassword
	}
	return s.runSession(ctx, conn, true, c)
}

func (s *Server) runSession(ctx context.Context, conn *transport.Conn, initiator bool, c *oftp.Config) error {
	id := uuid.NewString()[:8]
	logger := s.backend.GetLogger("session/" + id)

	var ch oftp.Channel = conn
	if s.cfg.Odette.LogCommands {
		ch = oftp.NewLoggingChannel(conn, logger)
	}
	callbacks := &oftp.Callbacks{
		OnFileComplete: func(f oftp.FileID, n int64, d time.Duration, inbound bool) {
			logger.Infof("%s %s: %d bytes in %v", direction(inbound), f.VirtualFileName, n, d.Round(time.Millisecond))
		},
		OnFileRejected: func(f oftp.FileID, reason oftp.AnswerReason, text string, inbound bool) {
			logger.Warningf("%s %s refused: %s %s", direction(inbound), f.VirtualFileName, reason, text)
		},
	}
	opts := []oftp.Option{
		oftp.WithConfig(c),
		oftp.WithSessionLogger(logger),
		oftp.WithCallbacks(instrument.Callbacks(callbacks)),
	}
	if s.auth != nil {
		opts = append(opts, oftp.WithAuthenticator(s.auth))
	}
	sess := oftp.NewSession(ch, s.provider, opts...)

	role := "responder"
	if initiator {
		role = "initiator"
	}
	logger.Infof("%s session on %s", role, conn.Name())

	instrument.SessionStarted()
	var err error
	if initiator {
		err = sess.Initiate(ctx)
	} else {
		err = sess.Accept(ctx)
	}
	remote := sess.Info().RemoteID
	instrument.SessionEnded(remote, role, err)
	if err != nil {
		logger.Warningf("session with %s ended: %v", remote, err)
		return err
	}
	logger.Infof("session with %s done", remote)
	return nil
}

func direction(inbound bool) string {
	if inbound {
		return "received"
	}
	return "sent"
}

// connect runs Connect in the background for a scheduler or watcher
// trigger.
func (s *Server) connect(ctx context.Context, partnerID, trigger string) {
	if ctx.Err() != nil {
		return
	}
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		err := s.Connect(ctx, partnerID)
		switch {
		case err == nil:
		case errors.Is(err, ErrBusy):
			s.log.Debugf("%s connect to %s skipped: already connecting", trigger, partnerID)
		case ctx.Err() != nil:
		default:
			s.log.Errorf("%s connect to %s: %v", trigger, partnerID, err)
		}
	}()
}
