// Package config loads the TOML configuration of the OFTP daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/drunlade/go-oftp/fileservice"
	"github.com/drunlade/go-oftp/oftp"
	"github.com/drunlade/go-oftp/transport"
)

const (
	defaultLogLevel   = "NOTICE"
	defaultStorageDir = "oftp-data"
	defaultTimeout    = 120
)

// Odette is the local OFTP identity and the session parameters offered.
type Odette struct {
	ID       string
	Password string

	// Version is "1.3" or "2.0".
	Version string

	BufferSize int
	Credit     int

	Compression  bool
	Restart      bool
	SpecialLogic bool

	SecureAuthentication        bool
	RequireSecureAuthentication bool

	// TimeoutSec bounds every receive.
	TimeoutSec int

	// LogCommands dumps every command sent and received at DEBUG level.
	LogCommands bool
}

func (o *Odette) validate() error {
	if o.ID == "" {
		return errors.New("config: Odette: ID is not set")
	}
	if len(o.ID) > 25 {
		return fmt.Errorf("config: Odette: ID %q is longer than 25 characters", o.ID)
	}
	if o.Version == "" {
		o.Version = oftp.Rev20.String()
	}
	if !oftp.ParseVersion(o.Version).Supported() {
		return fmt.Errorf("config: Odette: unsupported Version %q", o.Version)
	}
	if o.BufferSize == 0 {
		o.BufferSize = oftp.DefaultBufferSize
	}
	if o.BufferSize < oftp.MinBufferSize || o.BufferSize > oftp.MaxBufferSize {
		return fmt.Errorf("config: Odette: BufferSize %d out of range", o.BufferSize)
	}
	if o.Credit == 0 {
		o.Credit = oftp.DefaultCredit
	}
	if o.Credit < 1 || o.Credit > oftp.MaxCredit {
		return fmt.Errorf("config: Odette: Credit %d out of range", o.Credit)
	}
	if o.TimeoutSec == 0 {
		o.TimeoutSec = defaultTimeout
	}
	if o.RequireSecureAuthentication {
		o.SecureAuthentication = true
	}
	return nil
}

// SessionConfig returns the engine configuration for o.
func (o *Odette) SessionConfig() *oftp.Config {
	c := oftp.DefaultConfig()
	c.Version = oftp.ParseVersion(o.Version)
	c.LocalID = strings.ToUpper(o.ID)
	c.Password = o.Password
	c.MaxBufferSize = o.BufferSize
	c.MaxCredit = o.Credit
	c.Capabilities = 0
	if o.Compression {
		c.Capabilities |= oftp.CapBufferCompression
	}
	if o.Restart {
		c.Capabilities |= oftp.CapRestart
	}
	if o.SpecialLogic {
		c.Capabilities |= oftp.CapSpecialLogic
	}
	if o.SecureAuthentication {
		c.Capabilities |= oftp.CapSecureAuthentication
	}
	c.RequireSecureAuthentication = o.RequireSecureAuthentication
	c.Timeout = time.Duration(o.TimeoutSec) * time.Second
	return c
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = lvl
	return nil
}

// Storage locates the file tree.
type Storage struct {
	Directory string
}

// Listen configures the inbound listeners. An empty address disables the
// listener.
type Listen struct {
	Address    string
	TLSAddress string

	CertificateFile string
	KeyFile         string

	MaxConnections int
}

func (l *Listen) validate() error {
	if l.TLSAddress != "" && (l.CertificateFile == "" || l.KeyFile == "") {
		return errors.New("config: Listen: TLSAddress needs CertificateFile and KeyFile")
	}
	if l.MaxConnections < 0 {
		return fmt.Errorf("config: Listen: MaxConnections %d is negative", l.MaxConnections)
	}
	return nil
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Address string
}

// Identity is a certificate and key of a local id, used for secure
// authentication.
type Identity struct {
	// ID defaults to Odette.ID.
	ID string

	CertificateFile string
	KeyFile         string

	PKCS12File     string
	PKCS12Password string
}

// Proxy is a SOCKS5 proxy.
type Proxy struct {
	Network  string
	Address  string
	User     string
	Password string
}

// Partner is one remote OFTP id.
type Partner struct {
	ID string

	// Password is expected from the partner, plain or bcrypt hashed.
	Password string

	// LocalPassword is sent to the partner, defaulting to Odette.Password.
	LocalPassword string

	// Address is dialed for outbound sessions; empty partners only call in.
	Address            string
	TLS                bool
	ServerName         string
	InsecureSkipVerify bool
	Proxy              *Proxy

	// Schedule is a cron expression with seconds for outbound sessions.
	Schedule string

	// Watch connects whenever a file is queued for the partner.
	Watch bool

	In  bool
	Out bool

	Filters []string

	// CertificateFile holds the partner's certificate for secure
	// authentication.
	CertificateFile string

	// CipherSuite selects the challenge encryption, 0 for the default.
	CipherSuite int

	AutoEndToEnd bool
}

func (p *Partner) validate() error {
	if p.ID == "" {
		return errors.New("config: Partner: ID is not set")
	}
	p.ID = strings.ToUpper(p.ID)
	if !p.In && !p.Out {
		return fmt.Errorf("config: Partner %s: neither In nor Out is set", p.ID)
	}
	if p.Schedule != "" {
		if p.Address == "" {
			return fmt.Errorf("config: Partner %s: Schedule needs an Address", p.ID)
		}
		if _, err := cron.NewParser(cronSpec).Parse(p.Schedule); err != nil {
			return fmt.Errorf("config: Partner %s: Schedule: %v", p.ID, err)
		}
	}
	if p.Watch && p.Address == "" {
		return fmt.Errorf("config: Partner %s: Watch needs an Address", p.ID)
	}
	if _, ok := oftp.LookupCipherSuite(p.CipherSuite); !ok {
		return fmt.Errorf("config: Partner %s: unknown CipherSuite %d", p.ID, p.CipherSuite)
	}
	if p.Proxy != nil && p.Proxy.Address == "" {
		return fmt.Errorf("config: Partner %s: Proxy without Address", p.ID)
	}
	return nil
}

// DialAddress returns the partner address with the default port applied.
func (p *Partner) DialAddress() string {
	return transport.Address(p.Address, p.TLS)
}

// FilePartner returns the file service view of p.
func (p *Partner) FilePartner() fileservice.Partner {
	return fileservice.Partner{
		ID:            p.ID,
		Password:      p.Password,
		LocalPassword: p.LocalPassword,
		In:            p.In,
		Out:           p.Out,
		Filters:       p.Filters,
		AutoEndToEnd:  p.AutoEndToEnd,
	}
}

// cronSpec is the schedule syntax, the one cron.WithSeconds selects.
const cronSpec = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// Config is the top level configuration.
type Config struct {
	Odette   *Odette
	Logging  *Logging
	Storage  *Storage
	Listen   *Listen
	Metrics  *Metrics
	Identity []*Identity
	Partner  []*Partner
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Odette == nil {
		return errors.New("config: No Odette block was present")
	}
	if err := cfg.Odette.validate(); err != nil {
		return err
	}

	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Storage.Directory == "" {
		cfg.Storage.Directory = defaultStorageDir
	}

	if cfg.Listen == nil {
		cfg.Listen = &Listen{}
	}
	if err := cfg.Listen.validate(); err != nil {
		return err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	for _, id := range cfg.Identity {
		if id.ID == "" {
			id.ID = cfg.Odette.ID
		}
		id.ID = strings.ToUpper(id.ID)
		if id.PKCS12File == "" && (id.CertificateFile == "" || id.KeyFile == "") {
			return fmt.Errorf("config: Identity %s: needs PKCS12File or CertificateFile and KeyFile", id.ID)
		}
	}

	seen := make(map[string]bool)
	for _, p := range cfg.Partner {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("config: Partner %s is configured twice", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// FindPartner returns the partner with id.
func (cfg *Config) FindPartner(id string) (*Partner, bool) {
	for _, p := range cfg.Partner {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return nil, false
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
