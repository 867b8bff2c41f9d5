// Package oftp implements the ODETTE File Transfer Protocol engine.
//
// OFTP is a half-duplex, session oriented file transfer protocol used for
// EDI exchange. This package provides the command codec for the 1.3 and 2.0
// command layouts, the sub-record compression codec, the session state
// machine with the optional secure authentication handshake, the file pump
// with credit based flow control and restart, and the end-to-end response
// exchange.
//
// The engine talks to the outside world through two collaborators: a
// Channel that moves whole command buffers, and a FileService that creates,
// enumerates and commits files and end-to-end responses. Network framing and
// storage live in the transport and fileservice packages.
package oftp

import "strings"

// Version is an OFTP protocol revision as carried in the start session command.
type Version byte

// Protocol revisions
const (
	VersionUnknown Version = 0
	Rev12          Version = 1 // OFTP 1.2
	Rev13          Version = 2 // OFTP 1.3
	Rev14          Version = 4 // OFTP 1.4
	Rev20          Version = 5 // OFTP 2.0
)

// versionFromDigit maps the SSIDLEV digit onto a revision.
func versionFromDigit(d int64) Version {
	switch Version(d) {
	case Rev12, Rev13, Rev14, Rev20:
		return Version(d)
	default:
		return VersionUnknown
	}
}

// IsV2 reports whether the revision uses the OFTP 2.0 command layouts.
func (v Version) IsV2() bool {
	return v == Rev20
}

// Supported reports whether the engine can run a session at this revision.
func (v Version) Supported() bool {
	return v == Rev13 || v == Rev20
}

func (v Version) String() string {
	switch v {
	case Rev12:
		return "1.2"
	case Rev13:
		return "1.3"
	case Rev14:
		return "1.4"
	case Rev20:
		return "2.0"
	default:
		return "unknown"
	}
}

// ParseVersion parses "1.3" or "2.0" style revision names.
func ParseVersion(s string) Version {
	switch strings.TrimSpace(s) {
	case "1.2":
		return Rev12
	case "1.3":
		return Rev13
	case "1.4":
		return Rev14
	case "2.0", "2":
		return Rev20
	default:
		return VersionUnknown
	}
}

// Capabilities are the session features exchanged in the start session command.
type Capabilities uint8

// Capability flags
const (
	CapSend                 Capabilities = 1 << iota // SSIDSR S or B
	CapReceive                                       // SSIDSR R or B
	CapBufferCompression                             // SSIDCMPR
	CapRestart                                       // SSIDREST
	CapSpecialLogic                                  // SSIDSPEC
	CapSecureAuthentication                          // SSIDAUTH
)

// CapBoth is the send and receive mode.
const CapBoth = CapSend | CapReceive

// Has reports whether all flags in f are set.
func (c Capabilities) Has(f Capabilities) bool {
	return c&f == f
}

func (c Capabilities) String() string {
	var parts []string
	names := []struct {
		flag Capabilities
		name string
	}{
		{CapSend, "send"},
		{CapReceive, "receive"},
		{CapBufferCompression, "compression"},
		{CapRestart, "restart"},
		{CapSpecialLogic, "special-logic"},
		{CapSecureAuthentication, "secure-auth"},
	}
	for _, n := range names {
		if c&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// CommandKind is the signature byte that starts every command.
type CommandKind byte

// Command signatures
const (
	CmdReadyMessage            CommandKind = 'I' // SSRM
	CmdStartSession            CommandKind = 'X' // SSID
	CmdEndSession              CommandKind = 'F' // ESID
	CmdStartFile               CommandKind = 'H' // SFID
	CmdStartFilePositive       CommandKind = '2' // SFPA
	CmdStartFileNegative       CommandKind = '3' // SFNA
	CmdData                    CommandKind = 'D' // DATA
	CmdSetCredit               CommandKind = 'C' // CDT
	CmdEndFile                 CommandKind = 'T' // EFID
	CmdEndFilePositive         CommandKind = '4' // EFPA
	CmdEndFileNegative         CommandKind = '5' // EFNA
	CmdChangeDirection         CommandKind = 'R' // CD
	CmdEndToEnd                CommandKind = 'E' // EERP
	CmdNegativeEndToEnd        CommandKind = 'N' // NERP, 2.0 only
	CmdReadyToReceive          CommandKind = 'P' // RTR
	CmdSecurityChangeDirection CommandKind = 'J' // SECD
	CmdAuthChallenge           CommandKind = 'A' // AUCH
	CmdAuthResponse            CommandKind = 'S' // AURP
)

// CommandName returns the OFTP mnemonic of a command kind.
func CommandName(k CommandKind) string {
	switch k {
	case CmdReadyMessage:
		return "SSRM"
	case CmdStartSession:
		return "SSID"
	case CmdEndSession:
		return "ESID"
	case CmdStartFile:
		return "SFID"
	case CmdStartFilePositive:
		return "SFPA"
	case CmdStartFileNegative:
		return "SFNA"
	case CmdData:
		return "DATA"
	case CmdSetCredit:
		return "CDT"
	case CmdEndFile:
		return "EFID"
	case CmdEndFilePositive:
		return "EFPA"
	case CmdEndFileNegative:
		return "EFNA"
	case CmdChangeDirection:
		return "CD"
	case CmdEndToEnd:
		return "EERP"
	case CmdNegativeEndToEnd:
		return "NERP"
	case CmdReadyToReceive:
		return "RTR"
	case CmdSecurityChangeDirection:
		return "SECD"
	case CmdAuthChallenge:
		return "AUCH"
	case CmdAuthResponse:
		return "AURP"
	default:
		return "UNKNOWN"
	}
}

func (k CommandKind) String() string {
	return CommandName(k)
}

// Buffer and credit limits
const (
	MinBufferSize     = 128
	MaxBufferSize     = 99999
	DefaultBufferSize = 99999
	MaxCredit         = 999
	DefaultCredit     = 999

	challengeSize = 20
)
