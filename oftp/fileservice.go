package oftp

import (
	"context"
	"time"
)

// FileID identifies a virtual file. Partner is the originator of an inbound
// file and the destination of an outbound one.
type FileID struct {
	VirtualFileName string
	Stamp           time.Time
	Partner         string

	// V1 marks an id decoded from a 1.3 command, whose stamp has no
	// sub-second digits.
	V1 bool
}

// Matches compares two ids. Stamps are compared to the 100µs of a 2.0
// stamp, or to the second when either id came from a 1.3 command.
func (id FileID) Matches(other FileID) bool {
	if id.VirtualFileName != other.VirtualFileName || id.Partner != other.Partner {
		return false
	}
	a, b := id.Stamp.UTC(), other.Stamp.UTC()
	if id.V1 || other.V1 {
		return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
	}
	return a.Truncate(100 * time.Microsecond).Equal(b.Truncate(100 * time.Microsecond))
}

func (id FileID) String() string {
	return id.Partner + "#" + id.VirtualFileName + "#" + id.Stamp.UTC().Format("20060102150405.0000")
}

// FileDescription carries the optional structure of a file. A nil
// description means an opaque unstructured stream.
type FileDescription struct {
	Format            FileFormat
	MaximumRecordSize int
	FileSize          int64 // in 1KB units, 0 to derive it from the length
	FileSizeUnpacked  int64
	Description       string
}

// EndToEnd is a delivery acknowledgement. A zero Reason is positive.
type EndToEnd struct {
	File       FileID
	Reason     AnswerReason
	ReasonText string
	UserData   string
}

// Positive reports whether the acknowledgement confirms delivery.
func (e EndToEnd) Positive() bool {
	return e.Reason == AnswerNone
}

// FileReader streams an outbound file.
type FileReader interface {
	ID() FileID
	Description() *FileDescription
	UserData() string

	// TotalLength is the length in bytes, RecordCount the number of records.
	TotalLength() int64
	RecordCount() int64

	// Read fills p and reports whether the bytes end a record. At the end
	// of data it returns 0 and io.EOF; eor then tells whether the last
	// record is complete.
	Read(p []byte) (n int, eor bool, err error)

	// SetTransmissionError records a failed transfer of the file.
	SetTransmissionError(reason AnswerReason, text string, retry bool)

	// SetTransmissionState marks the file as sent, waiting for its
	// end-to-end response.
	SetTransmissionState()

	Close() error
}

// FileWriter receives an inbound file.
type FileWriter interface {
	ID() FileID
	Write(p []byte, eor bool) error

	// Commit validates the counts announced by the end file command and
	// completes the file.
	Commit(recordCount, unitCount int64) error

	TotalLength() int64
	RecordCount() int64
	Close() error
}

// Positioner is implemented by readers and writers that support restart.
// Positions are records for F and V files and 1KB blocks otherwise. Restart
// returns the position actually reached.
type Positioner interface {
	Restart(pos int64) (int64, error)
}

// OpenFunc opens one queued outbound file.
type OpenFunc func(ctx context.Context) (FileReader, error)

// FileService is the storage collaborator of one session.
type FileService interface {
	// DestinationID is the OFTP id of the local side as the partner knows it.
	DestinationID() string

	SupportsInFiles() bool
	SupportsOutFiles() bool

	// CreateInFile returns a writer for an inbound file. A *FileServiceError
	// refuses the file with its reason and retry flag.
	CreateInFile(ctx context.Context, id FileID, desc *FileDescription, userData string) (FileWriter, error)

	// OutFiles lists the files to send in this session.
	OutFiles(ctx context.Context) ([]OpenFunc, error)

	// EndToEnd lists the acknowledgements to send in this session.
	EndToEnd(ctx context.Context) ([]EndToEnd, error)

	// CommitEndToEnd marks an acknowledgement as delivered.
	CommitEndToEnd(ctx context.Context, e EndToEnd) error

	// UpdateOutFileState applies a received acknowledgement to the matching
	// outbound file and reports whether one was found.
	UpdateOutFileState(ctx context.Context, e EndToEnd) (bool, error)

	// Close releases the service. The session calls it exactly once.
	Close() error
}

// Credentials is implemented by file services that answer the partner with
// their own password.
type Credentials interface {
	LocalPassword() string
}

// ServiceProvider resolves the file service of a partner. A nil service
// without error means the partner is unknown.
type ServiceProvider interface {
	FileService(ctx context.Context, remoteID, password string) (FileService, error)
}

// ServiceProviderFunc adapts a function to a ServiceProvider.
type ServiceProviderFunc func(ctx context.Context, remoteID, password string) (FileService, error)

// FileService calls f.
func (f ServiceProviderFunc) FileService(ctx context.Context, remoteID, password string) (FileService, error) {
	return f(ctx, remoteID, password)
}

// Authenticator performs the certificate operations of the secure
// authentication handshake.
type Authenticator interface {
	// EncryptChallenge envelopes challenge for the certificate of remoteID.
	EncryptChallenge(remoteID string, challenge []byte) ([]byte, error)

	// DecryptChallenge opens an envelope with the private key of localID.
	DecryptChallenge(localID string, envelope []byte) ([]byte, error)
}
