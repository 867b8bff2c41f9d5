package fileservice

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/drunlade/go-oftp/oftp"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"

	storeVersion = 0
)

// Meta is the stored information of one file beside its content.
type Meta struct {
	UserData         string          `cbor:"1,keyasint,omitempty"`
	Format           oftp.FileFormat `cbor:"2,keyasint,omitempty"`
	MaxRecordSize    int             `cbor:"3,keyasint,omitempty"`
	FileSize         int64           `cbor:"4,keyasint,omitempty"`
	FileSizeUnpacked int64           `cbor:"5,keyasint,omitempty"`
	Description      string          `cbor:"6,keyasint,omitempty"`

	// Records are the record lengths of a V file.
	Records []int `cbor:"7,keyasint,omitempty"`

	// Last transmission result of an outbound file
	Reason     oftp.AnswerReason `cbor:"8,keyasint,omitempty"`
	ReasonText string            `cbor:"9,keyasint,omitempty"`
	Retry      bool              `cbor:"10,keyasint,omitempty"`

	// End-to-end response sent or received
	EndToEnd *EndToEndMeta `cbor:"11,keyasint,omitempty"`

	Updated time.Time `cbor:"12,keyasint,omitempty"`
}

// EndToEndMeta is a stored end-to-end response.
type EndToEndMeta struct {
	Reason     oftp.AnswerReason `cbor:"1,keyasint,omitempty"`
	ReasonText string            `cbor:"2,keyasint,omitempty"`
	UserData   string            `cbor:"3,keyasint,omitempty"`
}

func (m *Meta) description() *oftp.FileDescription {
	format := m.Format
	if format == 0 {
		format = oftp.FormatUnstructured
	}
	return &oftp.FileDescription{
		Format:            format,
		MaximumRecordSize: m.MaxRecordSize,
		FileSize:          m.FileSize,
		FileSizeUnpacked:  m.FileSizeUnpacked,
		Description:       m.Description,
	}
}

func (m *Meta) setDescription(desc *oftp.FileDescription) {
	if desc == nil {
		m.Format = oftp.FormatUnstructured
		return
	}
	m.Format = desc.Format
	m.MaxRecordSize = desc.MaximumRecordSize
	m.FileSize = desc.FileSize
	m.FileSizeUnpacked = desc.FileSizeUnpacked
	m.Description = desc.Description
}

// Store keeps file metadata in a bolt database, one bucket per partner and
// direction.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("fileservice: open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != storeVersion {
				return fmt.Errorf("fileservice: incompatible store version %d", uint(b[0]))
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bucketName(partner, dir string) []byte {
	return []byte(partner + "/" + dir)
}

// Get returns the metadata of key, or an empty Meta when none is stored.
func (s *Store) Get(partner, dir, key string) (*Meta, error) {
	m := &Meta{}
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName(partner, dir))
		if bkt == nil {
			return nil
		}
		b := bkt.Get([]byte(key))
		if b == nil {
			return nil
		}
		return cbor.Unmarshal(b, m)
	})
	if err != nil {
		return nil, fmt.Errorf("fileservice: read metadata of %s: %w", key, err)
	}
	return m, nil
}

// Put stores m under key.
func (s *Store) Put(partner, dir, key string, m *Meta) error {
	m.Updated = time.Now().UTC()
	b, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketName(partner, dir))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), b)
	})
}

// Update applies fn to the metadata of key and stores the result.
func (s *Store) Update(partner, dir, key string, fn func(*Meta) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketName(partner, dir))
		if err != nil {
			return err
		}
		m := &Meta{}
		if b := bkt.Get([]byte(key)); b != nil {
			if err := cbor.Unmarshal(b, m); err != nil {
				return err
			}
		}
		if err := fn(m); err != nil {
			return err
		}
		m.Updated = time.Now().UTC()
		b, err := cbor.Marshal(m)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), b)
	})
}

// Delete removes key.
func (s *Store) Delete(partner, dir, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName(partner, dir))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("fileservice: store is not open")
	}
	return s.db.Close()
}
