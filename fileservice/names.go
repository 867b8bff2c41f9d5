package fileservice

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/drunlade/go-oftp/oftp"
)

// State is the lifecycle position of a stored file, kept as its extension.
type State string

// Inbound states
const (
	InReceiving       State = ".new"
	InReceived        State = ".recv"
	InPendingEndToEnd State = ".se2e"
	InDone            State = ".done"
)

// Outbound states
const (
	OutQueued           State = ".send"
	OutWaitEndToEnd     State = ".we2e"
	OutReceivedEndToEnd State = ".re2e"
	OutFailed           State = ".fail"
)

// Inbound reports whether s is a state of received files.
func (s State) Inbound() bool {
	switch s {
	case InReceiving, InReceived, InPendingEndToEnd, InDone:
		return true
	}
	return false
}

const stampLayout = "20060102150405"

var nameRegexp = regexp.MustCompile(`^([A-Za-z0-9 \-]{1,25})#([A-Za-z0-9_\-\.&() ]{1,26})#(\d{18})(\.[a-z0-9]+)?$`)

// baseName is the file name of id without its state extension.
func baseName(id oftp.FileID) string {
	stamp := id.Stamp.UTC()
	return fmt.Sprintf("%s#%s#%s%04d", id.Partner, id.VirtualFileName,
		stamp.Format(stampLayout), stamp.Nanosecond()/100000)
}

// Name is the stored name of id without its state extension.
func Name(id oftp.FileID) string {
	return baseName(id)
}

// ParseName is the inverse of Name.
func ParseName(s string) (oftp.FileID, error) {
	id, state, ok := parseName(s)
	if !ok || state != "" {
		return oftp.FileID{}, fmt.Errorf("fileservice: malformed file name %q", s)
	}
	return id, nil
}

// parseName splits a stored file name into its id and state.
func parseName(name string) (oftp.FileID, State, bool) {
	m := nameRegexp.FindStringSubmatch(name)
	if m == nil {
		return oftp.FileID{}, "", false
	}
	stamp, err := time.ParseInLocation(stampLayout, m[3][:14], time.UTC)
	if err != nil {
		return oftp.FileID{}, "", false
	}
	frac, _ := strconv.Atoi(m[3][14:])
	id := oftp.FileID{
		VirtualFileName: m[2],
		Stamp:           stamp.Add(time.Duration(frac) * 100 * time.Microsecond),
		Partner:         m[1],
	}
	return id, State(m[4]), true
}

type entry struct {
	id   oftp.FileID
	base string
	path string
}

// list returns the files of dir in one state, oldest first.
func list(dir string, state State) ([]entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []entry
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), string(state)) {
			continue
		}
		id, st, ok := parseName(de.Name())
		if !ok || st != state {
			continue
		}
		out = append(out, entry{
			id:   id,
			base: strings.TrimSuffix(de.Name(), string(state)),
			path: filepath.Join(dir, de.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].id.Stamp.Before(out[j].id.Stamp)
	})
	return out, nil
}

// move changes the state extension of base in dir.
func move(dir, base string, from, to State) error {
	return os.Rename(filepath.Join(dir, base+string(from)), filepath.Join(dir, base+string(to)))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
