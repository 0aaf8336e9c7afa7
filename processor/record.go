// Package processor tracks the fleet of registered compute processors: who
// they are, when they last spoke to us, which structure files they hold, and
// which processing mode the balancer assigned them.
//
// All records live in memory behind a single Registry mutex. Identity is not
// persisted; a restart empties the fleet and invalidates every token.
package processor

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/Lucasrsv1/structures-manager/id"
)

// Mode is the processing mode assigned to a processor by the balancer.
type Mode string

const (
	// ModeUndefined is the mode of a freshly registered processor before
	// the first balancing pass reaches it.
	ModeUndefined Mode = "UNDEFINED"
	// ModeSingleFile dedicates all of a processor's cores to one large file.
	ModeSingleFile Mode = "SINGLE_FILE"
	// ModeMultiFiles spreads a processor's cores across several small files.
	ModeMultiFiles Mode = "MULTI_FILES"
)

// ParseMode validates a mode string from a client.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeSingleFile, ModeMultiFiles:
		return Mode(s), true
	default:
		return "", false
	}
}

// Record represents one registered processor. Fields other than ID,
// RemoteHost and QtyCPUs are mutated throughout the record's life; every
// access goes through the Registry's lock.
type Record struct {
	ID          id.ProcessorID
	RemoteHost  string
	QtyCPUs     int
	Mode        Mode
	LastContact time.Time

	held map[string]struct{}
}

func newRecord(procID id.ProcessorID, remoteHost string, qtyCPUs int, now time.Time) *Record {
	return &Record{
		ID:          procID,
		RemoteHost:  remoteHost,
		QtyCPUs:     qtyCPUs,
		Mode:        ModeUndefined,
		LastContact: now,
		held:        make(map[string]struct{}),
	}
}

// holds reports whether the record currently leases filename.
func (r *Record) holds(filename string) bool {
	_, ok := r.held[filename]
	return ok
}

// HeldFiles returns the leased filenames in sorted order.
func (r *Record) HeldFiles() []string {
	files := make([]string, 0, len(r.held))
	for f := range r.held {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// snapshot returns a deep copy safe to hand out after the lock is released.
func (r *Record) snapshot() *Record {
	cp := *r
	cp.held = make(map[string]struct{}, len(r.held))
	for f := range r.held {
		cp.held[f] = struct{}{}
	}
	return &cp
}

// MarshalJSON renders the record for the observability listing.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID             id.ProcessorID `json:"id"`
		RemoteHost     string         `json:"remoteHost"`
		QtyCPUs        int            `json:"qtyCPUs"`
		ProcessingMode Mode           `json:"processingMode"`
		LastContact    time.Time      `json:"lastContact"`
		HeldFiles      []string       `json:"heldFiles"`
	}{
		ID:             r.ID,
		RemoteHost:     r.RemoteHost,
		QtyCPUs:        r.QtyCPUs,
		ProcessingMode: r.Mode,
		LastContact:    r.LastContact,
		HeldFiles:      r.HeldFiles(),
	})
}
