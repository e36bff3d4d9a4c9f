// Package jobid generates job identifiers.
//
// An id is a version 7 UUID in its canonical lowercase form: the first 48 bits
// are the Unix millisecond timestamp, the next 12 bits a sub-millisecond
// sequence, the rest random. The canonical text sorts the same way the bytes
// do, so within a site partition id order is creation order and a range query
// can start from Floor(t).
package jobid

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator hands out ids that are strictly increasing for the life of the
// process, even when many are taken in the same millisecond.
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64 // ms<<12 | seq of the previous id
}

// NewGenerator returns a generator reading time from now. nil means time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

var defaultGenerator = NewGenerator(nil)

// New returns a fresh id from the process-wide generator.
func New() string { return defaultGenerator.New() }

// New returns a fresh id.
func (g *Generator) New() string {
	g.mu.Lock()
	t := g.now()
	ms := t.UnixMilli()
	seq := (t.UnixNano() - ms*int64(time.Millisecond)) >> 8
	v := ms<<12 | seq
	if v <= g.last {
		v = g.last + 1
	}
	g.last = v
	g.mu.Unlock()

	ms, seq = v>>12, v&0xfff
	u := uuid.New()
	putMillis(u[:], ms)
	u[6] = 0x70 | byte(seq>>8)
	u[7] = byte(seq)
	u[8] = 0x80 | (u[8] & 0x3f)
	return u.String()
}

// Floor returns the smallest id that can carry timestamp t. Every id
// generated at or after t's millisecond compares >= Floor(t), every id from an
// earlier millisecond compares below it.
func Floor(t time.Time) string {
	var u uuid.UUID
	putMillis(u[:], max(t.UnixMilli(), 0))
	return u.String()
}

// Millis recovers the creation timestamp, in Unix milliseconds, embedded in id.
func Millis(id string) (int64, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return 0, fmt.Errorf("jobid: parse %q: %w", id, err)
	}
	if u.Version() != 7 {
		return 0, fmt.Errorf("jobid: %q is not a time-ordered id", id)
	}
	var b [8]byte
	copy(b[2:], u[:6])
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// Time is Millis as a time.Time.
func Time(id string) (time.Time, error) {
	ms, err := Millis(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func putMillis(b []byte, ms int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ms))
	copy(b[:6], buf[2:])
}
