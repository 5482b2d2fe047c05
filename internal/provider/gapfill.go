package provider

import (
	"encoding/binary"
	"hash/fnv"
	"time"
)

// GapFiller decides what, if anything, to record for a backfill date the
// provider had no data for. ok=false leaves the date without a row.
type GapFiller interface {
	Fill(keyword string, date time.Time, current *int) (position *int, ok bool)
}

// NoGapFiller never fills gaps.
type NoGapFiller struct{}

// Fill implements GapFiller.
func (NoGapFiller) Fill(string, time.Time, *int) (*int, bool) {
	return nil, false
}

// JitterGapFiller estimates a gap as the current position shifted by a
// deterministic offset in [-Spread, Spread], clamped to 1..MaxPosition.
// Nothing is filled when the current position is unknown.
type JitterGapFiller struct {
	Spread      int
	MaxPosition int
}

// DefaultGapFiller returns the estimator used when none is configured.
func DefaultGapFiller() JitterGapFiller {
	return JitterGapFiller{Spread: 5, MaxPosition: 100}
}

// Fill implements GapFiller.
func (f JitterGapFiller) Fill(keyword string, date time.Time, current *int) (*int, bool) {
	if current == nil {
		return nil, false
	}
	maxPos := f.MaxPosition
	if maxPos <= 0 {
		maxPos = 100
	}
	offset := 0
	if f.Spread > 0 {
		offset = int(seed(keyword, date)%uint64(2*f.Spread+1)) - f.Spread
	}
	pos := min(max(*current+offset, 1), maxPos)
	return &pos, true
}

func seed(keyword string, date time.Time) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(keyword))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(date.UTC().Unix()))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
