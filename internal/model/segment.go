package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one exchange × market combination carried on its own broadcast feed.
type Segment uint8

const (
	SegmentUnknown Segment = 0
	NSECM          Segment = 1 // NSE cash market
	NSEFO          Segment = 2 // NSE futures & options
	BSECM          Segment = 3 // BSE cash market
	BSEFO          Segment = 4 // BSE derivatives
)

// NumSegments sizes per-segment arrays; valid segments index 1..NumSegments-1.
const NumSegments = 5

// Segments lists every feed segment in startup order.
var Segments = [...]Segment{NSECM, NSEFO, BSECM, BSEFO}

var segmentNames = [NumSegments]string{"UNKNOWN", "NSECM", "NSEFO", "BSECM", "BSEFO"}

func (s Segment) String() string {
	if int(s) < len(segmentNames) {
		return segmentNames[s]
	}
	return fmt.Sprintf("SEGMENT_%d", uint8(s))
}

// Valid reports whether s is one of the four feed segments.
func (s Segment) Valid() bool {
	return s >= NSECM && s <= BSEFO
}

// Exchange returns "NSE" or "BSE".
func (s Segment) Exchange() string {
	switch s {
	case NSECM, NSEFO:
		return "NSE"
	case BSECM, BSEFO:
		return "BSE"
	default:
		return ""
	}
}

// ParseSegment accepts the canonical names case-insensitively ("nsefo", "NSE_FO").
func ParseSegment(v string) (Segment, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), "_", ""))
	for _, s := range Segments {
		if segmentNames[s] == name {
			return s, nil
		}
	}
	return SegmentUnknown, fmt.Errorf("unknown segment %q", v)
}

// Key is the composite (segment, token) identifier. Token ranges overlap
// across segments, so the segment is always part of the key.
type Key uint64

// MakeKey packs segment and token into one comparable value.
func MakeKey(seg Segment, token uint32) Key {
	return Key(uint64(seg)<<32 | uint64(token))
}

func (k Key) Segment() Segment { return Segment(k >> 32) }
func (k Key) Token() uint32    { return uint32(k) }

func (k Key) String() string {
	return k.Segment().String() + ":" + strconv.FormatUint(uint64(k.Token()), 10)
}
