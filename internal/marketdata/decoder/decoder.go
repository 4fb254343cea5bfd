// Package decoder turns one raw broadcast datagram into canonical ticks.
//
// Each segment has its own wire layout: NSE feeds are big-endian and may
// carry LZ4-compressed records, BSE feeds are little-endian, checksummed and
// never compressed. Layouts and message codes are constants of this package.
//
// A Decoder holds only a reusable scratch buffer, so it is safe to use from
// exactly one goroutine. Decoding never panics on hostile input: bad records
// are counted and skipped, bad packets are reported as errors.
package decoder

import (
	"errors"
	"fmt"

	"feedsync/internal/model"
)

var (
	// ErrShortPacket means the packet is too small to hold its own header.
	ErrShortPacket = errors.New("decoder: short packet")
	// ErrChecksum means the packet checksum does not match its body.
	ErrChecksum = errors.New("decoder: checksum mismatch")
	// ErrBadLength means the header's record count disagrees with the body size.
	ErrBadLength = errors.New("decoder: record count does not match body length")
)

// maxMessage bounds a decompressed record.
const maxMessage = 4096

// Decoder decodes datagrams of one segment.
type Decoder interface {
	Segment() model.Segment

	// Decode appends one tick per valid record in pkt to dst[:0] and returns
	// it with the number of records dropped as malformed. err is non-nil only
	// when the whole packet was rejected. Unknown message codes are skipped
	// without counting as drops.
	Decode(pkt []byte, recvTS int64, dst []model.Tick) (ticks []model.Tick, dropped int, err error)
}

// New returns the decoder for seg.
func New(seg model.Segment) (Decoder, error) {
	switch seg {
	case model.NSECM, model.NSEFO:
		return newNSE(seg), nil
	case model.BSECM, model.BSEFO:
		return newBSE(seg), nil
	default:
		return nil, fmt.Errorf("decoder: no wire format for segment %s", seg)
	}
}

// categoryFields is the field mask each message category carries before
// segment-specific additions such as open interest.
var categoryFields = [model.NumCategories]model.Fields{
	model.CategoryTouchline:   model.FieldLTP | model.FieldLTQ | model.FieldVolume | model.FieldDepth | model.FieldTimestamp,
	model.CategoryTrade:       model.FieldLTP | model.FieldLTQ | model.FieldVolume | model.FieldTimestamp,
	model.CategoryDepth:       model.FieldDepth | model.FieldTotals | model.FieldTimestamp,
	model.CategoryMarketWatch: model.FieldOpen | model.FieldHigh | model.FieldLow | model.FieldClose | model.FieldVolume | model.FieldTotals | model.FieldTimestamp,
	model.CategoryOther:       model.FieldLTP | model.FieldOpen | model.FieldHigh | model.FieldLow | model.FieldClose | model.FieldTimestamp,
}

func msToNanos(ms int64) int64 { return ms * 1_000_000 }
