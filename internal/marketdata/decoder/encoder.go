package decoder

import (
	"fmt"
	"hash/crc32"

	"github.com/pierrec/lz4/v4"

	"feedsync/internal/model"
)

// Encoder builds broadcast packets in a segment's wire format. The feed
// simulator and tests use it; the production path only decodes.
type Encoder struct {
	seg      model.Segment
	compress bool
	netID    uint16
}

// NewEncoder returns an encoder for seg. compress only affects NSE segments.
func NewEncoder(seg model.Segment, compress bool) (*Encoder, error) {
	if !seg.Valid() {
		return nil, fmt.Errorf("decoder: no wire format for segment %s", seg)
	}
	return &Encoder{seg: seg, compress: compress, netID: 1}, nil
}

// MsgCode returns the wire code this segment uses for cat.
func MsgCode(seg model.Segment, cat model.Category) (uint16, bool) {
	switch seg {
	case model.NSECM, model.NSEFO:
		switch cat {
		case model.CategoryTouchline:
			return NSETouchline, true
		case model.CategoryTrade:
			return NSETicker, true
		case model.CategoryDepth:
			return NSEDepth, true
		case model.CategoryMarketWatch:
			return NSEMarketWatch, true
		case model.CategoryOther:
			return NSEIndex, true
		}
	case model.BSECM, model.BSEFO:
		switch cat {
		case model.CategoryTouchline:
			return BSETouchline, true
		case model.CategoryTrade:
			return BSETrade, true
		case model.CategoryDepth:
			return BSEDepth, true
		case model.CategoryMarketWatch:
			return BSEMarketWatch, true
		}
	}
	return 0, false
}

// Packet encodes ticks as one datagram. BSE packets carry a single message
// type, so all ticks must share a category there.
func (e *Encoder) Packet(ticks []model.Tick) ([]byte, error) {
	switch e.seg {
	case model.NSECM, model.NSEFO:
		return e.nsePacket(ticks)
	default:
		return e.bsePacket(ticks)
	}
}

func (e *Encoder) nsePacket(ticks []model.Tick) ([]byte, error) {
	layout := nseLayoutFor(e.seg)
	buf := make([]byte, nsePacketHeader, 512)
	be.PutUint16(buf[0:], e.netID)
	be.PutUint16(buf[2:], uint16(len(ticks)))

	for i := range ticks {
		msg, err := nseMessage(layout, &ticks[i])
		if err != nil {
			return nil, err
		}
		if e.compress {
			comp := make([]byte, lz4.CompressBlockBound(len(msg)))
			n, err := lz4.CompressBlock(msg, comp, nil)
			if err == nil && n > 0 && n < len(msg) {
				buf = be.AppendUint16(buf, uint16(n))
				buf = append(buf, comp[:n]...)
				continue
			}
		}
		buf = be.AppendUint16(buf, 0)
		buf = append(buf, msg...)
	}
	return buf, nil
}

func nseMessage(layout nseLayout, t *model.Tick) ([]byte, error) {
	code, ok := MsgCode(t.Segment, t.Category)
	if !ok {
		return nil, fmt.Errorf("decoder: %s has no message for category %s", t.Segment, t.Category)
	}
	size := nseHeaderLen + layout.bodyLen(code)
	msg := make([]byte, 0, size)
	msg = be.AppendUint16(msg, code)
	msg = be.AppendUint16(msg, uint16(size))
	msg = be.AppendUint64(msg, uint64(t.ExchangeTS/1_000_000))
	msg = be.AppendUint32(msg, t.Token)

	vol := func(v int64) {
		if layout.volWidth == 8 {
			msg = be.AppendUint64(msg, uint64(v))
		} else {
			msg = be.AppendUint32(msg, uint32(v))
		}
	}
	level := func(l model.Level) {
		msg = be.AppendUint32(msg, uint32(int32(l.Price)))
		msg = be.AppendUint32(msg, uint32(l.Qty))
		msg = be.AppendUint16(msg, uint16(l.Orders))
	}
	p32 := func(v int64) { msg = be.AppendUint32(msg, uint32(int32(v))) }

	switch code {
	case NSETouchline:
		p32(t.LTP)
		msg = be.AppendUint32(msg, uint32(t.LTQ))
		vol(t.Volume)
		level(t.Bids[0])
		level(t.Asks[0])
	case NSETicker:
		p32(t.LTP)
		msg = be.AppendUint32(msg, uint32(t.LTQ))
		vol(t.Volume)
		if layout.hasOI {
			msg = be.AppendUint64(msg, uint64(t.OpenInterest))
		}
	case NSEDepth:
		for _, l := range t.Bids {
			level(l)
		}
		for _, l := range t.Asks {
			level(l)
		}
		msg = be.AppendUint64(msg, uint64(t.TotalBuyQty))
		msg = be.AppendUint64(msg, uint64(t.TotalSellQty))
	case NSEMarketWatch:
		p32(t.Open)
		p32(t.High)
		p32(t.Low)
		p32(t.Close)
		vol(t.Volume)
		msg = be.AppendUint64(msg, uint64(t.TotalBuyQty))
		msg = be.AppendUint64(msg, uint64(t.TotalSellQty))
		if layout.hasOI {
			msg = be.AppendUint64(msg, uint64(t.OpenInterest))
		}
	case NSEIndex:
		p32(t.LTP)
		p32(t.Open)
		p32(t.High)
		p32(t.Low)
		p32(t.Close)
	}
	return msg, nil
}

func (e *Encoder) bsePacket(ticks []model.Tick) ([]byte, error) {
	if len(ticks) == 0 {
		return nil, fmt.Errorf("decoder: empty BSE packet")
	}
	cat := ticks[0].Category
	code, ok := MsgCode(e.seg, cat)
	if !ok {
		return nil, fmt.Errorf("decoder: %s has no message for category %s", e.seg, cat)
	}
	fo := e.seg == model.BSEFO
	buf := make([]byte, bseHeaderLen, bseHeaderLen+len(ticks)*bseRecordLen(e.seg, code))
	le.PutUint16(buf[0:], code)
	le.PutUint16(buf[2:], uint16(len(ticks)))
	le.PutUint64(buf[8:], uint64(ticks[0].ExchangeTS/1_000_000))

	level := func(l model.Level) {
		buf = le.AppendUint64(buf, uint64(l.Price))
		buf = le.AppendUint64(buf, uint64(l.Qty))
		buf = le.AppendUint32(buf, uint32(l.Orders))
	}
	put := func(vs ...int64) {
		for _, v := range vs {
			buf = le.AppendUint64(buf, uint64(v))
		}
	}

	for i := range ticks {
		t := &ticks[i]
		if t.Category != cat {
			return nil, fmt.Errorf("decoder: BSE packet mixes %s and %s", cat, t.Category)
		}
		buf = le.AppendUint32(buf, t.Token)
		switch code {
		case BSETouchline:
			put(t.LTP, t.LTQ, t.Volume)
			level(t.Bids[0])
			level(t.Asks[0])
		case BSETrade:
			put(t.LTP, t.LTQ, t.Volume)
			if fo {
				put(t.OpenInterest)
			}
		case BSEDepth:
			for _, l := range t.Bids {
				level(l)
			}
			for _, l := range t.Asks {
				level(l)
			}
			put(t.TotalBuyQty, t.TotalSellQty)
		case BSEMarketWatch:
			put(t.Open, t.High, t.Low, t.Close, t.Volume, t.TotalBuyQty, t.TotalSellQty)
			if fo {
				put(t.OpenInterest)
			}
		}
	}
	le.PutUint32(buf[4:], crc32.ChecksumIEEE(buf[bseHeaderLen:]))
	return buf, nil
}
