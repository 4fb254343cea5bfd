package decoder

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"

	"feedsync/internal/model"
)

// NSE transaction codes.
const (
	NSETouchline   uint16 = 7200
	NSEMarketWatch uint16 = 7201
	NSETicker      uint16 = 7202
	NSEIndex       uint16 = 7207
	NSEDepth       uint16 = 7208
)

const (
	nsePacketHeader = 4  // netID u16 | record count u16
	nseHeaderLen    = 12 // txCode u16 | msgLen u16 | exchTS i64 (unix ms)
	nseLevelLen     = 10 // price i32 | qty u32 | orders u16
)

var be = binary.BigEndian

// nseLayout captures the field widths that differ between NSE cash and F&O.
type nseLayout struct {
	volWidth int  // 4 (CM) or 8 (FO)
	hasOI    bool // ticker and market watch carry open interest
}

func nseLayoutFor(seg model.Segment) nseLayout {
	if seg == model.NSEFO {
		return nseLayout{volWidth: 8, hasOI: true}
	}
	return nseLayout{volWidth: 4}
}

func (l nseLayout) oiWidth() int {
	if l.hasOI {
		return 8
	}
	return 0
}

// bodyLen returns the body size of code, or 0 for codes this layout does not know.
func (l nseLayout) bodyLen(code uint16) int {
	switch code {
	case NSETouchline:
		return 4 + 4 + 4 + l.volWidth + 2*nseLevelLen
	case NSETicker:
		return 4 + 4 + 4 + l.volWidth + l.oiWidth()
	case NSEDepth:
		return 4 + 2*model.DepthLevels*nseLevelLen + 16
	case NSEMarketWatch:
		return 4 + 16 + l.volWidth + 16 + l.oiWidth()
	case NSEIndex:
		return 4 + 20
	}
	return 0
}

func nseCategory(code uint16) (model.Category, bool) {
	switch code {
	case NSETouchline:
		return model.CategoryTouchline, true
	case NSETicker:
		return model.CategoryTrade, true
	case NSEDepth:
		return model.CategoryDepth, true
	case NSEMarketWatch:
		return model.CategoryMarketWatch, true
	case NSEIndex:
		return model.CategoryOther, true
	}
	return 0, false
}

type nseDecoder struct {
	seg     model.Segment
	layout  nseLayout
	scratch []byte
}

func newNSE(seg model.Segment) *nseDecoder {
	return &nseDecoder{seg: seg, layout: nseLayoutFor(seg), scratch: make([]byte, maxMessage)}
}

func (d *nseDecoder) Segment() model.Segment { return d.seg }

func (d *nseDecoder) Decode(pkt []byte, recvTS int64, dst []model.Tick) ([]model.Tick, int, error) {
	dst = dst[:0]
	if len(pkt) < nsePacketHeader {
		return dst, 0, ErrShortPacket
	}
	count := int(be.Uint16(pkt[2:4]))
	off := nsePacketHeader
	dropped := 0

	for i := 0; i < count; i++ {
		// Once framing is lost the remaining records cannot be located.
		if off+2 > len(pkt) {
			dropped += count - i
			break
		}
		compLen := int(be.Uint16(pkt[off:]))
		off += 2

		var msg []byte
		if compLen > 0 {
			if off+compLen > len(pkt) {
				dropped += count - i
				break
			}
			n, err := lz4.UncompressBlock(pkt[off:off+compLen], d.scratch)
			off += compLen
			if err != nil {
				dropped++
				continue
			}
			msg = d.scratch[:n]
		} else {
			if off+nseHeaderLen > len(pkt) {
				dropped += count - i
				break
			}
			msgLen := int(be.Uint16(pkt[off+2:]))
			if msgLen < nseHeaderLen || off+msgLen > len(pkt) {
				dropped += count - i
				break
			}
			msg = pkt[off : off+msgLen]
			off += msgLen
		}

		dst = append(dst, model.Tick{})
		switch d.decodeMessage(msg, recvTS, &dst[len(dst)-1]) {
		case recordOK:
		case recordUnknown:
			dst = dst[:len(dst)-1]
		default:
			dst = dst[:len(dst)-1]
			dropped++
		}
	}
	return dst, dropped, nil
}

type recordStatus int

const (
	recordOK recordStatus = iota
	recordUnknown
	recordMalformed
)

func (d *nseDecoder) decodeMessage(msg []byte, recvTS int64, t *model.Tick) recordStatus {
	if len(msg) < nseHeaderLen {
		return recordMalformed
	}
	code := be.Uint16(msg[0:2])
	msgLen := int(be.Uint16(msg[2:4]))
	if msgLen < nseHeaderLen || msgLen > len(msg) {
		return recordMalformed
	}
	cat, ok := nseCategory(code)
	if !ok {
		return recordUnknown
	}
	body := msg[nseHeaderLen:msgLen]
	if len(body) < d.layout.bodyLen(code) {
		return recordMalformed
	}

	t.Segment = d.seg
	t.Category = cat
	t.MsgCode = code
	t.Fields = categoryFields[cat]
	t.ExchangeTS = msToNanos(int64(be.Uint64(msg[4:12])))
	t.ArrivalTS = recvTS
	t.Token = be.Uint32(body[0:4])
	if t.Token == 0 {
		return recordMalformed
	}
	p := body[4:]

	switch code {
	case NSETouchline:
		t.LTP = price32(p[0:])
		t.LTQ = int64(be.Uint32(p[4:]))
		t.Volume, p = d.volume(p[8:])
		t.Bids[0] = nseLevel(p[0:])
		t.Asks[0] = nseLevel(p[nseLevelLen:])
	case NSETicker:
		t.LTP = price32(p[0:])
		t.LTQ = int64(be.Uint32(p[4:]))
		t.Volume, p = d.volume(p[8:])
		if d.layout.hasOI {
			t.OpenInterest = int64(be.Uint64(p))
			t.Fields |= model.FieldOI
		}
	case NSEDepth:
		for i := 0; i < model.DepthLevels; i++ {
			t.Bids[i] = nseLevel(p[i*nseLevelLen:])
			t.Asks[i] = nseLevel(p[(model.DepthLevels+i)*nseLevelLen:])
		}
		p = p[2*model.DepthLevels*nseLevelLen:]
		t.TotalBuyQty = int64(be.Uint64(p[0:]))
		t.TotalSellQty = int64(be.Uint64(p[8:]))
	case NSEMarketWatch:
		t.Open = price32(p[0:])
		t.High = price32(p[4:])
		t.Low = price32(p[8:])
		t.Close = price32(p[12:])
		t.Volume, p = d.volume(p[16:])
		t.TotalBuyQty = int64(be.Uint64(p[0:]))
		t.TotalSellQty = int64(be.Uint64(p[8:]))
		if d.layout.hasOI {
			t.OpenInterest = int64(be.Uint64(p[16:]))
			t.Fields |= model.FieldOI
		}
	case NSEIndex:
		t.LTP = price32(p[0:])
		t.Open = price32(p[4:])
		t.High = price32(p[8:])
		t.Low = price32(p[12:])
		t.Close = price32(p[16:])
	}
	return recordOK
}

// volume reads the segment-width cumulative volume and returns the remainder.
func (d *nseDecoder) volume(p []byte) (int64, []byte) {
	if d.layout.volWidth == 8 {
		return int64(be.Uint64(p)), p[8:]
	}
	return int64(be.Uint32(p)), p[4:]
}

func price32(p []byte) int64 { return int64(int32(be.Uint32(p))) }

func nseLevel(p []byte) model.Level {
	return model.Level{
		Price:  price32(p[0:]),
		Qty:    int64(be.Uint32(p[4:])),
		Orders: int32(be.Uint16(p[8:])),
	}
}
