package decoder

import (
	"encoding/binary"
	"hash/crc32"

	"feedsync/internal/model"
)

// BSE message types.
const (
	BSETouchline   uint16 = 2001
	BSETrade       uint16 = 2002
	BSEMarketWatch uint16 = 2011
	BSEDepth       uint16 = 2020
)

const (
	bseHeaderLen = 16 // msgType u16 | count u16 | crc32 u32 | exchTS i64 (unix ms)
	bseLevelLen  = 20 // price i64 | qty i64 | orders i32
)

var le = binary.LittleEndian

func bseCategory(code uint16) (model.Category, bool) {
	switch code {
	case BSETouchline:
		return model.CategoryTouchline, true
	case BSETrade:
		return model.CategoryTrade, true
	case BSEDepth:
		return model.CategoryDepth, true
	case BSEMarketWatch:
		return model.CategoryMarketWatch, true
	}
	return 0, false
}

func bseRecordLen(seg model.Segment, code uint16) int {
	oi := 0
	if seg == model.BSEFO {
		oi = 8
	}
	switch code {
	case BSETouchline:
		return 4 + 24 + 2*bseLevelLen
	case BSETrade:
		return 4 + 24 + oi
	case BSEDepth:
		return 4 + 2*model.DepthLevels*bseLevelLen + 16
	case BSEMarketWatch:
		return 4 + 56 + oi
	}
	return 0
}

type bseDecoder struct {
	seg model.Segment
}

func newBSE(seg model.Segment) *bseDecoder { return &bseDecoder{seg: seg} }

func (d *bseDecoder) Segment() model.Segment { return d.seg }

func (d *bseDecoder) Decode(pkt []byte, recvTS int64, dst []model.Tick) ([]model.Tick, int, error) {
	dst = dst[:0]
	if len(pkt) < bseHeaderLen {
		return dst, 0, ErrShortPacket
	}
	code := le.Uint16(pkt[0:2])
	count := int(le.Uint16(pkt[2:4]))
	body := pkt[bseHeaderLen:]
	if crc32.ChecksumIEEE(body) != le.Uint32(pkt[4:8]) {
		return dst, count, ErrChecksum
	}
	cat, ok := bseCategory(code)
	if !ok {
		return dst, 0, nil
	}
	size := bseRecordLen(d.seg, code)
	if len(body) != count*size {
		return dst, count, ErrBadLength
	}
	exchTS := msToNanos(int64(le.Uint64(pkt[8:16])))
	fields := categoryFields[cat]
	if d.seg == model.BSEFO && (code == BSETrade || code == BSEMarketWatch) {
		fields |= model.FieldOI
	}

	dropped := 0
	for i := 0; i < count; i++ {
		rec := body[i*size : (i+1)*size]
		token := le.Uint32(rec[0:4])
		if token == 0 {
			dropped++
			continue
		}
		dst = append(dst, model.Tick{
			Segment:    d.seg,
			Token:      token,
			Category:   cat,
			MsgCode:    code,
			Fields:     fields,
			ExchangeTS: exchTS,
			ArrivalTS:  recvTS,
		})
		d.fill(&dst[len(dst)-1], code, rec[4:])
	}
	return dst, dropped, nil
}

func (d *bseDecoder) fill(t *model.Tick, code uint16, p []byte) {
	switch code {
	case BSETouchline:
		t.LTP = i64(p[0:])
		t.LTQ = i64(p[8:])
		t.Volume = i64(p[16:])
		t.Bids[0] = bseLevel(p[24:])
		t.Asks[0] = bseLevel(p[24+bseLevelLen:])
	case BSETrade:
		t.LTP = i64(p[0:])
		t.LTQ = i64(p[8:])
		t.Volume = i64(p[16:])
		if d.seg == model.BSEFO {
			t.OpenInterest = i64(p[24:])
		}
	case BSEDepth:
		for i := 0; i < model.DepthLevels; i++ {
			t.Bids[i] = bseLevel(p[i*bseLevelLen:])
			t.Asks[i] = bseLevel(p[(model.DepthLevels+i)*bseLevelLen:])
		}
		p = p[2*model.DepthLevels*bseLevelLen:]
		t.TotalBuyQty = i64(p[0:])
		t.TotalSellQty = i64(p[8:])
	case BSEMarketWatch:
		t.Open = i64(p[0:])
		t.High = i64(p[8:])
		t.Low = i64(p[16:])
		t.Close = i64(p[24:])
		t.Volume = i64(p[32:])
		t.TotalBuyQty = i64(p[40:])
		t.TotalSellQty = i64(p[48:])
		if d.seg == model.BSEFO {
			t.OpenInterest = i64(p[56:])
		}
	}
}

func i64(p []byte) int64 { return int64(le.Uint64(p)) }

func bseLevel(p []byte) model.Level {
	return model.Level{
		Price:  i64(p[0:]),
		Qty:    i64(p[8:]),
		Orders: int32(le.Uint32(p[16:])),
	}
}
