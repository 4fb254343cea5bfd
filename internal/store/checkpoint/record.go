package checkpoint

import (
	"encoding/binary"

	"feedsync/internal/model"
)

const recordVersion = 1

// recordLen is the encoded size of one State:
// version, tick header, 12 scalar int64s, 10 book levels, bookkeeping.
const recordLen = 1 + (1 + 4 + 1 + 2 + 2) + 12*8 + 2*model.DepthLevels*20 + (2 + 1 + 8 + 8)

var be = binary.BigEndian

func encodeState(buf []byte, st *model.State) []byte {
	buf = append(buf, recordVersion, byte(st.Segment))
	buf = be.AppendUint32(buf, st.Token)
	buf = append(buf, byte(st.Category))
	buf = be.AppendUint16(buf, st.MsgCode)
	buf = be.AppendUint16(buf, uint16(st.Fields))
	for _, v := range [...]int64{
		st.LTP, st.LTQ, st.Volume, st.Open, st.High, st.Low, st.Close,
		st.TotalBuyQty, st.TotalSellQty, st.OpenInterest, st.ExchangeTS, st.ArrivalTS,
	} {
		buf = be.AppendUint64(buf, uint64(v))
	}
	for _, side := range [...]*[model.DepthLevels]model.Level{&st.Bids, &st.Asks} {
		for _, l := range side {
			buf = be.AppendUint64(buf, uint64(l.Price))
			buf = be.AppendUint64(buf, uint64(l.Qty))
			buf = be.AppendUint32(buf, uint32(l.Orders))
		}
	}
	buf = be.AppendUint16(buf, st.LastSource)
	buf = append(buf, byte(st.LastCategory))
	buf = be.AppendUint64(buf, st.Updates)
	buf = be.AppendUint64(buf, uint64(st.LastMergeTS))
	return buf
}

func decodeState(b []byte) (model.State, error) {
	var st model.State
	if len(b) != recordLen || b[0] != recordVersion {
		return st, ErrBadRecord
	}
	p := b[1:]
	st.Segment = model.Segment(p[0])
	st.Token = be.Uint32(p[1:])
	st.Category = model.Category(p[5])
	st.MsgCode = be.Uint16(p[6:])
	st.Fields = model.Fields(be.Uint16(p[8:]))
	p = p[10:]

	i64 := func() int64 {
		v := int64(be.Uint64(p))
		p = p[8:]
		return v
	}
	for _, dst := range [...]*int64{
		&st.LTP, &st.LTQ, &st.Volume, &st.Open, &st.High, &st.Low, &st.Close,
		&st.TotalBuyQty, &st.TotalSellQty, &st.OpenInterest, &st.ExchangeTS, &st.ArrivalTS,
	} {
		*dst = i64()
	}
	for _, side := range [...]*[model.DepthLevels]model.Level{&st.Bids, &st.Asks} {
		for i := range side {
			side[i].Price = i64()
			side[i].Qty = i64()
			side[i].Orders = int32(be.Uint32(p))
			p = p[4:]
		}
	}
	st.LastSource = be.Uint16(p)
	st.LastCategory = model.Category(p[2])
	st.Updates = be.Uint64(p[3:])
	st.LastMergeTS = int64(be.Uint64(p[11:]))
	return st, nil
}
