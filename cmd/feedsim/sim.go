package main

import (
	"fmt"
	"math/rand"
	"time"

	"feedsync/internal/marketdata/decoder"
	"feedsync/internal/model"
)

// simInstrument holds per-instrument simulation state. Prices are paise.
type simInstrument struct {
	token    uint32
	tickSize int64
	price    int64
	open     int64
	high     int64
	low      int64
	close    int64
	volume   int64
	oi       int64
}

// segmentSim produces wire-format datagrams for one segment.
type segmentSim struct {
	seg       model.Segment
	enc       *decoder.Encoder
	rng       *rand.Rand
	ins       []simInstrument
	cats      []model.Category
	perPacket int
}

func newSegmentSim(seg model.Segment, rows []model.Instrument, compress bool, perPacket int, rng *rand.Rand) (*segmentSim, error) {
	enc, err := decoder.NewEncoder(seg, compress)
	if err != nil {
		return nil, err
	}
	if perPacket <= 0 {
		perPacket = 16
	}
	s := &segmentSim{seg: seg, enc: enc, rng: rng, perPacket: perPacket}
	for c := model.Category(0); c < model.NumCategories; c++ {
		if c == model.CategoryOther {
			continue
		}
		if _, ok := decoder.MsgCode(seg, c); ok {
			s.cats = append(s.cats, c)
		}
	}
	for _, r := range rows {
		tick := r.TickSize
		if tick <= 0 {
			tick = 5
		}
		start := (1000_00 + int64(rng.Intn(400_000_00))) / tick * tick
		s.ins = append(s.ins, simInstrument{
			token: r.Token, tickSize: tick,
			price: start, open: start, high: start, low: start, close: start,
		})
	}
	return s, nil
}

// walk applies a small random walk (±0.1%) rounded to the tick size.
func (s *segmentSim) walk(in *simInstrument) {
	pct := (s.rng.Float64()*0.2 - 0.1) / 100.0
	delta := int64(float64(in.price)*pct) / in.tickSize * in.tickSize
	in.price += delta
	if in.price < in.tickSize {
		in.price = in.tickSize
	}
	if in.price > in.high {
		in.high = in.price
	}
	if in.price < in.low {
		in.low = in.price
	}
}

func (s *segmentSim) tick(in *simInstrument, cat model.Category, now time.Time) model.Tick {
	t := model.Tick{
		Segment:    s.seg,
		Token:      in.token,
		Category:   cat,
		ExchangeTS: now.UnixMilli() * int64(time.Millisecond),
	}
	switch cat {
	case model.CategoryTrade, model.CategoryTouchline:
		qty := int64(s.rng.Intn(100) + 1)
		in.volume += qty
		if s.seg == model.NSEFO || s.seg == model.BSEFO {
			in.oi += int64(s.rng.Intn(21) - 10)
			if in.oi < 0 {
				in.oi = 0
			}
		}
		t.LTP, t.LTQ, t.Volume, t.OpenInterest = in.price, qty, in.volume, in.oi
		if cat == model.CategoryTouchline {
			t.Bids[0] = model.Level{Price: in.price - in.tickSize, Qty: int64(s.rng.Intn(500) + 1), Orders: 1}
			t.Asks[0] = model.Level{Price: in.price + in.tickSize, Qty: int64(s.rng.Intn(500) + 1), Orders: 1}
		}
	case model.CategoryDepth:
		for i := 0; i < model.DepthLevels; i++ {
			step := int64(i+1) * in.tickSize
			t.Bids[i] = model.Level{Price: in.price - step, Qty: int64(s.rng.Intn(1000) + 1), Orders: int32(s.rng.Intn(20) + 1)}
			t.Asks[i] = model.Level{Price: in.price + step, Qty: int64(s.rng.Intn(1000) + 1), Orders: int32(s.rng.Intn(20) + 1)}
			t.TotalBuyQty += t.Bids[i].Qty
			t.TotalSellQty += t.Asks[i].Qty
		}
	case model.CategoryMarketWatch:
		t.Open, t.High, t.Low, t.Close = in.open, in.high, in.low, in.close
		t.Volume, t.OpenInterest = in.volume, in.oi
		t.TotalBuyQty = int64(s.rng.Intn(100000))
		t.TotalSellQty = int64(s.rng.Intn(100000))
	}
	return t
}

// step advances every instrument once and returns the datagrams to send.
// NSE datagrams mix categories; BSE datagrams carry one message type each.
func (s *segmentSim) step(now time.Time) ([][]byte, error) {
	var byCat [model.NumCategories][]model.Tick
	mixed := make([]model.Tick, 0, len(s.ins))
	nse := s.seg == model.NSECM || s.seg == model.NSEFO

	for i := range s.ins {
		in := &s.ins[i]
		s.walk(in)
		cat := s.cats[s.rng.Intn(len(s.cats))]
		t := s.tick(in, cat, now)
		if nse {
			mixed = append(mixed, t)
		} else {
			byCat[cat] = append(byCat[cat], t)
		}
	}

	var out [][]byte
	emit := func(ticks []model.Tick) error {
		for len(ticks) > 0 {
			n := min(len(ticks), s.perPacket)
			pkt, err := s.enc.Packet(ticks[:n])
			if err != nil {
				return fmt.Errorf("%s packet: %w", s.seg, err)
			}
			out = append(out, pkt)
			ticks = ticks[n:]
		}
		return nil
	}
	if nse {
		if err := emit(mixed); err != nil {
			return nil, err
		}
		return out, nil
	}
	for _, ticks := range byCat {
		if err := emit(ticks); err != nil {
			return nil, err
		}
	}
	return out, nil
}

var tokenBase = [model.NumSegments]uint32{
	model.NSECM: 1000,
	model.NSEFO: 35000,
	model.BSECM: 500000,
	model.BSEFO: 1100,
}

// seedRows returns a synthetic contract master of n instruments for seg.
func seedRows(seg model.Segment, n int) []model.Instrument {
	rows := make([]model.Instrument, 0, n)
	fo := seg == model.NSEFO || seg == model.BSEFO
	for i := 0; i < n; i++ {
		r := model.Instrument{
			Segment:        seg,
			Token:          tokenBase[seg] + uint32(i),
			Symbol:         fmt.Sprintf("SIM%s%03d", seg, i),
			Name:           fmt.Sprintf("Simulated %s instrument %d", seg.Exchange(), i),
			InstrumentType: "EQ",
			LotSize:        1,
			TickSize:       5,
		}
		if fo {
			r.InstrumentType = "FUTSTK"
			r.Expiry = "2026-12-31"
			r.LotSize = 50
		}
		rows = append(rows, r)
	}
	return rows
}
