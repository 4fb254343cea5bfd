package gateway

import (
	"strings"

	"github.com/shopspring/decimal"

	"feedsync/internal/model"
)

// LevelOut is one book level as sent to views.
type LevelOut struct {
	Price  decimal.Decimal `json:"price"`
	Qty    int64           `json:"qty"`
	Orders int32           `json:"orders"`
}

// TickOut is the view-facing rendering of an instrument's state. Prices are
// rupees with two decimals, serialized as strings.
type TickOut struct {
	Instrument string          `json:"instrument"` // SEG:token
	Symbol     string          `json:"symbol,omitempty"`
	Category   string          `json:"category"`
	LTP        decimal.Decimal `json:"ltp"`
	LTQ        int64           `json:"ltq"`
	Volume     int64           `json:"volume"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Bids       []LevelOut      `json:"bids"`
	Asks       []LevelOut      `json:"asks"`
	TotalBuy   int64           `json:"total_buy_qty"`
	TotalSell  int64           `json:"total_sell_qty"`
	OI         int64           `json:"oi,omitempty"`
	ExchangeTS int64           `json:"exchange_ts"`
	ArrivalTS  int64           `json:"arrival_ts"`
	Updates    uint64          `json:"updates,omitempty"`
}

// Rupees converts paise to a two-decimal rupee amount.
func Rupees(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}

func levelsOut(src *[model.DepthLevels]model.Level) []LevelOut {
	out := make([]LevelOut, 0, model.DepthLevels)
	for i := range src {
		if src[i].Price == 0 {
			continue
		}
		out = append(out, LevelOut{Price: Rupees(src[i].Price), Qty: src[i].Qty, Orders: src[i].Orders})
	}
	return out
}

// NewTickOut renders t for views. symbol may be empty.
func NewTickOut(t *model.Tick, symbol string) TickOut {
	return TickOut{
		Instrument: t.Key().String(),
		Symbol:     symbol,
		Category:   t.Category.String(),
		LTP:        Rupees(t.LTP),
		LTQ:        t.LTQ,
		Volume:     t.Volume,
		Open:       Rupees(t.Open),
		High:       Rupees(t.High),
		Low:        Rupees(t.Low),
		Close:      Rupees(t.Close),
		Bids:       levelsOut(&t.Bids),
		Asks:       levelsOut(&t.Asks),
		TotalBuy:   t.TotalBuyQty,
		TotalSell:  t.TotalSellQty,
		OI:         t.OpenInterest,
		ExchangeTS: t.ExchangeTS,
		ArrivalTS:  t.ArrivalTS,
	}
}

// NewStateOut renders a consolidated state, including its update count.
func NewStateOut(st *model.State, symbol string) TickOut {
	out := NewTickOut(&st.Tick, symbol)
	out.Category = st.LastCategory.String()
	out.Updates = st.Updates
	return out
}

// ParseInstrument parses "NSEFO:35001" into a segment-qualified key.
func ParseInstrument(v string) (model.Key, error) {
	seg, tok, ok := strings.Cut(v, ":")
	if !ok {
		return 0, errBadInstrument(v)
	}
	s, err := model.ParseSegment(seg)
	if err != nil {
		return 0, errBadInstrument(v)
	}
	n, ok := parseToken(tok)
	if !ok {
		return 0, errBadInstrument(v)
	}
	return model.MakeKey(s, n), nil
}

func parseToken(s string) (uint32, bool) {
	if s == "" || len(s) > 10 {
		return 0, false
	}
	var n uint64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		n = n*10 + uint64(ch-'0')
	}
	if n > 1<<32-1 {
		return 0, false
	}
	return uint32(n), true
}
