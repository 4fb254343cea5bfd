package model

// Instrument is one contract-master row, the input to the instrument index.
type Instrument struct {
	Segment        Segment `json:"segment"`
	Token          uint32  `json:"token"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	InstrumentType string  `json:"instrument_type"` // EQ, FUTIDX, OPTSTK, ...
	Expiry         string  `json:"expiry,omitempty"`
	Strike         int64   `json:"strike,omitempty"` // paise
	LotSize        int     `json:"lot_size"`
	TickSize       int64   `json:"tick_size"` // minimum price movement in paise
}

// Key returns the composite (segment, token) key.
func (i *Instrument) Key() Key {
	return MakeKey(i.Segment, i.Token)
}
