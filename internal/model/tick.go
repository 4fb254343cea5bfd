package model

import (
	"fmt"
	"strings"
)

// Category classifies a broadcast message by the field groups it carries.
type Category uint8

const (
	CategoryTouchline Category = iota
	CategoryTrade
	CategoryDepth
	CategoryMarketWatch
	CategoryOther

	NumCategories
)

var categoryNames = [NumCategories]string{"touchline", "trade", "depth", "marketwatch", "other"}

func (c Category) String() string {
	if c < NumCategories {
		return categoryNames[c]
	}
	return fmt.Sprintf("category_%d", uint8(c))
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(v string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(v))
	for i, n := range categoryNames {
		if n == name {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", v)
}

// Fields is a bitmask of the field groups a Tick actually carries.
// Merge consults only this mask; a zero value in an uncarried field means nothing.
type Fields uint16

const (
	FieldLTP Fields = 1 << iota
	FieldLTQ
	FieldVolume
	FieldOpen
	FieldHigh
	FieldLow
	FieldClose
	FieldDepth
	FieldTotals
	FieldOI
	FieldTimestamp
)

// Has reports whether every bit in f is set.
func (m Fields) Has(f Fields) bool { return m&f == f }

// DepthLevels is the number of book levels carried per side.
const DepthLevels = 5

// Level is one price level of the order book. Price 0 means the level is absent.
type Level struct {
	Price  int64 `json:"price"` // paise
	Qty    int64 `json:"qty"`
	Orders int32 `json:"orders"`
}

// Tick is the canonical decoded market-data record. It holds no pointers so
// it can be copied by value across the publish boundary without allocating.
// Prices are int64 paise (1 INR = 100 paise).
type Tick struct {
	Segment  Segment  `json:"segment"`
	Token    uint32   `json:"token"`
	Category Category `json:"category"`
	MsgCode  uint16   `json:"msg_code"`
	Fields   Fields   `json:"fields"`

	LTP    int64 `json:"ltp"`
	LTQ    int64 `json:"ltq"`
	Volume int64 `json:"volume"` // cumulative session volume

	Open  int64 `json:"open"`
	High  int64 `json:"high"`
	Low   int64 `json:"low"`
	Close int64 `json:"close"`

	Bids [DepthLevels]Level `json:"bids"`
	Asks [DepthLevels]Level `json:"asks"`

	TotalBuyQty  int64 `json:"total_buy_qty"`
	TotalSellQty int64 `json:"total_sell_qty"`
	OpenInterest int64 `json:"open_interest"`

	ExchangeTS int64 `json:"exchange_ts"` // unix nanos from the wire
	ArrivalTS  int64 `json:"arrival_ts"`  // unix nanos at datagram receive
}

// Key returns the composite (segment, token) key.
func (t *Tick) Key() Key {
	return MakeKey(t.Segment, t.Token)
}

// State is the consolidated, always-fresh record for one instrument slot.
type State struct {
	Tick

	LastSource   uint16   `json:"last_source"` // MsgCode of the last merged record
	LastCategory Category `json:"last_category"`
	Updates      uint64   `json:"updates"`
	LastMergeTS  int64    `json:"last_merge_ts"` // unix nanos
}
