package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"feedsync/internal/model"
)

func ct(seg model.Segment, token uint32, ltp int64) *model.Tick {
	return &model.Tick{Segment: seg, Token: token, LTP: ltp}
}

func TestCoalescer_LatestWins(t *testing.T) {
	c := NewCoalescer(10)
	c.Put(ct(model.NSECM, 1, 100))
	c.Put(ct(model.NSECM, 2, 200))
	c.Put(ct(model.NSECM, 1, 101))
	c.Put(ct(model.NSEFO, 1, 300))

	got := c.Take(nil)
	assert.Len(t, got, 3)
	assert.Equal(t, int64(101), got[0].LTP)
	assert.Equal(t, int64(200), got[1].LTP)
	assert.Equal(t, model.NSEFO, got[2].Segment)
	assert.Equal(t, 0, c.Len())
}

func TestCoalescer_BoundedByKeys(t *testing.T) {
	c := NewCoalescer(2)
	assert.True(t, c.Put(ct(model.BSECM, 1, 1)))
	assert.True(t, c.Put(ct(model.BSECM, 2, 1)))
	assert.False(t, c.Put(ct(model.BSECM, 3, 1)))
	assert.True(t, c.Put(ct(model.BSECM, 1, 2)), "existing key still updates when full")
	assert.Equal(t, uint64(1), c.Dropped())
}

func TestCoalescer_RequeueKeepsNewer(t *testing.T) {
	c := NewCoalescer(10)
	c.Put(ct(model.NSECM, 1, 100))
	c.Put(ct(model.NSECM, 2, 200))
	failed := c.Take(nil)

	c.Put(ct(model.NSECM, 1, 105))
	c.Requeue(failed)

	got := c.Take(nil)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(105), got[0].LTP)
	assert.Equal(t, int64(200), got[1].LTP)
}
