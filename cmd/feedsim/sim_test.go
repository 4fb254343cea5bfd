package main

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/internal/marketdata/decoder"
	"feedsync/internal/model"
)

func TestSeedRows(t *testing.T) {
	rows := seedRows(model.NSEFO, 3)
	require.Len(t, rows, 3)
	assert.Equal(t, uint32(35000), rows[0].Token)
	assert.Equal(t, uint32(35002), rows[2].Token)
	assert.Equal(t, "FUTSTK", rows[0].InstrumentType)
	assert.Equal(t, "SIMNSEFO001", rows[1].Symbol)

	cm := seedRows(model.BSECM, 1)
	assert.Equal(t, "EQ", cm[0].InstrumentType)
	assert.Equal(t, uint32(500000), cm[0].Token)
}

func TestSegmentSim_PacketsDecode(t *testing.T) {
	now := time.Date(2026, time.January, 23, 10, 0, 0, 0, time.UTC)
	for _, seg := range model.Segments {
		for _, compress := range []bool{false, true} {
			rows := seedRows(seg, 40)
			sim, err := newSegmentSim(seg, rows, compress, 7, rand.New(rand.NewSource(1)))
			require.NoError(t, err)

			pkts, err := sim.step(now)
			require.NoError(t, err, seg)
			require.NotEmpty(t, pkts)

			dec, err := decoder.New(seg)
			require.NoError(t, err)

			seen := map[uint32]bool{}
			var buf []model.Tick
			for _, p := range pkts {
				ticks, dropped, err := dec.Decode(p, now.UnixNano(), buf)
				require.NoError(t, err, seg)
				require.Zero(t, dropped, seg)
				assert.LessOrEqual(t, len(ticks), 7)
				for _, tk := range ticks {
					assert.Equal(t, seg, tk.Segment)
					assert.NotEqual(t, model.CategoryOther, tk.Category)
					seen[tk.Token] = true
				}
				buf = ticks
			}
			assert.Len(t, seen, len(rows), "%s compress=%v", seg, compress)
			for _, r := range rows {
				assert.True(t, seen[r.Token], "%s token %d", seg, r.Token)
			}
		}
	}
}

func TestSegmentSim_WalkStaysOnTickGrid(t *testing.T) {
	sim, err := newSegmentSim(model.NSECM, seedRows(model.NSECM, 5), false, 16, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		_, err := sim.step(time.Now())
		require.NoError(t, err)
	}
	for _, in := range sim.ins {
		assert.Zero(t, in.price%in.tickSize)
		assert.GreaterOrEqual(t, in.price, in.tickSize)
		assert.LessOrEqual(t, in.low, in.price)
		assert.GreaterOrEqual(t, in.high, in.price)
	}
}
