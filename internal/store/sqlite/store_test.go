package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"feedsync/internal/instrument"
	"feedsync/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "contracts.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReplaceAndLoad_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	rows := []model.Instrument{
		{Segment: model.NSEFO, Token: 35001, Symbol: "NIFTY24DECFUT", InstrumentType: "FUTIDX", Expiry: "2024-12-26", LotSize: 25, TickSize: 5},
		{Segment: model.NSEFO, Token: 100, Symbol: "NIFTY24DEC24000CE", InstrumentType: "OPTIDX", Strike: 2400000, LotSize: 25, TickSize: 5},
		{Segment: model.NSEFO, Token: 42, Symbol: "BANKNIFTY24DECFUT", InstrumentType: "FUTIDX", LotSize: 15, TickSize: 5},
	}
	require.NoError(t, s.ReplaceSegment(ctx, model.NSEFO, rows))

	got, err := s.LoadSegment(ctx, model.NSEFO)
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	ts, n, err := s.LoadedAt(ctx, model.NSEFO)
	require.NoError(t, err)
	assert.False(t, ts.IsZero())
	assert.Equal(t, 3, n)
}

func TestReplace_IsPerSegment(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.ReplaceSegment(ctx, model.NSECM, []model.Instrument{{Segment: model.NSECM, Token: 22, Symbol: "ACC"}}))
	require.NoError(t, s.ReplaceSegment(ctx, model.BSECM, []model.Instrument{{Segment: model.BSECM, Token: 22, Symbol: "X"}}))
	require.NoError(t, s.ReplaceSegment(ctx, model.NSECM, []model.Instrument{{Segment: model.NSECM, Token: 2885, Symbol: "RELIANCE"}}))

	cm, err := s.LoadSegment(ctx, model.NSECM)
	require.NoError(t, err)
	require.Len(t, cm, 1)
	assert.Equal(t, uint32(2885), cm[0].Token)

	bse, err := s.LoadSegment(ctx, model.BSECM)
	require.NoError(t, err)
	require.Len(t, bse, 1)
	assert.Equal(t, "X", bse[0].Symbol)
}

func TestReplace_RejectsForeignRowsAndDuplicates(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.ReplaceSegment(ctx, model.NSECM, []model.Instrument{{Segment: model.NSECM, Token: 1, Symbol: "A"}}))

	err := s.ReplaceSegment(ctx, model.NSECM, []model.Instrument{{Segment: model.NSEFO, Token: 2, Symbol: "B"}})
	assert.Error(t, err)

	err = s.ReplaceSegment(ctx, model.NSECM, []model.Instrument{
		{Segment: model.NSECM, Token: 2, Symbol: "B"},
		{Segment: model.NSECM, Token: 2, Symbol: "B"},
	})
	assert.Error(t, err)

	// failed replaces roll back
	got, err := s.LoadSegment(ctx, model.NSECM)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Symbol)
}

func TestStore_IsMasterSource(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.ReplaceSegment(ctx, model.BSEFO, []model.Instrument{
		{Segment: model.BSEFO, Token: 1100, Symbol: "SENSEX24DECFUT"},
		{Segment: model.BSEFO, Token: 1101, Symbol: "BANKEX24DECFUT"},
	}))

	var src instrument.MasterSource = s
	set, err := instrument.Load(ctx, src, []model.Segment{model.BSEFO, model.NSECM})
	require.NoError(t, err)
	assert.Equal(t, 2, set.Get(model.BSEFO).Len())
	assert.Equal(t, 0, set.Get(model.NSECM).Len())

	_, _, err = s.LoadedAt(ctx, model.NSECM)
	assert.NoError(t, err)
}

func TestLoadedAt_AdvancesOnEveryReplace(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	rows := []model.Instrument{{Segment: model.NSECM, Token: 22, Symbol: "ACC"}}

	require.NoError(t, s.ReplaceSegment(ctx, model.NSECM, rows))
	first, _, err := s.LoadedAt(ctx, model.NSECM)
	require.NoError(t, err)

	require.NoError(t, s.ReplaceSegment(ctx, model.NSECM, append(rows, model.Instrument{Segment: model.NSECM, Token: 2885, Symbol: "RELIANCE"})))
	second, n, err := s.LoadedAt(ctx, model.NSECM)
	require.NoError(t, err)
	assert.True(t, second.After(first), "first %v, second %v", first, second)
	assert.Equal(t, 2, n)
}
