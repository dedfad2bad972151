package hostplatform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileStatisticsReturnsTwoSeries(t *testing.T) {
	p := New(50 * time.Millisecond)
	res, err := p.CompileStatistics(context.Background(), 0, 300)
	require.NoError(t, err)
	require.Len(t, res.Stats, 2)

	ids := map[string]bool{}
	for _, s := range res.Stats {
		ids[s.Meta.StatisticID] = true
		require.NotNil(t, s.Row.Mean)
		assert.GreaterOrEqual(t, *s.Row.Mean, 0.0)
	}
	assert.True(t, ids["host.cpu_percent"])
	assert.True(t, ids["host.memory_percent"])
}

func TestListStatisticIDsFiltersByID(t *testing.T) {
	p := New(time.Millisecond)
	out, err := p.ListStatisticIDs(context.Background(), []string{"host.cpu_percent"}, "")
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Contains(t, out, "host.cpu_percent")
}

func TestListStatisticIDsSumFilterIsEmpty(t *testing.T) {
	p := New(time.Millisecond)
	out, err := p.ListStatisticIDs(context.Background(), nil, "sum")
	require.NoError(t, err)
	assert.Empty(t, out)
}
