package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homestats/internal/storage"
)

type stubPlatform struct {
	domain string
	result CompileResult
}

func (s stubPlatform) Domain() string { return s.domain }
func (s stubPlatform) CompileStatistics(context.Context, float64, float64) (CompileResult, error) {
	return s.result, nil
}

type listOnlyPlatform struct{ domain string }

func (l listOnlyPlatform) Domain() string { return l.domain }
func (l listOnlyPlatform) ListStatisticIDs(context.Context, []string, string) (map[string]storage.Descriptor, error) {
	return map[string]storage.Descriptor{"other.thing": {StatisticID: "other.thing", Source: l.domain}}, nil
}

func TestCompileAllSkipsNonCompilers(t *testing.T) {
	r := New()
	r.Register(stubPlatform{domain: "host", result: CompileResult{
		Stats: []CompiledStat{{Meta: storage.Descriptor{StatisticID: "host.cpu", Source: "host"}}},
	}})
	r.Register(listOnlyPlatform{domain: "other"})

	results, err := r.CompileAll(context.Background(), 0, 300)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "host.cpu", results[0].Stats[0].Meta.StatisticID)
}

func TestListAllMergesAcrossPlatforms(t *testing.T) {
	r := New()
	r.Register(listOnlyPlatform{domain: "other"})
	r.Register(stubPlatform{domain: "host"})

	out, err := r.ListAll(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Contains(t, out, "other.thing")
}

func TestUnregisterRemovesPlatform(t *testing.T) {
	r := New()
	r.Register(listOnlyPlatform{domain: "other"})
	r.Unregister("other")

	out, err := r.ListAll(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Empty(t, out)
}
