// Package hostplatform is a real compile_statistics platform
// implementation reporting host CPU and memory utilization as a
// statistic series. It exists to exercise the platform capability
// contract end-to-end (SPEC_FULL.md §2), the way the teacher's
// collector.go samples the same gopsutil subsystems for its own
// dashboard metrics.
package hostplatform

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"homestats/internal/platform"
	"homestats/internal/storage"
)

const domain = "host"

// Platform samples host CPU/memory once per compile_statistics call
// and reports the mean sampled value as mean, min and max for each
// of its two series (cpu utilization %, memory utilization %).
type Platform struct {
	sampleDuration time.Duration
}

// New returns a host platform that samples CPU percent over
// sampleDuration (teacher's collector.go uses 200ms; homestats widens
// this to 1s by default since compaction calls run far less often than
// the dashboard's poll loop).
func New(sampleDuration time.Duration) *Platform {
	if sampleDuration <= 0 {
		sampleDuration = time.Second
	}
	return &Platform{sampleDuration: sampleDuration}
}

func (p *Platform) Domain() string { return domain }

func (p *Platform) CompileStatistics(ctx context.Context, start, end float64) (platform.CompileResult, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, p.sampleDuration, false)
	if err != nil {
		return platform.CompileResult{}, err
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return platform.CompileResult{}, err
	}

	var cpuPct float64
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memPct := memInfo.UsedPercent

	cpuMeta := storage.Descriptor{StatisticID: "host.cpu_percent", Source: domain, HasMean: true, UnitOfMeasurement: strPtr("%")}
	memMeta := storage.Descriptor{StatisticID: "host.memory_percent", Source: domain, HasMean: true, UnitOfMeasurement: strPtr("%")}

	row := func(v float64) storage.Row {
		return storage.Row{StartTS: start, CreatedTS: end, Mean: &v, Min: &v, Max: &v}
	}

	return platform.CompileResult{
		Stats: []platform.CompiledStat{
			{Meta: cpuMeta, Row: row(cpuPct)},
			{Meta: memMeta, Row: row(memPct)},
		},
	}, nil
}

func (p *Platform) ListStatisticIDs(ctx context.Context, ids []string, typeFilter string) (map[string]storage.Descriptor, error) {
	all := map[string]storage.Descriptor{
		"host.cpu_percent":    {StatisticID: "host.cpu_percent", Source: domain, HasMean: true, UnitOfMeasurement: strPtr("%")},
		"host.memory_percent": {StatisticID: "host.memory_percent", Source: domain, HasMean: true, UnitOfMeasurement: strPtr("%")},
	}
	if typeFilter == "sum" {
		return map[string]storage.Descriptor{}, nil
	}
	if len(ids) == 0 {
		return all, nil
	}
	out := make(map[string]storage.Descriptor)
	for _, id := range ids {
		if d, ok := all[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func strPtr(s string) *string { return &s }
