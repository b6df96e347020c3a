package ffmpeg

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"renderq/config"
)

// ErrInsufficientResources means the host is too busy to start more work.
var ErrInsufficientResources = errors.New("insufficient system resources")

// Usage is one sample of host load.
type Usage struct {
	CPUPercent float64
	FreeMem    uint64
	FreeDisk   uint64
}

// Gate refuses new work while the host is saturated.
type Gate struct {
	idleCPU  float64
	freeMem  uint64
	freeDisk uint64
	dir      string
	sample   func(dir string) Usage
}

// NewGate returns nil when throttling is disabled; a nil Gate admits
// everything.
func NewGate(cfg *config.Config, dir string) *Gate {
	if !cfg.ThrottleEnable {
		return nil
	}
	return &Gate{
		idleCPU:  cfg.ThrottleCPU,
		freeMem:  uint64(cfg.ThrottleFreeMem),
		freeDisk: uint64(cfg.ThrottleFreeDisk),
		dir:      dir,
		sample:   sampleHost,
	}
}

// Check verifies that the system has enough free resources to start a new job.
func (g *Gate) Check() error {
	if g == nil {
		return nil
	}
	u := g.sample(g.dir)
	if u.CPUPercent > 100.0-g.idleCPU {
		return fmt.Errorf("%w: not enough idle CPU, usage %.2f%%, idle threshold %.2f%%", ErrInsufficientResources, u.CPUPercent, g.idleCPU)
	}
	if u.FreeMem < g.freeMem {
		return fmt.Errorf("%w: not enough free memory, available %d, required %d", ErrInsufficientResources, u.FreeMem, g.freeMem)
	}
	if u.FreeDisk < g.freeDisk {
		return fmt.Errorf("%w: not enough free disk space, available %d, required %d", ErrInsufficientResources, u.FreeDisk, g.freeDisk)
	}
	return nil
}

// sampleHost reads host load. Probes that fail report an idle host so a
// broken probe never blocks work.
func sampleHost(dir string) Usage {
	u := Usage{FreeMem: ^uint64(0), FreeDisk: ^uint64(0)}

	p, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("could not get CPU usage")
	} else if len(p) > 0 {
		u.CPUPercent = p[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("could not get memory usage")
	} else {
		u.FreeMem = vm.Available
	}

	d, err := disk.Usage(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("could not get disk usage")
	} else {
		u.FreeDisk = d.Free
	}
	return u
}
