// Copyright 2020-2021 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rtprec/pkg/log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status stores system status.
type Status struct {
	CPUUsage           int    `json:"cpuUsage"`
	RAMUsage           int    `json:"ramUsage"`
	DiskUsage          int    `json:"diskUsage"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`
}

type (
	cpuFunc  func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc  func() (*mem.VirtualMemoryStat, error)
	diskFunc func(string) (*disk.UsageStat, error)
)

// ErrNoCPUStats cpu usage returned no values.
var ErrNoCPUStats = errors.New("no cpu stats")

// System .
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc

	storageDir string
	status     Status
	duration   time.Duration

	logger *log.Logger
	mu     sync.Mutex
	o      sync.Once
}

// New returns new System, storageDir is the directory
// whose file system usage is reported.
func New(storageDir string, logger *log.Logger) *System {
	return &System{
		cpu:  cpu.PercentWithContext,
		ram:  mem.VirtualMemory,
		disk: disk.Usage,

		storageDir: storageDir,
		duration:   10 * time.Second,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("get cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return fmt.Errorf("get cpu usage: %w", ErrNoCPUStats)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("get ram usage: %w", err)
	}
	diskUsage, err := s.disk(s.storageDir)
	if err != nil {
		return fmt.Errorf("get disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          int(diskUsage.UsedPercent),
		DiskUsageFormatted: formatDiskUsage(float64(diskUsage.Used)),
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *System) StatusLoop(ctx context.Context) {
	s.o.Do(func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.update(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Src("app").Msgf("could not update system status: %v", err)
				select {
				case <-ctx.Done():
				case <-time.After(s.duration):
				}
			}
		}
	})
}

// Status returns cpu, ram and disk usage.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	default:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	}
}
