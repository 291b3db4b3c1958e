// Package device maps a training process to the compute it owns. A device is
// a disjoint slice of the CPUs available to the launcher; the process is
// pinned to it and sizes its scheduler and worker pool to match.
package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/headlands-org/go-finetune/internal/kernels"
)

// Device is the CPU set owned by one local rank.
type Device struct {
	Index int
	CPUs  []int
	// Pinned reports whether the process affinity was restricted to CPUs.
	Pinned bool
	Pool   *Pool
}

// Plan splits cpus into localWorldSize contiguous groups and returns the one
// for localRank. Lower ranks receive the remainder.
func Plan(cpus []int, localRank, localWorldSize int) ([]int, error) {
	if localWorldSize <= 0 || localRank < 0 || localRank >= localWorldSize {
		return nil, fmt.Errorf("local rank %d out of range [0,%d)", localRank, localWorldSize)
	}
	if len(cpus) < localWorldSize {
		return nil, fmt.Errorf("%d processes per node but only %d CPUs available", localWorldSize, len(cpus))
	}
	per, extra := len(cpus)/localWorldSize, len(cpus)%localWorldSize
	start := localRank*per + min(localRank, extra)
	n := per
	if localRank < extra {
		n++
	}
	return append([]int(nil), cpus[start:start+n]...), nil
}

// Assign claims the device for localRank: it pins the process to its CPU set
// where the platform allows, sets GOMAXPROCS and starts the worker pool.
func Assign(localRank, localWorldSize int) (*Device, error) {
	avail, err := availableCPUs()
	if err != nil {
		return nil, fmt.Errorf("list CPUs: %w", err)
	}
	cpus, err := Plan(avail, localRank, localWorldSize)
	if err != nil {
		return nil, err
	}
	pinned, err := pin(cpus)
	if err != nil {
		return nil, fmt.Errorf("pin to CPUs %s: %w", formatCPUs(cpus), err)
	}
	runtime.GOMAXPROCS(len(cpus))
	return &Device{
		Index:  localRank,
		CPUs:   cpus,
		Pinned: pinned,
		Pool:   NewPool(len(cpus)),
	}, nil
}

// Features lists the SIMD extensions the kernels can use.
func (d *Device) Features() []string { return kernels.Features() }

// Close stops the worker pool.
func (d *Device) Close() { d.Pool.Close() }

func (d *Device) String() string {
	return fmt.Sprintf("cpu:%d[%s]", d.Index, formatCPUs(d.CPUs))
}

// formatCPUs renders a CPU list as ranges, e.g. "0-3,8".
func formatCPUs(cpus []int) string {
	var b strings.Builder
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(cpus[i]))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(cpus[j]))
		}
		i = j + 1
	}
	return b.String()
}
