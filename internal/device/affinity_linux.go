//go:build linux

package device

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// maxCPUs is the capacity of unix.CPUSet.
const maxCPUs = 1024

func availableCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	var cpus []int
	for i := range maxCPUs {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}

// pin restricts every thread of the process to cpus. Threads started later
// inherit the mask of the thread that creates them.
func pin(cpus []int) (bool, error) {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	tasks, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return false, unix.SchedSetaffinity(0, &set)
	}
	for _, t := range tasks {
		tid, err := strconv.Atoi(t.Name())
		if err != nil {
			continue
		}
		// A thread may exit between listing and pinning.
		if err := unix.SchedSetaffinity(tid, &set); err != nil && err != unix.ESRCH {
			return false, err
		}
	}
	return true, nil
}
