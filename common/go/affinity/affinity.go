// Package affinity implements the scoped CPU-affinity binding used to
// make a producer goroutine's first-touch allocations NUMA-local.
//
// Binding is scoped: Bind locks the calling goroutine to its OS thread and
// narrows its allowed CPU set; Release restores the previous CPU set and
// unlocks the thread. The pattern mirrors a RAII guard — callers are
// expected to `defer binding.Release()` immediately after a successful
// Bind, so the effect never outlives the scope that requested it.
package affinity

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/VIRAC-SPACE/ISBI-AARTFAAC/common/go/numa"
)

// Binding represents an active, scoped CPU-affinity override of the
// calling OS thread.
type Binding struct {
	previous unix.CPUSet
	bound    bool
}

// Bind locks the current goroutine to its OS thread and restricts that
// thread to the given CPU set. The returned Binding must be released with
// Release, typically via defer, so the override does not leak past the
// caller's scope.
func Bind(allowed unix.CPUSet) (*Binding, error) {
	runtime.LockOSThread()

	var previous unix.CPUSet
	if err := unix.SchedGetaffinity(0, &previous); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("affinity: failed to read current CPU set: %w", err)
	}

	if err := unix.SchedSetaffinity(0, &allowed); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("affinity: failed to set CPU set: %w", err)
	}

	return &Binding{previous: previous, bound: true}, nil
}

// Release restores the CPU set that was active before Bind and unlocks
// the OS thread. It is safe to call Release more than once.
func (b *Binding) Release() error {
	if b == nil || !b.bound {
		return nil
	}
	b.bound = false

	err := unix.SchedSetaffinity(0, &b.previous)
	runtime.UnlockOSThread()

	if err != nil {
		return fmt.Errorf("affinity: failed to restore CPU set: %w", err)
	}
	return nil
}

// AllowedCPUs returns the CPU set belonging to the given NUMA node, read
// from /sys/devices/system/node/nodeN/cpulist.
func AllowedCPUs(node uint32) (unix.CPUSet, error) {
	var set unix.CPUSet

	path := filepath.Join("/sys/devices/system/node", fmt.Sprintf("node%d", node), "cpulist")
	data, err := os.ReadFile(path)
	if err != nil {
		return set, fmt.Errorf("affinity: failed to read %s: %w", path, err)
	}

	if err := parseCPUList(strings.TrimSpace(string(data)), &set); err != nil {
		return set, fmt.Errorf("affinity: failed to parse cpulist of node %d: %w", node, err)
	}

	return set, nil
}

// NodesToCPUSet unions the allowed CPUs of every node in m.
func NodesToCPUSet(m numa.Map) (unix.CPUSet, error) {
	var set unix.CPUSet

	for node := range m.Iter() {
		nodeSet, err := AllowedCPUs(node)
		if err != nil {
			return set, err
		}
		for cpu := 0; cpu < unix.CPU_SETSIZE; cpu++ {
			if nodeSet.IsSet(cpu) {
				set.Set(cpu)
			}
		}
	}

	return set, nil
}

// parseCPUList parses a Linux-style CPU list such as "0-3,8,10-11" into set.
func parseCPUList(s string, set *unix.CPUSet) error {
	if s == "" {
		return nil
	}

	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		if lo, hi, ok := strings.Cut(field, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return fmt.Errorf("invalid range %q: %w", field, err)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return fmt.Errorf("invalid range %q: %w", field, err)
			}
			for cpu := loN; cpu <= hiN; cpu++ {
				set.Set(cpu)
			}
			continue
		}

		cpu, err := strconv.Atoi(field)
		if err != nil {
			return fmt.Errorf("invalid cpu %q: %w", field, err)
		}
		set.Set(cpu)
	}

	return nil
}
