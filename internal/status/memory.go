package status

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"sync"
)

// Memory reports free memory and the lowest value seen since boot.
type Memory struct {
	meminfo string

	mu  sync.Mutex
	min uint64
}

// NewMemory reads /proc/meminfo.
func NewMemory() *Memory {
	return &Memory{meminfo: "/proc/meminfo"}
}

// Sample returns the current free memory in bytes and the minimum
// observed so far.
func (m *Memory) Sample() (free, low uint64) {
	free = m.available()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.min == 0 || free < m.min {
		m.min = free
	}
	return free, m.min
}

// available returns MemAvailable, or the Go runtime's idle heap when the
// kernel does not report it.
func (m *Memory) available() uint64 {
	if data, err := os.ReadFile(m.meminfo); err == nil {
		if v, ok := parseMemAvailable(data); ok {
			return v
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}

func parseMemAvailable(data []byte) (uint64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := bytes.Fields(sc.Bytes())
		if len(fields) < 2 || string(fields[0]) != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseUint(string(fields[1]), 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
