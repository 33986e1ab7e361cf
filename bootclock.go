// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/ja7ad-consumption/pkg/system/proc/proc.go (ReadSystemCPU's
// /proc/stat scraping technique, reused here for the btime line).

package agentobserve

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BootClock converts the probe clock domain (nanoseconds since system
// boot) to wall-clock time. Boot time is read once from /proc/stat and
// kept behind a read-only handle, per the global-state design note that
// singleton state be read once and never hidden behind package-level
// mutable globals.
type BootClock struct {
	bootTime time.Time
}

// NewBootClock reads /proc/stat once and returns a [*BootClock]. On
// platforms without /proc/stat (or a missing btime line) it falls back
// to treating "now" as boot time, which only affects the accuracy of
// wall-clock conversion, not any invariant of the event model.
func NewBootClock() *BootClock {
	bootTime, err := readBootTime("/proc/stat")
	if err != nil {
		bootTime = time.Now()
	}
	return &BootClock{bootTime: bootTime}
}

func readBootTime(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return time.Time{}, fmt.Errorf("agentobserve: malformed btime line %q", line)
		}
		secs, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, fmt.Errorf("agentobserve: no btime line in %s", path)
}

// WallClock converts a probe timestamp (nanoseconds since boot) to a
// wall-clock [time.Time].
func (c *BootClock) WallClock(timestampNS uint64) time.Time {
	return c.bootTime.Add(time.Duration(timestampNS))
}

// NowNS returns nanoseconds elapsed since boot, as of now, in the same
// clock domain as a probe's timestamp_ns. Used by [*ProbeDriverFunc] to
// synthesize a timestamp for a record that omits one, per §4.1 step 2.
func (c *BootClock) NowNS() uint64 {
	elapsed := time.Since(c.bootTime)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed)
}
