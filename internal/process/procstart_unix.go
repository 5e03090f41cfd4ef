//go:build !windows

package process

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// kernelStartTime reports when the kernel started pid, to second precision.
// On Linux it reads /proc directly; elsewhere it asks gopsutil.
func kernelStartTime(pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}
	if runtime.GOOS == "linux" {
		if t, ok := procStatStart(pid); ok {
			return t, true
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}, false
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// procStatStart converts starttime (field 22 of /proc/<pid>/stat, in clock
// ticks since boot) to wall time.
func procStatStart(pid int) (time.Time, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return time.Time{}, false
	}
	ticks, ok := parseStatStartTicks(string(b))
	if !ok {
		return time.Time{}, false
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return time.Time{}, false
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return time.Unix(int64(boot)+ticks/clk, 0), true
}

// parseStatStartTicks extracts starttime from a /proc/<pid>/stat line. comm
// may contain spaces and parentheses, so fields resume after the last ") ".
func parseStatStartTicks(line string) (int64, bool) {
	end := strings.LastIndex(line, ") ")
	if end < 0 {
		return 0, false
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0, false
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0, false
	}
	return ticks, true
}
