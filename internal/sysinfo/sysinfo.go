// Package sysinfo gathers the facts a device reports to the server when
// asked for its device info.
package sysinfo

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	gohost "github.com/shirou/gopsutil/v4/host"

	"github.com/kallberg/pdt/internal/protocol"
)

// Source abstracts the host queries so collection can be tested.
type Source interface {
	HostInfo(ctx context.Context) (*gohost.InfoStat, error)
	Hostname() (string, error)
	Now() time.Time
	GOOS() string
}

type defaultSource struct{}

func (defaultSource) HostInfo(ctx context.Context) (*gohost.InfoStat, error) {
	return gohost.InfoWithContext(ctx)
}
func (defaultSource) Hostname() (string, error) { return os.Hostname() }
func (defaultSource) Now() time.Time            { return time.Now() }
func (defaultSource) GOOS() string              { return runtime.GOOS }

// Collector builds DeviceInfo reports from a Source.
type Collector struct {
	src Source
}

// NewCollector returns a collector backed by the real host.
func NewCollector() *Collector {
	return &Collector{src: defaultSource{}}
}

// NewCollectorWithSource returns a collector backed by src.
func NewCollectorWithSource(src Source) *Collector {
	return &Collector{src: src}
}

// Collect reports the device under name, or the hostname when name is
// empty. Facts that cannot be determined are reported as "unknown".
func (c *Collector) Collect(ctx context.Context, name string) protocol.DeviceInfo {
	info := protocol.DefaultDeviceInfo()

	if name == "" {
		if h, err := c.src.Hostname(); err == nil && h != "" {
			name = h
		}
	}
	if name != "" {
		info.Name = name
	}

	hi, err := c.src.HostInfo(ctx)
	if err != nil || hi == nil {
		if goos := c.src.GOOS(); goos != "" {
			info.OS = goos
		}
		return info
	}

	switch {
	case hi.Platform != "":
		info.OS = hi.Platform
	case hi.OS != "":
		info.OS = hi.OS
	case c.src.GOOS() != "":
		info.OS = c.src.GOOS()
	}
	if hi.PlatformVersion != "" {
		info.OSVersion = hi.PlatformVersion
	} else if hi.KernelVersion != "" {
		info.OSVersion = hi.KernelVersion
	}
	if hi.BootTime > 0 {
		info.Uptime = FormatUptime(time.Unix(int64(hi.BootTime), 0), c.src.Now())
	} else if hi.Uptime > 0 {
		now := c.src.Now()
		info.Uptime = FormatUptime(now.Add(-time.Duration(hi.Uptime)*time.Second), now)
	}
	return info
}

// FormatUptime renders the time since boot in words, e.g. "3 hours".
func FormatUptime(boot, now time.Time) string {
	if !boot.Before(now) {
		return "now"
	}
	return strings.TrimSpace(humanize.RelTime(boot, now, "", ""))
}
