// Package config collects the knobs a mapperd process needs: which
// interface to join the admin bus on, the bus group/port, device name,
// poll cadence, and log level. Flags are bound with pflag/cobra the way
// the teacher's doublezero collector binds its own (cmd/collector).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Config is every runtime knob mapperd exposes over flags.
type Config struct {
	DeviceName     string
	Iface          string
	BusGroup       string
	BusPort        int
	PollInterval   time.Duration
	HeartbeatEvery time.Duration
	ProbeRounds    int
	LogLevel       string
	MetricsAddr    string
}

// Defaults returns a Config populated with libmapper's well-known
// defaults (spec §6).
func Defaults() Config {
	return Config{
		BusGroup:       "224.0.1.3",
		BusPort:        7570,
		PollInterval:   100 * time.Millisecond,
		HeartbeatEvery: 3 * time.Second,
		ProbeRounds:    3,
		LogLevel:       "info",
		MetricsAddr:    "127.0.0.1:9570",
	}
}

// BindFlags registers c's fields onto fs, so callers can share one
// Config between a root command and subcommands via PersistentFlags.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DeviceName, "name", c.DeviceName, "device name stem (required)")
	fs.StringVar(&c.Iface, "iface", c.Iface, "network interface to join the admin bus on (empty = OS default)")
	fs.StringVar(&c.BusGroup, "bus-group", c.BusGroup, "admin bus multicast group")
	fs.IntVar(&c.BusPort, "bus-port", c.BusPort, "admin bus multicast port")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "network poll/update_maps cadence")
	fs.DurationVar(&c.HeartbeatEvery, "heartbeat", c.HeartbeatEvery, "device /sync broadcast interval")
	fs.IntVar(&c.ProbeRounds, "probe-rounds", c.ProbeRounds, "name-collision probe rounds before giving up backoff")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (trace, debug, info, warn, error)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address to serve Prometheus metrics on")
}

// Validate reports the first missing or out-of-range required field.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("config: --name is required")
	}
	if c.BusPort <= 0 || c.BusPort > 65535 {
		return fmt.Errorf("config: invalid bus port %d", c.BusPort)
	}
	if c.ProbeRounds < 1 {
		return fmt.Errorf("config: probe-rounds must be >= 1")
	}
	return nil
}
