// Package config loads the static configuration of a veosd node from YAML,
// in the style of nebula's config package: one struct, loaded once, handed
// down by value to every subsystem constructor.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full static configuration of one veosd node.
type Config struct {
	// Node is the VE node number this instance serves (-N/--node on the CLI
	// wrapper, spec.md §6).
	Node int `yaml:"node"`

	// DriverDevice is the VE driver character device, e.g. /dev/veslot<N>.
	DriverDevice string `yaml:"driver_device"`

	// SocketPath is the VEOS UNIX socket the pseudo-process protocol listens
	// on, e.g. <localstatedir>/veos<N>.sock.
	SocketPath string `yaml:"socket_path"`

	// NumDescriptors is N_DESC, the fixed size of the hardware descriptor
	// ring (spec.md §3).
	NumDescriptors int `yaml:"num_descriptors"`

	// CorePatternPath is loaded but not read by any subsystem: the core-dump
	// orchestrator always reads /proc/sys/kernel/core_pattern.
	CorePatternPath string `yaml:"core_pattern_path"`

	// RlimitSigpendingDefault is the soft RLIMIT_SIGPENDING used when a
	// thread group has not set one explicitly (spec.md §3).
	RlimitSigpendingDefault int `yaml:"rlimit_sigpending_default"`

	// StoppingThreadInterval is loaded but not read by any subsystem: the
	// stopping thread sleeps a fixed 1 ms between passes.
	StoppingThreadInterval time.Duration `yaml:"stopping_thread_interval"`

	// DeadPIDAttribute is the driver sysfs attribute file polled for death
	// notifications (spec.md §6).
	DeadPIDAttribute string `yaml:"dead_pid_attribute"`

	// CoredumpHelperPath is the path to the separate privilege-dropping
	// helper binary (spec.md §4.6, §9).
	CoredumpHelperPath string `yaml:"coredump_helper_path"`
}

// Default returns a Config with the reference defaults.
func Default() Config {
	return Config{
		Node:                    0,
		DriverDevice:            "/dev/veslot0",
		SocketPath:              "/var/run/veos/veos0.sock",
		NumDescriptors:          32,
		CorePatternPath:         "/proc/sys/kernel/core_pattern",
		RlimitSigpendingDefault: 1024,
		StoppingThreadInterval:  time.Millisecond,
		DeadPIDAttribute:        "/sys/class/ve/veslot0/dead_pid",
		CoredumpHelperPath:      "/usr/libexec/veosd-coredump-helper",
	}
}

// Load reads and parses a YAML config file, keeping the default for any
// field the file does not set.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.NumDescriptors <= 0 {
		return Config{}, fmt.Errorf("num_descriptors must be positive, got %d", cfg.NumDescriptors)
	}
	return cfg, nil
}
