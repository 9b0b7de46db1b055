// Package config loads broker startup configuration from an ini file,
// the way the teacher's pkg/od parser loads EDS sections with
// gopkg.in/ini.v1. This is ambient process configuration, not the
// policy predicate spec.md §1 treats as an external collaborator.
package config

import (
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	defaultPoolSize       = 8 * 1024 * 1024
	defaultQueueCeiling    = 1024
	defaultReplyCeiling    = 128
)

// Config is the parsed broker configuration.
type Config struct {
	BusName         string
	DefaultPoolSize uint32
	QueueCeiling    int
	ReplyCeiling    int
	PrivilegedUIDs  map[uint32]bool
}

// Default returns the configuration a broker uses when no config file
// is supplied.
func Default() *Config {
	return &Config{
		BusName:         "busd",
		DefaultPoolSize: defaultPoolSize,
		QueueCeiling:    defaultQueueCeiling,
		ReplyCeiling:    defaultReplyCeiling,
		PrivilegedUIDs:  map[uint32]bool{0: true},
	}
}

// Load parses an ini file with sections:
//
//	[bus]
//	name = busd
//	pool_size = 8388608
//	queue_ceiling = 1024
//	reply_ceiling = 128
//
//	[privileged]
//	uids = 0,1000
func Load(path string) (*Config, error) {
	cfg := Default()

	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	bus := file.Section("bus")
	if key := bus.Key("name"); key.String() != "" {
		cfg.BusName = key.String()
	}
	if v, err := bus.Key("pool_size").Uint(); err == nil && v != 0 {
		cfg.DefaultPoolSize = uint32(v)
	}
	if v, err := bus.Key("queue_ceiling").Int(); err == nil && v != 0 {
		cfg.QueueCeiling = v
	}
	if v, err := bus.Key("reply_ceiling").Int(); err == nil && v != 0 {
		cfg.ReplyCeiling = v
	}

	priv := file.Section("privileged")
	for _, raw := range priv.Key("uids").Strings(",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if uid, err := strconv.ParseUint(raw, 10, 32); err == nil {
			cfg.PrivilegedUIDs[uint32(uid)] = true
		}
	}

	return cfg, nil
}

// IsPrivileged reports whether uid is exempt from per-connection queue
// ceilings (spec.md §4.4 step 7 "privileged users exempt").
func (c *Config) IsPrivileged(uid uint32) bool {
	return c.PrivilegedUIDs[uid]
}
