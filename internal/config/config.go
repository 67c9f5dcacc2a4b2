// Package config loads backend configuration from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/codezyu/dds/internal/constants"
)

// Config is the on-disk backend configuration.
type Config struct {
	// ListenAddr is the CM listen address (TCP port-space), host:port.
	ListenAddr string `yaml:"listen_addr"`

	MaxClients int `yaml:"max_clients"`
	MaxBuffs   int `yaml:"max_buffs"`

	// RequestRingSize and ResponseRingSize must be powers of two of at
	// least 4KiB. Validate checks them; nothing else reads them, so they
	// do not size or cap the per-session rings.
	RequestRingSize  datasize.ByteSize `yaml:"request_ring_size"`
	ResponseRingSize datasize.ByteSize `yaml:"response_ring_size"`

	DataPlaneWeight int `yaml:"data_plane_weight"`
	// PollCPU pins the polling thread; negative disables pinning.
	PollCPU int `yaml:"poll_cpu"`

	Batching     bool `yaml:"batching"`
	UseImmNotify bool `yaml:"use_imm_notify"`

	CacheBuckets int `yaml:"cache_buckets"`
	// CachePreloadPath optionally seeds the metadata cache at startup.
	CachePreloadPath string `yaml:"cache_preload_path"`

	// MemoryBytes sizes the built-in memory file service when no other
	// service is wired in.
	MemoryBytes datasize.ByteSize `yaml:"memory_bytes"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       fmt.Sprintf("%s:%d", constants.DefaultServerIP, constants.DefaultServerPort),
		MaxClients:       constants.DefaultMaxClients,
		MaxBuffs:         constants.DefaultMaxBuffs,
		RequestRingSize:  datasize.ByteSize(constants.BackendRequestBufferSize),
		ResponseRingSize: datasize.ByteSize(constants.BackendResponseBufferSize),
		DataPlaneWeight:  constants.DataPlaneWeight,
		PollCPU:          -1,
		Batching:         true,
		CacheBuckets:     constants.DefaultCacheBuckets,
		MemoryBytes:      datasize.GB,
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects geometry the ring protocol cannot carry.
func (c *Config) Validate() error {
	for name, v := range map[string]uint64{
		"request_ring_size":  uint64(c.RequestRingSize),
		"response_ring_size": uint64(c.ResponseRingSize),
	} {
		if v < 4096 || v&(v-1) != 0 {
			return fmt.Errorf("%s must be a power of two of at least 4KiB, got %d", name, v)
		}
	}
	if c.MaxClients <= 0 || c.MaxBuffs <= 0 {
		return fmt.Errorf("max_clients and max_buffs must be positive")
	}
	if c.DataPlaneWeight <= 0 {
		return fmt.Errorf("data_plane_weight must be positive")
	}
	return nil
}
