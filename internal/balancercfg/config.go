// Package balancercfg parses the balancer's persisted configuration
// document (spec.md §6), using gopkg.in/yaml.v3 the way the pack's
// `tinyrange-cc` repo parses its own YAML configuration documents.
package balancercfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeAddr is one `[address, port]` entry in nodes.list.
type NodeAddr struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
}

// Clients holds the public-facing side of the balancer configuration
// (spec.md §6 "clients.*").
type Clients struct {
	Iface        int `yaml:"iface"`
	Port         int `yaml:"port"`
	WaitQLimit   int `yaml:"waitq_limit"`
	SessionLimit int `yaml:"session_limit"`
}

// Nodes holds the backend-facing side (spec.md §6 "nodes.*").
type Nodes struct {
	Iface int        `yaml:"iface"`
	List  []NodeAddr `yaml:"list"`
}

// Config is the top-level balancer configuration document.
type Config struct {
	Clients Clients `yaml:"clients"`
	Nodes   Nodes   `yaml:"nodes"`
}

// Load reads and parses the configuration document at path. Per spec.md §6
// ("Parse failures are fatal at startup"), the caller is expected to wrap
// this in rtx.Must rather than handle the error itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("balancercfg: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("balancercfg: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("balancercfg: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Clients.Port < 1 || c.Clients.Port > 65535 {
		return fmt.Errorf("clients.port %d out of range 1..65535", c.Clients.Port)
	}
	if len(c.Nodes.List) == 0 {
		return fmt.Errorf("nodes.list must name at least one backend")
	}
	for i, n := range c.Nodes.List {
		if n.Port < 1 {
			return fmt.Errorf("nodes.list[%d]: invalid port %d", i, n.Port)
		}
	}
	return nil
}
