package board

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/c35s/nvmeboot/pci"
	"gopkg.in/yaml.v2"
)

//go:embed default.yaml
var defaultConfig []byte

// Config describes a board: its DMA memory and its NVMe controllers.
type Config struct {
	Version  string
	Metadata struct {
		Name string
	}

	// ArenaSize is the DMA arena size in bytes. 0 is dma.ArenaSizeDefault.
	ArenaSize int `yaml:"arenaSize"`

	Controllers []ControllerConfig
}

// ControllerConfig describes one emulated controller and how the driver
// runs it.
type ControllerConfig struct {
	Slot     string // PCI address, bb:dd.f
	Vendor   uint16
	Device   uint16
	Serial   string
	Model    string
	Firmware string

	MQES   uint16 `yaml:"mqes"`
	MDTS   uint8  `yaml:"mdts"`
	DSTRD  uint8  `yaml:"dstrd"`
	TO     uint8  `yaml:"to"`
	MPSMIN uint8  `yaml:"mpsmin"`

	IOQueueDepth   int           `yaml:"ioQueueDepth"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`

	Namespaces []NamespaceConfig
}

// NamespaceConfig describes a namespace's storage. At most one of File and
// URL may be set; without either the namespace is held in memory.
type NamespaceConfig struct {
	Blocks uint64 // size; optional for URL storage and existing files
	LBADS  uint8  `yaml:"lbads"`
	File   string // created or grown to Blocks if needed
	URL    string // read-only
}

var ErrConfig = errors.New("board: invalid config")

// Default returns the built-in board configuration.
func Default() (*Config, error) {
	return Parse(defaultConfig)
}

// Load reads a YAML board configuration from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes and validates a YAML board configuration.
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.ArenaSize < 0 {
		return fmt.Errorf("arena size %d", cfg.ArenaSize)
	}

	slots := make(map[pci.Addr]bool)

	for i, c := range cfg.Controllers {
		addr, err := ParseSlot(c.Slot)
		if err != nil {
			return fmt.Errorf("controller %d: %w", i, err)
		}

		if slots[addr] {
			return fmt.Errorf("controller %d: slot %s in use", i, addr)
		}

		slots[addr] = true

		for j, ns := range c.Namespaces {
			if ns.File != "" && ns.URL != "" {
				return fmt.Errorf("controller %s namespace %d: both file and url are set", addr, j+1)
			}

			if ns.File == "" && ns.URL == "" && ns.Blocks == 0 {
				return fmt.Errorf("controller %s namespace %d: in-memory namespace needs blocks", addr, j+1)
			}

			if ns.LBADS != 0 && (ns.LBADS < 9 || ns.LBADS > 21) {
				return fmt.Errorf("controller %s namespace %d: lbads %d not in [9, 21]", addr, j+1, ns.LBADS)
			}
		}
	}

	return nil
}

// ParseSlot parses a PCI address of the form bb:dd.f.
func ParseSlot(s string) (pci.Addr, error) {
	var b, d, f uint8
	if n, err := fmt.Sscanf(s, "%x:%x.%x", &b, &d, &f); err != nil || n != 3 {
		return pci.Addr{}, fmt.Errorf("bad PCI slot %q", s)
	}

	if d > 31 || f > 7 {
		return pci.Addr{}, fmt.Errorf("bad PCI slot %q", s)
	}

	return pci.Addr{Bus: b, Device: d, Function: f}, nil
}
