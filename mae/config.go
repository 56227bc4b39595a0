package mae

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

// Config tunes the adapter. The zero value is not usable directly;
// DefaultConfig or LoadConfig fills in the defaults.
type Config struct {
	// Switchdev enables representor-style forwarding: at start the
	// adapter installs internal rules delivering unmatched traffic
	// between the assigned physical port and the switch port.
	Switchdev bool `yaml:"switchdev"`

	// SwitchPortID is the adapter's own logical switch port, used to
	// resolve port-directed deliveries marked "original".
	SwitchPortID uint32 `yaml:"switch_port_id"`

	// PollInterval is the telemetry drain period. Zero disables the
	// counter subsystem.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RxBurst bounds how many telemetry packets one poll consumes.
	RxBurst uint32 `yaml:"rx_burst"`

	// RefillLevel is how many drained packets accumulate before their
	// credits go back to the stream.
	RefillLevel uint32 `yaml:"refill_level"`

	// StreamPacketSize is the buffer size requested from the stream.
	StreamPacketSize uint16 `yaml:"stream_packet_size"`

	LogLevel string `yaml:"log_level"`
}

// UnmarshalYAML decodes the configuration, accepting poll_interval in
// the "100ms" / "2s" notation.
func (self *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Switchdev        bool   `yaml:"switchdev"`
		SwitchPortID     uint32 `yaml:"switch_port_id"`
		PollInterval     string `yaml:"poll_interval"`
		RxBurst          uint32 `yaml:"rx_burst"`
		RefillLevel      uint32 `yaml:"refill_level"`
		StreamPacketSize uint16 `yaml:"stream_packet_size"`
		LogLevel         string `yaml:"log_level"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	*self = Config{
		Switchdev:        raw.Switchdev,
		SwitchPortID:     raw.SwitchPortID,
		RxBurst:          raw.RxBurst,
		RefillLevel:      raw.RefillLevel,
		StreamPacketSize: raw.StreamPacketSize,
		LogLevel:         raw.LogLevel,
	}

	if raw.PollInterval != "" {
		d, err := time.ParseDuration(raw.PollInterval)
		if err != nil {
			return fmt.Errorf("mae: bad poll_interval: %w", err)
		}
		self.PollInterval = d
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     100 * time.Millisecond,
		RxBurst:          32,
		RefillLevel:      64,
		StreamPacketSize: efx.CounterStreamPacketSize,
		LogLevel:         "info",
	}
}

func (self *Config) applyDefaults() {
	def := DefaultConfig()
	if self.RxBurst == 0 {
		self.RxBurst = def.RxBurst
	}
	if self.RefillLevel == 0 {
		self.RefillLevel = def.RefillLevel
	}
	if self.StreamPacketSize == 0 {
		self.StreamPacketSize = def.StreamPacketSize
	}
	if self.LogLevel == "" {
		self.LogLevel = def.LogLevel
	}
}

func (self *Config) validate() error {
	if self.StreamPacketSize < efx.CounterPacketHeaderSize {
		return fmt.Errorf("mae: stream packet size %d below the header size",
			self.StreamPacketSize)
	}
	if self.RefillLevel < self.RxBurst {
		return fmt.Errorf("mae: refill level %d below the rx burst %d",
			self.RefillLevel, self.RxBurst)
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Missing keys get the
// defaults; the poll interval has no default here so that a file can
// explicitly disable counters by omitting it.
func LoadConfig(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("mae: malformed config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
