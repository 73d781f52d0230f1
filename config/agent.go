package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent configures cmd/telepresence. Durations are written as Go
// duration strings ("1.5s", "750ms").
type Agent struct {
	Room     string `yaml:"room"`
	Headless bool   `yaml:"headless"`

	Broker    BrokerConfig    `yaml:"broker"`
	Messaging MessagingConfig `yaml:"messaging"`
	Safety    SafetyConfig    `yaml:"safety"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Media     MediaConfig     `yaml:"media"`
	Log       LogConfig       `yaml:"log"`
}

type BrokerConfig struct {
	URL        string   `yaml:"url"`
	ICEServers []string `yaml:"ice_servers"`

	// Heartbeat keeps the peer identity claim alive; it must stay well
	// under the broker's PEER_TTL.
	Heartbeat     time.Duration `yaml:"heartbeat"`
	GatherTimeout time.Duration `yaml:"gather_timeout"`
	Loopback      bool          `yaml:"loopback"`

	MaxGuestAttempts int `yaml:"max_guest_attempts"`
}

type MessagingConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RTTWindow     int           `yaml:"rtt_window"`
}

type SafetyConfig struct {
	Inactivity    time.Duration `yaml:"inactivity"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// BridgeConfig describes the micro:bit link. Connect dials it at
// startup; Enable also starts forwarding.
type BridgeConfig struct {
	Connect bool `yaml:"connect"`
	Enable  bool `yaml:"enable"`

	NamePrefix  string        `yaml:"name_prefix"`
	Service     string        `yaml:"service"`
	WriteChar   string        `yaml:"write_char"`
	NotifyChar  string        `yaml:"notify_char"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	ChunkSize  int           `yaml:"chunk_size"`
	ChunkDelay time.Duration `yaml:"chunk_delay"`
	TagLines   bool          `yaml:"tag_lines"`
}

type MediaConfig struct {
	Video    string `yaml:"video"`
	Audio    string `yaml:"audio"`
	Disabled bool   `yaml:"disabled"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultAgent returns the timing the device firmware and the browser
// controller were tuned for.
func DefaultAgent() *Agent {
	return &Agent{
		Broker: BrokerConfig{
			URL:              "ws://localhost:8080",
			ICEServers:       []string{"stun:stun.l.google.com:19302"},
			Heartbeat:        5 * time.Second,
			GatherTimeout:    15 * time.Second,
			MaxGuestAttempts: 3,
		},
		Messaging: MessagingConfig{
			AckTimeout:    1500 * time.Millisecond,
			SweepInterval: 750 * time.Millisecond,
			RTTWindow:     40,
		},
		Safety: SafetyConfig{
			Inactivity:    900 * time.Millisecond,
			CheckInterval: 250 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			NamePrefix:  "BBC micro:bit",
			Service:     "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			WriteChar:   "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
			NotifyChar:  "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
			ScanTimeout: 20 * time.Second,
			ChunkSize:   20,
			ChunkDelay:  15 * time.Millisecond,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadAgent reads path over the defaults. An empty path returns the
// defaults unchanged.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	if err := cfg.decode(f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (a *Agent) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(a); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects values the components cannot run with. Enabling the
// bridge implies connecting it.
func (a *Agent) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if a.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	}
	positive("broker.heartbeat", a.Broker.Heartbeat)
	positive("broker.gather_timeout", a.Broker.GatherTimeout)
	positive("messaging.ack_timeout", a.Messaging.AckTimeout)
	positive("messaging.sweep_interval", a.Messaging.SweepInterval)
	positive("safety.inactivity", a.Safety.Inactivity)
	positive("safety.check_interval", a.Safety.CheckInterval)
	positive("bridge.scan_timeout", a.Bridge.ScanTimeout)

	if a.Broker.MaxGuestAttempts < 1 {
		errs = append(errs, fmt.Errorf("broker.max_guest_attempts must be at least 1, got %d", a.Broker.MaxGuestAttempts))
	}
	if a.Messaging.RTTWindow < 1 {
		errs = append(errs, fmt.Errorf("messaging.rtt_window must be at least 1, got %d", a.Messaging.RTTWindow))
	}
	if a.Bridge.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("bridge.chunk_size must be at least 1, got %d", a.Bridge.ChunkSize))
	}
	if a.Bridge.ChunkDelay < 0 {
		errs = append(errs, fmt.Errorf("bridge.chunk_delay must not be negative, got %s", a.Bridge.ChunkDelay))
	}
	if a.Safety.CheckInterval >= a.Safety.Inactivity {
		errs = append(errs, errors.New("safety.check_interval must be shorter than safety.inactivity"))
	}
	if a.Bridge.Enable {
		a.Bridge.Connect = true
	}
	return errors.Join(errs...)
}
