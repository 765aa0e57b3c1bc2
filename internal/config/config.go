package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables set by the launcher, one process per peer.
const (
	EnvPeerID = "KEXCLUSION_PEER_ID"
	EnvPeers  = "KEXCLUSION_PEERS"
)

// Mode selects which resource cycle a peer runs.
type Mode string

const (
	// ModeKExclusion runs the clinic cycle followed by the window cycle.
	ModeKExclusion Mode = "kexclusion"
	// ModeSingle runs only the window with width 1: a single critical
	// section.
	ModeSingle Mode = "single"
)

// Peer represents a peer node in the cluster.
type Peer struct {
	ID   int    `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Timing bounds the random delays of the demand driver.
type Timing struct {
	DemandWait time.Duration `yaml:"demand_wait"`
	ClinicStay time.Duration `yaml:"clinic_stay"`
	WindowStay time.Duration `yaml:"window_stay"`
	MaxDemand  int           `yaml:"max_demand"`
}

// Config holds the node configuration.
type Config struct {
	PeerID int    `yaml:"peer_id"`
	Peers  []Peer `yaml:"peers"`
	// Size is the peer count N. Zero means len(Peers).
	Size     int    `yaml:"size"`
	Capacity int    `yaml:"capacity"`
	Width    int    `yaml:"width"`
	Mode     Mode   `yaml:"mode"`
	Timing   Timing `yaml:"timing"`
	// Seed feeds the demand driver. Zero picks a time-based seed.
	Seed    int64  `yaml:"seed"`
	TraceDB string `yaml:"trace_db"`
}

// Error is a configuration error, reported before any network activity.
type Error struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// IsConfig returns true if err is or wraps a configuration Error.
func IsConfig(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Default returns a configuration with default timing and mode.
func Default() Config {
	return Config{
		Mode: ModeKExclusion,
		Timing: Timing{
			DemandWait: 2 * time.Second,
			ClinicStay: 2 * time.Second,
			WindowStay: 2 * time.Second,
			MaxDemand:  20,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, &Error{Field: "config", Reason: err.Error()}
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, &Error{Field: "config", Reason: fmt.Sprintf("failed to parse %s: %v", path, err)}
	}
	return cfg, nil
}

// ApplyEnv overrides the peer id and peer list from the environment.
// lookup is os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPeerID); ok && v != "" {
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &Error{Field: EnvPeerID, Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		c.PeerID = id
	}
	if v, ok := lookup(EnvPeers); ok && v != "" {
		peers, err := ParsePeers(v)
		if err != nil {
			return &Error{Field: EnvPeers, Reason: err.Error()}
		}
		c.Peers = peers
	}
	return nil
}

// ParsePeers parses a comma-separated list of peers in the format:
// "0=addr0,1=addr1,2=addr2"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		idStr := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if idStr == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("peer ID must be an integer: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// N returns the peer count.
func (c *Config) N() int {
	if c.Size > 0 {
		return c.Size
	}
	return len(c.Peers)
}

// EffectiveWidth returns the window width, 1 in single mode.
func (c *Config) EffectiveWidth() int {
	if c.Mode == ModeSingle {
		return 1
	}
	return c.Width
}

// Validate checks the protocol parameters.
func (c *Config) Validate() error {
	switch {
	case c.N() < 1:
		return &Error{Field: "peers", Reason: "at least one peer is required"}
	case c.Mode != ModeKExclusion && c.Mode != ModeSingle:
		return &Error{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	case c.Mode == ModeKExclusion && c.Capacity < 1:
		return &Error{Field: "capacity", Reason: fmt.Sprintf("K must be at least 1, got %d", c.Capacity)}
	case c.Mode == ModeKExclusion && c.Width < 1:
		return &Error{Field: "width", Reason: fmt.Sprintf("L must be at least 1, got %d", c.Width)}
	case c.Timing.DemandWait <= 0:
		return &Error{Field: "timing.demand_wait", Reason: "must be positive"}
	case c.Timing.ClinicStay <= 0:
		return &Error{Field: "timing.clinic_stay", Reason: "must be positive"}
	case c.Timing.WindowStay <= 0:
		return &Error{Field: "timing.window_stay", Reason: "must be positive"}
	case c.Timing.MaxDemand < 0:
		return &Error{Field: "timing.max_demand", Reason: "must not be negative"}
	}
	return nil
}

// ValidateNetwork checks the peer list for a networked run: ids 0..N-1,
// each with a unique address, and this peer among them.
func (c *Config) ValidateNetwork() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Size > 0 && c.Size != len(c.Peers) {
		return &Error{Field: "peers", Reason: fmt.Sprintf("size %d does not match %d listed peers", c.Size, len(c.Peers))}
	}

	ids := make([]int, 0, len(c.Peers))
	addrs := make(map[string]int, len(c.Peers))
	for _, p := range c.Peers {
		if other, dup := addrs[p.Addr]; dup {
			return &Error{Field: "peers", Reason: fmt.Sprintf("peers %d and %d share address %s", other, p.ID, p.Addr)}
		}
		addrs[p.Addr] = p.ID
		ids = append(ids, p.ID)
	}
	sort.Ints(ids)
	for i, id := range ids {
		if id != i {
			return &Error{Field: "peers", Reason: fmt.Sprintf("peer ids must be 0..%d without gaps or duplicates", len(ids)-1)}
		}
	}
	if c.PeerID < 0 || c.PeerID >= len(c.Peers) {
		return &Error{Field: "peer_id", Reason: fmt.Sprintf("%d is not in the peer list", c.PeerID)}
	}
	return nil
}

// Addrs returns the peer addresses keyed by id.
func (c *Config) Addrs() map[int]string {
	out := make(map[int]string, len(c.Peers))
	for _, p := range c.Peers {
		out[p.ID] = p.Addr
	}
	return out
}

// SeedOrNow returns Seed, or a seed derived from the clock and peer id
// when Seed is zero.
func (c *Config) SeedOrNow() int64 {
	if c.Seed != 0 {
		return c.Seed + int64(c.PeerID)
	}
	return time.Now().UnixNano() + int64(c.PeerID)
}
