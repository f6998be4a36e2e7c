package netconn

import (
	"fmt"

	"github.com/anon55555/reliable/channel"
)

// Conservative bit reservations a Connection budgets against before it
// knows the exact wire cost of a packet's framing. Message and fragment
// headers are reserved here for documentation purposes; the channel
// package itself never estimates against them, since it sizes its own
// entries with bitpack.MeasureStream.
const (
	ConservativePacketHeaderBits   = 16
	ConservativeChannelHeaderBits  = 32
	ConservativeMessageHeaderBits  = 32
	ConservativeFragmentHeaderBits = 64
)

// MaxChannels is the largest NumChannels a Connection accepts; the wire
// entry count and per-entry channel index are both packed against this
// bound.
const MaxChannels = 64

// Config configures a Connection's fixed set of channels.
type Config struct {
	// NumChannels is the number of channels this connection carries,
	// each independently reliable-ordered or unreliable-unordered.
	NumChannels int

	// MaxPacketSize bounds a single generated packet's body, in bytes
	// (not counting the transport.Endpoint's own wire header).
	MaxPacketSize int

	// Channels holds one channel.Config per channel, len(Channels) ==
	// NumChannels.
	Channels []channel.Config
}

// DefaultConfig returns a Config with one channel per given Kind, each at
// channel.DefaultConfig's settings, and an 8 KiB MaxPacketSize.
func DefaultConfig(kinds ...channel.Kind) Config {
	cfgs := make([]channel.Config, len(kinds))
	for i, k := range kinds {
		cfgs[i] = channel.DefaultConfig(k)
	}
	return Config{
		NumChannels:   len(kinds),
		MaxPacketSize: 8 * 1024,
		Channels:      cfgs,
	}
}

// Validate checks the connection-level constraints a Config must satisfy,
// then each channel's own Config.Validate.
func (c Config) Validate() error {
	if c.NumChannels < 1 || c.NumChannels > MaxChannels {
		return fmt.Errorf("netconn: NumChannels (%d) must be in [1, %d]", c.NumChannels, MaxChannels)
	}
	if len(c.Channels) != c.NumChannels {
		return fmt.Errorf("netconn: len(Channels) (%d) must equal NumChannels (%d)", len(c.Channels), c.NumChannels)
	}
	if c.MaxPacketSize <= 0 {
		return fmt.Errorf("netconn: MaxPacketSize must be > 0")
	}
	for i, cc := range c.Channels {
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("netconn: channel %d: %w", i, err)
		}
	}
	return nil
}
