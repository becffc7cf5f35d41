package protocol

import (
	"fmt"
	"time"
)

// DefaultPollTimeout bounds a single wait of the event loop.
const DefaultPollTimeout = 3 * time.Second

// Channels names the four broker channels used by the protocol.
type Channels struct {
	Init       string `toml:"init"`
	Commitment string `toml:"commitment"`
	Challenge  string `toml:"challenge"`
	Response   string `toml:"response"`
}

// DefaultChannels returns the channel names used when none are configured.
func DefaultChannels() Channels {
	return Channels{
		Init:       "init",
		Commitment: "commitment",
		Challenge:  "challenge",
		Response:   "response",
	}
}

// All returns the channel names in protocol order.
func (c Channels) All() []string {
	return []string{c.Init, c.Commitment, c.Challenge, c.Response}
}

// Validate checks every channel is named and names are distinct.
func (c Channels) Validate() error {
	seen := make(map[string]bool, 4)
	for _, name := range c.All() {
		if name == "" {
			return fmt.Errorf("channels: empty channel name in %+v", c)
		}
		if seen[name] {
			return fmt.Errorf("channels: %q is used twice", name)
		}
		seen[name] = true
	}
	return nil
}
