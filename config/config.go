// Package config loads netconn.Config/channel.Config from a TOML file and,
// optionally, watches it for changes so a long-running process can pick up
// new resend timings without a restart.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/anon55555/reliable/channel"
	"github.com/anon55555/reliable/netconn"
)

// File describes the on-disk TOML shape. Field names match the Go structs
// they decode into; durations are milliseconds, since toml has no native
// duration type.
type File struct {
	Connection connectionConf `toml:"connection"`
	Channel    []channelConf  `toml:"channel"`
}

type connectionConf struct {
	MaxPacketSize int `toml:"max-packet-size"`
}

// channelConf describes one [[channel]] table. Kind is "reliable-ordered"
// or "unreliable-unordered" (channel.Kind's String forms).
type channelConf struct {
	Kind                      string `toml:"kind"`
	DisableBlocks             bool   `toml:"disable-blocks"`
	SentPacketBufferSize      uint16 `toml:"sent-packet-buffer-size"`
	MessageSendQueueSize      uint16 `toml:"message-send-queue-size"`
	MessageReceiveQueueSize   uint16 `toml:"message-receive-queue-size"`
	MaxMessagesPerPacket      int    `toml:"max-messages-per-packet"`
	PacketBudget              int    `toml:"packet-budget"`
	MaxBlockSize              int    `toml:"max-block-size"`
	BlockFragmentSize         int    `toml:"block-fragment-size"`
	MessageResendTimeMS       int    `toml:"message-resend-time-ms"`
	BlockFragmentResendTimeMS int    `toml:"block-fragment-resend-time-ms"`
}

func parseKind(s string) (channel.Kind, error) {
	switch s {
	case "reliable-ordered":
		return channel.ReliableOrdered, nil
	case "unreliable-unordered":
		return channel.UnreliableUnordered, nil
	default:
		return 0, fmt.Errorf("config: unknown channel kind %q", s)
	}
}

// ToNetconnConfig converts the decoded TOML into a netconn.Config, starting
// each channel from channel.DefaultConfig(kind) and overriding only the
// fields the file actually sets.
func (f File) ToNetconnConfig() (netconn.Config, error) {
	chans := make([]channel.Config, len(f.Channel))
	for i, cc := range f.Channel {
		kind, err := parseKind(cc.Kind)
		if err != nil {
			return netconn.Config{}, fmt.Errorf("config: channel %d: %w", i, err)
		}
		cfg := channel.DefaultConfig(kind)
		cfg.DisableBlocks = cc.DisableBlocks
		if cc.SentPacketBufferSize != 0 {
			cfg.SentPacketBufferSize = cc.SentPacketBufferSize
		}
		if cc.MessageSendQueueSize != 0 {
			cfg.MessageSendQueueSize = cc.MessageSendQueueSize
		}
		if cc.MessageReceiveQueueSize != 0 {
			cfg.MessageReceiveQueueSize = cc.MessageReceiveQueueSize
		}
		if cc.MaxMessagesPerPacket != 0 {
			cfg.MaxMessagesPerPacket = cc.MaxMessagesPerPacket
		}
		if cc.PacketBudget != 0 {
			cfg.PacketBudget = cc.PacketBudget
		}
		if cc.MaxBlockSize != 0 {
			cfg.MaxBlockSize = cc.MaxBlockSize
		}
		if cc.BlockFragmentSize != 0 {
			cfg.BlockFragmentSize = cc.BlockFragmentSize
		}
		if cc.MessageResendTimeMS != 0 {
			cfg.MessageResendTime = time.Duration(cc.MessageResendTimeMS) * time.Millisecond
		}
		if cc.BlockFragmentResendTimeMS != 0 {
			cfg.BlockFragmentResendTime = time.Duration(cc.BlockFragmentResendTimeMS) * time.Millisecond
		}
		chans[i] = cfg
	}

	nc := netconn.Config{
		NumChannels: len(chans),
		Channels:    chans,
	}
	if f.Connection.MaxPacketSize != 0 {
		nc.MaxPacketSize = f.Connection.MaxPacketSize
	} else {
		nc.MaxPacketSize = 8 * 1024
	}
	if err := nc.Validate(); err != nil {
		return netconn.Config{}, err
	}
	return nc, nil
}

// Load decodes filename into a netconn.Config.
func Load(filename string) (netconn.Config, error) {
	var f File
	if _, err := toml.DecodeFile(filename, &f); err != nil {
		return netconn.Config{}, fmt.Errorf("config: decode %s: %w", filename, err)
	}
	return f.ToNetconnConfig()
}
