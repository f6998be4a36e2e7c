// Package netconn implements the Connection that owns a fixed set of
// channels, frames them into packets, and routes acks.
package netconn

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/anon55555/reliable/bitpack"
	"github.com/anon55555/reliable/channel"
	"github.com/anon55555/reliable/message"
	"github.com/anon55555/reliable/transport"
)

// Connection owns channels[0..NumChannels), assembles/parses the packets
// exchanged over a transport.Endpoint, and routes that endpoint's acks to
// every channel.
//
// A Connection holds no transport.Endpoint itself for GeneratePacket and
// ProcessPacket: the caller supplies the packet bytes and packetSeq,
// sourced from an Endpoint's NextPacketSequence/SendPacket/Recv. Close
// will still close an owned endpoint if one was handed to NewConnection.
//
// Exactly one goroutine may call GeneratePacket, ProcessPacket,
// ProcessAcks or AdvanceTime on a given Connection at a time.
type Connection struct {
	config   Config
	channels []channel.Channel
	log      logrus.FieldLogger

	endpoint   transport.Endpoint
	errorLevel ErrorLevel
}

// NewConnection builds every configured channel and returns the
// Connection that owns them. endpoint may be nil; if non-nil, Close will
// close it.
func NewConnection(cfg Config, factory message.Factory, endpoint transport.Endpoint, log logrus.FieldLogger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	channels := make([]channel.Channel, cfg.NumChannels)
	for i, cc := range cfg.Channels {
		switch cc.Kind {
		case channel.ReliableOrdered:
			channels[i] = channel.NewReliable(i, cc, factory, log)
		case channel.UnreliableUnordered:
			channels[i] = channel.NewUnreliable(i, cc, factory, log)
		default:
			return nil, fmt.Errorf("netconn: channel %d: unknown kind %v", i, cc.Kind)
		}
	}

	return &Connection{config: cfg, channels: channels, log: log, endpoint: endpoint}, nil
}

// Channel returns the channel at index, for the application-facing
// send/receive/counter API.
func (c *Connection) Channel(index int) channel.Channel {
	return c.channels[index]
}

// NumChannels returns the number of channels this connection carries.
func (c *Connection) NumChannels() int {
	return len(c.channels)
}

// GetErrorLevel returns the connection's sticky error state.
func (c *Connection) GetErrorLevel() ErrorLevel {
	return c.errorLevel
}

// GeneratePacket asks every channel for its contribution to packet
// packetSeq and packs those that produced one into out, returning the
// used prefix of out. It reports false if the connection is errored, if
// no channel had anything to send, or if the assembled packet did not
// fit out.
func (c *Connection) GeneratePacket(packetSeq uint16, out []byte, now time.Time) ([]byte, bool) {
	if c.errorLevel != ErrorNone {
		return nil, false
	}
	if len(out) > c.config.MaxPacketSize {
		out = out[:c.config.MaxPacketSize]
	}

	type entry struct {
		index int
		pd    *channel.PacketData
	}

	availableBits := 8*len(out) - ConservativePacketHeaderBits
	var entries []entry
	for i, ch := range c.channels {
		availableBits -= ConservativeChannelHeaderBits
		if availableBits <= 0 {
			break
		}
		pd, used := ch.GeneratePacketData(packetSeq, availableBits, now)
		if pd == nil {
			continue
		}
		availableBits -= used
		entries = append(entries, entry{index: i, pd: pd})
	}
	if len(entries) == 0 {
		return nil, false
	}

	w := bitpack.NewWriteStream(out)
	count := len(entries)
	if err := w.SerializeInt(&count, 0, int32(len(c.channels))); err != nil {
		c.log.WithError(err).Error("netconn: packet does not fit entry count")
		return nil, false
	}
	for _, e := range entries {
		idx := e.index
		if err := w.SerializeInt(&idx, 0, int32(len(c.channels)-1)); err != nil {
			c.log.WithError(err).WithField("channel", e.index).Error("netconn: packet does not fit channel index")
			return nil, false
		}
		cfg := c.channels[e.index].CodecConfig()
		if err := channel.Encode(w, cfg, e.pd); err != nil {
			c.log.WithError(err).WithField("channel", e.index).Error("netconn: encode entry failed")
			return nil, false
		}
		releaseTransmitRefs(e.pd)
	}

	data, err := w.W.Flush()
	if err != nil {
		c.log.WithError(err).Error("netconn: packet buffer too small")
		return nil, false
	}
	return data, true
}

// releaseTransmitRefs drops the extra reference GeneratePacketData
// acquired on every message it placed in pd, now that the message has
// been serialized to the wire: the reliable channel's send queue keeps
// its own reference for retransmission, the unreliable channel's
// messages had sole ownership transferred out of its send queue and are
// freed here.
func releaseTransmitRefs(pd *channel.PacketData) {
	if pd.Block != nil && pd.Block.Message != nil {
		pd.Block.Message.Release()
	}
	for _, m := range pd.Messages {
		m.Release()
	}
}

// ProcessPacket deserializes buf's entries and dispatches each to its
// channel. It reports false, and sets ErrorReadPacketFailed, when the
// packet's own entry framing (count, channel index) or any part of an
// entry that channel.Decode treats as fatal cannot be parsed; a reliable
// message body that fails to deserialize instead sets that channel's own
// ErrorFailedToDeserialize and is surfaced through AdvanceTime.
func (c *Connection) ProcessPacket(packetSeq uint16, buf []byte) bool {
	if c.errorLevel != ErrorNone {
		return false
	}

	r := bitpack.NewReadStream(buf)
	var count int
	if err := r.SerializeInt(&count, 0, int32(len(c.channels))); err != nil {
		c.errorLevel = ErrorReadPacketFailed
		c.log.WithError(err).Error("netconn: could not read entry count")
		return false
	}

	for i := 0; i < count; i++ {
		var idx int
		if err := r.SerializeInt(&idx, 0, int32(len(c.channels)-1)); err != nil {
			c.errorLevel = ErrorReadPacketFailed
			c.log.WithError(err).Error("netconn: could not read channel index")
			return false
		}
		if idx < 0 || idx >= len(c.channels) {
			c.errorLevel = ErrorReadPacketFailed
			c.log.WithField("channel", idx).Error("netconn: channel index out of range")
			return false
		}

		cfg := c.channels[idx].CodecConfig()
		pd, err := channel.Decode(r, cfg)
		if err != nil {
			c.errorLevel = ErrorReadPacketFailed
			c.log.WithError(err).WithField("channel", idx).Error("netconn: could not decode entry")
			return false
		}
		c.channels[idx].ProcessPacketData(pd, packetSeq)
	}
	return true
}

// ProcessAcks forwards every acked packet sequence to every channel;
// channels that had no entry in that packet simply ignore it.
func (c *Connection) ProcessAcks(acks []uint16) {
	for _, ch := range c.channels {
		for _, s := range acks {
			ch.ProcessAck(s)
		}
	}
}

// AdvanceTime is called once per tick with the current time. It forwards
// to every channel, then transitions to ErrorChannelError (and stops
// advancing on future calls) if any channel reports a non-None error
// level.
func (c *Connection) AdvanceTime(now time.Time) {
	if c.errorLevel != ErrorNone {
		return
	}
	for _, ch := range c.channels {
		ch.AdvanceTime(now)
		if ch.GetErrorLevel() != channel.ErrorNone {
			c.errorLevel = ErrorChannelError
		}
	}
}

// Reset releases every message every channel owns and returns the
// connection to a healthy, freshly constructed state. It aggregates
// panics recovered from a misbehaving channel's Reset into the returned
// error rather than stopping at the first one, so a caller diagnosing a
// stuck reset can see every channel that failed.
func (c *Connection) Reset() (result error) {
	for i, ch := range c.channels {
		if err := resetChannel(ch); err != nil {
			result = multierror.Append(result, fmt.Errorf("netconn: channel %d: %w", i, err))
		}
	}
	c.errorLevel = ErrorNone
	return result
}

func resetChannel(ch channel.Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ch.Reset()
	return nil
}

// Close resets the connection and closes the transport.Endpoint it was
// constructed with, if any, aggregating both failures.
func (c *Connection) Close() (result error) {
	if err := c.Reset(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.endpoint != nil {
		if err := c.endpoint.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("netconn: close endpoint: %w", err))
		}
	}
	return result
}
