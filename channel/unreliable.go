package channel

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anon55555/reliable/fifo"
	"github.com/anon55555/reliable/message"
)

// Unreliable is the unreliable-unordered channel: a message is delivered
// at most once, in whatever order its containing packet arrives, and is
// never retransmitted. A full send queue drops the message being sent
// rather than blocking or growing, and counts the drop.
type Unreliable struct {
	index   int
	config  Config
	factory message.Factory
	log     logrus.FieldLogger

	sendQueue    *fifo.Queue[*message.Message]
	receiveQueue *fifo.Queue[*message.Message]

	errorLevel ErrorLevel
	counters   counters
}

// NewUnreliable constructs an unreliable-unordered channel.
func NewUnreliable(index int, cfg Config, factory message.Factory, log logrus.FieldLogger) *Unreliable {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Unreliable{
		index:        index,
		config:       cfg,
		factory:      factory,
		log:          log.WithFields(logrus.Fields{"channel": index, "kind": UnreliableUnordered}),
		sendQueue:    fifo.New[*message.Message](int(cfg.MessageSendQueueSize)),
		receiveQueue: fifo.New[*message.Message](int(cfg.MessageReceiveQueueSize)),
	}
}

func (c *Unreliable) CanSendMessage() bool {
	return c.errorLevel == ErrorNone && !c.sendQueue.Full()
}

func (c *Unreliable) HasMessagesToSend() bool { return !c.sendQueue.Empty() }

// SendMessage enqueues m for best-effort delivery. If the send queue is
// already full, m is dropped immediately and CounterDropped is
// incremented; this channel never applies backpressure to the caller.
func (c *Unreliable) SendMessage(m *message.Message) {
	if c.errorLevel != ErrorNone {
		m.Release()
		return
	}
	if c.sendQueue.Full() {
		c.counters.inc(CounterDropped)
		m.Release()
		return
	}
	c.sendQueue.Push(m)
	c.counters.inc(CounterMessagesSent)
}

func (c *Unreliable) ReceiveMessage() *message.Message {
	if c.errorLevel != ErrorNone {
		return nil
	}
	m, ok := c.receiveQueue.Pop()
	if !ok {
		return nil
	}
	c.counters.inc(CounterMessagesReceived)
	return m
}

func (c *Unreliable) ResetCounters()                    { c.counters.reset() }
func (c *Unreliable) GetCounter(kind CounterKind) uint64 { return c.counters.get(kind) }
func (c *Unreliable) GetErrorLevel() ErrorLevel          { return c.errorLevel }
func (c *Unreliable) AdvanceTime(now time.Time)          {}
func (c *Unreliable) ProcessAck(packetSeq uint16)        {}

func (c *Unreliable) setError(level ErrorLevel) {
	if c.errorLevel != ErrorNone {
		return
	}
	c.errorLevel = level
	c.log.WithField("error_level", level).Error("channel: entering sticky error state")
}

// CodecConfig returns the parameters Encode/Decode need to read or write
// this channel's entries.
func (c *Unreliable) CodecConfig() CodecConfig {
	return CodecConfig{
		Reliable:             false,
		MaxMessagesPerPacket: c.config.MaxMessagesPerPacket,
		MaxBlockSize:         c.config.MaxBlockSize,
		Factory:              c.factory,
	}
}

// GeneratePacketData greedily packs queued messages, in FIFO order, into
// as many as fit within availableBits. It pops messages until
// MaxMessagesPerPacket are packed or the queue is empty; a popped message
// that does not fit is dropped and counted, never put back. Only messages
// left unpopped stay queued for the next tick; nothing is retransmitted.
func (c *Unreliable) GeneratePacketData(packetSeq uint16, availableBits int, now time.Time) (*PacketData, int) {
	if c.errorLevel != ErrorNone || c.sendQueue.Empty() {
		return nil, 0
	}

	budgetedBits := availableBits
	if c.config.PacketBudget > 0 && c.config.PacketBudget*8 < budgetedBits {
		budgetedBits = c.config.PacketBudget * 8
	}

	var packed []*message.Message
	n := c.sendQueue.Len()
	for i := 0; i < n && len(packed) < c.config.MaxMessagesPerPacket; i++ {
		m, _ := c.sendQueue.Pop()

		trial := &PacketData{ChannelIndex: c.index, Messages: append(append([]*message.Message{}, packed...), m)}
		bits, err := measurePacketData(c.CodecConfig(), trial)
		if err != nil {
			panic("channel: could not measure own message: " + err.Error())
		}
		if bits > budgetedBits {
			// Doesn't fit this tick; unreliable messages are never
			// retried, so it is dropped rather than requeued.
			c.counters.inc(CounterDropped)
			c.log.WithField("packet_seq", packetSeq).Debug("channel: dropped unreliable message that did not fit the packet budget")
			m.Release()
			continue
		}
		packed = append(packed, m)
	}

	if len(packed) == 0 {
		return nil, 0
	}

	pd := &PacketData{ChannelIndex: c.index, Messages: packed}
	usedBits, err := measurePacketData(c.CodecConfig(), pd)
	if err != nil {
		panic("channel: could not measure own packet: " + err.Error())
	}
	return pd, usedBits
}

// ProcessPacketData delivers every message in pd, stamping each with the
// packet's sequence number as its id: the unreliable channel carries no
// id on the wire, so the packet sequence stands in for one on receipt.
func (c *Unreliable) ProcessPacketData(pd *PacketData, packetSeq uint16) {
	if c.errorLevel != ErrorNone {
		return
	}
	if pd.Block != nil {
		c.setError(ErrorDesync)
		return
	}
	for _, m := range pd.Messages {
		m.ID = packetSeq
		if c.receiveQueue.Full() {
			c.counters.inc(CounterDropped)
			m.Release()
			continue
		}
		c.receiveQueue.Push(m)
	}
}

// Reset releases every message still queued and returns the channel to a
// freshly constructed state.
func (c *Unreliable) Reset() {
	for !c.sendQueue.Empty() {
		m, _ := c.sendQueue.Pop()
		m.Release()
	}
	for !c.receiveQueue.Empty() {
		m, _ := c.receiveQueue.Pop()
		m.Release()
	}
	c.sendQueue.Reset()
	c.receiveQueue.Reset()
	c.errorLevel = ErrorNone
	c.counters.reset()
}
