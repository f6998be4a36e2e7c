package channel

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anon55555/reliable/bitpack"
	"github.com/anon55555/reliable/channel/diag"
	"github.com/anon55555/reliable/message"
	"github.com/anon55555/reliable/seq"
	"github.com/anon55555/reliable/seqbuf"
)

// sendEntry is a message queued for reliable delivery.
type sendEntry struct {
	message      *message.Message
	timeLastSent time.Time
	measuredBits int
}

// recvEntry is a message received but not yet handed to the application
// via ReceiveMessage.
type recvEntry struct {
	message *message.Message
}

// sentPacketEntry records what a previously generated packet carried, so
// ProcessAck knows what to retire. Only message
// ids (or a fragment coordinate) are kept, never a message pointer: the
// send queue is the sole owner of the message itself.
type sentPacketEntry struct {
	acked      bool
	isBlock    bool
	messageIDs []uint16

	blockMessageID  uint16
	blockFragmentID int
}

// sendBlockState tracks the single in-flight outbound block message, one
// fragment at a time.
type sendBlockState struct {
	blockMessageID    uint16
	numFragments      int
	numAckedFragments int
	ackedFragment     []bool
	fragmentSendTime  []time.Time
}

// receiveBlockState tracks the single in-flight inbound block message,
// reassembling fragments as they arrive out of order.
type receiveBlockState struct {
	messageID            uint16
	numFragments         int
	numReceivedFragments int
	receivedFragment     []bool
	blockData            []byte
	blockSize            int
	blockMessage         *message.Message
}

// Reliable is the reliable-ordered channel: every sent message is
// delivered exactly once, in order, retransmitted on a timer until the
// packet carrying it is acked.
type Reliable struct {
	index   int
	config  Config
	factory message.Factory
	log     logrus.FieldLogger

	sendMessageID          seq.Number
	receiveMessageID       seq.Number
	oldestUnackedMessageID seq.Number

	sendQueue    *seqbuf.Buffer[sendEntry]
	receiveQueue *seqbuf.Buffer[recvEntry]
	sentPackets  *seqbuf.Buffer[sentPacketEntry]

	sendBlock    *sendBlockState
	receiveBlock *receiveBlockState

	errorLevel ErrorLevel
	counters   counters
}

// NewReliable constructs a reliable-ordered channel. index is this
// channel's position in the owning connection's channel list, used only
// for log fields and to tag outgoing PacketData.
func NewReliable(index int, cfg Config, factory message.Factory, log logrus.FieldLogger) *Reliable {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reliable{
		index:        index,
		config:       cfg,
		factory:      factory,
		log:          log.WithFields(logrus.Fields{"channel": index, "kind": ReliableOrdered}),
		sendQueue:    seqbuf.New[sendEntry](cfg.MessageSendQueueSize),
		receiveQueue: seqbuf.New[recvEntry](cfg.MessageReceiveQueueSize),
		sentPackets:  seqbuf.New[sentPacketEntry](cfg.SentPacketBufferSize),
	}
}

func (c *Reliable) CanSendMessage() bool {
	return c.errorLevel == ErrorNone && c.sendQueue.Available(c.sendMessageID)
}

func (c *Reliable) HasMessagesToSend() bool {
	return c.oldestUnackedMessageID != c.sendMessageID
}

// SendMessage enqueues m for reliable delivery, assigning it the next
// send-side id. Ownership of m always transfers to the channel: on any
// rejection it is released rather than returned.
func (c *Reliable) SendMessage(m *message.Message) {
	if c.errorLevel != ErrorNone {
		m.Release()
		return
	}
	if !c.sendQueue.Available(c.sendMessageID) {
		c.setError(ErrorSendQueueFull)
		m.Release()
		return
	}
	if len(m.Block) > c.config.MaxBlockSize {
		panic("channel: message block exceeds MaxBlockSize")
	}

	m.ID = c.sendMessageID
	bits, err := MeasureMessageBits(c.factory, m)
	if err != nil {
		panic("channel: factory could not measure its own message: " + err.Error())
	}

	entry, _ := c.sendQueue.Insert(m.ID, false)
	*entry = sendEntry{message: m, measuredBits: bits}

	c.counters.inc(CounterMessagesSent)
	c.sendMessageID++
}

func (c *Reliable) ReceiveMessage() *message.Message {
	if c.errorLevel != ErrorNone {
		return nil
	}
	entry := c.receiveQueue.Find(c.receiveMessageID)
	if entry == nil {
		return nil
	}
	m := entry.message
	c.receiveQueue.Remove(c.receiveMessageID)
	c.counters.inc(CounterMessagesReceived)
	c.receiveMessageID++
	return m
}

func (c *Reliable) ResetCounters()                     { c.counters.reset() }
func (c *Reliable) GetCounter(kind CounterKind) uint64  { return c.counters.get(kind) }
func (c *Reliable) GetErrorLevel() ErrorLevel           { return c.errorLevel }
func (c *Reliable) AdvanceTime(now time.Time)           {}

func (c *Reliable) setError(level ErrorLevel) {
	if c.errorLevel != ErrorNone {
		return
	}
	c.errorLevel = level
	entry := c.log.WithField("error_level", level)
	if level == ErrorSendQueueFull {
		entry.Warn("channel: entering sticky error state")
		return
	}
	entry.Error("channel: entering sticky error state")
}

// CodecConfig returns the parameters Encode/Decode need to measure and
// build this channel's own PacketData; whether the wire actually carries
// a channel index is the owning connection's concern once it assembles
// the full packet.
func (c *Reliable) CodecConfig() CodecConfig {
	return CodecConfig{
		Reliable:             true,
		MaxMessagesPerPacket: c.config.MaxMessagesPerPacket,
		MaxFragmentsPerBlock: c.config.MaxFragmentsPerBlock(),
		BlockFragmentSize:    c.config.BlockFragmentSize,
		MaxBlockSize:         c.config.MaxBlockSize,
		Factory:              c.factory,
	}
}

func (c *Reliable) sendingBlockMessage() (*sendEntry, bool) {
	entry := c.sendQueue.Find(c.oldestUnackedMessageID)
	if entry == nil || !entry.message.HasBlock() {
		return nil, false
	}
	return entry, true
}

func (c *Reliable) GeneratePacketData(packetSeq uint16, availableBits int, now time.Time) (*PacketData, int) {
	if c.errorLevel != ErrorNone || !c.HasMessagesToSend() {
		return nil, 0
	}
	if entry, ok := c.sendingBlockMessage(); ok {
		return c.generateBlockFragment(packetSeq, availableBits, now, entry)
	}
	return c.generateMessages(packetSeq, availableBits, now)
}

// generateBlockFragment emits the next due fragment of the block attached
// to the oldest unacked message.
func (c *Reliable) generateBlockFragment(packetSeq uint16, availableBits int, now time.Time, entry *sendEntry) (*PacketData, int) {
	if c.sendBlock == nil || c.sendBlock.blockMessageID != entry.message.ID {
		blockSize := len(entry.message.Block)
		fragSize := c.config.BlockFragmentSize
		numFragments := (blockSize + fragSize - 1) / fragSize
		if numFragments == 0 {
			numFragments = 1
		}
		c.sendBlock = &sendBlockState{
			blockMessageID:   entry.message.ID,
			numFragments:     numFragments,
			ackedFragment:    make([]bool, numFragments),
			fragmentSendTime: make([]time.Time, numFragments),
		}
	}
	sb := c.sendBlock

	fragmentID := -1
	for id := 0; id < sb.numFragments; id++ {
		if sb.ackedFragment[id] {
			continue
		}
		if sb.fragmentSendTime[id].IsZero() || now.Sub(sb.fragmentSendTime[id]) >= c.config.BlockFragmentResendTime {
			fragmentID = id
			break
		}
	}
	if fragmentID < 0 {
		return nil, 0
	}

	fragSize := c.config.BlockFragmentSize
	off := fragmentID * fragSize
	end := off + fragSize
	if end > len(entry.message.Block) {
		end = len(entry.message.Block)
	}
	data := entry.message.Block[off:end]

	bd := &BlockData{
		MessageID:    entry.message.ID,
		FragmentID:   fragmentID,
		NumFragments: sb.numFragments,
		FragmentData: data,
	}
	if fragmentID == 0 {
		bd.MessageType = entry.message.Type
		bd.Message = entry.message.Acquire()
	}
	pd := &PacketData{ChannelIndex: c.index, Block: bd}

	usedBits, err := measurePacketData(c.CodecConfig(), pd)
	if err != nil {
		panic("channel: could not measure own block fragment: " + err.Error())
	}
	if usedBits > availableBits {
		if fragmentID == 0 {
			bd.Message.Release()
		}
		return nil, 0
	}

	wasResend := !sb.fragmentSendTime[fragmentID].IsZero()
	sb.fragmentSendTime[fragmentID] = now
	if wasResend {
		c.counters.inc(CounterResent)
	}

	spEntry, _ := c.sentPackets.Insert(packetSeq, true)
	*spEntry = sentPacketEntry{isBlock: true, blockMessageID: entry.message.ID, blockFragmentID: fragmentID}

	return pd, usedBits
}

// generateMessages packs as many due, non-block messages as fit in
// availableBits, in ascending id order.
func (c *Reliable) generateMessages(packetSeq uint16, availableBits int, now time.Time) (*PacketData, int) {
	messageTypeBits := bitpack.BitsRequired(0, int32(c.factory.MaxMessageType()))
	baseOverhead := 1 + bitpack.BitsRequired(1, int32(c.config.MaxMessagesPerPacket))

	budgetedBits := availableBits
	if c.config.PacketBudget > 0 && c.config.PacketBudget*8 < budgetedBits {
		budgetedBits = c.config.PacketBudget * 8
	}

	maxScan := int(c.config.MessageSendQueueSize)
	if int(c.config.MessageReceiveQueueSize) < maxScan {
		maxScan = int(c.config.MessageReceiveQueueSize)
	}

	var selected []*sendEntry
	var selectedIDs []uint16
	cumulativeBits := baseOverhead
	giveUpCount := 0
	prevID := seq.Number(0)

	id := c.oldestUnackedMessageID
	for i := 0; i < maxScan && len(selected) < c.config.MaxMessagesPerPacket; i++ {
		entry := c.sendQueue.Find(id)
		if entry == nil || entry.message.HasBlock() {
			id++
			continue
		}
		if entry.measuredBits+messageTypeBits+BodyLengthPrefixBits > availableBits {
			id++
			continue
		}
		eligible := entry.timeLastSent.IsZero() || now.Sub(entry.timeLastSent) >= c.config.MessageResendTime
		if !eligible {
			id++
			continue
		}

		idCost := 16
		if len(selected) > 0 {
			idCost = relativeSequenceCostBits(prevID, id)
		}
		cost := entry.measuredBits + BodyLengthPrefixBits + messageTypeBits + idCost

		if cumulativeBits+cost > budgetedBits {
			giveUpCount++
			if giveUpCount > int(c.config.MessageSendQueueSize) || budgetedBits-cumulativeBits < 32 {
				break
			}
			id++
			continue
		}

		wasResend := !entry.timeLastSent.IsZero()
		entry.timeLastSent = now
		if wasResend {
			c.counters.inc(CounterResent)
		}

		selected = append(selected, entry)
		selectedIDs = append(selectedIDs, id)
		cumulativeBits += cost
		prevID = id
		id++
	}

	if len(selected) == 0 {
		return nil, 0
	}

	msgs := make([]*message.Message, len(selected))
	for i, e := range selected {
		msgs[i] = e.message.Acquire()
	}
	pd := &PacketData{ChannelIndex: c.index, Messages: msgs}

	usedBits, err := measurePacketData(c.CodecConfig(), pd)
	if err != nil {
		panic("channel: could not measure own message list: " + err.Error())
	}

	spEntry, _ := c.sentPackets.Insert(packetSeq, true)
	*spEntry = sentPacketEntry{messageIDs: selectedIDs}

	return pd, usedBits
}

// relativeSequenceCostBits mirrors bitpack.WriteRelativeSequence's choice
// of encoding without actually writing anything, for use in the packing
// budget above.
func relativeSequenceCostBits(previous, current seq.Number) int {
	delta := uint32(uint16(current - previous))
	if delta > 0 && delta < (1<<5) {
		return 1 + 5
	}
	return 1 + 16
}

func measurePacketData(cfg CodecConfig, pd *PacketData) (int, error) {
	ms := bitpack.NewMeasureStream()
	if err := Encode(ms, cfg, pd); err != nil {
		return 0, err
	}
	return ms.BitsProcessed(), nil
}

// ProcessPacketData integrates one inbound entry.
func (c *Reliable) ProcessPacketData(pd *PacketData, packetSeq uint16) {
	if c.errorLevel != ErrorNone {
		return
	}
	if pd.FailedToSerialize {
		c.log.WithFields(logrus.Fields{
			"channel":     c.index,
			"packet_seq":  packetSeq,
			"fingerprint": diag.Fingerprint(messageIDBytes(pd.Messages)),
		}).Warn("channel: entry failed to deserialize")
		c.setError(ErrorFailedToDeserialize)
		return
	}
	if pd.Block != nil {
		if c.config.DisableBlocks {
			c.setError(ErrorBlocksDisabled)
			return
		}
		c.processBlockFragment(pd.Block)
		return
	}

	for _, m := range pd.Messages {
		if seq.LessThan(m.ID, c.receiveMessageID) {
			m.Release()
			continue
		}
		if seq.GreaterThan(m.ID, c.receiveMessageID+seq.Number(c.config.MessageReceiveQueueSize)-1) {
			c.setError(ErrorDesync)
			m.Release()
			return
		}
		if c.receiveQueue.Exists(m.ID) {
			m.Release()
			continue
		}
		entry, _ := c.receiveQueue.Insert(m.ID, false)
		*entry = recvEntry{message: m}
	}
}

func (c *Reliable) processBlockFragment(b *BlockData) {
	if seq.LessThan(b.MessageID, c.receiveMessageID) {
		// Stale resend of a block already fully delivered; drop.
		return
	}
	if b.MessageID != c.receiveMessageID {
		c.setError(ErrorDesync)
		return
	}

	if c.receiveBlock == nil || c.receiveBlock.messageID != b.MessageID {
		c.receiveBlock = &receiveBlockState{
			messageID:        b.MessageID,
			numFragments:     b.NumFragments,
			receivedFragment: make([]bool, b.NumFragments),
		}
	}
	rb := c.receiveBlock

	if b.NumFragments != rb.numFragments || b.FragmentID < 0 || b.FragmentID >= rb.numFragments {
		c.setError(ErrorDesync)
		return
	}

	if !rb.receivedFragment[b.FragmentID] {
		rb.receivedFragment[b.FragmentID] = true
		rb.numReceivedFragments++

		if rb.blockData == nil {
			rb.blockData = make([]byte, rb.numFragments*c.config.BlockFragmentSize)
		}
		off := b.FragmentID * c.config.BlockFragmentSize
		copy(rb.blockData[off:], b.FragmentData)

		if b.FragmentID == 0 {
			rb.blockMessage = b.Message
		}
		if b.FragmentID == rb.numFragments-1 {
			blockSize := off + len(b.FragmentData)
			if blockSize > c.config.MaxBlockSize {
				c.setError(ErrorDesync)
				return
			}
			rb.blockSize = blockSize
		}
	} else if b.FragmentID == 0 && b.Message != nil {
		// A duplicate fragment 0 (the sender resending before its ack
		// arrived) still carries a freshly decoded Message; the first
		// arrival's copy is already stored in rb.blockMessage, so this
		// one is never used and must be released here instead.
		b.Message.Release()
	}

	if rb.numReceivedFragments != rb.numFragments {
		return
	}

	final := make([]byte, rb.blockSize)
	copy(final, rb.blockData[:rb.blockSize])
	m := rb.blockMessage
	m.Block = final

	if c.receiveQueue.Exists(m.ID) {
		c.setError(ErrorDesync)
		return
	}
	entry, _ := c.receiveQueue.Insert(m.ID, false)
	*entry = recvEntry{message: m}
	c.receiveBlock = nil
}

// ProcessAck retires the send-side state a fully-acked packet held. A
// duplicate ack for an already-acked entry is tolerated as a no-op
// rather than treated as a fatal invariant
// violation: unlike everything else this method reads, the ack stream
// comes from the transport.Endpoint, an external collaborator this
// package does not fully trust not to redeliver.
func (c *Reliable) ProcessAck(packetSeq uint16) {
	entry := c.sentPackets.Find(packetSeq)
	if entry == nil || entry.acked {
		return
	}
	entry.acked = true

	if !entry.isBlock {
		for _, mid := range entry.messageIDs {
			if se := c.sendQueue.Find(mid); se != nil {
				se.message.Release()
				c.sendQueue.Remove(mid)
			}
		}
		c.advanceOldestUnacked()
		return
	}

	sb := c.sendBlock
	if sb == nil || sb.blockMessageID != entry.blockMessageID || sb.ackedFragment[entry.blockFragmentID] {
		return
	}
	sb.ackedFragment[entry.blockFragmentID] = true
	sb.numAckedFragments++
	if sb.numAckedFragments != sb.numFragments {
		return
	}

	if se := c.sendQueue.Find(sb.blockMessageID); se != nil {
		se.message.Release()
		c.sendQueue.Remove(sb.blockMessageID)
	}
	c.sendBlock = nil
	c.advanceOldestUnacked()
}

func (c *Reliable) advanceOldestUnacked() {
	for c.oldestUnackedMessageID != c.sendMessageID && !c.sendQueue.Exists(c.oldestUnackedMessageID) {
		c.oldestUnackedMessageID++
	}
}

// Reset releases every message this channel owns and returns it to a
// freshly constructed state.
func (c *Reliable) Reset() {
	for i := uint16(0); i < c.sendQueue.Capacity(); i++ {
		if v, _, valid := c.sendQueue.GetAtIndex(i); valid {
			v.message.Release()
		}
	}
	for i := uint16(0); i < c.receiveQueue.Capacity(); i++ {
		if v, _, valid := c.receiveQueue.GetAtIndex(i); valid {
			v.message.Release()
		}
	}
	if c.receiveBlock != nil && c.receiveBlock.blockMessage != nil {
		c.receiveBlock.blockMessage.Release()
	}

	c.sendQueue.Reset()
	c.receiveQueue.Reset()
	c.sentPackets.Reset()
	c.sendBlock = nil
	c.receiveBlock = nil
	c.sendMessageID = 0
	c.receiveMessageID = 0
	c.oldestUnackedMessageID = 0
	c.errorLevel = ErrorNone
	c.counters.reset()
}

// messageIDBytes packs each message's id as big-endian bytes, for
// diag.Fingerprint to hash into a short log-correlation tag.
func messageIDBytes(msgs []*message.Message) []byte {
	b := make([]byte, 2*len(msgs))
	for i, m := range msgs {
		binary.BigEndian.PutUint16(b[2*i:], m.ID)
	}
	return b
}
