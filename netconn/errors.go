package netconn

import "fmt"

// ErrorLevel is a Connection's sticky error state.
type ErrorLevel int

const (
	// ErrorNone means every channel is healthy.
	ErrorNone ErrorLevel = iota
	// ErrorChannelError means some channel's GetErrorLevel is non-None;
	// set on AdvanceTime.
	ErrorChannelError
	// ErrorReadPacketFailed means ProcessPacket could not deserialize a
	// packet's entry framing or an entry channel.Decode rejects (not a
	// reliable message body, which is instead surfaced through that
	// channel's own ErrorFailedToDeserialize).
	ErrorReadPacketFailed
)

func (e ErrorLevel) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorChannelError:
		return "channel error"
	case ErrorReadPacketFailed:
		return "read packet failed"
	default:
		return fmt.Sprintf("ErrorLevel(%d)", int(e))
	}
}
