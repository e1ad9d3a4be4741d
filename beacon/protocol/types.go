package protocol

// MessageType tags a frame of the calibration export stream.
type MessageType uint8

const (
	MessageTypeHeader    MessageType = 1
	MessageTypeHandshake MessageType = 2
	MessageTypeContact   MessageType = 3
	MessageTypeEnd       MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHeader:
		return "HEADER"
	case MessageTypeHandshake:
		return "HANDSHAKE"
	case MessageTypeContact:
		return "CONTACT"
	case MessageTypeEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}
