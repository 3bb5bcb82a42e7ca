package domain

// Operation is the wire-level operation code carried in a frame header.
type Operation uint32

const (
	OpHeartbeat      Operation = 2
	OpHeartbeatReply Operation = 3
	OpMessage        Operation = 5
	OpUserAuth       Operation = 7
	OpConnectSuccess Operation = 8
)

// Protocol version values carried in the frame header. Client-originated
// frames always use ProtoPlain; server MESSAGE frames may wrap further
// frames in zlib or brotli.
const (
	ProtoRaw    uint16 = 0
	ProtoPlain  uint16 = 1
	ProtoZlib   uint16 = 2
	ProtoBrotli uint16 = 3
)

// Packet is one decoded wire frame: header fields plus the raw body.
// Compressed MESSAGE bodies are expanded by the codec, so a Packet body
// is always either JSON or a fixed binary payload.
type Packet struct {
	Proto uint16
	Op    Operation
	Seq   uint32
	Body  []byte
}

func (o Operation) String() string {
	switch o {
	case OpHeartbeat:
		return "heartbeat"
	case OpHeartbeatReply:
		return "heartbeat_reply"
	case OpMessage:
		return "message"
	case OpUserAuth:
		return "user_auth"
	case OpConnectSuccess:
		return "connect_success"
	default:
		return "unknown"
	}
}
