package protocol

// Control message types, client to server.
const (
	TypeCreateMeeting = "CREATE_MEETING"
	TypeRequestJoin   = "REQUEST_JOIN"
	TypeAllowJoin     = "ALLOW_JOIN"
	TypeDenyJoin      = "DENY_JOIN"
	TypeChat          = "CHAT"
	TypeFileStart     = "FILE_START"
	TypeFileChunk     = "FILE_CHUNK"
	TypeFileAck       = "FILE_ACK"
	TypeFileEnd       = "FILE_END"
	TypeVideoStats    = "VIDEO_STATS"
	TypeLeave         = "LEAVE"
	TypeHeartbeat     = "HEARTBEAT"
	TypeRegisterUDP   = "REGISTER_UDP"
	TypeCameraStatus  = "CAMERA_STATUS"
)

// Control message types, server to client.
const (
	TypeMeetingCreated        = "MEETING_CREATED"
	TypeJoinPending           = "JOIN_PENDING"
	TypeJoinRequest           = "JOIN_REQUEST"
	TypeJoinAccepted          = "JOIN_ACCEPTED"
	TypeJoinRejected          = "JOIN_REJECTED"
	TypeMemberJoined          = "MEMBER_JOINED"
	TypeMemberLeft            = "MEMBER_LEFT"
	TypeChatBroadcast         = "CHAT_BROADCAST"
	TypeFileStartForward      = "FILE_START_FORWARD"
	TypeFileChunkForward      = "FILE_CHUNK_FORWARD"
	TypeFileAckForward        = "FILE_ACK_FORWARD"
	TypeFileEndForward        = "FILE_END_FORWARD"
	TypeFileAbort             = "FILE_ABORT"
	TypeVideoStatsUpdate      = "VIDEO_STATS_UPDATE"
	TypeMeetingClosed         = "MEETING_CLOSED"
	TypeError                 = "ERROR"
	TypeHeartbeatAck          = "HEARTBEAT_ACK"
	TypeCameraStatusBroadcast = "CAMERA_STATUS_BROADCAST"
)

// Error kinds carried in ERROR frames.
const (
	ErrKindProtocol = "PROTOCOL"
	ErrKindState    = "STATE"
	ErrKindResource = "RESOURCE"
)

// Abort reasons carried in FILE_ABORT frames.
const (
	AbortReasonTimeout   = "timeout"
	AbortReasonProtocol  = "protocol"
	AbortReasonOverflow  = "overflow"
	AbortReasonDeparture = "departure"
)

// Message is the JSON control envelope exchanged over the length-prefixed
// stream. Type selects which fields are meaningful; all others stay zero and
// are omitted on the wire. Unknown types are logged and discarded by the
// dispatcher.
type Message struct {
	Type string `json:"type"`

	// Identity / membership
	Code          string `json:"code,omitempty"`          // six-digit meeting code
	Name          string `json:"name,omitempty"`          // display name, or file name for FILE_START
	ParticipantID uint32 `json:"participantId,omitempty"` // subject of join/admit/deny/membership events
	From          uint32 `json:"from,omitempty"`          // originating participant of a broadcast

	// Chat
	To   uint32 `json:"to,omitempty"` // unicast target; 0 means broadcast
	Text string `json:"text,omitempty"`
	TS   int64  `json:"ts,omitempty"` // Unix milliseconds

	// File transfer
	TransferID uint64 `json:"transferId,omitempty"`
	Seq        uint32 `json:"seq,omitempty"`
	Data       string `json:"data,omitempty"` // base64 chunk payload, <= 8 KiB raw
	Size       int64  `json:"size,omitempty"` // declared total byte length

	// Link reports (receiver -> media sender)
	FromMediaSender uint32  `json:"fromMediaSender,omitempty"`
	Loss            float64 `json:"loss,omitempty"` // percent
	RTTMs           float64 `json:"rttMs,omitempty"`
	FPS             int     `json:"fps,omitempty"`
	BitrateKbps     int     `json:"bitrateKbps,omitempty"`

	// Advisory flags
	Muted    bool `json:"muted,omitempty"`
	CameraOn bool `json:"cameraOn,omitempty"`

	// Datagram pre-registration
	UDPPort int `json:"udpPort,omitempty"`

	// Errors / aborts
	Kind   string `json:"kind,omitempty"` // PROTOCOL | STATE | RESOURCE
	Reason string `json:"reason,omitempty"`
}

// StateError builds a non-terminal ERROR reply.
func StateError(reason string) *Message {
	return &Message{Type: TypeError, Kind: ErrKindState, Reason: reason}
}

// ProtocolError builds a terminal ERROR reply sent best-effort before close.
func ProtocolError(reason string) *Message {
	return &Message{Type: TypeError, Kind: ErrKindProtocol, Reason: reason}
}

// ResourceError builds an ERROR reply for resource exhaustion.
func ResourceError(reason string) *Message {
	return &Message{Type: TypeError, Kind: ErrKindResource, Reason: reason}
}
