package protocol

// Message types used by the websocket protocol.
const (
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
	TypeRoomJoined        = "room_joined"
	TypeSendMessage       = "send_message"
	TypeMessage           = "message"
	TypeTyping            = "typing"
	TypeStopTyping        = "stop_typing"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeMessageError      = "message_error"
	TypeLinkPreview       = "link_preview"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

// Message is the JSON control envelope exchanged over websocket.
type Message struct {
	Type    string       `json:"type"`
	ChatID  int64        `json:"chat_id,omitempty"`
	Body    string       `json:"body,omitempty"`
	UserID  string       `json:"user_id,omitempty"`
	MsgID   int64        `json:"msg_id,omitempty"`
	TS      int64        `json:"ts,omitempty"`
	Error   string       `json:"error,omitempty"`
	Msg     *ChatMessage `json:"msg,omitempty"`
	Preview *LinkPreview `json:"preview,omitempty"`
}

// ChatMessage is a persisted message enriched with the sender's display name.
type ChatMessage struct {
	ID         int64  `json:"id"`
	ChatID     int64  `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
	TS         int64  `json:"ts"`
}

// LinkPreview holds OpenGraph metadata extracted from a URL found in a
// message body. Sent as a follow-up link_preview event after the message
// itself has been delivered.
type LinkPreview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Desc     string `json:"desc,omitempty"`
	Image    string `json:"image,omitempty"`
	SiteName string `json:"site_name,omitempty"`
}
