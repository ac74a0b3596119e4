package realtime

import "github.com/matheus3301/msync/internal/cache"

// Frame types spoken on a channel.
const (
	frameJoin           = "join"
	frameJoined         = "joined"
	frameMessage        = "message"
	frameMessageDeleted = "message_deleted"
	frameError          = "error"
)

// joinFrame is the room-join handshake. LastMessageAt is the cache
// watermark; when zero it is omitted and the server returns full history.
type joinFrame struct {
	Type          string `json:"type"`
	RoomID        string `json:"roomId"`
	UserID        string `json:"userId"`
	LastMessageAt int64  `json:"lastMessageAt,omitempty"`
}

// OutboundMessage is the emit shape for sends over a room channel.
type OutboundMessage struct {
	Type        string            `json:"type"`
	RoomID      string            `json:"roomId"`
	MessageType string            `json:"messageType"`
	Content     OutboundContent   `json:"content"`
	Sender      cache.Sender      `json:"sender"`
	File        *cache.Attachment `json:"file,omitempty"`
	ReplyingTo  string            `json:"replyingTo,omitempty"`
}

// OutboundContent carries the client-generated id and body of a send.
// The server echoes the id back so the device that sent the message can
// match the echo to its optimistic entry.
type OutboundContent struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// NewTextMessage builds the emit frame for a text send. clientID is the
// locally generated id the server echoes back in the confirmation.
func NewTextMessage(roomID, clientID, body, replyTo string, file *cache.Attachment) OutboundMessage {
	return OutboundMessage{
		Type:        frameMessage,
		RoomID:      roomID,
		MessageType: "text",
		Content:     OutboundContent{ID: clientID, Body: body},
		ReplyingTo:  replyTo,
		File:        file,
	}
}

// inboundFrame is the union of everything the server pushes.
type inboundFrame struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	Messages  []cache.Message `json:"messages,omitempty"`
	Message   *cache.Message  `json:"message,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Code      string          `json:"code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// HistoryBatch is the bus payload for a room-join acknowledgement.
type HistoryBatch struct {
	RoomID   string
	Messages []cache.Message
}

// Push is the bus payload for a single pushed message. ClientID is set
// when the push is the echo of this device's own send.
type Push struct {
	RoomID   string
	Message  cache.Message
	ClientID string
}

// Deletion is the bus payload for a server-driven message delete.
type Deletion struct {
	RoomID    string
	MessageID string
}
