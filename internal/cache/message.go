package cache

// Delivery is the client-side delivery state of a message.
type Delivery string

const (
	// Pending is a locally-created entry not yet confirmed by the server.
	Pending Delivery = "pending"
	// Confirmed is a server-acknowledged message with a stable server id.
	Confirmed Delivery = "confirmed"
	// Failed is a pending entry whose confirmation never arrived inside
	// the reconcile window. Surfaced to the UI for retry, never dropped.
	Failed Delivery = "failed"
)

// Sender identifies the author of a message.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Message is one entry in a conversation timeline. ID is the
// server-assigned stable id and is empty while the entry is pending;
// LocalID is the client-generated temporary id assigned at optimistic
// insert and kept through reconciliation.
type Message struct {
	ID             string      `json:"id,omitempty"`
	LocalID        string      `json:"localId,omitempty"`
	ConversationID string      `json:"conversationId"`
	Sender         Sender      `json:"sender"`
	Body           string      `json:"body"`
	CreatedAt      int64       `json:"createdAt"` // unix ms, server authoritative
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	Delivery       Delivery    `json:"deliveryState"`

	// seq is the insertion order, used only to break CreatedAt ties.
	seq int64
	// insertedAt is the local wall-clock time a pending entry appeared,
	// used for the reconcile window.
	insertedAt int64
}
