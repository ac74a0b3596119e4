package store

// Credential is the persisted access/refresh token pair. A session holds
// at most one row; only the auth coordinator writes it.
type Credential struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  int64 // unix ms
	RefreshExpiresAt int64 // unix ms
}

// Action is a persisted offline mutation awaiting replay.
type Action struct {
	ID         string
	Type       string
	Payload    []byte
	RetryCount int
	MaxRetries int
	CreatedAt  int64
}

// Message is a persisted server-confirmed message. Optimistic entries
// never reach the store; they live only in the cache until reconciled.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	ReplyToID      string
	Attachment     string
	CreatedAt      int64
}
