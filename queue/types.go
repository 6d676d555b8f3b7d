package queue

import "time"

const (
	pendingNamespace = "pending"
	failedNamespace  = "failed"
	corruptNamespace = "corrupt"
)

// QueuedMessage is an inbound message waiting for webhook delivery.
type QueuedMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	Body       string    `json:"body"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}

// FailedAttempt is one entry of the append-only delivery failure archive.
type FailedAttempt struct {
	SenderID     string    `json:"senderId"`
	Body         string    `json:"body"`
	FailedAt     time.Time `json:"failedAt"`
	ErrorSummary string    `json:"error"`
}

// Pending pairs a stored message with the locator needed to update or remove it.
type Pending struct {
	Locator string
	Message QueuedMessage
}
