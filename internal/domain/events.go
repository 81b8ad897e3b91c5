package domain

import "time"

// TicketCreatedEvent is published to Kafka after a checkout transaction
// commits. It carries everything the notification worker needs, so the worker
// never reads the database.
type TicketCreatedEvent struct {
	TicketID    string       `json:"ticket_id"`
	UserID      string       `json:"user_id"`
	Email       string       `json:"email"`
	Status      TicketStatus `json:"status"`
	TotalAmount int64        `json:"total_amount"`
	Items       []TicketItem `json:"items"`
	Timestamp   time.Time    `json:"timestamp"`
}
