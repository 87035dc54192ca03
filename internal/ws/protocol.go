package ws

import (
	"encoding/json"
	"time"
)

// Every frame in either direction is one Envelope. Data holds the
// event-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound event types.
const (
	eventRegister         = "register"
	eventSendMessage      = "send_message"
	eventGetHistory       = "get_history"
	eventMarkMessageRead  = "mark_message_read"
	eventSendNotification = "send_notification"
	eventTyping           = "typing"
	eventHeartbeat        = "heartbeat"
)

// Outbound event types owned by this package. Pushes produced by the
// feature packages carry their own event constants.
const (
	EventSendAck           = "send_ack"
	EventHistory           = "history"
	EventMarkReadAck       = "mark_read_ack"
	EventHeartbeatAck      = "heartbeat_ack"
	EventSessionSuperseded = "session_superseded"
	EventError             = "error"
)

// Stable error codes surfaced in acks and error events.
const (
	codeInvalidInput      = "invalid_input"
	codeRateLimited       = "rate_limited"
	codeStorageError      = "storage_error"
	codeAlreadyRegistered = "already_registered"
	codeUnsupported       = "unsupported_type"
)

type registerPayload struct {
	Identity    string `json:"identity" validate:"required"`
	DisplayName string `json:"display_name"`
}

type sendMessagePayload struct {
	SenderID   string     `json:"sender_id" validate:"required"`
	ReceiverID string     `json:"receiver_id" validate:"required"`
	Text       string     `json:"text" validate:"required"`
	ID         string     `json:"id"`
	SentAt     *time.Time `json:"sent_at"`
}

type getHistoryPayload struct {
	Identity  string `json:"identity" validate:"required"`
	PartnerID string `json:"partner_id"`
}

type markMessageReadPayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

type sendNotificationPayload struct {
	Type           string `json:"type" validate:"required,oneof=like comment message system"`
	SenderID       string `json:"sender_id" validate:"required"`
	SenderName     string `json:"sender_name"`
	RecipientID    string `json:"recipient_id" validate:"required"`
	PostID         string `json:"post_id"`
	CommentText    string `json:"comment_text"`
	MessagePreview string `json:"message_preview"`
}

type typingPayload struct {
	SenderID    string `json:"sender_id" validate:"required"`
	RecipientID string `json:"recipient_id" validate:"required"`
	IsTyping    bool   `json:"is_typing"`
}

type sendAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type markReadAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
