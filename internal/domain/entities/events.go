package entities

// EventType names a server-sent event of the exchange stream.
type EventType string

const (
	EventStatus EventType = "status"
	EventToken  EventType = "token"
	EventDone   EventType = "done"
	EventTitle  EventType = "title"
	EventError  EventType = "error"
)

// StreamEvent is one event of the exchange wire protocol.
type StreamEvent struct {
	Type EventType
	Data any
}

// StatusPayload is a free-text progress message.
type StatusPayload struct {
	Message string `json:"message"`
}

// TokenPayload is an incremental content fragment.
type TokenPayload struct {
	Content string `json:"content"`
}

// DonePayload closes a successful (or cancelled) exchange.
type DonePayload struct {
	UserMessageID      string      `json:"user_message_id"`
	AssistantMessageID string      `json:"assistant_message_id"`
	Usage              *UsageStats `json:"usage,omitempty"`
	Model              ModelRef    `json:"model"`
	VersionGroupID     string      `json:"version_group_id,omitempty"`
	VersionNumber      int         `json:"version_number"`
	EditedMessageID    string      `json:"edited_message_id,omitempty"`
	Cancelled          bool        `json:"cancelled,omitempty"`
}

// TitlePayload carries a generated conversation title.
type TitlePayload struct {
	Title string `json:"title"`
}

// ErrorPayload carries a sanitized failure and the id of the persisted partial message, if any.
type ErrorPayload struct {
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}
