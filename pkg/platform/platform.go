// Package platform defines the capability set a messaging platform must
// provide to the dialog engine and the normalized inbound event it produces.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedUpdate is returned by ProcessUpdate for updates that carry no
// user input the engine understands (edits, joins, polls, ...).
var ErrUnsupportedUpdate = errors.New("unsupported update")

// Credentials configure an adapter.
type Credentials struct {
	Token         string
	WebhookSecret string
	// StorageChatID is a chat the bot may post to when it needs to upload a
	// file without a conversation (to obtain a reusable file id).
	StorageChatID string
	// BaseURL overrides the platform API endpoint.
	BaseURL string
}

// EventKind classifies a normalized inbound event.
type EventKind string

const (
	EventText   EventKind = "text"
	EventButton EventKind = "button"
	EventMedia  EventKind = "media"
)

// Event is a platform update reduced to what the engine needs.
type Event struct {
	UpdateID  string
	Kind      EventKind
	ChatID    string
	UserID    string
	MessageID string
	// Text is the message text or media caption.
	Text string
	// Value is the button value for EventButton.
	Value string
	// StepRef is the step the clicked button was rendered for, if the
	// platform round-trips it.
	StepRef    string
	CallbackID string
	Media      *MediaItem
	Raw        json.RawMessage
}

// Payload returns the user-supplied value of the event.
func (e *Event) Payload() string {
	switch e.Kind {
	case EventButton:
		return e.Value
	case EventMedia:
		if e.Media != nil {
			return e.Media.Source
		}
	}
	return e.Text
}

// MediaType is the kind of a media item.
type MediaType string

const (
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaDocument  MediaType = "document"
	MediaAudio     MediaType = "audio"
	MediaAnimation MediaType = "animation"
	MediaVoice     MediaType = "voice"
)

// SourceKind says how MediaItem.Source must be interpreted.
type SourceKind string

const (
	SourceURL    SourceKind = "url"
	SourceFileID SourceKind = "file_id"
	SourcePath   SourceKind = "path"
)

// MediaItem is an adapter-agnostic media descriptor.
type MediaItem struct {
	Type       MediaType  `json:"type"`
	Source     string     `json:"source"`
	SourceKind SourceKind `json:"source_kind"`
	Caption    string     `json:"caption,omitempty"`
}

// Button is one option of an inline keyboard.
type Button struct {
	Text    string `json:"text"`
	Value   string `json:"value"`
	StepRef string `json:"step_ref,omitempty"`
}

// File is content downloaded from a platform.
type File struct {
	ID       string
	Name     string
	MIMEType string
	Content  []byte
}

// Response is the uniform envelope every adapter call returns. A non-nil
// error accompanies every response with OK == false.
type Response struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	MessageIDs  []string        `json:"message_ids,omitempty"`
	FileID      string          `json:"file_id,omitempty"`
	File        *File           `json:"-"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// APIError is a platform-reported failure.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: platform error %d: %s", e.Method, e.Code, e.Description)
}

// Adapter is the capability set of one messaging platform.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context, creds Credentials) (bool, error)
	SendTextMessage(ctx context.Context, chatID, text string) (*Response, error)
	SendMediaMessage(ctx context.Context, chatID string, item MediaItem) (*Response, error)
	SendMediaGroup(ctx context.Context, chatID string, items []MediaItem, caption string) (*Response, error)
	SendButtons(ctx context.Context, chatID, text string, buttons []Button) (*Response, error)
	ProcessUpdate(ctx context.Context, raw []byte) (*Event, error)
	SetWebhook(ctx context.Context, url, secret string) (*Response, error)
	DeleteWebhook(ctx context.Context) (*Response, error)
	GetWebhookInfo(ctx context.Context) (*Response, error)
	GetFileFromPlatform(ctx context.Context, fileID string) (*Response, error)
	UploadFileToPlatform(ctx context.Context, path string, mediaType MediaType) (*Response, error)
}

// CallbackAcknowledger is implemented by platforms that require button
// clicks to be acknowledged.
type CallbackAcknowledger interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}
