// Package types holds the data shared between the session runtime, the
// ingestion pipeline and the sinks.
package types

import (
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of the live session.
type ConnectionState string

const (
	StateUninitialized ConnectionState = "UNINITIALIZED"
	StateConnecting    ConnectionState = "CONNECTING"
	StateAuthPending   ConnectionState = "AUTH_PENDING"
	StateAuthenticated ConnectionState = "AUTHENTICATED"
	StateReady         ConnectionState = "READY"
	StateDisconnected  ConnectionState = "DISCONNECTED"
	StateStale         ConnectionState = "STALE"
	StateShuttingDown  ConnectionState = "SHUTTING_DOWN"
	StateTerminated    ConnectionState = "TERMINATED"
)

// Status is the externally visible snapshot of the session.
type Status struct {
	State             ConnectionState `json:"state"`
	IsAuthenticated   bool            `json:"is_authenticated"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	LastHeartbeat     time.Time       `json:"last_heartbeat"`
	Owner             string          `json:"owner,omitempty"`
}

// ChatRef is a chat entry as reported by the adapter.
type ChatRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"is_group"`
	MemberCount int    `json:"member_count"`
}

// Group is a discovered group-scoped chat.
type Group struct {
	ID          string    `json:"group_id"`
	Name        string    `json:"name"`
	MemberCount int       `json:"member_count"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// GroupSuffix marks group-scoped chat identifiers.
const GroupSuffix = "@g.us"

// BroadcastSuffix marks broadcast and status channels.
const BroadcastSuffix = "@broadcast"

// IsGroupID reports whether id names a group-scoped chat.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, GroupSuffix)
}

// IsBroadcastID reports whether id names a broadcast or status channel.
func IsBroadcastID(id string) bool {
	return strings.HasSuffix(id, BroadcastSuffix)
}

// MediaRef carries the raw bytes of an inbound attachment.
type MediaRef struct {
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"-"`
}

// QuotedMessage describes the message an inbound event replies to.
type QuotedMessage struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Type      string `json:"type"` // chat, image, video, audio, ptt, document, sticker
	HasMedia  bool   `json:"has_media"`
	MimeType  string `json:"mime_type,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Timestamp int64  `json:"timestamp"`
	// Locator is set when the quoted message's stored attachment is known.
	Locator string `json:"locator,omitempty"`
}

// InboundEvent is one raw message event from the adapter, reduced to the
// fields the ingestion pipeline consumes.
type InboundEvent struct {
	ID          string         `json:"id"`
	ChatID      string         `json:"chat_id"`
	ChatName    string         `json:"chat_name"`
	IsGroup     bool           `json:"is_group"`
	AuthorID    string         `json:"author_id"`
	PushName    string         `json:"push_name"`
	ContactName string         `json:"contact_name"`
	FromMe      bool           `json:"from_me"`
	Body        string         `json:"body"`
	Timestamp   int64          `json:"timestamp"` // unix seconds, 0 when absent
	HasMedia    bool           `json:"has_media"`
	Media       *MediaRef      `json:"media,omitempty"`
	Album       []MediaRef     `json:"-"`
	Quoted      *QuotedMessage `json:"quoted,omitempty"`
}

// AttachmentKind classifies stored attachments.
type AttachmentKind string

const (
	KindNone     AttachmentKind = ""
	KindImage    AttachmentKind = "image"
	KindDocument AttachmentKind = "document"
	KindVideo    AttachmentKind = "video"
	KindAudio    AttachmentKind = "audio"
	KindLink     AttachmentKind = "link"
	KindBatch    AttachmentKind = "batch"
)

// KindPriority orders kinds for the unified attachment field.
var KindPriority = []AttachmentKind{KindImage, KindVideo, KindAudio, KindDocument, KindLink, KindBatch}

// AttachmentDescriptor is a resolved attachment. Locator is relative to the
// media root (or the URL itself for links).
type AttachmentDescriptor struct {
	Kind    AttachmentKind `json:"kind"`
	Locator string         `json:"locator"`
	Title   string         `json:"title,omitempty"`
}

// Attachments keeps one locator per kind.
type Attachments struct {
	Image    string `json:"image,omitempty"`
	Video    string `json:"video,omitempty"`
	Audio    string `json:"audio,omitempty"`
	Document string `json:"document,omitempty"`
	Link     string `json:"link,omitempty"`
	Batch    string `json:"batch,omitempty"`
}

// Get returns the locator stored for kind.
func (a Attachments) Get(kind AttachmentKind) string {
	switch kind {
	case KindImage:
		return a.Image
	case KindVideo:
		return a.Video
	case KindAudio:
		return a.Audio
	case KindDocument:
		return a.Document
	case KindLink:
		return a.Link
	case KindBatch:
		return a.Batch
	}
	return ""
}

// Set stores locator for kind. Unknown kinds are ignored.
func (a *Attachments) Set(kind AttachmentKind, locator string) {
	switch kind {
	case KindImage:
		a.Image = locator
	case KindVideo:
		a.Video = locator
	case KindAudio:
		a.Audio = locator
	case KindDocument:
		a.Document = locator
	case KindLink:
		a.Link = locator
	case KindBatch:
		a.Batch = locator
	}
}

// Reply is the resolved context of a quoted message.
type Reply struct {
	SourceMessageID   string         `json:"source_message_id"`
	Text              string         `json:"text"`
	AttachmentKind    AttachmentKind `json:"attachment_kind,omitempty"`
	AttachmentLocator string         `json:"attachment_locator,omitempty"`
}

// NormalizedMessage is the pipeline output handed to the sinks.
type NormalizedMessage struct {
	SourceID    string                `json:"source_id,omitempty"`
	GroupID     string                `json:"group_id"`
	GroupName   string                `json:"group_name"`
	SenderName  string                `json:"sender_name"`
	Text        string                `json:"text"`
	Timestamp   time.Time             `json:"timestamp"`
	Attachment  *AttachmentDescriptor `json:"attachment,omitempty"`
	Attachments Attachments           `json:"attachments"`
	Kind        AttachmentKind        `json:"kind,omitempty"`
	Reply       *Reply                `json:"reply,omitempty"`
	LinkRefs    []string              `json:"link_refs,omitempty"`
}
