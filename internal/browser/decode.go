package browser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"groupvault/internal/adapter"
	"groupvault/internal/types"
)

// wireEvent is one entry of the bridge queue.
type wireEvent struct {
	Type    string       `json:"type"`
	QR      string       `json:"qr"`
	Reason  string       `json:"reason"`
	Self    string       `json:"self"`
	Message *wireMessage `json:"message"`
}

type wireMedia struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename"`
	Data     string `json:"data"` // base64
}

type wireQuoted struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	HasMedia  bool   `json:"hasMedia"`
	MimeType  string `json:"mimetype"`
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
}

type wireMessage struct {
	ID          string      `json:"id"`
	ChatID      string      `json:"chatId"`
	ChatName    string      `json:"chatName"`
	IsGroup     bool        `json:"isGroup"`
	Author      string      `json:"author"`
	PushName    string      `json:"pushname"`
	ContactName string      `json:"contactName"`
	FromMe      bool        `json:"fromMe"`
	Body        string      `json:"body"`
	Timestamp   int64       `json:"timestamp"`
	HasMedia    bool        `json:"hasMedia"`
	Media       *wireMedia  `json:"media"`
	Album       []wireMedia `json:"album"`
	Quoted      *wireQuoted `json:"quoted"`
}

// drained is a decoded bridge event plus the identity carried by ready.
type drained struct {
	adapter.Event
	Self string
}

// decodeEvents converts a drained bridge queue. Entries that cannot be
// decoded are skipped; the first such error is returned alongside the
// events that were decoded.
func decodeEvents(raw []byte) ([]drained, error) {
	var wire []json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode bridge queue: %w", err)
	}
	out := make([]drained, 0, len(wire))
	var firstErr error
	for i, w := range wire {
		ev, err := decodeEvent(w)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("event %d: %w", i, err)
			}
			continue
		}
		out = append(out, ev)
	}
	return out, firstErr
}

func decodeEvent(raw json.RawMessage) (drained, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return drained{}, err
	}
	var d drained
	switch kind := adapter.EventKind(strings.ToLower(w.Type)); kind {
	case adapter.EventQR:
		if w.QR == "" {
			return drained{}, fmt.Errorf("qr event without code")
		}
		d.Event = adapter.Event{Kind: kind, QR: w.QR}
	case adapter.EventAuthenticated:
		d.Event = adapter.Event{Kind: kind}
	case adapter.EventReady:
		d.Event = adapter.Event{Kind: kind}
		d.Self = w.Self
	case adapter.EventAuthFailure, adapter.EventDisconnected:
		d.Event = adapter.Event{Kind: kind, Reason: w.Reason}
	case adapter.EventMessage:
		if w.Message == nil {
			return drained{}, fmt.Errorf("message event without payload")
		}
		msg, err := w.Message.inbound()
		if err != nil {
			return drained{}, err
		}
		d.Event = adapter.Event{Kind: kind, Message: msg}
	default:
		return drained{}, fmt.Errorf("unknown event type %q", w.Type)
	}
	return d, nil
}

func (m *wireMessage) inbound() (*types.InboundEvent, error) {
	ev := &types.InboundEvent{
		ID:          m.ID,
		ChatID:      m.ChatID,
		ChatName:    m.ChatName,
		IsGroup:     m.IsGroup,
		AuthorID:    m.Author,
		PushName:    m.PushName,
		ContactName: m.ContactName,
		FromMe:      m.FromMe,
		Body:        m.Body,
		Timestamp:   m.Timestamp,
		HasMedia:    m.HasMedia,
	}
	if m.Media != nil {
		media, err := m.Media.ref()
		if err != nil {
			return nil, fmt.Errorf("message %s media: %w", m.ID, err)
		}
		ev.Media = &media
	}
	for i := range m.Album {
		media, err := m.Album[i].ref()
		if err != nil {
			return nil, fmt.Errorf("message %s album item %d: %w", m.ID, i, err)
		}
		ev.Album = append(ev.Album, media)
	}
	if q := m.Quoted; q != nil {
		ev.Quoted = &types.QuotedMessage{
			ID:        q.ID,
			Body:      q.Body,
			Type:      q.Type,
			HasMedia:  q.HasMedia,
			MimeType:  q.MimeType,
			Filename:  q.Filename,
			Timestamp: q.Timestamp,
		}
	}
	return ev, nil
}

func (w wireMedia) ref() (types.MediaRef, error) {
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return types.MediaRef{}, err
	}
	return types.MediaRef{MimeType: w.MimeType, Filename: w.Filename, Data: data}, nil
}

func decodeChats(raw []byte) ([]types.ChatRef, error) {
	var chats []types.ChatRef
	if err := json.Unmarshal(raw, &chats); err != nil {
		return nil, fmt.Errorf("decode chats: %w", err)
	}
	return chats, nil
}
