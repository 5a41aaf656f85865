package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"groupvault/internal/types"
)

// DefaultLimit applies when QueryMessages gets a non-positive limit.
const DefaultLimit = 50

// Save stores msg and returns its row id. Saving the same source id again
// returns the existing row id without modifying it.
func (s *Store) Save(ctx context.Context, msg *types.NormalizedMessage) (int64, error) {
	if msg == nil {
		return 0, fmt.Errorf("nil message")
	}
	refs, err := json.Marshal(nonNil(msg.LinkRefs))
	if err != nil {
		return 0, fmt.Errorf("marshal link refs: %w", err)
	}
	var linkTitle string
	if msg.Attachment != nil && msg.Attachment.Kind == types.KindLink {
		linkTitle = msg.Attachment.Title
	}
	var replyID, replyText, replyKind, replyLocator sql.NullString
	if r := msg.Reply; r != nil {
		replyID = sql.NullString{String: r.SourceMessageID, Valid: true}
		replyText = sql.NullString{String: r.Text, Valid: true}
		replyKind = sql.NullString{String: string(r.AttachmentKind), Valid: true}
		replyLocator = sql.NullString{String: r.AttachmentLocator, Valid: true}
	}
	sourceID := sql.NullString{String: msg.SourceID, Valid: msg.SourceID != ""}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			source_id, group_id, group_name, sender_name, text, timestamp, kind,
			image, video, audio, document, link, batch, link_refs, link_title,
			reply_source_id, reply_text, reply_kind, reply_locator
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO NOTHING`,
		sourceID, msg.GroupID, msg.GroupName, msg.SenderName, msg.Text, msg.Timestamp.UnixMilli(), string(msg.Kind),
		msg.Attachments.Image, msg.Attachments.Video, msg.Attachments.Audio, msg.Attachments.Document,
		msg.Attachments.Link, msg.Attachments.Batch, string(refs), linkTitle,
		replyID, replyText, replyKind, replyLocator,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	var id int64
	if n, _ := res.RowsAffected(); n == 0 {
		if err := tx.QueryRowContext(ctx, `SELECT id FROM messages WHERE source_id = ?`, msg.SourceID).Scan(&id); err != nil {
			return 0, fmt.Errorf("lookup duplicate: %w", err)
		}
	} else if id, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if msg.GroupID != "" {
		if err := upsertGroupTx(ctx, tx, types.Group{ID: msg.GroupID, Name: msg.GroupName, LastSeen: msg.Timestamp}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// QueryMessages returns messages newest first. An empty groupID spans all
// groups.
func (s *Store) QueryMessages(ctx context.Context, groupID string, limit, offset int) ([]types.NormalizedMessage, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT source_id, group_id, group_name, sender_name, text, timestamp, kind,
		image, video, audio, document, link, batch, link_refs, link_title,
		reply_source_id, reply_text, reply_kind, reply_locator
		FROM messages`
	args := []interface{}{}
	if groupID != "" {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []types.NormalizedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows) (types.NormalizedMessage, error) {
	var (
		msg                                         types.NormalizedMessage
		sourceID                                    sql.NullString
		ts                                          int64
		kind, refs, linkTitle                       string
		replyID, replyText, replyKind, replyLocator sql.NullString
	)
	err := rows.Scan(&sourceID, &msg.GroupID, &msg.GroupName, &msg.SenderName, &msg.Text, &ts, &kind,
		&msg.Attachments.Image, &msg.Attachments.Video, &msg.Attachments.Audio, &msg.Attachments.Document,
		&msg.Attachments.Link, &msg.Attachments.Batch, &refs, &linkTitle,
		&replyID, &replyText, &replyKind, &replyLocator)
	if err != nil {
		return msg, fmt.Errorf("scan message: %w", err)
	}
	msg.SourceID = sourceID.String
	msg.Timestamp = time.UnixMilli(ts).UTC()
	msg.Kind = types.AttachmentKind(kind)
	if msg.Kind != types.KindNone {
		msg.Attachment = &types.AttachmentDescriptor{Kind: msg.Kind, Locator: msg.Attachments.Get(msg.Kind)}
		if msg.Kind == types.KindLink {
			msg.Attachment.Title = linkTitle
		}
	}
	if refs != "" && refs != "[]" {
		if err := json.Unmarshal([]byte(refs), &msg.LinkRefs); err != nil {
			return msg, fmt.Errorf("decode link refs: %w", err)
		}
	}
	if replyID.Valid {
		msg.Reply = &types.Reply{
			SourceMessageID:   replyID.String,
			Text:              replyText.String,
			AttachmentKind:    types.AttachmentKind(replyKind.String),
			AttachmentLocator: replyLocator.String,
		}
	}
	return msg, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
