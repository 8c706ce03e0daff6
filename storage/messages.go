package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveMessage inserts a new transcript row.
func (s *Store) SaveMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.Content == "" {
		return errors.New("content is required")
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			peer_id,
			content,
			direction,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		message.MessageID,
		message.PeerID,
		message.Content,
		message.Direction,
		message.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessages returns the conversation with one peer in chronological order.
func (s *Store) GetMessages(peerID string, limit, offset int) ([]Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			peer_id,
			content,
			direction,
			timestamp
		FROM messages
		WHERE peer_id = ?
		ORDER BY timestamp ASC, message_id
		LIMIT ? OFFSET ?`,
		peerID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for peer %q: %w", peerID, err)
	}
	return collectMessages(rows)
}

// GetRecentMessages returns the newest limit messages, oldest first.
func (s *Store) GetRecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT message_id, peer_id, content, direction, timestamp
		FROM (
			SELECT message_id, peer_id, content, direction, timestamp
			FROM messages
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, message_id`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	return collectMessages(rows)
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			peer_id,
			content,
			direction,
			timestamp
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// DeleteMessagesBefore prunes rows older than cutoffTimestamp.
func (s *Store) DeleteMessagesBefore(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("delete messages before %d: %w", cutoffTimestamp, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for delete messages: %w", err)
	}
	return rowsAffected, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var message Message
	if err := row.Scan(
		&message.MessageID,
		&message.PeerID,
		&message.Content,
		&message.Direction,
		&message.Timestamp,
	); err != nil {
		return nil, err
	}
	return &message, nil
}
