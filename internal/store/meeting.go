package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/model"
)

const meetingColumns = `id, lead_id, agent_id, title, description, meeting_type, scheduled_at,
	duration_minutes, location, status, notes, created_at, updated_at`

func scanMeeting(s scanner) (model.Meeting, error) {
	var (
		m         model.Meeting
		scheduled int64
		created   int64
		updated   int64
	)
	if err := s.Scan(&m.ID, &m.LeadID, &m.AgentID, &m.Title, &m.Description, &m.Type, &scheduled,
		&m.DurationMinutes, &m.Location, &m.Status, &m.Notes, &created, &updated); err != nil {
		return model.Meeting{}, err
	}
	m.ScheduledAt = fromMillis(scheduled)
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	return m, nil
}

func scanMeetings(rows *sql.Rows) ([]model.Meeting, error) {
	defer func() { _ = rows.Close() }()
	var meetings []model.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// ListMeetings returns the agent's meetings ordered by scheduled time. An
// empty agentID lists every meeting.
func (db *DB) ListMeetings(ctx context.Context, agentID string) ([]model.Meeting, error) {
	q := `SELECT ` + meetingColumns + ` FROM meetings`
	var args []any
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY scheduled_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanMeetings(rows)
}

// GetMeeting returns a single meeting by ID.
func (db *DB) GetMeeting(ctx context.Context, id string) (model.Meeting, error) {
	m, err := scanMeeting(db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Meeting{}, ErrNotFound
	}
	return m, err
}

// InsertMeeting writes a new meeting and returns the stored row.
func (db *DB) InsertMeeting(ctx context.Context, m model.Meeting) (model.Meeting, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = model.MeetingScheduled
	}
	now := db.stamp()
	out, err := scanMeeting(db.QueryRowContext(ctx, `
		INSERT INTO meetings (`+meetingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+meetingColumns,
		m.ID, m.LeadID, m.AgentID, m.Title, m.Description, m.Type, millis(m.ScheduledAt),
		m.DurationMinutes, m.Location, m.Status, m.Notes, millis(now), millis(now)))
	if err != nil {
		return model.Meeting{}, fmt.Errorf("insert meeting: %w", err)
	}
	db.publish(feed.TableMeetings, feed.Insert, out, nil)
	return out, nil
}

// UpdateMeeting replaces the mutable fields of a meeting and returns the
// stored row.
func (db *DB) UpdateMeeting(ctx context.Context, m model.Meeting) (model.Meeting, error) {
	out, err := scanMeeting(db.QueryRowContext(ctx, `
		UPDATE meetings SET
			title = ?, description = ?, meeting_type = ?, scheduled_at = ?, duration_minutes = ?,
			location = ?, status = ?, notes = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+meetingColumns,
		m.Title, m.Description, m.Type, millis(m.ScheduledAt), m.DurationMinutes,
		m.Location, m.Status, m.Notes, millis(db.stamp()), m.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Meeting{}, ErrNotFound
	}
	if err != nil {
		return model.Meeting{}, fmt.Errorf("update meeting %s: %w", m.ID, err)
	}
	db.publish(feed.TableMeetings, feed.Update, out, nil)
	return out, nil
}
