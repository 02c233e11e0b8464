package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/model"
)

const activityColumns = `id, lead_id, agent_id, activity_type, description, old_value, new_value,
	meeting_id, created_at`

func scanActivity(s scanner) (model.Activity, error) {
	var (
		a        model.Activity
		oldValue sql.NullString
		newValue sql.NullString
		created  int64
	)
	if err := s.Scan(&a.ID, &a.LeadID, &a.AgentID, &a.Type, &a.Description, &oldValue, &newValue,
		&a.MeetingID, &created); err != nil {
		return model.Activity{}, err
	}
	var err error
	if a.OldValue, err = decodeValues(oldValue); err != nil {
		return model.Activity{}, fmt.Errorf("decode old_value of %s: %w", a.ID, err)
	}
	if a.NewValue, err = decodeValues(newValue); err != nil {
		return model.Activity{}, fmt.Errorf("decode new_value of %s: %w", a.ID, err)
	}
	a.CreatedAt = fromMillis(created)
	return a, nil
}

func scanActivities(rows *sql.Rows) ([]model.Activity, error) {
	defer func() { _ = rows.Close() }()
	var activities []model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func encodeValues(v model.Values) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeValues(s sql.NullString) (model.Values, error) {
	if !s.Valid {
		return nil, nil
	}
	var v model.Values
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ListActivities returns a lead's activities, newest first. An empty leadID
// lists activities across every lead.
func (db *DB) ListActivities(ctx context.Context, leadID string) ([]model.Activity, error) {
	q := `SELECT ` + activityColumns + ` FROM activities`
	var args []any
	if leadID != "" {
		q += ` WHERE lead_id = ?`
		args = append(args, leadID)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// ListAgentActivities returns the activities recorded by agentID, newest
// first.
func (db *DB) ListAgentActivities(ctx context.Context, agentID string) ([]model.Activity, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities
		WHERE agent_id = ? ORDER BY created_at DESC, id DESC`, agentID)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// InsertActivity appends an activity and returns the stored row.
func (db *DB) InsertActivity(ctx context.Context, a model.Activity) (model.Activity, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = db.stamp()
	}
	oldValue, err := encodeValues(a.OldValue)
	if err != nil {
		return model.Activity{}, err
	}
	newValue, err := encodeValues(a.NewValue)
	if err != nil {
		return model.Activity{}, err
	}

	out, err := scanActivity(db.QueryRowContext(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+activityColumns,
		a.ID, a.LeadID, a.AgentID, a.Type, a.Description, oldValue, newValue, a.MeetingID, millis(created)))
	if err != nil {
		return model.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	db.publish(feed.TableActivities, feed.Insert, out, nil)
	return out, nil
}
