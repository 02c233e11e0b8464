package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/leadsync/internal/feed"
	"github.com/matheus3301/leadsync/internal/model"
)

const leadColumns = `id, name, phone, email, property_types, budget_min, budget_max,
	location, source, agent_id, status, temperature, follow_up_at, notes, tags,
	created_at, updated_at`

func scanLead(s scanner) (model.Lead, error) {
	var (
		l        model.Lead
		types    string
		tags     string
		followUp sql.NullInt64
		created  int64
		updated  int64
	)
	if err := s.Scan(&l.ID, &l.Name, &l.Phone, &l.Email, &types, &l.BudgetMin, &l.BudgetMax,
		&l.Location, &l.Source, &l.AgentID, &l.Status, &l.Temperature, &followUp, &l.Notes, &tags,
		&created, &updated); err != nil {
		return model.Lead{}, err
	}
	if err := json.Unmarshal([]byte(types), &l.PropertyTypes); err != nil {
		return model.Lead{}, fmt.Errorf("decode property_types of %s: %w", l.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
		return model.Lead{}, fmt.Errorf("decode tags of %s: %w", l.ID, err)
	}
	if len(l.Tags) == 0 {
		l.Tags = nil
	}
	l.FollowUpAt = fromNullMillis(followUp)
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return l, nil
}

func scanLeads(rows *sql.Rows) ([]model.Lead, error) {
	defer func() { _ = rows.Close() }()
	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// ListLeads returns the agent's leads, newest first. An empty agentID lists
// every lead.
func (db *DB) ListLeads(ctx context.Context, agentID string) ([]model.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads`
	var args []any
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanLeads(rows)
}

// GetLead returns a single lead by ID.
func (db *DB) GetLead(ctx context.Context, id string) (model.Lead, error) {
	l, err := scanLead(db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lead{}, ErrNotFound
	}
	return l, err
}

// InsertLead writes a new lead and returns the stored row. A missing ID is
// generated.
func (db *DB) InsertLead(ctx context.Context, l model.Lead) (model.Lead, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = model.StageNew
	}
	now := db.stamp()
	types, err := jsonList(l.PropertyTypes)
	if err != nil {
		return model.Lead{}, err
	}
	tags, err := jsonList(l.Tags)
	if err != nil {
		return model.Lead{}, err
	}

	out, err := scanLead(db.QueryRowContext(ctx, `
		INSERT INTO leads (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+leadColumns,
		l.ID, l.Name, l.Phone, l.Email, types, l.BudgetMin, l.BudgetMax,
		l.Location, l.Source, l.AgentID, l.Status, l.Temperature, nullMillis(l.FollowUpAt), l.Notes, tags,
		millis(now), millis(now)))
	if err != nil {
		return model.Lead{}, fmt.Errorf("insert lead: %w", err)
	}
	db.publish(feed.TableLeads, feed.Insert, out, nil)
	return out, nil
}

// UpdateLead replaces every mutable field of the lead and returns the stored
// row.
func (db *DB) UpdateLead(ctx context.Context, l model.Lead) (model.Lead, error) {
	types, err := jsonList(l.PropertyTypes)
	if err != nil {
		return model.Lead{}, err
	}
	tags, err := jsonList(l.Tags)
	if err != nil {
		return model.Lead{}, err
	}

	out, err := scanLead(db.QueryRowContext(ctx, `
		UPDATE leads SET
			name = ?, phone = ?, email = ?, property_types = ?, budget_min = ?, budget_max = ?,
			location = ?, source = ?, agent_id = ?, status = ?, temperature = ?, follow_up_at = ?,
			notes = ?, tags = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+leadColumns,
		l.Name, l.Phone, l.Email, types, l.BudgetMin, l.BudgetMax,
		l.Location, l.Source, l.AgentID, l.Status, l.Temperature, nullMillis(l.FollowUpAt),
		l.Notes, tags, millis(db.stamp()), l.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lead{}, ErrNotFound
	}
	if err != nil {
		return model.Lead{}, fmt.Errorf("update lead %s: %w", l.ID, err)
	}
	db.publish(feed.TableLeads, feed.Update, out, nil)
	return out, nil
}

// DeleteLead removes a lead together with its activities and meetings in one
// transaction. Deletes are published for every removed row once committed.
func (db *DB) DeleteLead(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete lead: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `DELETE FROM activities WHERE lead_id = ? RETURNING `+activityColumns, id)
	if err != nil {
		return fmt.Errorf("delete activities of %s: %w", id, err)
	}
	activities, err := scanActivities(rows)
	if err != nil {
		return fmt.Errorf("delete activities of %s: %w", id, err)
	}

	rows, err = tx.QueryContext(ctx, `DELETE FROM meetings WHERE lead_id = ? RETURNING `+meetingColumns, id)
	if err != nil {
		return fmt.Errorf("delete meetings of %s: %w", id, err)
	}
	meetings, err := scanMeetings(rows)
	if err != nil {
		return fmt.Errorf("delete meetings of %s: %w", id, err)
	}

	lead, err := scanLead(tx.QueryRowContext(ctx, `DELETE FROM leads WHERE id = ? RETURNING `+leadColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete lead %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete lead %s: %w", id, err)
	}

	for _, a := range activities {
		db.publish(feed.TableActivities, feed.Delete, nil, a)
	}
	for _, m := range meetings {
		db.publish(feed.TableMeetings, feed.Delete, nil, m)
	}
	db.publish(feed.TableLeads, feed.Delete, nil, lead)
	return nil
}

// SearchLeads returns at most limit leads whose name or phone contains query,
// case-insensitively. An empty agentID searches every lead.
func (db *DB) SearchLeads(ctx context.Context, agentID, query string, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	q := `SELECT ` + leadColumns + ` FROM leads
		WHERE (unicode_lower(name) LIKE ? ESCAPE '\' OR unicode_lower(phone) LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanLeads(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
