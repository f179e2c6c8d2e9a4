package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const executionColumns = `id, conversation_id, page_id, flow_id, next_node_id, scheduled_for, status, attempts,
	context_json, last_error, claimed_at, created_at, updated_at`

// scanExecution scans a ScheduledExecution selected with executionColumns.
func scanExecution(row rowScanner) (models.ScheduledExecution, error) {
	var e models.ScheduledExecution
	var contextJSON, lastError sql.NullString
	var claimedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.ConversationID, &e.PageID, &e.FlowID, &e.NextNodeID, &e.ScheduledFor, &e.Status, &e.Attempts,
		&contextJSON, &lastError, &claimedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	e.LastError = lastError.String
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		e.ClaimedAt = &t
	}
	e.ScheduledFor = e.ScheduledFor.UTC()
	if contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &e.ConversationContext); err != nil {
			return e, fmt.Errorf("decode context snapshot of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

const stateColumns = `conversation_id, page_id, org_id, platform, recipient_id, bot_mode, context_json, version, created_at, updated_at`

func scanState(row rowScanner) (models.ConversationState, error) {
	var s models.ConversationState
	var recipient sql.NullString
	var contextJSON string
	err := row.Scan(&s.ConversationID, &s.PageID, &s.OrgID, &s.Platform, &recipient, &s.BotMode,
		&contextJSON, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.RecipientID = recipient.String
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &s.Context); err != nil {
			return s, fmt.Errorf("decode context of %s: %w", s.ConversationID, err)
		}
	}
	return s, nil
}

const flowColumns = `id, definition_json, is_active, priority, trigger_count, completion_count, created_at, updated_at`

// scanFlow decodes the stored definition and overlays the columns the database owns.
func scanFlow(row rowScanner) (models.Flow, error) {
	var f models.Flow
	var id, definition string
	var active bool
	var priority int
	var triggers, completions int64
	var createdAt, updatedAt time.Time
	if err := row.Scan(&id, &definition, &active, &priority, &triggers, &completions, &createdAt, &updatedAt); err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(definition), &f); err != nil {
		return f, fmt.Errorf("decode flow %s: %w", id, err)
	}
	f.ID = id
	f.IsActive = active
	f.Priority = priority
	f.TriggerCount = triggers
	f.CompletionCount = completions
	f.CreatedAt = createdAt
	f.UpdatedAt = updatedAt
	return f, nil
}

const handoffColumns = `id, org_id, page_id, conversation_id, reason, status, created_at, updated_at, closed_at`

func scanHandoff(row rowScanner) (models.HandoffRecord, error) {
	var h models.HandoffRecord
	var closedAt sql.NullTime
	err := row.Scan(&h.ID, &h.OrgID, &h.PageID, &h.ConversationID, &h.Reason, &h.Status, &h.CreatedAt, &h.UpdatedAt, &closedAt)
	if err != nil {
		return h, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		h.ClosedAt = &t
	}
	return h, nil
}
