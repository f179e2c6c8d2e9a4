package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// sqlStore implements Store on database/sql. SQLiteStore and PostgresStore embed it;
// queries are written with ? placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db     *sql.DB
	driver string
	name   string
}

func (s *sqlStore) q(query string) string {
	if s.driver == "postgres" {
		return rebind(query)
	}
	return query
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *sqlStore) GetBotConfig(ctx context.Context, pageID string) (*models.BotConfig, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT config_json FROM bot_configs WHERE page_id = ?`), pageID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+".GetBotConfig: not found", "pageID", pageID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bot config %s: %w", pageID, err)
	}
	var cfg models.BotConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("decode bot config %s: %w", pageID, err)
	}
	return &cfg, nil
}

func (s *sqlStore) SaveBotConfig(ctx context.Context, cfg models.BotConfig) error {
	if cfg.PageID == "" {
		return models.ErrEmptyPageID
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode bot config %s: %w", cfg.PageID, err)
	}
	now := time.Now().UTC()
	_, err = s.exec(ctx,
		`INSERT INTO bot_configs (page_id, org_id, config_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (page_id) DO UPDATE SET org_id = excluded.org_id, config_json = excluded.config_json, updated_at = excluded.updated_at`,
		cfg.PageID, cfg.OrgID, string(data), now,
	)
	if err != nil {
		slog.Error(s.name+".SaveBotConfig failed", "error", err, "pageID", cfg.PageID)
		return fmt.Errorf("save bot config %s: %w", cfg.PageID, err)
	}
	return nil
}

func (s *sqlStore) ListActiveResponseRules(ctx context.Context, pageID string) ([]models.ResponseRule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, page_id, trigger_text, response, priority, is_active, created_at
		 FROM response_rules WHERE page_id = ? AND is_active = ? ORDER BY priority DESC, id ASC`), pageID, true)
	if err != nil {
		return nil, fmt.Errorf("list response rules %s: %w", pageID, err)
	}
	defer rows.Close()

	var rules []models.ResponseRule
	for rows.Next() {
		var r models.ResponseRule
		if err := rows.Scan(&r.ID, &r.PageID, &r.Trigger, &r.Response, &r.Priority, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate response rules: %w", err)
	}
	return rules, nil
}

func (s *sqlStore) ReplaceResponseRules(ctx context.Context, pageID string, rules []models.ResponseRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace response rules: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM response_rules WHERE page_id = ?`), pageID); err != nil {
		return fmt.Errorf("clear response rules %s: %w", pageID, err)
	}
	now := time.Now().UTC()
	for _, r := range rules {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO response_rules (id, page_id, trigger_text, response, priority, is_active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			id, pageID, r.Trigger, r.Response, r.Priority, r.IsActive, created.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert response rule %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit response rules %s: %w", pageID, err)
	}
	slog.Debug(s.name+".ReplaceResponseRules", "pageID", pageID, "count", len(rules))
	return nil
}

func (s *sqlStore) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+flowColumns+` FROM flows WHERE id = ?`), flowID)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", flowID, err)
	}
	return &f, nil
}

func (s *sqlStore) ListActiveFlows(ctx context.Context, pageID string) ([]models.Flow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+flowColumns+` FROM flows WHERE page_id = ? AND is_active = ? ORDER BY priority DESC, id ASC`), pageID, true)
	if err != nil {
		return nil, fmt.Errorf("list active flows %s: %w", pageID, err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return flows, nil
}

func (s *sqlStore) SaveFlow(ctx context.Context, flow models.Flow) error {
	if flow.ID == "" {
		return models.ErrEmptyFlowID
	}
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", flow.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.exec(ctx,
		`INSERT INTO flows (id, page_id, name, definition_json, priority, is_active, trigger_count, completion_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET page_id = excluded.page_id, name = excluded.name,
		   definition_json = excluded.definition_json, priority = excluded.priority,
		   is_active = excluded.is_active, updated_at = excluded.updated_at`,
		flow.ID, flow.PageID, flow.Name, string(definition), flow.Priority, flow.IsActive, now, now,
	)
	if err != nil {
		slog.Error(s.name+".SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("save flow %s: %w", flow.ID, err)
	}
	slog.Debug(s.name+".SaveFlow succeeded", "flowID", flow.ID, "pageID", flow.PageID, "active", flow.IsActive)
	return nil
}

func (s *sqlStore) SetFlowActive(ctx context.Context, flowID string, active bool) error {
	return s.updateOne(ctx, "flow "+flowID,
		`UPDATE flows SET is_active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UTC(), flowID)
}

func (s *sqlStore) IncrementFlowTriggerCount(ctx context.Context, flowID string) error {
	return s.updateOne(ctx, "flow "+flowID,
		`UPDATE flows SET trigger_count = trigger_count + 1 WHERE id = ?`, flowID)
}

func (s *sqlStore) IncrementFlowCompletionCount(ctx context.Context, flowID string) error {
	return s.updateOne(ctx, "flow "+flowID,
		`UPDATE flows SET completion_count = completion_count + 1 WHERE id = ?`, flowID)
}

// updateOne runs an UPDATE that must touch exactly one row.
func (s *sqlStore) updateOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+stateColumns+` FROM conversation_states WHERE conversation_id = ?`), conversationID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation state %s: %w", conversationID, err)
	}
	return &st, nil
}

func (s *sqlStore) SaveConversationState(ctx context.Context, state *models.ConversationState) error {
	if state.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	contextJSON, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("encode context of %s: %w", state.ConversationID, err)
	}
	now := time.Now().UTC()
	createdAt := state.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	version := state.Version + 1
	// An insert only succeeds for a new row; an existing row is only overwritten
	// at the version the caller loaded.
	res, err := s.exec(ctx,
		`INSERT INTO conversation_states (conversation_id, page_id, org_id, platform, recipient_id, bot_mode, context_json, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET page_id = excluded.page_id, org_id = excluded.org_id,
		   platform = excluded.platform, recipient_id = excluded.recipient_id, bot_mode = excluded.bot_mode,
		   context_json = excluded.context_json, version = excluded.version, updated_at = excluded.updated_at
		 WHERE conversation_states.version = ?`,
		state.ConversationID, state.PageID, state.OrgID, state.Platform, nilIfEmpty(state.RecipientID),
		string(state.BotMode), string(contextJSON), version, createdAt.UTC(), now, state.Version,
	)
	if err != nil {
		slog.Error(s.name+".SaveConversationState failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("save conversation state %s: %w", state.ConversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save conversation state %s: %w", state.ConversationID, err)
	}
	if n == 0 {
		slog.Warn(s.name+".SaveConversationState: version conflict", "conversationID", state.ConversationID, "version", state.Version)
		return fmt.Errorf("save conversation state %s at version %d: %w", state.ConversationID, state.Version, ErrVersionConflict)
	}
	state.CreatedAt = createdAt
	state.Version = version
	state.UpdatedAt = now
	slog.Debug(s.name+".SaveConversationState succeeded", "conversationID", state.ConversationID, "mode", state.BotMode, "version", version)
	return nil
}

func (s *sqlStore) CreateScheduledExecution(ctx context.Context, exec *models.ScheduledExecution) error {
	prepareExecution(exec)
	contextJSON, err := json.Marshal(exec.ConversationContext)
	if err != nil {
		return fmt.Errorf("encode context snapshot: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO scheduled_executions (id, conversation_id, page_id, flow_id, next_node_id, scheduled_for, status, attempts,
		   context_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		exec.ID, exec.ConversationID, exec.PageID, exec.FlowID, exec.NextNodeID, exec.ScheduledFor,
		string(models.ExecutionPending), string(contextJSON), exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create scheduled execution: %w", err)
	}
	slog.Debug(s.name+".CreateScheduledExecution", "id", exec.ID, "conversationID", exec.ConversationID,
		"nextNodeID", exec.NextNodeID, "scheduledFor", exec.ScheduledFor)
	return nil
}

func (s *sqlStore) CancelPendingForConversation(ctx context.Context, conversationID string) (int, error) {
	return s.cancelPending(ctx, "conversation_id", conversationID)
}

func (s *sqlStore) CancelPendingForFlow(ctx context.Context, flowID string) (int, error) {
	return s.cancelPending(ctx, "flow_id", flowID)
}

func (s *sqlStore) cancelPending(ctx context.Context, column, value string) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE scheduled_executions SET status = ?, updated_at = ? WHERE `+column+` = ? AND status = ?`,
		string(models.ExecutionCancelled), time.Now().UTC(), value, string(models.ExecutionPending),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending by %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug(s.name+".cancelPending", column, value, "cancelled", n)
	}
	return int(n), nil
}

func (s *sqlStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]models.ScheduledExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM scheduled_executions
		 WHERE status = ? AND scheduled_for <= ? ORDER BY scheduled_for ASC`
	if limit <= 0 {
		return s.listExecutions(ctx, query, string(models.ExecutionPending), now.UTC())
	}
	return s.listExecutions(ctx, query+` LIMIT ?`, string(models.ExecutionPending), now.UTC(), limit)
}

func (s *sqlStore) ListExecutionsByStatus(ctx context.Context, status models.ExecutionStatus, limit int) ([]models.ScheduledExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM scheduled_executions WHERE status = ? ORDER BY updated_at DESC`
	if limit <= 0 {
		return s.listExecutions(ctx, query, string(status))
	}
	return s.listExecutions(ctx, query+` LIMIT ?`, string(status), limit)
}

func (s *sqlStore) listExecutions(ctx context.Context, query string, args ...any) ([]models.ScheduledExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled executions: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled executions: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ClaimExecution(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE scheduled_executions SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(models.ExecutionProcessing), now.UTC(), now.UTC(), id, string(models.ExecutionPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim scheduled execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim scheduled execution %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *sqlStore) CompleteExecution(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.ExecutionCompleted, "", models.ExecutionProcessing)
}

func (s *sqlStore) FailExecution(ctx context.Context, id string, errMsg string) error {
	return s.transition(ctx, id, models.ExecutionFailed, errMsg, models.ExecutionProcessing)
}

func (s *sqlStore) CancelExecution(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, id, models.ExecutionCancelled, reason, models.ExecutionPending, models.ExecutionProcessing)
}

// transition moves a row to a terminal status if it is currently in one of from.
func (s *sqlStore) transition(ctx context.Context, id string, to models.ExecutionStatus, lastError string, from ...models.ExecutionStatus) error {
	query := `UPDATE scheduled_executions SET status = ?, last_error = COALESCE(?, last_error), updated_at = ?
		WHERE id = ? AND status IN (?`
	args := []any{string(to), nilIfEmpty(lastError), time.Now().UTC(), id, string(from[0])}
	for _, f := range from[1:] {
		query += `, ?`
		args = append(args, string(f))
	}
	query += `)`
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark scheduled execution %s %s: %w", id, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	existing, err := s.GetScheduledExecution(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("scheduled execution %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("scheduled execution %s is %s, cannot move to %s: %w", id, existing.Status, to, ErrInvalidTransition)
}

func (s *sqlStore) GetScheduledExecution(ctx context.Context, id string) (*models.ScheduledExecution, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+executionColumns+` FROM scheduled_executions WHERE id = ?`), id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled execution %s: %w", id, err)
	}
	return &e, nil
}

func (s *sqlStore) FailStaleProcessing(ctx context.Context, staleBefore time.Time, errMsg string) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE scheduled_executions SET status = ?, last_error = ?, updated_at = ?
		 WHERE status = ? AND claimed_at < ?`,
		string(models.ExecutionFailed), errMsg, time.Now().UTC(), string(models.ExecutionProcessing), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale scheduled executions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn(s.name+".FailStaleProcessing: expired claims", "count", n)
	}
	return int(n), nil
}

func (s *sqlStore) OpenHandoff(ctx context.Context, rec models.HandoffRecord) (*models.HandoffRecord, error) {
	if rec.ConversationID == "" {
		return nil, models.ErrEmptyConversationID
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.exec(ctx,
		`INSERT INTO handoffs (id, org_id, page_id, conversation_id, reason, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET reason = excluded.reason, status = excluded.status,
		   updated_at = excluded.updated_at, closed_at = NULL`,
		rec.ID, rec.OrgID, rec.PageID, rec.ConversationID, rec.Reason, string(models.HandoffOpen), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("open handoff for %s: %w", rec.ConversationID, err)
	}
	return s.GetHandoff(ctx, rec.ConversationID)
}

func (s *sqlStore) CloseHandoff(ctx context.Context, conversationID string) error {
	now := time.Now().UTC()
	return s.updateOne(ctx, "handoff for "+conversationID,
		`UPDATE handoffs SET status = ?, closed_at = ?, updated_at = ? WHERE conversation_id = ?`,
		string(models.HandoffClosed), now, now, conversationID)
}

func (s *sqlStore) GetHandoff(ctx context.Context, conversationID string) (*models.HandoffRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+handoffColumns+` FROM handoffs WHERE conversation_id = ?`), conversationID)
	h, err := scanHandoff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get handoff for %s: %w", conversationID, err)
	}
	return &h, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, conversationID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqlStore) ForgetInbound(ctx context.Context, messageID string) error {
	if _, err := s.exec(ctx, `DELETE FROM inbound_dedup WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("forget inbound %s: %w", messageID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
