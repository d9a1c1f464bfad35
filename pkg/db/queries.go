// Package db provides user-isolated persistence for exit rules and orders.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"squareoff/internal/order"
	"squareoff/internal/rules"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// RuleQueries provides user-isolated queries for exit rules and orders. It
// satisfies both the engine's rule store and the dispatcher's order store.
type RuleQueries struct {
	db *sql.DB
}

// NewRuleQueries creates a new RuleQueries instance.
func NewRuleQueries(db *sql.DB) *RuleQueries {
	return &RuleQueries{db: db}
}

// Queries returns the rule/order query layer bound to this database.
func (d *Database) Queries() *RuleQueries {
	return NewRuleQueries(d.DB)
}

const ruleColumns = `id, user_id, name, symbol, exchange, position_type,
	entry_price, quantity, priority, enabled,
	COALESCE(take_profit, ''), COALESCE(stop_loss, ''), COALESCE(time_window, ''),
	status, highest_price, lowest_price, trigger_count, last_triggered_at,
	COALESCE(last_error, ''), created_at, updated_at`

// ----------------------------------------
// Rule Queries
// ----------------------------------------

// CreateRule inserts a new exit rule.
func (q *RuleQueries) CreateRule(ctx context.Context, r *rules.Rule) error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	tp, sl, tw, err := encodeConditions(r)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO exit_rules (
			id, user_id, name, symbol, exchange, position_type,
			entry_price, quantity, priority, enabled,
			take_profit, stop_loss, time_window,
			status, highest_price, lowest_price, trigger_count, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.Name, r.Symbol, r.Exchange, string(r.PositionType),
		r.EntryPrice, r.Quantity, r.Priority, r.Enabled,
		tp, sl, tw,
		string(r.Status), r.HighestPrice, r.LowestPrice, r.TriggerCount, r.LastError)
	return err
}

// UpdateRule replaces a rule's definition fields. Runtime fields are reset so
// a redefined rule starts a fresh lifecycle.
func (q *RuleQueries) UpdateRule(ctx context.Context, r *rules.Rule) error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	tp, sl, tw, err := encodeConditions(r)
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE exit_rules
		SET name = ?, symbol = ?, exchange = ?, position_type = ?,
		    entry_price = ?, quantity = ?, priority = ?, enabled = ?,
		    take_profit = ?, stop_loss = ?, time_window = ?,
		    status = 'PENDING', highest_price = 0, lowest_price = 0,
		    trigger_count = 0, last_triggered_at = NULL, last_error = '',
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, r.Name, r.Symbol, r.Exchange, string(r.PositionType),
		r.EntryPrice, r.Quantity, r.Priority, r.Enabled,
		tp, sl, tw, r.ID, r.UserID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetRule returns one rule scoped to the user.
func (q *RuleQueries) GetRule(ctx context.Context, userID, ruleID string) (*rules.Rule, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM exit_rules
		WHERE id = ? AND user_id = ?
	`, ruleID, userID)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// ListByUser returns all rules for a user, enabled or not. The engine loop
// filters and orders the snapshot itself.
func (q *RuleQueries) ListByUser(ctx context.Context, userID string) ([]*rules.Rule, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM exit_rules
		WHERE user_id = ?
		ORDER BY priority ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []*rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRuntime writes back the engine-owned runtime fields after a tick.
func (q *RuleQueries) SaveRuntime(ctx context.Context, r *rules.Rule) error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE exit_rules
		SET status = ?, highest_price = ?, lowest_price = ?,
		    trigger_count = ?, last_triggered_at = ?, last_error = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, string(r.Status), r.HighestPrice, r.LowestPrice,
		r.TriggerCount, r.LastTriggeredAt, r.LastError,
		r.ID, r.UserID)
	return err
}

// SetRuleEnabled toggles a rule without touching its definition. Re-enabling
// resets the lifecycle so the rule can arm again.
func (q *RuleQueries) SetRuleEnabled(ctx context.Context, userID, ruleID string, enabled bool) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	query := `
		UPDATE exit_rules
		SET enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?`
	if enabled {
		query = `
		UPDATE exit_rules
		SET enabled = ?, status = 'PENDING', last_error = '',
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?`
	}
	res, err := q.db.ExecContext(ctx, query, enabled, ruleID, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteRule removes a rule scoped to the user.
func (q *RuleQueries) DeleteRule(ctx context.Context, userID, ruleID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM exit_rules WHERE id = ? AND user_id = ?
	`, ruleID, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ----------------------------------------
// Exit Order Queries
// ----------------------------------------

// CreateExitOrder records one dispatch attempt.
func (q *RuleQueries) CreateExitOrder(ctx context.Context, rec order.Record) error {
	if rec.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO exit_orders (
			id, rule_id, user_id, symbol, exchange, side, qty,
			order_type, reason, broker_order_id, status, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, rec.ID, rec.RuleID, rec.UserID, rec.Symbol, rec.Exchange, rec.Side, rec.Quantity,
		rec.OrderType, rec.Reason, rec.BrokerOrderID, rec.Status, rec.Error, rec.CreatedAt)
	return err
}

// ListExitOrdersByUser returns the most recent dispatch attempts for a user.
func (q *RuleQueries) ListExitOrdersByUser(ctx context.Context, userID string, limit int) ([]ExitOrder, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, rule_id, user_id, symbol, exchange, side, qty,
		       order_type, reason, COALESCE(broker_order_id, ''), status,
		       COALESCE(error, ''), created_at
		FROM exit_orders
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query exit orders: %w", err)
	}
	defer rows.Close()

	var out []ExitOrder
	for rows.Next() {
		var o ExitOrder
		if err := rows.Scan(&o.ID, &o.RuleID, &o.UserID, &o.Symbol, &o.Exchange, &o.Side, &o.Qty,
			&o.OrderType, &o.Reason, &o.BrokerOrderID, &o.Status, &o.Error, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exit order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Helpers
// ----------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*rules.Rule, error) {
	var (
		r           rules.Rule
		posType     string
		status      string
		tp, sl, tw  string
		triggeredAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Symbol, &r.Exchange, &posType,
		&r.EntryPrice, &r.Quantity, &r.Priority, &r.Enabled,
		&tp, &sl, &tw,
		&status, &r.HighestPrice, &r.LowestPrice, &r.TriggerCount, &triggeredAt,
		&r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.PositionType = rules.PositionType(posType)
	r.Status = rules.Status(status)
	if triggeredAt.Valid {
		t := triggeredAt.Time
		r.LastTriggeredAt = &t
	}

	if tp != "" {
		var c rules.ExitCondition
		if err := json.Unmarshal([]byte(tp), &c); err != nil {
			return nil, fmt.Errorf("decode take_profit: %w", err)
		}
		r.TakeProfit = &c
	}
	if sl != "" {
		var c rules.ExitCondition
		if err := json.Unmarshal([]byte(sl), &c); err != nil {
			return nil, fmt.Errorf("decode stop_loss: %w", err)
		}
		r.StopLoss = &c
	}
	if tw != "" {
		var w rules.TimeWindow
		if err := json.Unmarshal([]byte(tw), &w); err != nil {
			return nil, fmt.Errorf("decode time_window: %w", err)
		}
		r.Window = &w
	}
	return &r, nil
}

func encodeConditions(r *rules.Rule) (tp, sl, tw string, err error) {
	tp, err = encodeJSON(r.TakeProfit)
	if err != nil {
		return "", "", "", fmt.Errorf("encode take_profit: %w", err)
	}
	sl, err = encodeJSON(r.StopLoss)
	if err != nil {
		return "", "", "", fmt.Errorf("encode stop_loss: %w", err)
	}
	tw, err = encodeJSON(r.Window)
	if err != nil {
		return "", "", "", fmt.Errorf("encode time_window: %w", err)
	}
	return tp, sl, tw, nil
}

func encodeJSON(v any) (string, error) {
	switch x := v.(type) {
	case *rules.ExitCondition:
		if x == nil {
			return "", nil
		}
	case *rules.TimeWindow:
		if x == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ rules.Store = (*RuleQueries)(nil)
var _ order.Store = (*RuleQueries)(nil)
