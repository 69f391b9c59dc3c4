package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"possync/internal/core/apperror"
	"possync/internal/core/id"
	"possync/internal/domain/dlq"
)

// Compile-time interface check.
var _ dlq.Repository = (*DLQRepo)(nil)

var dlqColumns = []string{
	"id", "event_type", "correlation_id", "scope_id", "payload",
	"error_code", "error_message", "failure_type", "priority", "attempts",
	"is_replayed", "replay_state", "replayed_by", "replayed_at",
	"replay_error", "acknowledged",
	"created_at", "updated_at", "expires_at",
}

// priorityOrder sorts Critical > High > Normal > Low in SQL.
const priorityOrder = `CASE priority
	WHEN 'Critical' THEN 0
	WHEN 'High' THEN 1
	WHEN 'Normal' THEN 2
	ELSE 3
END`

// DLQRepo persists dead letter queue messages.
type DLQRepo struct {
	txm *TxManager
}

// NewDLQRepo creates the DLQ repository.
func NewDLQRepo(txm *TxManager) *DLQRepo {
	return &DLQRepo{txm: txm}
}

func (r *DLQRepo) Create(ctx context.Context, msg *dlq.Message) error {
	q := builder().
		Insert("dlq_messages").
		SetMap(map[string]any{
			"id":             msg.ID,
			"event_type":     msg.EventType,
			"correlation_id": msg.CorrelationID,
			"scope_id":       msg.ScopeID,
			"payload":        msg.Payload,
			"error_code":     msg.ErrorCode,
			"error_message":  msg.ErrorMessage,
			"failure_type":   msg.FailureType,
			"priority":       msg.Priority,
			"attempts":       msg.Attempts,
			"is_replayed":    msg.IsReplayed,
			"replay_state":   msg.ReplayState,
			"acknowledged":   msg.Acknowledged,
			"created_at":     msg.CreatedAt,
			"updated_at":     msg.UpdatedAt,
			"expires_at":     msg.ExpiresAt,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert dlq message: %w", err)
	}
	return nil
}

func (r *DLQRepo) GetByID(ctx context.Context, msgID id.ID) (*dlq.Message, error) {
	q := builder().
		Select(dlqColumns...).
		From("dlq_messages").
		Where(squirrel.Eq{"id": msgID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var msg dlq.Message
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &msg, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("dlq_message", msgID.String())
		}
		return nil, fmt.Errorf("get dlq message: %w", err)
	}
	return &msg, nil
}

func (r *DLQRepo) Update(ctx context.Context, msg *dlq.Message) error {
	q := builder().
		Update("dlq_messages").
		SetMap(map[string]any{
			"attempts":     msg.Attempts,
			"failure_type": msg.FailureType,
			"priority":     msg.Priority,
			"is_replayed":  msg.IsReplayed,
			"replay_state": msg.ReplayState,
			"replayed_by":  msg.ReplayedBy,
			"replayed_at":  msg.ReplayedAt,
			"replay_error": msg.ReplayError,
			"acknowledged": msg.Acknowledged,
			"updated_at":   msg.UpdatedAt,
		}).
		Where(squirrel.Eq{"id": msg.ID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update dlq message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewNotFound("dlq_message", msg.ID.String())
	}
	return nil
}

func (r *DLQRepo) ClaimForReplay(ctx context.Context, msgID id.ID, actor string, at time.Time) (*dlq.Message, error) {
	// Conditional update: the is_replayed guard makes the claim atomic, so
	// two concurrent replays of one message cannot both win.
	q := builder().
		Update("dlq_messages").
		SetMap(map[string]any{
			"is_replayed": true,
			"replayed_by": actor,
			"replayed_at": at,
			"updated_at":  at,
		}).
		Where(squirrel.Eq{"id": msgID, "is_replayed": false}).
		Suffix("RETURNING " + strings.Join(dlqColumns, ", "))

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim: %w", err)
	}

	var msg dlq.Message
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &msg, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			// Zero rows: the message is gone or a concurrent claim won.
			if _, getErr := r.GetByID(ctx, msgID); getErr != nil {
				return nil, getErr
			}
			return nil, apperror.NewAlreadyReplayed(msgID.String())
		}
		return nil, fmt.Errorf("claim dlq message for replay: %w", err)
	}
	return &msg, nil
}

func (r *DLQRepo) List(ctx context.Context, filter dlq.ListFilter) ([]*dlq.Message, error) {
	q := builder().
		Select(dlqColumns...).
		From("dlq_messages").
		OrderBy(priorityOrder, "created_at ASC")

	if filter.ScopeID != "" {
		q = q.Where(squirrel.Eq{"scope_id": filter.ScopeID})
	}
	if filter.EventType != "" {
		q = q.Where(squirrel.Eq{"event_type": filter.EventType})
	}
	if filter.FailureType != "" {
		q = q.Where(squirrel.Eq{"failure_type": filter.FailureType})
	}
	if filter.Priority != "" {
		q = q.Where(squirrel.Eq{"priority": filter.Priority})
	}
	if filter.Unresolved {
		q = q.Where(squirrel.Eq{"acknowledged": false}).
			Where(squirrel.NotEq{"replay_state": dlq.ReplaySuccess})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var messages []*dlq.Message
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &messages, sql, args...); err != nil {
		return nil, fmt.Errorf("list dlq messages: %w", err)
	}
	return messages, nil
}

func (r *DLQRepo) ListRetryCandidates(ctx context.Context, filter dlq.RetryCandidateFilter) ([]*dlq.Message, error) {
	q := builder().
		Select(dlqColumns...).
		From("dlq_messages").
		Where(squirrel.Eq{
			"failure_type": dlq.FailureTransient,
			"is_replayed":  false,
			"acknowledged": false,
		}).
		Where(squirrel.Lt{"attempts": filter.MaxAttempts}).
		Where(squirrel.GtOrEq{"created_at": time.Now().UTC().Add(-filter.MaxAge)}).
		OrderBy("attempts ASC", "created_at ASC").
		Limit(uint64(filter.Limit))

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var messages []*dlq.Message
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &messages, sql, args...); err != nil {
		return nil, fmt.Errorf("list retry candidates: %w", err)
	}
	return messages, nil
}

func (r *DLQRepo) Stats(ctx context.Context) (*dlq.Stats, error) {
	sql := `SELECT failure_type, priority, replay_state, count(*) AS cnt
		FROM dlq_messages
		GROUP BY failure_type, priority, replay_state`

	rows, err := r.txm.GetQuerier(ctx).Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query dlq stats: %w", err)
	}
	defer rows.Close()

	stats := &dlq.Stats{
		ByFailureType: make(map[dlq.FailureType]int64),
		ByPriority:    make(map[dlq.Priority]int64),
		ByReplayState: make(map[dlq.ReplayState]int64),
	}
	for rows.Next() {
		var (
			failureType dlq.FailureType
			priority    dlq.Priority
			replayState dlq.ReplayState
			count       int64
		)
		if err := rows.Scan(&failureType, &priority, &replayState, &count); err != nil {
			return nil, fmt.Errorf("scan dlq stats: %w", err)
		}
		stats.Total += count
		stats.ByFailureType[failureType] += count
		stats.ByPriority[priority] += count
		stats.ByReplayState[replayState] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read dlq stats: %w", err)
	}
	return stats, nil
}

func (r *DLQRepo) DeleteResolved(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	// Only resolved messages leave the queue; an unresolved failure past
	// its expiry stays visible for review until someone acts on it.
	sql := `DELETE FROM dlq_messages
		WHERE updated_at < $1
		  AND (acknowledged OR replay_state = $2)
		RETURNING coalesce(length(payload), 0)`

	rows, err := r.txm.GetQuerier(ctx).Query(ctx, sql, olderThan, dlq.ReplaySuccess)
	if err != nil {
		return 0, 0, fmt.Errorf("delete resolved dlq messages: %w", err)
	}
	defer rows.Close()

	var count, freedBytes int64
	for rows.Next() {
		var size int64
		if err := rows.Scan(&size); err != nil {
			return 0, 0, fmt.Errorf("scan freed bytes: %w", err)
		}
		count++
		freedBytes += size
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("read delete result: %w", err)
	}
	return count, freedBytes, nil
}
