package messaging

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxDispatcher publishes the rows a ledger transaction wrote to an outbox
// table. Several dispatchers may share a table: claims skip locked rows and
// expire after claimTimeout if the claiming process dies mid-batch.
type OutboxDispatcher struct {
	pool      *pgxpool.Pool
	publisher Publisher
	table     string
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

const (
	claimTimeout   = 30 * time.Second
	publishTimeout = 5 * time.Second
)

// Row states of an outbox table.
const (
	statusPending    = "pending"
	statusProcessing = "processing"
	statusSent       = "sent"
	statusUnroutable = "unroutable"
)

type outboxRow struct {
	ID        int64
	EventID   string
	EventType string
	Payload   []byte
	Attempts  int
}

func NewOutboxDispatcher(pool *pgxpool.Pool, publisher Publisher, table string, interval time.Duration, batch int, logger *slog.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		pool:      pool,
		publisher: publisher,
		table:     table,
		interval:  interval,
		batchSize: batch,
		logger:    logger,
	}
}

// Run blocks until ctx is done.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.dispatch(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox dispatch failed", "table", d.table, "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *OutboxDispatcher) dispatch(ctx context.Context) error {
	rows, err := d.claim(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := d.publishOne(ctx, row); err != nil {
			d.logger.Warn("publish outbox event failed",
				"table", d.table, "row_id", row.ID, "event_id", row.EventID, "event_type", row.EventType, "err", err)
		}
	}
	return nil
}

// claim moves up to batchSize due rows to processing in one statement and
// returns them. A processing row whose claim has expired is due again.
func (d *OutboxDispatcher) claim(ctx context.Context) ([]outboxRow, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = '%[2]s', next_retry = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE (status = '%[3]s' AND (next_retry IS NULL OR next_retry <= NOW()))
			   OR (status = '%[2]s' AND next_retry <= NOW())
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, event_type, payload, attempts`, d.table, statusProcessing, statusPending)

	rows, err := d.pool.Query(ctx, query, d.batchSize, time.Now().Add(claimTimeout))
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[outboxRow])
	if err != nil {
		return nil, fmt.Errorf("scan outbox rows: %w", err)
	}
	slices.SortFunc(items, func(a, b outboxRow) int { return cmp.Compare(a.ID, b.ID) })
	return items, nil
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, row outboxRow) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := d.publisher.Publish(pubCtx, Message{ID: row.EventID, Type: row.EventType, Body: row.Payload})
	switch {
	case errors.Is(err, ErrNoRoute):
		// Retrying cannot help until a route is configured.
		if markErr := d.mark(ctx, row.ID, statusUnroutable, nil); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	case err != nil:
		next := time.Now().Add(retryDelay(row.Attempts + 1))
		if markErr := d.mark(ctx, row.ID, statusPending, &next); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}
	return d.mark(ctx, row.ID, statusSent, nil)
}

// mark settles a claimed row. Every status but sent counts as an attempt.
func (d *OutboxDispatcher) mark(ctx context.Context, id int64, status string, nextRetry *time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2,
		    attempts = attempts + CASE WHEN $2 = '%s' THEN 0 ELSE 1 END,
		    next_retry = $3,
		    updated_at = NOW()
		WHERE id = $1`, d.table, statusSent)
	if _, err := d.pool.Exec(ctx, query, id, status, nextRetry); err != nil {
		return fmt.Errorf("mark outbox row %d %s: %w", id, status, err)
	}
	return nil
}

// retryDelay doubles from 2s and stops at 32s.
func retryDelay(attempts int) time.Duration {
	return time.Duration(1<<min(max(attempts, 0), 5)) * time.Second
}
