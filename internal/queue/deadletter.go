package queue

import (
	"context"
	"fmt"
)

// DeadLetters returns up to limit dead-letter entries starting at offset,
// oldest first. Entries that fail to decode are skipped.
func (q *RedisQueue) DeadLetters(ctx context.Context, offset, limit int64) ([]*Message, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.client.LRange(ctx, q.keys.deadLetter, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list dead-letter: %w", err)
	}
	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ReplayDeadLetter removes the entry for jobID from the dead-letter list and
// enqueues it again with a reset retry budget. The JobId is kept so progress
// records continue on the same key.
func (q *RedisQueue) ReplayDeadLetter(ctx context.Context, jobID string) (*Message, error) {
	raws, err := q.client.LRange(ctx, q.keys.deadLetter, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan dead-letter: %w", err)
	}

	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil || msg.JobID != jobID {
			continue
		}

		msg.RetryCount = 0
		msg.ScheduledAt = nil
		delete(msg.Metadata, MetaDeadLetterReason)
		delete(msg.Metadata, MetaDeadLetteredAt)
		body, err := msg.encode()
		if err != nil {
			return nil, err
		}

		n, err := replayScript.Run(ctx, q.client,
			[]string{q.keys.deadLetter, q.keys.jobs, q.keys.main},
			raw, msg.JobID, body, formatScore(mainScore(msg.Priority, q.now())),
		).Int()
		if err != nil {
			return nil, fmt.Errorf("queue: replay %s: %w", jobID, err)
		}
		switch n {
		case -1:
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
		case 0:
			// Someone else replayed or purged it between LRANGE and the script.
			return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, jobID)
		}
		return msg, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, jobID)
}

// PurgeDeadLetters drops every dead-letter entry and returns how many there were.
func (q *RedisQueue) PurgeDeadLetters(ctx context.Context) (int64, error) {
	pipe := q.client.TxPipeline()
	n := pipe.LLen(ctx, q.keys.deadLetter)
	pipe.Del(ctx, q.keys.deadLetter)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: purge dead-letter: %w", err)
	}
	return n.Val(), nil
}
