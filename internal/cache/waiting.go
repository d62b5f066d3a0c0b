package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// The waiting-index is a sorted set of run ids scored by resume time
// (unix seconds). It is a lookup accelerator for the resumption
// scheduler, not the source of truth: the durable runs table carries
// resume_at, and a missing index entry is repaired by the scheduler's
// periodic reconcile pass.

// Add inserts or rescores a waiting run. Implements storage.WaitingIndex.
func (s *Store) Add(ctx context.Context, runID uuid.UUID, resumeAt time.Time) error {
	err := s.client.ZAdd(ctx, KeyWaitingRuns, redis.Z{
		Score:  float64(resumeAt.Unix()),
		Member: runID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("cache: add waiting run: %w", err)
	}
	return nil
}

// Remove drops a run from the waiting-index. Removing an absent member is
// a no-op, so callers do not need to know whether the run was waiting.
func (s *Store) Remove(ctx context.Context, runID uuid.UUID) error {
	if err := s.client.ZRem(ctx, KeyWaitingRuns, runID.String()).Err(); err != nil {
		return fmt.Errorf("cache: remove waiting run: %w", err)
	}
	return nil
}

// DueRuns returns up to limit run ids whose resume time is at or before
// the given instant, soonest first.
func (s *Store) DueRuns(ctx context.Context, before time.Time, limit int64) ([]uuid.UUID, error) {
	members, err := s.client.ZRangeByScore(ctx, KeyWaitingRuns, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: due runs: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			// An unparseable member is garbage; drop it rather than stall
			// the scheduler on every poll.
			s.logger.Warn("dropping malformed waiting-index member", "member", m)
			_ = s.client.ZRem(ctx, KeyWaitingRuns, m).Err()
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WaitingCount returns the current size of the waiting-index.
func (s *Store) WaitingCount(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, KeyWaitingRuns).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: waiting count: %w", err)
	}
	return n, nil
}
