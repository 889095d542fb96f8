// Package redisstore provides a saga.Repository backed by Redis.
//
// Each saga is a hash holding its revision, status and encoded body. A sorted
// set with equal scores indexes saga ids so they can be listed in order.
// Writes run under WATCH, so two resumers of the same saga cannot both commit.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fortressi/saga"
)

const (
	fieldRevision = "revision"
	fieldStatus   = "status"
	fieldBody     = "body"

	listBatch = 100
)

// Store implements saga.Repository and saga.Lister on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a store using client. All keys are namespaced with prefix.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) sagaKey(id string) string {
	return s.prefix + "saga:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + "sagas"
}

// Get implements saga.Repository.
func (s *Store) Get(ctx context.Context, id string) (*saga.Saga, error) {
	body, err := s.client.HGet(ctx, s.sagaKey(id), fieldBody).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("saga %s: %w", id, saga.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	return saga.Decode(body)
}

// Upsert implements saga.Repository.
func (s *Store) Upsert(ctx context.Context, sg *saga.Saga) (*saga.Saga, error) {
	if err := s.write(ctx, sg, false); err != nil {
		return nil, err
	}
	return sg, nil
}

// UpsertStep implements saga.Repository. The whole aggregate is written so
// the stored body always matches the revision.
func (s *Store) UpsertStep(ctx context.Context, sg *saga.Saga, step *saga.Step) (*saga.Step, error) {
	if err := saga.CheckStep(sg, step); err != nil {
		return nil, err
	}
	if err := s.write(ctx, sg, true); err != nil {
		return nil, err
	}
	return step, nil
}

func (s *Store) write(ctx context.Context, sg *saga.Saga, mustExist bool) error {
	key := s.sagaKey(sg.ID)
	prevRevision, prevUpdated := sg.Revision, sg.UpdatedAt
	restore := func() {
		sg.Revision, sg.UpdatedAt = prevRevision, prevUpdated
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.HGet(ctx, key, fieldRevision).Int64()
		switch {
		case errors.Is(err, redis.Nil):
			if mustExist {
				return fmt.Errorf("saga %s: %w", sg.ID, saga.ErrNotFound)
			}
			stored = 0
		case err != nil:
			return err
		}
		if stored != prevRevision {
			return fmt.Errorf("saga %s at revision %d, stored %d: %w",
				sg.ID, prevRevision, stored, saga.ErrRevisionConflict)
		}

		sg.Revision = prevRevision + 1
		sg.UpdatedAt = time.Now().UTC()
		body, err := saga.Encode(sg)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldRevision, sg.Revision,
				fieldStatus, sg.Status.String(),
				fieldBody, body,
			)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Member: sg.ID})
			return nil
		})
		return err
	}, key)

	if err == nil {
		return nil
	}
	restore()
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("saga %s modified concurrently: %w", sg.ID, saga.ErrRevisionConflict)
	}
	if errors.Is(err, saga.ErrNotFound) || errors.Is(err, saga.ErrRevisionConflict) {
		return err
	}
	return fmt.Errorf("write saga %s: %w", sg.ID, err)
}

// List implements saga.Lister. Ids are scanned in lexical order from the
// index and bodies fetched in pipelined batches.
func (s *Store) List(ctx context.Context, criteria saga.ListCriteria) (saga.ListResult, error) {
	result, err := criteria.Page(func(yield func(*saga.Saga) bool) error {
		lower := "-"
		if criteria.NextToken != "" {
			lower = "(" + criteria.NextToken
		}
		for {
			ids, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
				Min:   lower,
				Max:   "+",
				Count: listBatch,
			}).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}

			cmds := make([]*redis.StringCmd, len(ids))
			_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, id := range ids {
					cmds[i] = pipe.HGet(ctx, s.sagaKey(id), fieldBody)
				}
				return nil
			})
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			for _, cmd := range cmds {
				body, err := cmd.Bytes()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					return err
				}
				sg, err := saga.Decode(body)
				if err != nil {
					return err
				}
				if !yield(sg) {
					return nil
				}
			}
			if len(ids) < listBatch {
				return nil
			}
			lower = "(" + ids[len(ids)-1]
		}
	})
	if err != nil {
		return saga.ListResult{}, fmt.Errorf("list sagas: %w", err)
	}
	return result, nil
}
