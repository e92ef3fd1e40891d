package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/aide/internal/kv"
)

// Key layout.
const (
	jobPrefix      = "reminder:"
	ownerJobPrefix = "reminders:"
	ownersKey      = "reminder_owners"
	pendingPrefix  = "pending_reminder:"
)

// Store persists jobs in a kv.Store: one record per job, a job-id set
// per owner and a set of owners with at least one job.
type Store struct {
	kv kv.Store
}

// NewStore creates a job store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

func ownerKey(owner int64) string {
	return ownerJobPrefix + strconv.FormatInt(owner, 10)
}

// Save creates or replaces a job and indexes it under its owner.
func (s *Store) Save(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}
	if err := s.kv.Set(ctx, jobPrefix+j.ID, string(data)); err != nil {
		return fmt.Errorf("save reminder %s: %w", j.ID, err)
	}
	if err := s.kv.SAdd(ctx, ownerKey(j.Owner), j.ID); err != nil {
		return fmt.Errorf("index reminder %s: %w", j.ID, err)
	}
	if err := s.kv.SAdd(ctx, ownersKey, strconv.FormatInt(j.Owner, 10)); err != nil {
		return fmt.Errorf("index owner %d: %w", j.Owner, err)
	}
	return nil
}

// Get loads a job. A missing job is ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	raw, ok, err := s.kv.Get(ctx, jobPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("load reminder %s: %w", id, err)
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode reminder %s: %w", id, err)
	}
	return &j, nil
}

// Delete removes a job and its index entries. The owner leaves the
// owner index with their last job.
func (s *Store) Delete(ctx context.Context, j *Job) error {
	if err := s.kv.Delete(ctx, jobPrefix+j.ID); err != nil {
		return fmt.Errorf("delete reminder %s: %w", j.ID, err)
	}
	if err := s.kv.SRem(ctx, ownerKey(j.Owner), j.ID); err != nil {
		return fmt.Errorf("unindex reminder %s: %w", j.ID, err)
	}
	rest, err := s.kv.SMembers(ctx, ownerKey(j.Owner))
	if err != nil {
		return fmt.Errorf("list reminders for %d: %w", j.Owner, err)
	}
	if len(rest) == 0 {
		if err := s.kv.SRem(ctx, ownersKey, strconv.FormatInt(j.Owner, 10)); err != nil {
			return fmt.Errorf("unindex owner %d: %w", j.Owner, err)
		}
	}
	return nil
}

// ListOwner returns an owner's jobs, oldest first. Index entries whose
// record is gone are skipped.
func (s *Store) ListOwner(ctx context.Context, owner int64) ([]*Job, error) {
	ids, err := s.kv.SMembers(ctx, ownerKey(owner))
	if err != nil {
		return nil, fmt.Errorf("list reminders for %d: %w", owner, err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs, nil
}

// Owners returns every owner with at least one job.
func (s *Store) Owners(ctx context.Context) ([]int64, error) {
	members, err := s.kv.SMembers(ctx, ownersKey)
	if err != nil {
		return nil, fmt.Errorf("list reminder owners: %w", err)
	}
	owners := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		owners = append(owners, id)
	}
	sort.Slice(owners, func(a, b int) bool { return owners[a] < owners[b] })
	return owners, nil
}

// ListAll returns every job of every indexed owner.
func (s *Store) ListAll(ctx context.Context) ([]*Job, error) {
	owners, err := s.Owners(ctx)
	if err != nil {
		return nil, err
	}
	var all []*Job
	for _, owner := range owners {
		jobs, err := s.ListOwner(ctx, owner)
		if err != nil {
			return nil, err
		}
		all = append(all, jobs...)
	}
	return all, nil
}
