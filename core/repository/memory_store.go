package repository

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"observatory-jobs/core/models"
)

// MemoryStore is an in-process JobStore and ChangeFeed. Records are deep
// copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	sites  map[string]map[string]*models.Job
	log    []models.ChangeRecord
	signal chan struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sites:  make(map[string]map[string]*models.Job),
		signal: make(chan struct{}),
	}
}

func (s *MemoryStore) Put(ctx context.Context, job *models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	site := s.sites[job.Site]
	if site == nil {
		site = make(map[string]*models.Job)
		s.sites[job.Site] = site
	}
	if _, ok := site[job.JobID]; ok {
		return ErrAlreadyExists
	}
	site[job.JobID] = job.Clone()
	s.record(models.ChangeInsert, job.Key())
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key models.JobKey) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.sites[key.Site][key.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone().Normalize(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, key models.JobKey, idx models.StatusIndex, tag string, eta *int) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.sites[key.Site][key.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	idx.SetTag(job, tag)
	if eta != nil {
		job.ETASeconds = *eta
	}
	s.record(models.ChangeModify, key)
	return job.Clone().Normalize(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key models.JobKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	site := s.sites[key.Site]
	if _, ok := site[key.JobID]; !ok {
		return nil
	}
	delete(site, key.JobID)
	s.record(models.ChangeRemove, key)
	return nil
}

func (s *MemoryStore) QueryFrom(ctx context.Context, site, floor string, page PageRequest) (Page, error) {
	return s.scan(ctx, site, page, func(j *models.Job) bool {
		return j.JobID >= floor
	})
}

func (s *MemoryStore) QueryBefore(ctx context.Context, site, before string, page PageRequest) (Page, error) {
	return s.scan(ctx, site, page, func(j *models.Job) bool {
		return j.JobID < before
	})
}

func (s *MemoryStore) QueryByStatus(ctx context.Context, site string, idx models.StatusIndex, prefix string, page PageRequest) (Page, error) {
	return s.scan(ctx, site, page, func(j *models.Job) bool {
		return strings.HasPrefix(idx.Tag(j), prefix)
	})
}

func (s *MemoryStore) scan(ctx context.Context, site string, page PageRequest, match func(*models.Job) bool) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sites[site]))
	for id := range s.sites[site] {
		if id > page.After {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	limit := pageLimit(page)
	var out Page
	for _, id := range ids {
		job := s.sites[site][id]
		if !match(job) {
			continue
		}
		if len(out.Jobs) == limit {
			out.Next = out.Jobs[len(out.Jobs)-1].JobID
			break
		}
		out.Jobs = append(out.Jobs, job.Clone().Normalize())
	}
	return out, nil
}

// Len returns the number of jobs held for site.
func (s *MemoryStore) Len(site string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sites[site])
}

// Changes returns every change recorded so far.
func (s *MemoryStore) Changes() []models.ChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ChangeRecord(nil), s.log...)
}

// record appends to the change log and wakes subscribers. Callers hold mu.
func (s *MemoryStore) record(t models.ChangeType, key models.JobKey) {
	s.log = append(s.log, models.ChangeRecord{
		Type:     t,
		Key:      key,
		Sequence: strconv.Itoa(len(s.log) + 1),
	})
	close(s.signal)
	s.signal = make(chan struct{})
}

// Subscribe delivers every change made after the call, batching whatever
// accumulated since the previous delivery.
func (s *MemoryStore) Subscribe(ctx context.Context, handle ChangeHandler) error {
	s.mu.RLock()
	cursor := len(s.log)
	s.mu.RUnlock()

	for {
		s.mu.RLock()
		batch := append([]models.ChangeRecord(nil), s.log[cursor:]...)
		wait := s.signal
		s.mu.RUnlock()

		if len(batch) > 0 {
			cursor += len(batch)
			if err := handle(ctx, batch); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// MemoryConnections is an in-process ConnectionStore.
type MemoryConnections struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewMemoryConnections() *MemoryConnections {
	return &MemoryConnections{ids: make(map[string]struct{})}
}

func (m *MemoryConnections) Add(_ context.Context, connectionID string) error {
	m.mu.Lock()
	m.ids[connectionID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryConnections) Remove(_ context.Context, connectionID string) error {
	m.mu.Lock()
	delete(m.ids, connectionID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryConnections) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
