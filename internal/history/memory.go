package history

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps attempts in process memory. Intended for tests and for
// deployments that do not need the trail to survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	attempts []Attempt
	nowFn    func() time.Time
	maxItems int
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

func WithMemoryNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithMemoryCap bounds how many attempts are retained; the oldest are dropped
// first.
func WithMemoryCap(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxItems = n
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:    time.Now,
		maxItems: 10000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Record(attempt Attempt) error {
	normalizeAttempt(&attempt, s.nowFn)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	if over := len(s.attempts) - s.maxItems; over > 0 {
		s.attempts = append([]Attempt(nil), s.attempts[over:]...)
	}
	return nil
}

func (s *MemoryStore) List(req ListRequest) (ListResponse, error) {
	limit := clampLimit(req.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Attempt, 0, limit)
	for i := len(s.attempts) - 1; i >= 0 && len(items) < limit; i-- {
		a := s.attempts[i]
		if req.Rule != "" && a.Rule != req.Rule {
			continue
		}
		if req.Target != "" && a.Target != req.Target {
			continue
		}
		if req.EventID != "" && a.EventID != req.EventID {
			continue
		}
		if req.Outcome != "" && a.Outcome != req.Outcome {
			continue
		}
		if !req.Before.IsZero() && !a.CreatedAt.Before(req.Before) {
			continue
		}
		items = append(items, a)
	}
	return ListResponse{Items: items}, nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.attempts)}
	for _, a := range s.attempts {
		switch a.Outcome {
		case OutcomeDelivered:
			st.Delivered++
		case OutcomeFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }

func normalizeAttempt(a *Attempt, now func() time.Time) {
	if strings.TrimSpace(a.ID) == "" {
		a.ID = "att_" + uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.Error = strings.TrimSpace(a.Error)
	if a.Outcome == "" {
		if a.Error != "" {
			a.Outcome = OutcomeFailed
		} else {
			a.Outcome = OutcomeDelivered
		}
	}
}
