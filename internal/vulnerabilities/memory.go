package vulnerabilities

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store.
type Memory struct {
	mu    sync.RWMutex
	byKey map[string]Vulnerability

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byKey: make(map[string]Vulnerability),
		now:   time.Now,
	}
}

// CreateVulnerability stores v, replacing any vulnerability with the same key.
func (m *Memory) CreateVulnerability(ctx context.Context, v NewVulnerability) (Vulnerability, error) {
	if err := ctx.Err(); err != nil {
		return Vulnerability{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	stored, ok := m.byKey[v.Key]
	if !ok {
		stored = Vulnerability{
			ID:        uuid.New(),
			CreatedAt: now,
		}
	}
	stored.UpdatedAt = now
	stored.NewVulnerability = v
	stored.References = slices.Clone(v.References)

	m.byKey[v.Key] = stored
	return stored, nil
}

// ListVulnerabilities returns all stored vulnerabilities ordered by key.
func (m *Memory) ListVulnerabilities(ctx context.Context) ([]Vulnerability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	vulns := make([]Vulnerability, 0, len(m.byKey))
	for _, v := range m.byKey {
		vulns = append(vulns, v)
	}
	slices.SortFunc(vulns, func(a, b Vulnerability) int { return cmp.Compare(a.Key, b.Key) })
	return vulns, nil
}
