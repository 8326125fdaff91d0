package plan

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// creditShards bounds lock contention: tenants hash to shards so admissions
// for disjoint tenants never contend.
const creditShards = 16

// TenantBudget is one tenant's token bucket. Invariant: 0 <= Balance <= Cap.
type TenantBudget struct {
	BalanceBytes         int64
	RefillBytesPerWindow int64
	CapBytes             int64
}

// CreditManager enforces per-tenant byte budgets with a token bucket per
// tenant. Admit deducts on success; Refill runs once per window boundary.
// When disabled, Admit always succeeds and no state is kept, leaving every
// other component's behavior unchanged.
type CreditManager struct {
	enabled bool
	resolve func(tenant string) TenantSpec
	shards  [creditShards]creditShard
}

type creditShard struct {
	mu      sync.Mutex
	budgets map[string]*TenantBudget
}

// NewCreditManager builds a CreditManager. resolve supplies each tenant's
// refill rate and cap the first time the tenant appears.
func NewCreditManager(enabled bool, resolve func(tenant string) TenantSpec) *CreditManager {
	m := &CreditManager{enabled: enabled, resolve: resolve}
	for i := range m.shards {
		m.shards[i].budgets = make(map[string]*TenantBudget)
	}
	return m
}

func (m *CreditManager) shard(tenant string) *creditShard {
	return &m.shards[xxhash.Sum64String(tenant)%creditShards]
}

// budgetLocked returns the tenant's budget, creating it full on first sight.
// Caller must hold the shard lock.
func (m *CreditManager) budgetLocked(s *creditShard, tenant string) *TenantBudget {
	b, ok := s.budgets[tenant]
	if !ok {
		spec := m.resolve(tenant)
		b = &TenantBudget{
			BalanceBytes:         spec.CapBytes,
			RefillBytesPerWindow: spec.RefillBytesPerWindow,
			CapBytes:             spec.CapBytes,
		}
		s.budgets[tenant] = b
	}
	return b
}

// Admit admits bytes against the tenant's balance, deducting on success.
// A false result is a deferral; the request is retried next window.
func (m *CreditManager) Admit(tenant string, bytes int64) bool {
	if !m.enabled {
		return true
	}
	s := m.shard(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	b := m.budgetLocked(s, tenant)
	if b.BalanceBytes < bytes {
		return false
	}
	b.BalanceBytes -= bytes
	return true
}

// Refill tops up every known tenant at the window boundary, capped at
// CapBytes.
func (m *CreditManager) Refill() {
	if !m.enabled {
		return
	}
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, b := range s.budgets {
			b.BalanceBytes += b.RefillBytesPerWindow
			if b.BalanceBytes > b.CapBytes {
				b.BalanceBytes = b.CapBytes
			}
		}
		s.mu.Unlock()
	}
}

// Balance returns the tenant's current balance. Tenants never seen report
// their full cap (the bucket starts full).
func (m *CreditManager) Balance(tenant string) int64 {
	if !m.enabled {
		return 0
	}
	s := m.shard(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.budgetLocked(s, tenant).BalanceBytes
}
