// Package governor implements in-memory admission control for outbound
// sends. It answers "may account A send to target T right now?" and records
// send outcomes, enforcing four independent policies: a per-account sliding
// window, minimum spacing per target, a batch cooldown, and an age-tiered
// daily cap on first-time contacts.
//
// The governor performs no I/O. Denial is a first-class return value, never
// an error: every policy except the daily cap carries a wait hint the caller
// is expected to sleep through before re-checking; the daily cap is a hard
// deny because no wait within the same UTC day can help.
//
// State is partitioned by account: each account owns its counters behind its
// own mutex, so concurrent dispatch paths for different accounts never
// contend. Per-target caches are bounded with oldest-first eviction.
package governor

import (
	"sort"
	"sync"
	"time"

	"github.com/relaydesk/go-relay-backend/internal/domain"
)

// Denial reasons carried on Decision. ReasonDailyLimit is the only hard one.
const (
	ReasonWindow     = "rate window full"
	ReasonSpacing    = "target spacing"
	ReasonCooldown   = "batch cooldown"
	ReasonDailyLimit = "daily limit"
)

// Risk levels reported by Stats.
const (
	RiskSafe    = "safe"
	RiskCaution = "caution"
	RiskWarning = "warning"
)

// Tier maps a minimum account age in days to a daily new-contact cap.
type Tier struct {
	MinAgeDays int
	Cap        int
}

// Config holds the governor's tunables. Zero values are replaced with the
// defaults below by New.
type Config struct {
	// Window and WindowCap bound total sends per account: at most WindowCap
	// sends within any rolling Window.
	Window    time.Duration
	WindowCap int
	// MinTargetSpacing is the minimum gap between two sends to the same target.
	MinTargetSpacing time.Duration
	// BatchSize sends are allowed before BatchCooldown must elapse.
	BatchSize     int
	BatchCooldown time.Duration
	// WarmupDays pins the daily cap to the narrowest tier for young accounts.
	WarmupDays int
	// DailyTiers is the new-contact cap table keyed by account age; it must
	// contain a tier for age 0.
	DailyTiers []Tier
	// MaxTrackedTargets bounds the per-account target caches.
	MaxTrackedTargets int
}

// DefaultConfig returns the shipped policy: 15 sends/minute, 6s same-target
// spacing, 50 sends per batch with a 5 minute cooldown, and a daily
// new-contact ladder from 30 (new accounts) to 1000 (30+ days).
func DefaultConfig() Config {
	return Config{
		Window:           time.Minute,
		WindowCap:        15,
		MinTargetSpacing: 6 * time.Second,
		BatchSize:        50,
		BatchCooldown:    5 * time.Minute,
		WarmupDays:       7,
		DailyTiers: []Tier{
			{MinAgeDays: 0, Cap: 30},
			{MinAgeDays: 7, Cap: 100},
			{MinAgeDays: 14, Cap: 300},
			{MinAgeDays: 30, Cap: 1000},
		},
		MaxTrackedTargets: 2048,
	}
}

// Decision is the outcome of an admission check. When Allowed is false and
// Hard is false, Wait is how long the caller should sleep before re-checking
// the full policy set; when Hard is true, waiting cannot help today.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Wait    time.Duration `json:"wait"`
	Reason  string        `json:"reason,omitempty"`
	Hard    bool          `json:"hard,omitempty"`
}

var admitted = Decision{Allowed: true}

// Stats is a point-in-time snapshot of one account's rate posture.
type Stats struct {
	AgeDays         int    `json:"age_days"`
	IsWarmup        bool   `json:"is_warmup"`
	DailyLimit      int    `json:"daily_limit"`
	DailyUsed       int    `json:"daily_used"`
	LastMinuteCount int    `json:"last_minute_count"`
	BatchCount      int    `json:"batch_count"`
	RiskLevel       string `json:"risk_level"`
}

// Governor is the admission-control engine. Safe for concurrent use.
type Governor struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	accounts map[string]*accountState
}

// accountState holds one account's counters. Guarded by its own mutex so
// traffic for different accounts never contends.
type accountState struct {
	mu sync.Mutex

	sends      []time.Time // timestamps inside the sliding window
	lastSendAt time.Time

	lastSendTo  *targetTimes // last send per target, spacing enforcement
	seenTargets *targetSet   // targets ever sent to, advisory cache

	dailyDay   string // UTC date the daily counter belongs to
	dailyUsed  int
	batchCount int
}

// New constructs a Governor, filling zero config fields with defaults and
// sorting the tier table by age threshold.
func New(cfg Config) *Governor {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.WindowCap <= 0 {
		cfg.WindowCap = def.WindowCap
	}
	if cfg.MinTargetSpacing <= 0 {
		cfg.MinTargetSpacing = def.MinTargetSpacing
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchCooldown <= 0 {
		cfg.BatchCooldown = def.BatchCooldown
	}
	if cfg.WarmupDays <= 0 {
		cfg.WarmupDays = def.WarmupDays
	}
	if len(cfg.DailyTiers) == 0 {
		cfg.DailyTiers = def.DailyTiers
	}
	if cfg.MaxTrackedTargets <= 0 {
		cfg.MaxTrackedTargets = def.MaxTrackedTargets
	}
	sort.Slice(cfg.DailyTiers, func(i, j int) bool {
		return cfg.DailyTiers[i].MinAgeDays < cfg.DailyTiers[j].MinAgeDays
	})
	return &Governor{
		cfg:      cfg,
		now:      time.Now,
		accounts: make(map[string]*accountState),
	}
}

// account returns the state shard for accountID, lazily initializing it.
// Unknown accounts are never an error.
func (g *Governor) account(accountID string) *accountState {
	g.mu.RLock()
	st, ok := g.accounts[accountID]
	g.mu.RUnlock()
	if ok {
		return st
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok = g.accounts[accountID]; ok {
		return st
	}
	st = &accountState{
		lastSendTo:  newTargetTimes(g.cfg.MaxTrackedTargets),
		seenTargets: newTargetSet(g.cfg.MaxTrackedTargets),
	}
	g.accounts[accountID] = st
	return st
}

// AdmitSend evaluates, in order: the per-account sliding window, the
// per-target spacing, the batch cooldown, and (for first-time contacts) the
// daily cap. The window check comes first so it stays the outer bound even
// when a long per-target wait elapses under load. AdmitSend mutates nothing
// except an elapsed batch cooldown's counter reset.
func (g *Governor) AdmitSend(accountID string, accountCreatedAt time.Time, target domain.Target, newContact bool) Decision {
	now := g.now()
	st := g.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// (a) rolling window cap
	st.prune(now, g.cfg.Window)
	if len(st.sends) >= g.cfg.WindowCap {
		wait := st.sends[0].Add(g.cfg.Window).Sub(now)
		return Decision{Wait: wait, Reason: ReasonWindow}
	}

	// (b) minimum spacing for this target
	if last, ok := st.lastSendTo.get(target.Key()); ok {
		if elapsed := now.Sub(last); elapsed < g.cfg.MinTargetSpacing {
			return Decision{Wait: g.cfg.MinTargetSpacing - elapsed, Reason: ReasonSpacing}
		}
	}

	// (c) batch cooldown; an elapsed cooldown resets the counter
	if st.batchCount >= g.cfg.BatchSize {
		if since := now.Sub(st.lastSendAt); since < g.cfg.BatchCooldown {
			return Decision{Wait: g.cfg.BatchCooldown - since, Reason: ReasonCooldown}
		}
		st.batchCount = 0
	}

	// (d) daily new-contact cap, hard deny. Group sends always address an
	// established context and bypass it.
	if newContact && !target.IsGroup() {
		st.rollDay(now)
		if st.dailyUsed >= g.dailyCap(accountAge(accountCreatedAt, now)) {
			return Decision{Reason: ReasonDailyLimit, Hard: true}
		}
	}

	return admitted
}

// RecordSend registers an attempted send outcome. It must be called exactly
// once per attempt once the outcome is known; all counters for the account
// move together under the account's lock.
func (g *Governor) RecordSend(accountID string, target domain.Target, newContact bool) {
	now := g.now()
	st := g.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(now, g.cfg.Window)
	st.sends = append(st.sends, now)
	st.lastSendAt = now
	st.lastSendTo.put(target.Key(), now)
	st.seenTargets.add(target.Key())
	st.batchCount++
	if newContact && !target.IsGroup() {
		st.rollDay(now)
		st.dailyUsed++
	}
}

// SeenTarget reports whether the cache knows the account has sent to target
// before. Only positive answers are cached, so false means "consult the
// persistent store and feed the result back via NoteTarget", not "never".
func (g *Governor) SeenTarget(accountID string, target domain.Target) bool {
	st := g.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seenTargets.has(target.Key())
}

// NoteTarget populates the seen-target cache from the persistent store.
// Only positive answers are cached; absence stays unknown so the store is
// re-consulted rather than trusted from a bounded cache.
func (g *Governor) NoteTarget(accountID string, target domain.Target, seen bool) {
	if !seen {
		return
	}
	st := g.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seenTargets.add(target.Key())
}

// Stats snapshots the account's current rate posture.
func (g *Governor) Stats(accountID string, accountCreatedAt time.Time) Stats {
	now := g.now()
	st := g.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.prune(now, g.cfg.Window)
	st.rollDay(now)

	age := accountAge(accountCreatedAt, now)
	warmup := age < g.cfg.WarmupDays
	limit := g.dailyCap(age)

	s := Stats{
		AgeDays:         age,
		IsWarmup:        warmup,
		DailyLimit:      limit,
		DailyUsed:       st.dailyUsed,
		LastMinuteCount: len(st.sends),
		BatchCount:      st.batchCount,
	}

	used := float64(st.dailyUsed) / float64(limit)
	switch {
	case used > 0.8:
		s.RiskLevel = RiskWarning
	case warmup || used >= 0.5:
		s.RiskLevel = RiskCaution
	default:
		s.RiskLevel = RiskSafe
	}
	return s
}

// dailyCap returns the effective new-contact cap for an account age. During
// warm-up the cap is pinned to the narrowest tier regardless of intermediate
// thresholds already passed.
func (g *Governor) dailyCap(ageDays int) int {
	if ageDays < g.cfg.WarmupDays {
		return g.cfg.DailyTiers[0].Cap
	}
	limit := g.cfg.DailyTiers[0].Cap
	for _, t := range g.cfg.DailyTiers {
		if ageDays >= t.MinAgeDays {
			limit = t.Cap
		}
	}
	return limit
}

func accountAge(createdAt, now time.Time) int {
	if createdAt.IsZero() || createdAt.After(now) {
		return 0
	}
	return int(now.Sub(createdAt).Hours() / 24)
}

// prune drops window timestamps older than the rolling window.
func (st *accountState) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(st.sends) && !st.sends[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.sends = append(st.sends[:0], st.sends[i:]...)
	}
}

// rollDay resets the daily counter at UTC-day boundaries.
func (st *accountState) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if st.dailyDay != day {
		st.dailyDay = day
		st.dailyUsed = 0
	}
}
