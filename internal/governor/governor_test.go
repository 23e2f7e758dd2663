package governor

import (
	"sync"
	"testing"
	"time"

	"github.com/relaydesk/go-relay-backend/internal/domain"
)

// clock is a manually advanced time source injected into the governor.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGovernor(cfg Config) (*Governor, *clock) {
	g := New(cfg)
	ck := newClock()
	g.now = ck.now
	return g, ck
}

func contact(id string) domain.Target {
	return domain.Target{Kind: domain.TargetContact, ChannelID: id, Channel: "whatsapp"}
}

func group(id string) domain.Target {
	return domain.Target{Kind: domain.TargetGroup, ChannelID: id, Channel: "whatsapp"}
}

func TestAdmitSend_WindowCap(t *testing.T) {
	g, ck := newTestGovernor(Config{WindowCap: 3, MinTargetSpacing: time.Nanosecond})
	created := ck.now().AddDate(0, 0, -60)

	// Fill the window with sends to distinct targets.
	for i := 0; i < 3; i++ {
		tgt := contact(string(rune('a' + i)))
		if d := g.AdmitSend("acc", created, tgt, false); !d.Allowed {
			t.Fatalf("send %d should be admitted, got %+v", i, d)
		}
		g.RecordSend("acc", tgt, false)
		ck.advance(time.Second)
	}

	d := g.AdmitSend("acc", created, contact("z"), false)
	if d.Allowed {
		t.Fatalf("4th send inside window should be denied")
	}
	if d.Hard {
		t.Fatalf("window denial must not be hard")
	}
	if d.Reason != ReasonWindow {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonWindow)
	}
	// Oldest send was 3s ago, so the hint should be ~57s.
	if want := 57 * time.Second; d.Wait != want {
		t.Fatalf("wait = %v, want %v", d.Wait, want)
	}

	// Once the oldest timestamp ages out, admission resumes.
	ck.advance(d.Wait + time.Millisecond)
	if d := g.AdmitSend("acc", created, contact("z"), false); !d.Allowed {
		t.Fatalf("send after window drain should be admitted, got %+v", d)
	}
}

func TestAdmitSend_TargetSpacing(t *testing.T) {
	g, ck := newTestGovernor(Config{MinTargetSpacing: 6 * time.Second})
	created := ck.now().AddDate(0, 0, -60)
	tgt := contact("peer")

	g.RecordSend("acc", tgt, false)
	ck.advance(2 * time.Second)

	d := g.AdmitSend("acc", created, tgt, false)
	if d.Allowed {
		t.Fatalf("second send 2s after the first should be denied")
	}
	if d.Reason != ReasonSpacing {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonSpacing)
	}
	if want := 4 * time.Second; d.Wait != want {
		t.Fatalf("wait = %v, want spacing-elapsed = %v", d.Wait, want)
	}

	// A different target is not affected by the spacing rule.
	if d := g.AdmitSend("acc", created, contact("other"), false); !d.Allowed {
		t.Fatalf("different target should be admitted, got %+v", d)
	}

	ck.advance(4 * time.Second)
	if d := g.AdmitSend("acc", created, tgt, false); !d.Allowed {
		t.Fatalf("send after spacing elapsed should be admitted, got %+v", d)
	}
}

func TestAdmitSend_BatchCooldown(t *testing.T) {
	g, ck := newTestGovernor(Config{
		WindowCap:        1000,
		MinTargetSpacing: time.Nanosecond,
		BatchSize:        50,
		BatchCooldown:    5 * time.Minute,
	})
	created := ck.now().AddDate(0, 0, -60)

	for i := 0; i < 50; i++ {
		g.RecordSend("acc", contact(string(rune(i))), false)
		ck.advance(100 * time.Millisecond)
	}
	// Last send was 100ms ago; advance to exactly t+1s after it.
	ck.advance(900 * time.Millisecond)

	d := g.AdmitSend("acc", created, contact("next"), false)
	if d.Allowed {
		t.Fatalf("51st admission inside cooldown should be denied")
	}
	if d.Reason != ReasonCooldown {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonCooldown)
	}
	if want := 5*time.Minute - time.Second; d.Wait != want {
		t.Fatalf("wait = %v, want %v", d.Wait, want)
	}

	// After the cooldown elapses the batch counter resets.
	ck.advance(d.Wait)
	if d := g.AdmitSend("acc", created, contact("next"), false); !d.Allowed {
		t.Fatalf("admission after cooldown should succeed, got %+v", d)
	}
	if st := g.Stats("acc", created); st.BatchCount != 0 {
		t.Fatalf("batch count after cooldown = %d, want 0", st.BatchCount)
	}
}

func TestAdmitSend_DailyCapIsHard(t *testing.T) {
	g, ck := newTestGovernor(Config{
		WindowCap:        10000,
		MinTargetSpacing: time.Nanosecond,
		BatchSize:        10000,
	})
	created := ck.now() // day-0 account, narrowest tier = 30

	for i := 0; i < 30; i++ {
		tgt := contact(string(rune(1000 + i)))
		if d := g.AdmitSend("acc", created, tgt, true); !d.Allowed {
			t.Fatalf("new-contact send %d should be admitted, got %+v", i, d)
		}
		g.RecordSend("acc", tgt, true)
		ck.advance(time.Second)
	}

	d := g.AdmitSend("acc", created, contact("fresh"), true)
	if d.Allowed {
		t.Fatalf("31st new-contact send should be denied")
	}
	if !d.Hard {
		t.Fatalf("daily-cap denial must be hard")
	}
	if d.Reason != ReasonDailyLimit {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonDailyLimit)
	}

	// A returning target bypasses the new-contact check entirely.
	if d := g.AdmitSend("acc", created, contact("fresh"), false); !d.Allowed {
		t.Fatalf("returning-target send should be admitted, got %+v", d)
	}

	// Group sends bypass the daily cap too.
	if d := g.AdmitSend("acc", created, group("team"), true); !d.Allowed {
		t.Fatalf("group send should bypass the daily cap, got %+v", d)
	}
}

func TestDailyCounter_ResetsAtUTCDayBoundary(t *testing.T) {
	g, ck := newTestGovernor(Config{
		WindowCap:        10000,
		MinTargetSpacing: time.Nanosecond,
		BatchSize:        10000,
	})
	created := ck.now()

	for i := 0; i < 30; i++ {
		g.RecordSend("acc", contact(string(rune(2000+i))), true)
	}
	if d := g.AdmitSend("acc", created, contact("fresh"), true); d.Allowed {
		t.Fatalf("cap should be exhausted")
	}

	ck.advance(24 * time.Hour)
	if d := g.AdmitSend("acc", created, contact("fresh"), true); !d.Allowed {
		t.Fatalf("counter should reset on the next UTC day, got %+v", d)
	}
}

func TestDailyCap_Tiers(t *testing.T) {
	g, ck := newTestGovernor(Config{})
	now := ck.now()

	cases := []struct {
		ageDays int
		want    int
	}{
		{0, 30},
		{3, 30}, // warm-up pins to the narrowest tier
		{6, 30},
		{7, 100},
		{13, 100},
		{14, 300},
		{29, 300},
		{30, 1000},
		{365, 1000},
	}
	for _, tc := range cases {
		created := now.AddDate(0, 0, -tc.ageDays)
		st := g.Stats("age"+string(rune(tc.ageDays)), created)
		if st.DailyLimit != tc.want {
			t.Errorf("age %d: daily limit = %d, want %d", tc.ageDays, st.DailyLimit, tc.want)
		}
		if wantWarm := tc.ageDays < 7; st.IsWarmup != wantWarm {
			t.Errorf("age %d: warmup = %v, want %v", tc.ageDays, st.IsWarmup, wantWarm)
		}
	}
}

func TestStats_RiskLevels(t *testing.T) {
	g, ck := newTestGovernor(Config{
		WindowCap:        10000,
		MinTargetSpacing: time.Nanosecond,
		BatchSize:        10000,
	})
	old := ck.now().AddDate(0, 0, -60) // cap 1000

	if st := g.Stats("a", old); st.RiskLevel != RiskSafe {
		t.Fatalf("fresh old account risk = %q, want safe", st.RiskLevel)
	}

	// Warm-up accounts are caution even with zero usage.
	young := ck.now()
	if st := g.Stats("b", young); st.RiskLevel != RiskCaution {
		t.Fatalf("warm-up risk = %q, want caution", st.RiskLevel)
	}

	for i := 0; i < 500; i++ {
		g.RecordSend("a", contact(string(rune(i))), true)
	}
	if st := g.Stats("a", old); st.RiskLevel != RiskCaution {
		t.Fatalf("50%% usage risk = %q, want caution", st.RiskLevel)
	}

	for i := 500; i < 810; i++ {
		g.RecordSend("a", contact(string(rune(i))), true)
	}
	if st := g.Stats("a", old); st.RiskLevel != RiskWarning {
		t.Fatalf("81%% usage risk = %q, want warning", st.RiskLevel)
	}
}

func TestSeenTarget_CacheAndNote(t *testing.T) {
	g, _ := newTestGovernor(Config{})
	tgt := contact("peer")

	if g.SeenTarget("acc", tgt) {
		t.Fatalf("unknown target should not be seen")
	}

	// Negative store answers are not cached.
	g.NoteTarget("acc", tgt, false)
	if g.SeenTarget("acc", tgt) {
		t.Fatalf("negative NoteTarget must not mark the target seen")
	}

	g.NoteTarget("acc", tgt, true)
	if !g.SeenTarget("acc", tgt) {
		t.Fatalf("positive NoteTarget should mark the target seen")
	}

	// RecordSend marks targets seen as a side effect.
	other := contact("other")
	g.RecordSend("acc", other, true)
	if !g.SeenTarget("acc", other) {
		t.Fatalf("recorded target should be seen")
	}
}

func TestTargetCaches_BoundedEviction(t *testing.T) {
	g, _ := newTestGovernor(Config{MaxTrackedTargets: 3})

	for i := 0; i < 5; i++ {
		g.RecordSend("acc", contact(string(rune('a'+i))), false)
	}
	// Oldest two were evicted; the last three remain.
	if g.SeenTarget("acc", contact("a")) || g.SeenTarget("acc", contact("b")) {
		t.Fatalf("oldest targets should have been evicted")
	}
	for _, id := range []string{"c", "d", "e"} {
		if !g.SeenTarget("acc", contact(id)) {
			t.Fatalf("target %q should still be tracked", id)
		}
	}
}

func TestAccounts_Independent(t *testing.T) {
	g, ck := newTestGovernor(Config{WindowCap: 1, MinTargetSpacing: time.Nanosecond})
	created := ck.now().AddDate(0, 0, -60)

	g.RecordSend("a", contact("x"), false)
	if d := g.AdmitSend("a", created, contact("y"), false); d.Allowed {
		t.Fatalf("account a window should be full")
	}
	if d := g.AdmitSend("b", created, contact("y"), false); !d.Allowed {
		t.Fatalf("account b must be unaffected by account a, got %+v", d)
	}
}

func TestGovernor_ConcurrentAccess(t *testing.T) {
	g, _ := newTestGovernor(Config{WindowCap: 100000, MinTargetSpacing: time.Nanosecond, BatchSize: 100000})
	created := time.Now().AddDate(0, 0, -60)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			acc := string(rune('a' + w%4))
			for i := 0; i < 200; i++ {
				tgt := contact(string(rune(i)))
				g.AdmitSend(acc, created, tgt, i%2 == 0)
				g.RecordSend(acc, tgt, i%2 == 0)
				g.Stats(acc, created)
			}
		}(w)
	}
	wg.Wait()
}
