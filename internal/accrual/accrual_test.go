package accrual

import (
	"testing"
	"time"

	"github.com/argus-labs/ledger-service/internal/domain"
)

func TestRatePerHour(t *testing.T) {
	cases := []struct {
		name      string
		referrals int
		want      int64
	}{
		{name: "no referrals", referrals: 0, want: 60_000},
		{name: "one referral", referrals: 1, want: 160_000},
		{name: "five referrals", referrals: 5, want: 560_000},
		{name: "at cap", referrals: 20, want: 2_060_000},
		{name: "over cap clamps", referrals: 35, want: 2_060_000},
		{name: "negative treated as zero", referrals: -3, want: 60_000},
	}
	for _, tc := range cases {
		if got := RatePerHour(tc.referrals); got != tc.want {
			t.Fatalf("%s: RatePerHour(%d) = %d, want %d", tc.name, tc.referrals, got, tc.want)
		}
	}
}

func TestPendingPoints(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		now  time.Time
		rate int64
		want int64
	}{
		{name: "zero elapsed", now: start, rate: 60_000, want: 0},
		{name: "one hour base rate", now: start.Add(time.Hour), rate: 60_000, want: 60_000},
		{name: "one second base rate floors fraction", now: start.Add(time.Second), rate: 60_000, want: 16},
		{name: "one minute base rate", now: start.Add(time.Minute), rate: 60_000, want: 1_000},
		{name: "half day boosted", now: start.Add(12 * time.Hour), rate: 160_000, want: 1_920_000},
		{name: "exactly at ceiling", now: start.Add(24 * time.Hour), rate: 60_000, want: 1_440_000},
		{name: "past ceiling clamps", now: start.Add(90 * time.Hour), rate: 60_000, want: 1_440_000},
		{name: "clock skew clamps to zero", now: start.Add(-5 * time.Minute), rate: 60_000, want: 0},
		{name: "sub-second elapsed truncates", now: start.Add(900 * time.Millisecond), rate: 60_000, want: 0},
	}
	for _, tc := range cases {
		if got := PendingPoints(start, tc.now, tc.rate); got != tc.want {
			t.Fatalf("%s: PendingPoints = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestPendingPointsMonotonic(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	rate := RatePerHour(3)

	prev := int64(-1)
	for _, step := range []time.Duration{
		0, time.Second, time.Minute, time.Hour, 6 * time.Hour,
		23 * time.Hour, 24 * time.Hour, 25 * time.Hour, 48 * time.Hour,
	} {
		got := PendingPoints(start, start.Add(step), rate)
		if got < prev {
			t.Fatalf("pending decreased at +%v: %d < %d", step, got, prev)
		}
		prev = got
	}
}

func TestPendingFor(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	now := start.Add(2 * time.Hour)

	idle := &domain.Account{ReferralCount: 4}
	if got := PendingFor(idle, now); got != 0 {
		t.Fatalf("idle account accrued %d, want 0", got)
	}

	active := &domain.Account{
		ReferralCount: 4,
		MiningSession: &domain.MiningSession{StartedAt: start},
	}
	want := 2 * RatePerHour(4)
	if got := PendingFor(active, now); got != want {
		t.Fatalf("active account accrued %d, want %d", got, want)
	}

	if got := PendingFor(nil, now); got != 0 {
		t.Fatalf("nil account accrued %d, want 0", got)
	}
}

func TestExpired(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	if Expired(start, start.Add(23*time.Hour)) {
		t.Fatal("session expired before ceiling")
	}
	if !Expired(start, start.Add(24*time.Hour)) {
		t.Fatal("session not expired at ceiling")
	}
	if !Expired(start, start.Add(30*time.Hour)) {
		t.Fatal("session not expired past ceiling")
	}
}
