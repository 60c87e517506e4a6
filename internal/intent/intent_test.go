package intent

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"futures-exec/pkg/types"
)

func testIntent(t *testing.T) *Intent {
	t.Helper()
	it, err := New("strat-1", "d41d8cd9", "rb2410", types.BUY, types.OPEN,
		100, types.AlgoTWAP, types.UrgencyNormal, 1700000000000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return it
}

func TestDeriveIDDeterministic(t *testing.T) {
	t.Parallel()

	a := testIntent(t)
	b := testIntent(t)
	if a.ID != b.ID {
		t.Errorf("identical payloads produced different ids: %s vs %s", a.ID, b.ID)
	}
	if len(a.ID) != 32 {
		t.Errorf("id length = %d, want 32 hex chars", len(a.ID))
	}
	if strings.Contains(a.ID, "-") {
		t.Errorf("id %q must not contain '-'", a.ID)
	}
}

func TestDeriveIDSensitivity(t *testing.T) {
	t.Parallel()

	base := testIntent(t)

	variants := []*Intent{}
	if it, err := New("strat-2", "d41d8cd9", "rb2410", types.BUY, types.OPEN, 100, types.AlgoTWAP, types.UrgencyNormal, 1700000000000); err == nil {
		variants = append(variants, it)
	}
	if it, err := New("strat-1", "d41d8cd9", "rb2410", types.SELL, types.OPEN, 100, types.AlgoTWAP, types.UrgencyNormal, 1700000000000); err == nil {
		variants = append(variants, it)
	}
	if it, err := New("strat-1", "d41d8cd9", "rb2410", types.BUY, types.OPEN, 101, types.AlgoTWAP, types.UrgencyNormal, 1700000000000); err == nil {
		variants = append(variants, it)
	}
	if it, err := New("strat-1", "d41d8cd9", "rb2410", types.BUY, types.OPEN, 100, types.AlgoTWAP, types.UrgencyNormal, 1700000000001); err == nil {
		variants = append(variants, it)
	}

	for i, v := range variants {
		if v.ID == base.ID {
			t.Errorf("variant %d collided with base id", i)
		}
	}
}

func TestLimitPriceDoesNotChangeID(t *testing.T) {
	t.Parallel()

	base := testIntent(t)
	priced := base.WithLimitPrice(decimal.NewFromInt(4000))
	if priced.ID != base.ID {
		t.Error("limit price must not affect intent identity")
	}
	if !priced.HasLimit {
		t.Error("WithLimitPrice should set HasLimit")
	}
	if base.HasLimit {
		t.Error("original intent must stay unmodified")
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "d", "rb2410", types.BUY, types.OPEN, 100, types.AlgoTWAP, types.UrgencyNormal, 1); err == nil {
		t.Error("empty strategy id should fail")
	}
	if _, err := New("s", "d", "", types.BUY, types.OPEN, 100, types.AlgoTWAP, types.UrgencyNormal, 1); err == nil {
		t.Error("empty instrument should fail")
	}
	if _, err := New("s", "d", "rb2410", types.BUY, types.OPEN, 0, types.AlgoTWAP, types.UrgencyNormal, 1); err == nil {
		t.Error("zero qty should fail")
	}
	if _, err := New("s", "d", "rb2410", types.Side("SHORT"), types.OPEN, 1, types.AlgoTWAP, types.UrgencyNormal, 1); err == nil {
		t.Error("unknown side should fail")
	}
	if _, err := New("s", "d", "rb2410", types.BUY, types.Offset("ROLL"), 1, types.AlgoTWAP, types.UrgencyNormal, 1); err == nil {
		t.Error("unknown offset should fail")
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	it := testIntent(t)
	if it.Expired(now) {
		t.Error("intent without expiry must never expire")
	}

	past := it.WithExpiry(now.Add(-time.Second).UnixMilli())
	if !past.Expired(now) {
		t.Error("intent with past expiry should be expired")
	}

	future := it.WithExpiry(now.Add(time.Minute).UnixMilli())
	if future.Expired(now) {
		t.Error("intent with future expiry should not be expired")
	}
}

func TestSeedDeterministic(t *testing.T) {
	t.Parallel()

	it := testIntent(t)
	if Seed(it.ID) != Seed(it.ID) {
		t.Error("seed must be a pure function of the intent id")
	}
	other, err := New("strat-1", "other", "rb2410", types.BUY, types.OPEN,
		100, types.AlgoTWAP, types.UrgencyNormal, 1700000000000)
	if err != nil {
		t.Fatal(err)
	}
	if Seed(it.ID) == Seed(other.ID) {
		t.Error("distinct ids should yield distinct seeds")
	}
}

func TestClientOrderIDRoundTrip(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	intentID := testIntent(t).ID

	properties.Property("parse(generate(id,i,r)) = (id,i,r)", prop.ForAll(
		func(slice, retry int) bool {
			coid := ClientOrderID(intentID, slice, retry)
			gotID, gotSlice, gotRetry, err := ParseClientOrderID(coid)
			return err == nil && gotID == intentID && gotSlice == slice && gotRetry == retry
		},
		gen.IntRange(0, 10_000),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestParseClientOrderIDRejectsMalformed(t *testing.T) {
	t.Parallel()

	bad := []string{"", "abc", "abc-1", "abc-1-2-3", "-1-2", "abc-x-2", "abc-1-y", "abc--1-2"}
	for _, s := range bad {
		if _, _, _, err := ParseClientOrderID(s); err == nil {
			t.Errorf("ParseClientOrderID(%q) should fail", s)
		}
	}
}
