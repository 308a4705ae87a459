package types

import "testing"

func TestNormalizeMarket(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"krw-btc":    "KRW-BTC",
		"  KRW-ETH ": "KRW-ETH",
		"KRW-SOL":    "KRW-SOL",
		"":           "",
	}
	for in, want := range cases {
		if got := NormalizeMarket(in); got != want {
			t.Errorf("NormalizeMarket(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeFocusedMarket(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"btc", "KRW-BTC", true},
		{"ETH", "KRW-ETH", true},
		{"KRW-SOL", "KRW-SOL", true},
		{" krw-xrp ", "KRW-XRP", true},
		{"DOGE2", "KRW-DOGE2", true},
		{"", "", false},
		{"KRW-", "", false},
		{"BT C", "", false},
		{"btc!", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeFocusedMarket(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizeFocusedMarket(%q) = (%q, %v), want (%q, %v)",
				tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizeFocusedMarketIdempotent(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"btc", "KRW-ETH", "sol"} {
		once, ok := NormalizeFocusedMarket(in)
		if !ok {
			t.Fatalf("first pass rejected %q", in)
		}
		twice, ok := NormalizeFocusedMarket(once)
		if !ok || twice != once {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestOrderFlowPendingClamp(t *testing.T) {
	t.Parallel()

	var f OrderFlow
	f.Apply(FlowBuyRequested)
	f.Apply(FlowBuyFilled)
	// Duplicate optimistic fill must not drive pending negative.
	f.Apply(FlowBuyFilled)
	if got := f.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}

	f.Apply(FlowSellRequested)
	if got := f.Pending(); got != 0 {
		t.Errorf("Pending() after extra fill + sell request = %d, want 0", got)
	}

	f.Apply(FlowSellRequested)
	if got := f.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
}

func TestOrderFlowApply(t *testing.T) {
	t.Parallel()

	var f OrderFlow
	for _, k := range []OrderFlowKind{
		FlowBuyRequested, FlowBuyFilled, FlowSellRequested, FlowSellFilled, FlowCancelled,
	} {
		f.Apply(k)
	}
	if f.BuyRequested != 1 || f.BuyFilled != 1 || f.SellRequested != 1 ||
		f.SellFilled != 1 || f.Cancelled != 1 {
		t.Errorf("counters = %+v, want all 1", f)
	}
	if got := f.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}
