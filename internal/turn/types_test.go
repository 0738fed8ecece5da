package turn

import (
	"testing"
	"time"
)

func TestSessionKey_RoundTrip(t *testing.T) {
	key := SessionKey{TenantID: "acme", AgentID: "support", CustomerID: "cust-42", Channel: "whatsapp"}
	s := key.String()
	if s != "acme:support:cust-42:whatsapp" {
		t.Fatalf("String() = %q", s)
	}
	parsed, err := ParseSessionKey(s)
	if err != nil {
		t.Fatalf("ParseSessionKey: %v", err)
	}
	if parsed != key {
		t.Fatalf("round trip = %+v, want %+v", parsed, key)
	}
}

func TestParseSessionKey_Invalid(t *testing.T) {
	cases := []string{
		"",
		"a:b:c",
		"a:b:c:d:e",
		"a::c:d",
	}
	for _, in := range cases {
		if _, err := ParseSessionKey(in); err == nil {
			t.Errorf("ParseSessionKey(%q): want error", in)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusAccumulating, false},
		{StatusProcessing, false},
		{StatusComplete, true},
		{StatusSuperseded, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusAccumulating, StatusProcessing, true},
		{StatusAccumulating, StatusSuperseded, true},
		{StatusAccumulating, StatusComplete, false},
		{StatusProcessing, StatusComplete, true},
		{StatusProcessing, StatusSuperseded, true},
		{StatusProcessing, StatusAccumulating, false},
		{StatusComplete, StatusProcessing, false},
		{StatusSuperseded, StatusProcessing, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestLogicalTurn_CanAbsorb(t *testing.T) {
	now := time.Now()

	lt := &LogicalTurn{Status: StatusAccumulating}
	if !lt.CanAbsorb() {
		t.Fatal("accumulating turn with no effects should absorb")
	}

	lt.IrreversibleEffectAt = &now
	if lt.CanAbsorb() {
		t.Fatal("turn with irreversible effect must not absorb")
	}

	done := &LogicalTurn{Status: StatusComplete}
	if done.CanAbsorb() {
		t.Fatal("terminal turn must not absorb")
	}
}
