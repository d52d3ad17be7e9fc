package domain

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestTier_Stricter(t *testing.T) {
	cases := []struct {
		a, b, want Tier
	}{
		{TierNone, Tier1, Tier1},
		{Tier3, Tier2, Tier2},
		{Tier1, Tier3, Tier1},
		{TierNone, TierNone, TierNone},
		{Tier2, TierNone, Tier2},
	}
	for _, c := range cases {
		if got := Stricter(c.a, c.b); got != c.want {
			t.Errorf("Stricter(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestTier_AtMost(t *testing.T) {
	if !Tier1.AtMost(TierNone) {
		t.Error("tier 1 should be at most none")
	}
	if TierNone.AtMost(Tier3) {
		t.Error("none should not be at most tier 3")
	}
	if !Tier2.AtMost(Tier2) {
		t.Error("tier should be at most itself")
	}
}

func TestTier_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Tier `json:"a"`
		B Tier `json:"b"`
	}{A: TierNone, B: Tier2})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":"none","b":2}` {
		t.Fatalf("unexpected json: %s", data)
	}

	var out struct {
		A Tier `json:"a"`
		B Tier `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"none","b":"3"}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.A != TierNone || out.B != Tier3 {
		t.Fatalf("unexpected tiers: %+v", out)
	}

	if err := json.Unmarshal([]byte(`{"a":7}`), &out); err == nil {
		t.Fatal("expected error for tier 7")
	}
}

func TestTier_YAML(t *testing.T) {
	var out struct {
		A Tier `yaml:"a"`
		B Tier `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: 1\nb: none\n"), &out); err != nil {
		t.Fatal(err)
	}
	if out.A != Tier1 || out.B != TierNone {
		t.Fatalf("unexpected tiers: %+v", out)
	}
}

func TestConversationTarget(t *testing.T) {
	group := InboundMessage{ChatID: "g1", SenderID: "u1", IsGroup: true}
	if got := ConversationTarget(group); got != "g1" {
		t.Errorf("group target = %q, want g1", got)
	}
	direct := InboundMessage{ChatID: "dm-42", SenderID: "u1"}
	if got := ConversationTarget(direct); got != "u1" {
		t.Errorf("direct target = %q, want u1", got)
	}
}
