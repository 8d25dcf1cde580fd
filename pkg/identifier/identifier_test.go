package identifier

import (
	"encoding/json"
	"testing"
)

func TestAgentIDRoundTrip(t *testing.T) {
	aid := NewAgentID("worker")

	parsed, err := Parse(aid.String())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	back, ok := parsed.(AgentID)
	if !ok {
		t.Fatalf("Parse() returned %T, want AgentID", parsed)
	}
	if !back.Equal(aid) || back.Name != "worker" {
		t.Fatalf("round trip mismatch: %v != %v", back, aid)
	}
}

func TestUserIDRoundTripWithoutName(t *testing.T) {
	uid := NewUserID("")

	parsed, err := Parse(uid.String())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	back, ok := parsed.(UserID)
	if !ok {
		t.Fatalf("Parse() returned %T, want UserID", parsed)
	}
	if !back.Equal(uid) || back.Name != "" {
		t.Fatalf("round trip mismatch: %v != %v", back, uid)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "agent", "robot:not-a-uuid", "thing:1b9c2f2e-0286-4d3a-8a2c-86e21f0e2a01"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) should fail", raw)
		}
	}
}

func TestEqualityIgnoresName(t *testing.T) {
	aid := NewAgentID("first")
	renamed := AgentID{UID: aid.UID, Name: "second"}
	if !aid.Equal(renamed) {
		t.Error("IDs with the same UUID should be equal regardless of name")
	}
	if Equal(aid, NewAgentID("first")) {
		t.Error("distinct UUIDs should not be equal")
	}
	if Equal(AgentID{UID: aid.UID}, UserID{UID: aid.UID}) {
		t.Error("agent and user IDs should never be equal")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	aid := NewAgentID("json")
	data, err := json.Marshal(aid)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var back AgentID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !back.Equal(aid) {
		t.Fatalf("JSON round trip mismatch: %v != %v", back, aid)
	}

	var wrong UserID
	if err := json.Unmarshal(data, &wrong); err == nil {
		t.Error("unmarshalling an agent ID into a UserID should fail")
	}
}
