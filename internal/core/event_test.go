package core

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// ─── Severity ───────────────────────────────────────────────────────────────

func TestSeverity_String(t *testing.T) {
	cases := []struct {
		s    Severity
		want string
	}{
		{SeverityInfo, "info"},
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{Severity(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"info":       SeverityInfo,
		"LOW":        SeverityLow,
		" medium ":   SeverityMedium,
		"high":       SeverityHigh,
		"critical":   SeverityHigh,
		"":           SeverityInfo,
		"disastrous": SeverityInfo,
	}
	for in, want := range cases {
		if got := ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSeverity_JSON(t *testing.T) {
	data, err := json.Marshal(SeverityMedium)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"medium"` {
		t.Errorf("got %s", data)
	}
	var s Severity
	if err := json.Unmarshal([]byte(`"critical"`), &s); err != nil || s != SeverityHigh {
		t.Errorf("critical should decode to high, got %v (%v)", s, err)
	}
	if err := json.Unmarshal([]byte(`3`), &s); err == nil {
		t.Error("expected numeric severity to be rejected")
	}
}

// ─── SimEvent ───────────────────────────────────────────────────────────────

func TestNewSimEvent(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	e := NewSimEvent(ts, "Sysmon", "process_start", SeverityLow, "powershell.exe started")

	if !strings.HasPrefix(e.ID, "evt-") {
		t.Errorf("unexpected id %q", e.ID)
	}
	if e.Timestamp.Location() != time.UTC || !e.Timestamp.Equal(ts) {
		t.Errorf("expected UTC timestamp, got %v", e.Timestamp)
	}
	if !e.Synthetic || e.Tags == nil {
		t.Errorf("expected synthetic event with empty tags, got %+v", e)
	}
	if other := NewSimEvent(ts, "Sysmon", "process_start", SeverityLow, ""); other.ID == e.ID {
		t.Error("ids should be unique")
	}
}

func TestSimEvent_WireFormat(t *testing.T) {
	e := NewSimEvent(time.Unix(1700000000, 0), "Okta", "auth_failure", SeverityHigh, "Failed MFA")
	e.Actor = "alice"
	e.DeviceID = "WS-001"
	e.Tags = []string{"mfa", "identity"}

	data, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"severity":"high"`, `"device_id":"WS-001"`, `"synthetic":true`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in %s", want, data)
		}
	}

	back, err := UnmarshalSimEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.ID != e.ID || back.Severity != SeverityHigh || back.Actor != "alice" || len(back.Tags) != 2 {
		t.Errorf("unexpected decoded event %+v", back)
	}
}

func TestUnmarshalSimEvent_Invalid(t *testing.T) {
	if _, err := UnmarshalSimEvent([]byte("{not json")); err == nil {
		t.Error("expected error")
	}
}
