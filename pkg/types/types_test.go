package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"100", "100", false},
		{" 42 ", "42", false},
		{"0", "0", false},
		{"-5", "-5", false},
		{"1000000000000000000000000", "1000000000000000000000000", false},
		{"", "", true},
		{"1e18", "", true},
		{"0x10", "", true},
		{"ten", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAmount(%q) expected error, got %s", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q) error: %v", tt.in, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestEventOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Event{Kind: EventLockTimeChanged, LockDuration: "1h0m0s"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if strings.Contains(s, "staker") || strings.Contains(s, "reward_error") {
		t.Errorf("unexpected empty fields in %s", s)
	}
	if !strings.Contains(s, `"lock_duration":"1h0m0s"`) {
		t.Errorf("missing lock_duration in %s", s)
	}
}

func TestLockTimeRequestSecondsOptional(t *testing.T) {
	var req LockTimeRequest
	if err := json.Unmarshal([]byte(`{"seconds":0}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.Seconds == nil || *req.Seconds != 0 {
		t.Errorf("explicit zero seconds lost: %+v", req)
	}

	req = LockTimeRequest{}
	if err := json.Unmarshal([]byte(`{"duration":"2h"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.Seconds != nil {
		t.Error("seconds should stay nil when absent")
	}
}
