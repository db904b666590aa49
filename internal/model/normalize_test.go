package model

import (
	"testing"
	"time"
)

func TestCanonicalDomain(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com"},
		{"https://example.com/path?q=1", "example.com"},
		{"http://example.com:8080", "example.com"},
		{"example.com.", "example.com"},
		{"  example.com  ", "example.com"},
		{"sub.Example.com/", "sub.example.com"},
		{"example.com:443", "example.com"},
	}
	for _, tt := range tests {
		if got := CanonicalDomain(tt.in); got != tt.want {
			t.Fatalf("CanonicalDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeScanTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2:05", want: "02:05"},
		{in: "02:05", want: "02:05"},
		{in: "9:3", want: "09:03"},
		{in: "23:59", want: "23:59"},
		{in: "0:0", want: "00:00"},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
		{in: "12", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeScanTime(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("NormalizeScanTime(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeScanTime(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("NormalizeScanTime(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	day, err := ParseWeekday("Monday")
	if err != nil || day != time.Monday {
		t.Fatalf("ParseWeekday(Monday) = %v, %v", day, err)
	}
	day, err = ParseWeekday("fri")
	if err != nil || day != time.Friday {
		t.Fatalf("ParseWeekday(fri) = %v, %v", day, err)
	}
	if _, err := ParseWeekday("someday"); err == nil {
		t.Fatal("expected error for invalid weekday")
	}
}

func TestScanStatusTerminal(t *testing.T) {
	t.Parallel()
	for status, terminal := range map[ScanStatus]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
	} {
		if status.Terminal() != terminal {
			t.Fatalf("%s.Terminal() = %v, want %v", status, status.Terminal(), terminal)
		}
	}
}

func TestPrefsAllows(t *testing.T) {
	t.Parallel()
	p := NotificationPrefs{NewBreach: true, WeeklyDigest: true}
	if !p.Allows(EventNewBreach) || !p.Allows(EventWeeklyDigest) {
		t.Fatal("enabled kinds should be allowed")
	}
	if p.Allows(EventScanComplete) || p.Allows(EventHighRisk) {
		t.Fatal("disabled kinds should be gated")
	}
	if p.Allows(EventKind("bogus")) {
		t.Fatal("unknown kinds should be gated")
	}
}
