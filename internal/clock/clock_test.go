package clock

import (
	"errors"
	"testing"
	"time"

	"remindbot/internal/reminder"
)

func TestParseWall(t *testing.T) {
	t.Parallel()
	got, err := ParseWall(" 2025-02-06 14:00 ")
	if err != nil {
		t.Fatalf("ParseWall error: %v", err)
	}
	if got.Hour() != 14 || got.Day() != 6 {
		t.Fatalf("unexpected wall fields: %v", got)
	}

	for _, raw := range []string{"", "2025-02-06", "06.02.2025 14:00", "2025-02-06 25:00"} {
		if _, err := ParseWall(raw); !errors.Is(err, reminder.ErrValidation) {
			t.Fatalf("ParseWall(%q) = %v, want ErrValidation", raw, err)
		}
	}
}

func TestToUTCMoscow(t *testing.T) {
	t.Parallel()
	wall, err := ParseWall("2025-02-06 14:00")
	if err != nil {
		t.Fatalf("ParseWall error: %v", err)
	}
	got, err := ToUTC(wall, "Europe/Moscow")
	if err != nil {
		t.Fatalf("ToUTC error: %v", err)
	}
	// Moscow is UTC+3 year-round.
	want := time.Date(2025, 2, 6, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("ToUTC = %v, want %v", got, want)
	}
}

func TestToUTCGap(t *testing.T) {
	t.Parallel()
	// 2025-03-09 02:30 does not exist in New York: clocks jump 02:00 -> 03:00.
	wall := time.Date(2025, 3, 9, 2, 30, 0, 0, time.UTC)
	_, err := ToUTC(wall, "America/New_York")
	if !errors.Is(err, reminder.ErrInvalidLocalTime) {
		t.Fatalf("ToUTC gap = %v, want ErrInvalidLocalTime", err)
	}
}

func TestToUTCOverlapResolves(t *testing.T) {
	t.Parallel()
	// 2025-11-02 01:30 occurs twice in New York; the conversion must pick
	// one occurrence rather than fail.
	wall := time.Date(2025, 11, 2, 1, 30, 0, 0, time.UTC)
	got, err := ToUTC(wall, "America/New_York")
	if err != nil {
		t.Fatalf("ToUTC overlap error: %v", err)
	}
	local, err := ToLocal(got, "America/New_York")
	if err != nil {
		t.Fatalf("ToLocal error: %v", err)
	}
	if local.Hour() != 1 || local.Minute() != 30 {
		t.Fatalf("round-trip wall = %02d:%02d, want 01:30", local.Hour(), local.Minute())
	}
}

func TestToUTCInvalidZone(t *testing.T) {
	t.Parallel()
	wall := time.Date(2025, 2, 6, 14, 0, 0, 0, time.UTC)
	for _, zone := range []string{"", "  ", "Mars/Olympus"} {
		if _, err := ToUTC(wall, zone); !errors.Is(err, reminder.ErrInvalidTimezone) {
			t.Fatalf("ToUTC zone %q = %v, want ErrInvalidTimezone", zone, err)
		}
	}
	if _, err := ToLocal(time.Now(), "Nowhere/Else"); !errors.Is(err, reminder.ErrInvalidTimezone) {
		t.Fatalf("ToLocal = %v, want ErrInvalidTimezone", err)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	wall, _ := ParseWall("2025-07-15 09:45")
	instant, err := ToUTC(wall, "Asia/Tokyo")
	if err != nil {
		t.Fatalf("ToUTC error: %v", err)
	}
	local, err := ToLocal(instant, "Asia/Tokyo")
	if err != nil {
		t.Fatalf("ToLocal error: %v", err)
	}
	if local.Format(WallLayout) != "2025-07-15 09:45" {
		t.Fatalf("round-trip = %s", local.Format(WallLayout))
	}
}
