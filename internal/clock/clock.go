// Package clock converts between a user's local wall-clock input and
// absolute UTC instants.
//
// Conversion errors are always surfaced to the caller; there is no silent
// fallback to the unconverted input.
package clock

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/reminder"
)

// WallLayout is the accepted local date-time input format.
const WallLayout = "2006-01-02 15:04"

// ParseWall parses a "YYYY-MM-DD HH:MM" string into wall-clock fields.
// The returned time carries no meaningful location; pair it with ToUTC.
func ParseWall(s string) (time.Time, error) {
	t, err := time.Parse(WallLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date/time %q, expected %s",
			reminder.ErrValidation, s, "YYYY-MM-DD HH:MM")
	}
	return t, nil
}

// ToUTC interprets the wall-clock fields of local (year..minute) in the
// named IANA zone and returns the absolute instant in UTC.
//
// Unknown zones fail with ErrInvalidTimezone. A local time that does not
// exist (DST spring-forward gap) fails with ErrInvalidLocalTime. A local
// time that occurs twice (fall-back overlap) resolves deterministically
// to one occurrence per Go's zone lookup.
func ToUTC(local time.Time, zone string) (time.Time, error) {
	loc, err := loadZone(zone)
	if err != nil {
		return time.Time{}, err
	}

	t := time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)

	// time.Date normalizes nonexistent wall times into the adjacent valid
	// hour. Mapping back and comparing wall fields detects the gap.
	if t.Year() != local.Year() || t.Month() != local.Month() || t.Day() != local.Day() ||
		t.Hour() != local.Hour() || t.Minute() != local.Minute() {
		return time.Time{}, fmt.Errorf("%w: %s in %s",
			reminder.ErrInvalidLocalTime, local.Format(WallLayout), zone)
	}

	return t.UTC(), nil
}

// ToLocal renders an absolute instant in the named zone. Total for valid
// zone names.
func ToLocal(instant time.Time, zone string) (time.Time, error) {
	loc, err := loadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	return instant.In(loc), nil
}

func loadZone(zone string) (*time.Location, error) {
	name := strings.TrimSpace(zone)
	if name == "" {
		return nil, fmt.Errorf("%w: empty zone name", reminder.ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", reminder.ErrInvalidTimezone, name)
	}
	return loc, nil
}
