package timezone

import (
	"testing"
	"time"

	"github.com/erauner12/greetingd/internal/model"
)

func mustUTC(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", s, err)
	}
	return ts.UTC()
}

func TestComputeSendInstant(t *testing.T) {
	tests := []struct {
		name    string
		now     string
		cal     model.CalendarDay
		zone    string
		want    string
		wantErr bool
	}{
		{
			name: "new york summer (EDT)",
			now:  "2025-06-15T00:05:00Z",
			cal:  model.CalendarDay{Month: time.June, Day: 15},
			zone: "America/New_York",
			want: "2025-06-15T13:00:00Z",
		},
		{
			name: "new york winter (EST)",
			now:  "2025-01-10T00:05:00Z",
			cal:  model.CalendarDay{Month: time.January, Day: 10},
			zone: "America/New_York",
			want: "2025-01-10T14:00:00Z",
		},
		{
			name: "spring forward day does not touch 09:00",
			now:  "2025-03-09T00:05:00Z",
			cal:  model.CalendarDay{Month: time.March, Day: 9},
			zone: "America/New_York",
			want: "2025-03-09T13:00:00Z",
		},
		{
			name: "tokyo 09:00 is 00:00 UTC",
			now:  "2025-06-14T12:00:00Z",
			cal:  model.CalendarDay{Month: time.June, Day: 15},
			zone: "Asia/Tokyo",
			want: "2025-06-15T00:00:00Z",
		},
		{
			name: "kiritimati is ahead of UTC by 14h",
			now:  "2025-06-15T06:00:00Z",
			cal:  model.CalendarDay{Month: time.June, Day: 15},
			zone: "Pacific/Kiritimati",
			want: "2025-06-14T19:00:00Z",
		},
		{
			name: "utc plain",
			now:  "2025-02-28T00:05:00Z",
			cal:  model.CalendarDay{Month: time.February, Day: 28},
			zone: "UTC",
			want: "2025-02-28T09:00:00Z",
		},
		{
			name: "feb 29 in leap year",
			now:  "2024-02-29T00:05:00Z",
			cal:  model.CalendarDay{Month: time.February, Day: 29},
			zone: "UTC",
			want: "2024-02-29T09:00:00Z",
		},
		{
			name:    "feb 29 in non-leap year fails",
			now:     "2025-02-28T00:05:00Z",
			cal:     model.CalendarDay{Month: time.February, Day: 29},
			zone:    "UTC",
			wantErr: true,
		},
		{
			name:    "bad zone",
			now:     "2025-06-15T00:05:00Z",
			cal:     model.CalendarDay{Month: time.June, Day: 15},
			zone:    "Mars/Olympus_Mons",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeSendInstant(mustUTC(t, tt.now), tt.cal, tt.zone)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ComputeSendInstant() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ComputeSendInstant() error = %v", err)
			}
			if want := mustUTC(t, tt.want); !got.Equal(want) {
				t.Errorf("ComputeSendInstant() = %v, want %v", got, want)
			}
		})
	}
}

func TestComputeSendInstantRoundTrip(t *testing.T) {
	// Converting the result back into the zone must land on 09:00 local
	zones := []string{"America/New_York", "Asia/Tokyo", "Pacific/Kiritimati", "Europe/Paris", "UTC"}
	now := mustUTC(t, "2025-03-09T00:05:00Z")
	cal := model.CalendarDay{Month: time.March, Day: 9}

	for _, zone := range zones {
		t.Run(zone, func(t *testing.T) {
			got, err := ComputeSendInstant(now, cal, zone)
			if err != nil {
				t.Fatalf("ComputeSendInstant() error = %v", err)
			}
			loc, _ := time.LoadLocation(zone)
			local := got.In(loc)
			if local.Hour() != 9 || local.Minute() != 0 || local.Second() != 0 {
				t.Errorf("local wall clock = %v, want 09:00:00", local.Format("15:04:05"))
			}
			if local.Month() != cal.Month || local.Day() != cal.Day {
				t.Errorf("local date = %v-%v, want %v-%v", local.Month(), local.Day(), cal.Month, cal.Day)
			}
		})
	}
}

func TestComputeSendInstantFailsWithInvalidDateSentinel(t *testing.T) {
	_, err := ComputeSendInstant(mustUTC(t, "2025-02-28T00:05:00Z"),
		model.CalendarDay{Month: time.February, Day: 29}, "UTC")
	if !IsInvalidDate(err) {
		t.Errorf("IsInvalidDate() = false, want true; err = %v", err)
	}
}

func TestIsAnniversaryToday(t *testing.T) {
	tests := []struct {
		name string
		now  string
		cal  model.CalendarDay
		zone string
		want bool
	}{
		{
			name: "exact match",
			now:  "2025-06-15T12:00:00Z",
			cal:  model.CalendarDay{Month: time.June, Day: 15},
			zone: "UTC",
			want: true,
		},
		{
			name: "no match",
			now:  "2025-06-16T12:00:00Z",
			cal:  model.CalendarDay{Month: time.June, Day: 15},
			zone: "UTC",
			want: false,
		},
		{
			name: "zone pushes into next day",
			now:  "2025-06-14T20:00:00Z", // already June 15 in Tokyo
			cal:  model.CalendarDay{Month: time.June, Day: 15},
			zone: "Asia/Tokyo",
			want: true,
		},
		{
			name: "zone holds previous day",
			now:  "2025-06-15T02:00:00Z", // still June 14 in New York
			cal:  model.CalendarDay{Month: time.June, Day: 15},
			zone: "America/New_York",
			want: false,
		},
		{
			name: "feb 29 fallback on feb 28 in non-leap year",
			now:  "2025-02-28T12:00:00Z",
			cal:  model.CalendarDay{Month: time.February, Day: 29},
			zone: "UTC",
			want: true,
		},
		{
			name: "feb 29 does not match feb 28 in leap year",
			now:  "2024-02-28T12:00:00Z",
			cal:  model.CalendarDay{Month: time.February, Day: 29},
			zone: "UTC",
			want: false,
		},
		{
			name: "feb 29 matches feb 29 in leap year",
			now:  "2024-02-29T12:00:00Z",
			cal:  model.CalendarDay{Month: time.February, Day: 29},
			zone: "UTC",
			want: true,
		},
		{
			name: "mar 1 is not a fallback",
			now:  "2025-03-01T12:00:00Z",
			cal:  model.CalendarDay{Month: time.February, Day: 29},
			zone: "UTC",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsAnniversaryToday(mustUTC(t, tt.now), tt.cal, tt.zone)
			if err != nil {
				t.Fatalf("IsAnniversaryToday() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsAnniversaryToday() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateZone(t *testing.T) {
	tests := []struct {
		name    string
		zone    string
		wantErr bool
	}{
		{name: "canonical name", zone: "America/New_York"},
		{name: "utc literal", zone: "UTC"},
		{name: "nested name", zone: "America/Argentina/Buenos_Aires"},
		{name: "empty", zone: "", wantErr: true},
		{name: "whitespace only", zone: "   ", wantErr: true},
		{name: "surrounding whitespace", zone: " UTC ", wantErr: true},
		{name: "abbreviation EST", zone: "EST", wantErr: true},
		{name: "abbreviation GMT", zone: "GMT", wantErr: true},
		{name: "abbreviation PST", zone: "PST", wantErr: true},
		{name: "shell metacharacters", zone: "America/New_York;rm -rf /", wantErr: true},
		{name: "command substitution", zone: "$(whoami)/zone", wantErr: true},
		{name: "control character", zone: "America/New\x07York", wantErr: true},
		{name: "unknown zone", zone: "Atlantis/Capital", wantErr: true},
		{name: "url-ish garbage", zone: "https://example.com/tz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateZone(tt.zone)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateZone(%q) error = %v, wantErr %v", tt.zone, err, tt.wantErr)
			}
		})
	}
}
