package idemkey

import (
	"testing"
	"time"

	"github.com/erauner12/greetingd/internal/model"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("bad test date %q: %v", s, err)
	}
	return d
}

func TestGenerate(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		typ     model.MessageType
		date    string
		want    string
		wantErr bool
	}{
		{
			name:   "birthday key",
			userID: "u1",
			typ:    model.TypeBirthday,
			date:   "2025-06-15",
			want:   "u1:BIRTHDAY:2025-06-15",
		},
		{
			name:   "anniversary key",
			userID: "a7c1", typ: model.TypeAnniversary,
			date: "2025-02-28",
			want: "a7c1:ANNIVERSARY:2025-02-28",
		},
		{
			name:    "empty user",
			userID:  "",
			typ:     model.TypeBirthday,
			date:    "2025-06-15",
			wantErr: true,
		},
		{
			name:    "whitespace user",
			userID:  "   ",
			typ:     model.TypeBirthday,
			date:    "2025-06-15",
			wantErr: true,
		},
		{
			name:    "user with colon",
			userID:  "u:1",
			typ:     model.TypeBirthday,
			date:    "2025-06-15",
			wantErr: true,
		},
		{
			name:    "bad type",
			userID:  "u1",
			typ:     model.MessageType("GRADUATION"),
			date:    "2025-06-15",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Generate(tt.userID, tt.typ, date(t, tt.date))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Generate() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Generate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	// parse(generate(u, t, d)) == (u, t, d) for all valid inputs
	cases := []struct {
		userID string
		typ    model.MessageType
		date   string
	}{
		{"u1", model.TypeBirthday, "2025-06-15"},
		{"550e8400-e29b-41d4-a716-446655440000", model.TypeAnniversary, "2024-02-29"},
		{"user-with-dashes", model.TypeBirthday, "1999-12-31"},
	}

	for _, c := range cases {
		key, err := Generate(c.userID, c.typ, date(t, c.date))
		if err != nil {
			t.Fatalf("Generate(%q) error = %v", c.userID, err)
		}
		parsed, err := Parse(key)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", key, err)
		}
		if parsed.UserID != c.userID || parsed.Type != c.typ || parsed.Date != c.date {
			t.Errorf("Parse(Generate()) = %+v, want (%s, %s, %s)", parsed, c.userID, c.typ, c.date)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid", key: "u1:BIRTHDAY:2025-06-15"},
		{name: "empty", key: "", wantErr: true},
		{name: "whitespace", key: "   ", wantErr: true},
		{name: "too few parts", key: "u1:BIRTHDAY", wantErr: true},
		{name: "too many parts", key: "u1:BIRTHDAY:2025-06-15:extra", wantErr: true},
		{name: "bad type", key: "u1:WEDDING:2025-06-15", wantErr: true},
		{name: "bad date format", key: "u1:BIRTHDAY:15-06-2025", wantErr: true},
		{name: "nonexistent date", key: "u1:BIRTHDAY:2025-02-30", wantErr: true},
		{name: "empty user part", key: ":BIRTHDAY:2025-06-15", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if verr := Validate(tt.key); (verr != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.key, verr, tt.wantErr)
			}
		})
	}
}

func TestSameUserAndDate(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		want    bool
		wantErr bool
	}{
		{
			name: "same user and date, different type",
			a:    "u1:BIRTHDAY:2025-06-15",
			b:    "u1:ANNIVERSARY:2025-06-15",
			want: true,
		},
		{
			name: "different user",
			a:    "u1:BIRTHDAY:2025-06-15",
			b:    "u2:BIRTHDAY:2025-06-15",
			want: false,
		},
		{
			name: "different date",
			a:    "u1:BIRTHDAY:2025-06-15",
			b:    "u1:BIRTHDAY:2025-06-16",
			want: false,
		},
		{
			name:    "malformed key",
			a:       "garbage",
			b:       "u1:BIRTHDAY:2025-06-15",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SameUserAndDate(tt.a, tt.b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SameUserAndDate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("SameUserAndDate() = %v, want %v", got, tt.want)
			}
		})
	}
}
