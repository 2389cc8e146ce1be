package indicator

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the storage format of first_seen/last_seen.
const DateLayout = "2006-01-02"

// Type is the kind of value an indicator carries.
type Type string

const (
	TypeIP     Type = "ip"
	TypeEmail  Type = "email"
	TypeDomain Type = "domain"
)

// ParseType validates a type string.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeIP, TypeEmail, TypeDomain:
		return t, nil
	default:
		return "", fmt.Errorf("unknown indicator type %q", s)
	}
}

// Severity is the static per-source threat level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Indicator is a single observed threat value as stored.
type Indicator struct {
	ID        int64     `json:"id"`
	Type      Type      `json:"type"`
	Value     string    `json:"value"`
	Category  string    `json:"category"`
	Source    string    `json:"source"`
	Severity  Severity  `json:"severity"`
	Notes     string    `json:"notes"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Key returns the uniqueness tuple of the indicator.
func (i Indicator) Key() string {
	return string(i.Type) + "|" + i.Value + "|" + i.Category + "|" + i.Source
}

// Meta holds the per-feed constants copied onto every candidate.
type Meta struct {
	Type     Type     `mapstructure:"type" yaml:"type"`
	Category string   `mapstructure:"category" yaml:"category"`
	Source   string   `mapstructure:"source" yaml:"source"`
	Severity Severity `mapstructure:"severity" yaml:"severity"`
	Notes    string   `mapstructure:"notes" yaml:"notes"`
}

// Validate checks that the enum fields hold known values and source is set.
func (m Meta) Validate() error {
	if _, err := ParseType(string(m.Type)); err != nil {
		return err
	}
	if _, err := ParseSeverity(string(m.Severity)); err != nil {
		return err
	}
	if strings.TrimSpace(m.Source) == "" {
		return fmt.Errorf("source must not be empty")
	}
	return nil
}

// Normalize turns a raw candidate token into an Indicator. It returns false
// for values that are empty after trimming or that are comments. Values are
// not otherwise validated: feeds mix addresses, CIDR ranges and hostnames.
func Normalize(raw string, meta Meta, now time.Time) (Indicator, bool) {
	value := strings.TrimSpace(raw)
	if value == "" || strings.HasPrefix(value, "#") {
		return Indicator{}, false
	}
	day := Day(now)
	return Indicator{
		Type:      meta.Type,
		Value:     value,
		Category:  meta.Category,
		Source:    meta.Source,
		Severity:  meta.Severity,
		Notes:     meta.Notes,
		FirstSeen: day,
		LastSeen:  day,
	}, true
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date column value; the zero time renders empty.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

// ParseDate reads a date column value. Legacy rows may carry full
// timestamps, so RFC3339 is accepted as well.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// Match is the answer to a point lookup.
type Match struct {
	Match    bool     `json:"match"`
	Value    string   `json:"value"`
	Category string   `json:"category,omitempty"`
	Source   string   `json:"source,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// MatchOf builds a Match for value; a nil ind is a miss.
func MatchOf(value string, ind *Indicator) Match {
	if ind == nil {
		return Match{Value: value}
	}
	return Match{
		Match:    true,
		Value:    ind.Value,
		Category: ind.Category,
		Source:   ind.Source,
		Severity: ind.Severity,
		Notes:    ind.Notes,
	}
}
