package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Event is the platform's internal representation of a calendar event.
type Event struct {
	ID           string    `json:"id"`
	UID          string    `json:"uid"`
	Summary      string    `json:"summary"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Status       string    `json:"status,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	AllDay       bool      `json:"all_day"`
	TimeZone     string    `json:"time_zone,omitempty"`
	RRule        string    `json:"rrule,omitempty"`
	Sequence     int       `json:"sequence"`
	LastModified time.Time `json:"last_modified"`
}

// Normalize returns a copy of the event with every representation detail that
// does not change meaning stripped: surrounding and repeated whitespace, status
// case, timezone representation and bookkeeping fields.
func Normalize(ev Event) Event {
	n := Event{
		UID:         strings.TrimSpace(ev.UID),
		Summary:     collapseSpace(ev.Summary),
		Description: normalizeMultiline(ev.Description),
		Location:    collapseSpace(ev.Location),
		Status:      strings.ToUpper(strings.TrimSpace(ev.Status)),
		AllDay:      ev.AllDay,
		RRule:       normalizeRRule(ev.RRule),
	}

	if ev.AllDay {
		n.Start = dateOnly(ev.Start)
		n.End = dateOnly(ev.End)
	} else {
		n.Start = ev.Start.UTC().Truncate(time.Second)
		n.End = ev.End.UTC().Truncate(time.Second)
	}
	if n.End.IsZero() || !n.End.After(n.Start) {
		n.End = defaultEnd(n.Start, n.AllDay)
	}
	return n
}

// Hash returns a stable content hash of the normalized event. Two events with
// the same hash are considered the same content by the sync engine.
func Hash(ev Event) string {
	n := Normalize(ev)

	var b strings.Builder
	fields := []string{
		"uid=" + n.UID,
		"summary=" + n.Summary,
		"description=" + n.Description,
		"location=" + n.Location,
		"status=" + n.Status,
		"start=" + n.Start.Format(time.RFC3339),
		"end=" + n.End.Format(time.RFC3339),
		"rrule=" + n.RRule,
	}
	if n.AllDay {
		fields = append(fields, "allday=1")
	}
	for _, f := range fields {
		b.WriteString(f)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two events carry the same normalized content.
func Equal(a, b Event) bool {
	return Hash(a) == Hash(b)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeMultiline(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = collapseSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// normalizeRRule uppercases the rule and sorts its parts so FREQ=WEEKLY;BYDAY=MO
// and BYDAY=MO;FREQ=WEEKLY compare equal.
func normalizeRRule(rule string) string {
	rule = strings.ToUpper(strings.TrimSpace(rule))
	if rule == "" {
		return ""
	}
	parts := strings.Split(rule, ";")
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, ";")
}

func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func defaultEnd(start time.Time, allDay bool) time.Time {
	if allDay {
		return start.AddDate(0, 0, 1)
	}
	return start.Add(time.Hour)
}
