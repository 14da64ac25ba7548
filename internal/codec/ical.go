package codec

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// ErrMalformedContent is returned when calendar data cannot be mapped to an Event.
var ErrMalformedContent = errors.New("malformed calendar content")

const (
	productID = "-//macjediwizard//caldavsync//EN"

	utcFormat   = "20060102T150405Z"
	localFormat = "20060102T150405"
	dateFormat  = "20060102"
)

// Encode converts an event into a single-event VCALENDAR.
func Encode(ev Event) (*ical.Calendar, error) {
	if strings.TrimSpace(ev.UID) == "" {
		return nil, fmt.Errorf("%w: missing UID", ErrMalformedContent)
	}
	if ev.Start.IsZero() {
		return nil, fmt.Errorf("%w: missing start time", ErrMalformedContent)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, ev.UID)

	stamp := ev.LastModified
	if stamp.IsZero() {
		stamp = time.Now()
	}
	event.Props.Set(utcProp(ical.PropDateTimeStamp, stamp))
	if !ev.LastModified.IsZero() {
		event.Props.Set(utcProp(ical.PropLastModified, ev.LastModified))
	}

	end := ev.End
	if end.IsZero() || !end.After(ev.Start) {
		end = defaultEnd(ev.Start, ev.AllDay)
	}

	switch {
	case ev.AllDay:
		event.Props.Set(dateProp(ical.PropDateTimeStart, ev.Start))
		event.Props.Set(dateProp(ical.PropDateTimeEnd, end))
	case ev.TimeZone != "" && loadZone(ev.TimeZone) != nil:
		loc := loadZone(ev.TimeZone)
		event.Props.Set(zonedProp(ical.PropDateTimeStart, ev.Start.In(loc), ev.TimeZone))
		event.Props.Set(zonedProp(ical.PropDateTimeEnd, end.In(loc), ev.TimeZone))
	default:
		event.Props.Set(utcProp(ical.PropDateTimeStart, ev.Start))
		event.Props.Set(utcProp(ical.PropDateTimeEnd, end))
	}

	if ev.Summary != "" {
		event.Props.SetText(ical.PropSummary, ev.Summary)
	}
	if ev.Description != "" {
		event.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		event.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Status != "" {
		event.Props.SetText(ical.PropStatus, strings.ToUpper(ev.Status))
	}
	if ev.RRule != "" {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = ev.RRule
		event.Props.Set(rule)
	}
	if ev.Sequence > 0 {
		seq := ical.NewProp(ical.PropSequence)
		seq.Value = strconv.Itoa(ev.Sequence)
		event.Props.Set(seq)
	}

	cal.Children = append(cal.Children, event.Component)
	return cal, nil
}

// EncodeString converts an event into iCalendar text.
func EncodeString(ev Event) (string, error) {
	cal, err := Encode(ev)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode calendar: %w", err)
	}
	return buf.String(), nil
}

// Decode parses iCalendar text into an Event.
func Decode(data string) (Event, error) {
	if strings.TrimSpace(data) == "" {
		return Event{}, fmt.Errorf("%w: empty calendar data", ErrMalformedContent)
	}
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}
	return DecodeCalendar(cal)
}

// DecodeCalendar maps the master VEVENT of a calendar to an Event. Recurrence
// overrides (components carrying RECURRENCE-ID) are ignored.
func DecodeCalendar(cal *ical.Calendar) (Event, error) {
	if cal == nil {
		return Event{}, fmt.Errorf("%w: nil calendar", ErrMalformedContent)
	}

	var master *ical.Event
	events := cal.Events()
	for i := range events {
		if events[i].Props.Get(ical.PropRecurrenceID) == nil {
			master = &events[i]
			break
		}
	}
	if master == nil {
		return Event{}, fmt.Errorf("%w: no VEVENT", ErrMalformedContent)
	}

	var ev Event
	var err error
	if ev.UID, err = master.Props.Text(ical.PropUID); err != nil || ev.UID == "" {
		return Event{}, fmt.Errorf("%w: missing UID", ErrMalformedContent)
	}

	dtstart := master.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return Event{}, fmt.Errorf("%w: missing DTSTART", ErrMalformedContent)
	}
	ev.Start, ev.AllDay, ev.TimeZone, err = propTime(dtstart)
	if err != nil {
		return Event{}, fmt.Errorf("%w: DTSTART: %w", ErrMalformedContent, err)
	}

	if dtend := master.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		if ev.End, _, _, err = propTime(dtend); err != nil {
			return Event{}, fmt.Errorf("%w: DTEND: %w", ErrMalformedContent, err)
		}
	} else if dur := master.Props.Get(ical.PropDuration); dur != nil {
		if d, err := parseDuration(dur.Value); err == nil {
			ev.End = ev.Start.Add(d)
		}
	}
	if ev.End.IsZero() {
		ev.End = defaultEnd(ev.Start, ev.AllDay)
	}

	ev.Summary, _ = master.Props.Text(ical.PropSummary)
	ev.Description, _ = master.Props.Text(ical.PropDescription)
	ev.Location, _ = master.Props.Text(ical.PropLocation)
	if status := master.Props.Get(ical.PropStatus); status != nil {
		ev.Status = strings.ToUpper(status.Value)
	}
	if rule := master.Props.Get(ical.PropRecurrenceRule); rule != nil {
		ev.RRule = rule.Value
	}
	if seq := master.Props.Get(ical.PropSequence); seq != nil {
		ev.Sequence, _ = strconv.Atoi(strings.TrimSpace(seq.Value))
	}

	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if p := master.Props.Get(name); p != nil {
			if t, _, _, err := propTime(p); err == nil {
				ev.LastModified = t
				break
			}
		}
	}

	return ev, nil
}

// propTime converts a DATE or DATE-TIME property to a UTC instant. Handles UTC
// values, TZID values (IANA names and GMT offset forms) and floating times.
func propTime(prop *ical.Prop) (t time.Time, allDay bool, tzid string, err error) {
	value := strings.TrimSpace(prop.Value)

	if strings.EqualFold(prop.Params.Get("VALUE"), "DATE") || len(value) == len(dateFormat) {
		t, err = time.ParseInLocation(dateFormat, value, time.UTC)
		return t, true, "", err
	}

	if strings.HasSuffix(value, "Z") {
		t, err = time.Parse(utcFormat, value)
		return t.UTC(), false, "", err
	}

	if tzid = prop.Params.Get("TZID"); tzid != "" {
		loc := loadZone(tzid)
		if loc == nil {
			log.Printf("codec: unknown TZID %q, treating as UTC", tzid)
			loc = time.UTC
		}
		t, err = time.ParseInLocation(localFormat, value, loc)
		return t.UTC(), false, tzid, err
	}

	t, err = prop.DateTime(time.UTC)
	return t.UTC(), false, "", err
}

// loadZone resolves a TZID to a location, falling back to fixed offsets for
// "GMT-0400" style identifiers. Returns nil when the zone is unknown.
func loadZone(tzid string) *time.Location {
	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc
	}
	return parseGMTOffset(tzid)
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	switch offset[0] {
	case '-':
		sign = -1
		offset = offset[1:]
	case '+':
		offset = offset[1:]
	default:
		return nil
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		hours, err = strconv.Atoi(offset)
	case 3:
		hours, err = strconv.Atoi(offset[:1])
		if err == nil {
			minutes, err = strconv.Atoi(offset[1:])
		}
	case 4:
		hours, err = strconv.Atoi(offset[:2])
		if err == nil {
			minutes, err = strconv.Atoi(offset[2:])
		}
	default:
		return nil
	}
	if err != nil {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

// parseDuration parses the RFC 5545 DURATION forms used on VEVENTs
// (P1W, P1DT2H, PT30M, -PT15M).
func parseDuration(value string) (time.Duration, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	sign := time.Duration(1)
	if strings.HasPrefix(v, "-") {
		sign = -1
		v = v[1:]
	}
	v = strings.TrimPrefix(v, "+")
	if !strings.HasPrefix(v, "P") || len(v) < 3 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	v = v[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", value)
			}
			num = ""
			switch {
			case r == 'W' && !inTime:
				total += time.Duration(n) * 7 * 24 * time.Hour
			case r == 'D' && !inTime:
				total += time.Duration(n) * 24 * time.Hour
			case r == 'H' && inTime:
				total += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				total += time.Duration(n) * time.Minute
			case r == 'S' && inTime:
				total += time.Duration(n) * time.Second
			default:
				return 0, fmt.Errorf("invalid duration %q", value)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return sign * total, nil
}

func utcProp(name string, t time.Time) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = t.UTC().Format(utcFormat)
	return p
}

func zonedProp(name string, t time.Time, tzid string) *ical.Prop {
	p := ical.NewProp(name)
	p.Params.Set("TZID", tzid)
	p.Value = t.Format(localFormat)
	return p
}

func dateProp(name string, t time.Time) *ical.Prop {
	p := ical.NewProp(name)
	p.Params.Set("VALUE", "DATE")
	p.Value = t.Format(dateFormat)
	return p
}
