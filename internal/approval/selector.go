package approval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidSelector marks an unparseable selection argument.
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrInvalidRange marks a date range whose end precedes its start.
	ErrInvalidRange = errors.New("invalid range: end date before start date")
)

type SelectorKind int

const (
	SelectCount SelectorKind = iota
	SelectAll
	SelectDate
	SelectRange
)

// Selector is a parsed selection policy over the pending queue.
type Selector struct {
	Kind  SelectorKind
	Count int
	// From/To are inclusive calendar dates (midnight in the configured
	// location) for SelectDate and SelectRange.
	From time.Time
	To   time.Time
}

const dateLayout = "2006-01-02"

// ParseSelector parses the arguments of an accept command:
//
//	<n> | all | date <YYYY-MM-DD> | range <YYYY-MM-DD> <YYYY-MM-DD>
//
// Dates are interpreted in loc. Range validity is checked here, before any
// queue access.
func ParseSelector(args []string, loc *time.Location) (Selector, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(args) == 0 {
		return Selector{}, fmt.Errorf("%w: empty argument", ErrInvalidSelector)
	}

	switch strings.ToLower(args[0]) {
	case "all":
		if len(args) != 1 {
			return Selector{}, fmt.Errorf("%w: unexpected arguments after %q", ErrInvalidSelector, "all")
		}
		return Selector{Kind: SelectAll}, nil

	case "date":
		if len(args) != 2 {
			return Selector{}, fmt.Errorf("%w: date needs one YYYY-MM-DD argument", ErrInvalidSelector)
		}
		d, err := time.ParseInLocation(dateLayout, args[1], loc)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: bad date %q", ErrInvalidSelector, args[1])
		}
		return Selector{Kind: SelectDate, From: d, To: d}, nil

	case "range":
		if len(args) != 3 {
			return Selector{}, fmt.Errorf("%w: range needs two YYYY-MM-DD arguments", ErrInvalidSelector)
		}
		d1, err := time.ParseInLocation(dateLayout, args[1], loc)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: bad date %q", ErrInvalidSelector, args[1])
		}
		d2, err := time.ParseInLocation(dateLayout, args[2], loc)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: bad date %q", ErrInvalidSelector, args[2])
		}
		if d2.Before(d1) {
			return Selector{}, ErrInvalidRange
		}
		return Selector{Kind: SelectRange, From: d1, To: d2}, nil

	default:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 || len(args) != 1 {
			return Selector{}, fmt.Errorf("%w: %q", ErrInvalidSelector, strings.Join(args, " "))
		}
		return Selector{Kind: SelectCount, Count: n}, nil
	}
}

// matches reports whether a request's timestamp falls inside the selector's
// date window. Time of day is ignored; comparison is by calendar date in loc.
func (s Selector) matches(at time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return !day.Before(s.From) && !day.After(s.To)
}
