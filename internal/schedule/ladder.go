// Package schedule holds the fixed retry ladder and the civil-time
// arithmetic used to place retry attempts.
package schedule

import (
	"errors"
	"time"
)

// Kind classifies how a retry slot was derived.
type Kind string

const (
	KindImmediate Kind = "immediate"
	KindDelay     Kind = "delay"
	KindNextHour  Kind = "next_occurrence_of_hour"
)

// Step is one resolved rung of the retry ladder: when the next attempt
// becomes eligible and how that instant was derived.
type Step struct {
	Kind Kind
	At   time.Time
}

type rung struct {
	kind  Kind
	delay time.Duration
	hour  int
}

// ladder is the fixed retry policy, indexed by the number of retries already
// made past the initial attempt. Wall-clock anchored rungs aim at morning,
// early afternoon and evening so a sequence spreads across times of day a
// callee is likely reachable.
var ladder = [...]rung{
	{kind: KindImmediate},
	{kind: KindDelay, delay: time.Hour},
	{kind: KindImmediate},
	{kind: KindNextHour, hour: 9},
	{kind: KindImmediate},
	{kind: KindNextHour, hour: 14},
	{kind: KindImmediate},
	{kind: KindNextHour, hour: 19},
	{kind: KindImmediate},
}

// ErrLadderExhausted is returned by Next for retry indexes past the end of
// the ladder.
var ErrLadderExhausted = errors.New("retry ladder exhausted")

// Steps returns the number of rungs in the ladder.
func Steps() int {
	return len(ladder)
}

// Policy resolves retry slots against a fixed civil time zone.
type Policy struct {
	loc *time.Location
}

// NewPolicy creates a Policy anchored to the given civil zone.
func NewPolicy(loc *time.Location) *Policy {
	return &Policy{loc: loc}
}

// Next returns the slot for retry index i with anchor time now. The index
// counts retries past the initial attempt, so the first retry of a sequence
// resolves index 0. Next is pure: equal inputs yield equal outputs.
func (p *Policy) Next(i int, now time.Time) (Step, error) {
	if i < 0 || i >= len(ladder) {
		return Step{}, ErrLadderExhausted
	}
	r := ladder[i]
	switch r.kind {
	case KindDelay:
		return Step{Kind: KindDelay, At: now.Add(r.delay)}, nil
	case KindNextHour:
		return Step{Kind: KindNextHour, At: NextOccurrence(r.hour, now, p.loc)}, nil
	default:
		return Step{Kind: KindImmediate, At: now}, nil
	}
}

// Immediate returns a forced-immediate slot, bypassing the ladder. Callers
// use it to re-attempt after transient infrastructure errors that should not
// consume a ladder rung's wall-clock placement.
func Immediate(now time.Time) Step {
	return Step{Kind: KindImmediate, At: now}
}
