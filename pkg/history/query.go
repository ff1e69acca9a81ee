// Package history is a read-only query engine over an entity's transition
// log: temporal and content filters, ordering, paging, and the terminal and
// grouping forms. It never writes; it streams the events it is given.
package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/grainflow/grainflow/pkg/eventlog"
	"github.com/grainflow/grainflow/pkg/machine"
)

// Query is an immutable-input filter pipeline. Methods return the builder
// for chaining; terminals evaluate the pipeline.
type Query struct {
	events  []*eventlog.TransitionEvent
	filters []func(*eventlog.TransitionEvent) bool
	orderBy int // 0 none, 1 asc, -1 desc
	skip    int
	take    int
	hasTake bool
}

// NewQuery starts a pipeline over the given events. The slice is not copied;
// callers pass the log they read from storage.
func NewQuery(events []*eventlog.TransitionEvent) *Query {
	return &Query{events: events}
}

func (q *Query) where(f func(*eventlog.TransitionEvent) bool) *Query {
	q.filters = append(q.filters, f)
	return q
}

// InRange keeps events with from <= Timestamp < to.
func (q *Query) InRange(from, to time.Time) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool {
		return !ev.Timestamp.Before(from) && ev.Timestamp.Before(to)
	})
}

// After keeps events at or after t.
func (q *Query) After(t time.Time) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool {
		return !ev.Timestamp.Before(t)
	})
}

// Before keeps events strictly before t.
func (q *Query) Before(t time.Time) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool {
		return ev.Timestamp.Before(t)
	})
}

// Today keeps events from local midnight onward.
func (q *Query) Today() *Query {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return q.After(midnight)
}

// LastHours keeps events from the trailing n hours.
func (q *Query) LastHours(n int) *Query {
	return q.After(time.Now().Add(-time.Duration(n) * time.Hour))
}

// LastDays keeps events from the trailing n days.
func (q *Query) LastDays(n int) *Query {
	return q.After(time.Now().AddDate(0, 0, -n))
}

// From keeps events leaving the given state.
func (q *Query) From(state string) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool { return ev.From == state })
}

// To keeps events entering the given state.
func (q *Query) To(state string) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool { return ev.To == state })
}

// WithTrigger keeps events fired by trigger.
func (q *Query) WithTrigger(trigger string) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool { return ev.Trigger == trigger })
}

// WithTriggers keeps events fired by any of the triggers.
func (q *Query) WithTriggers(triggers ...string) *Query {
	set := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		set[t] = true
	}
	return q.where(func(ev *eventlog.TransitionEvent) bool { return set[ev.Trigger] })
}

// WithCorrelation keeps events stamped with the correlation id.
func (q *Query) WithCorrelation(id string) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool { return ev.CorrelationID == id })
}

// WhereMetadata keeps events whose metadata satisfies the predicate.
func (q *Query) WhereMetadata(pred func(map[string]string) bool) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool { return pred(ev.Metadata) })
}

// InVersionRange keeps events written under a definition version within
// [from, to], compared semantically.
func (q *Query) InVersionRange(from, to machine.Version) *Query {
	return q.where(func(ev *eventlog.TransitionEvent) bool {
		v, err := machine.ParseVersion(ev.DefinitionVersion)
		if err != nil {
			return false
		}
		return v.Compare(from) >= 0 && v.Compare(to) <= 0
	})
}

// OrderByTimeAsc sorts oldest first.
func (q *Query) OrderByTimeAsc() *Query {
	q.orderBy = 1
	return q
}

// OrderByTimeDesc sorts newest first.
func (q *Query) OrderByTimeDesc() *Query {
	q.orderBy = -1
	return q
}

// Skip drops the first n results after filtering and ordering.
func (q *Query) Skip(n int) *Query {
	q.skip = n
	return q
}

// Take limits the result to n events.
func (q *Query) Take(n int) *Query {
	q.take = n
	q.hasTake = true
	return q
}

func (q *Query) evaluate() []*eventlog.TransitionEvent {
	out := make([]*eventlog.TransitionEvent, 0, len(q.events))
	for _, ev := range q.events {
		keep := true
		for _, f := range q.filters {
			if !f(ev) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, ev)
		}
	}

	switch q.orderBy {
	case 1:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	case -1:
		sort.SliceStable(out, func(i, j int) bool { return out[j].Timestamp.Before(out[i].Timestamp) })
	}

	if q.skip > 0 {
		if q.skip >= len(out) {
			return nil
		}
		out = out[q.skip:]
	}
	if q.hasTake && q.take < len(out) {
		out = out[:q.take]
	}
	return out
}

// List evaluates the pipeline and returns the matching events.
func (q *Query) List() []*eventlog.TransitionEvent {
	return q.evaluate()
}

// First returns the first match, or nil.
func (q *Query) First() *eventlog.TransitionEvent {
	res := q.evaluate()
	if len(res) == 0 {
		return nil
	}
	return res[0]
}

// Count returns the number of matches.
func (q *Query) Count() int {
	return len(q.evaluate())
}

// Any reports whether anything matches.
func (q *Query) Any() bool {
	return len(q.evaluate()) > 0
}

// StateStats aggregates one state's entries, exits and residency.
type StateStats struct {
	State        string
	EntryCount   int
	ExitCount    int
	TotalTime    time.Duration
	AverageTime  time.Duration
	MinTime      time.Duration
	MaxTime      time.Duration
	CurrentState bool // entered without a matching exit
}

// GroupByState aggregates residency per state by pairing each entry with the
// next exit in sequence order.
func (q *Query) GroupByState() map[string]*StateStats {
	events := q.evaluate()
	stats := make(map[string]*StateStats)
	get := func(state string) *StateStats {
		s, ok := stats[state]
		if !ok {
			s = &StateStats{State: state}
			stats[state] = s
		}
		return s
	}

	entered := make(map[string]time.Time)
	for _, ev := range events {
		if ev.From != "" && ev.From != ev.To {
			s := get(ev.From)
			s.ExitCount++
			if at, ok := entered[ev.From]; ok {
				residency := ev.Timestamp.Sub(at)
				s.TotalTime += residency
				if s.MinTime == 0 || residency < s.MinTime {
					s.MinTime = residency
				}
				if residency > s.MaxTime {
					s.MaxTime = residency
				}
				delete(entered, ev.From)
			}
		}
		if ev.To != "" && ev.From != ev.To {
			get(ev.To).EntryCount++
			entered[ev.To] = ev.Timestamp
		}
	}

	for state, s := range stats {
		if _, open := entered[state]; open {
			s.CurrentState = true
		}
		if paired := s.ExitCount; paired > 0 && s.TotalTime > 0 {
			s.AverageTime = s.TotalTime / time.Duration(paired)
		}
	}
	return stats
}

// TriggerStats aggregates one trigger's usage.
type TriggerStats struct {
	Trigger     string
	Count       int
	SourceCount int
	TargetCount int
	FirstFired  time.Time
	LastFired   time.Time
}

// GroupByTrigger aggregates per trigger: fire count, distinct source and
// target cardinality, first and last firing time.
func (q *Query) GroupByTrigger() map[string]*TriggerStats {
	events := q.evaluate()
	stats := make(map[string]*TriggerStats)
	sources := make(map[string]map[string]bool)
	targets := make(map[string]map[string]bool)

	for _, ev := range events {
		s, ok := stats[ev.Trigger]
		if !ok {
			s = &TriggerStats{Trigger: ev.Trigger, FirstFired: ev.Timestamp}
			stats[ev.Trigger] = s
			sources[ev.Trigger] = make(map[string]bool)
			targets[ev.Trigger] = make(map[string]bool)
		}
		s.Count++
		if ev.Timestamp.Before(s.FirstFired) {
			s.FirstFired = ev.Timestamp
		}
		if ev.Timestamp.After(s.LastFired) {
			s.LastFired = ev.Timestamp
		}
		sources[ev.Trigger][ev.From] = true
		targets[ev.Trigger][ev.To] = true
	}
	for trigger, s := range stats {
		s.SourceCount = len(sources[trigger])
		s.TargetCount = len(targets[trigger])
	}
	return stats
}

// Period buckets for GroupByTime.
type Period int

const (
	PeriodHour Period = iota
	PeriodDay
	PeriodWeek
	PeriodMonth
)

func (p Period) String() string {
	switch p {
	case PeriodHour:
		return "hour"
	case PeriodDay:
		return "day"
	case PeriodWeek:
		return "week"
	case PeriodMonth:
		return "month"
	default:
		return "unknown"
	}
}

// GroupByTime buckets events by period; keys are the bucket start times
// formatted per period (e.g. "2026-03-14 09:00" for hours).
func (q *Query) GroupByTime(p Period) map[string][]*eventlog.TransitionEvent {
	events := q.evaluate()
	out := make(map[string][]*eventlog.TransitionEvent)
	for _, ev := range events {
		key := bucketKey(ev.Timestamp, p)
		out[key] = append(out[key], ev)
	}
	return out
}

func bucketKey(t time.Time, p Period) string {
	switch p {
	case PeriodHour:
		return t.Format("2006-01-02 15:00")
	case PeriodDay:
		return t.Format("2006-01-02")
	case PeriodWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case PeriodMonth:
		return t.Format("2006-01")
	default:
		return t.Format(time.RFC3339)
	}
}
