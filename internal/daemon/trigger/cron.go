// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
//
// The engine owns schedule evaluation; this parser exists for client-side
// validation and for reporting the next expected firing.
type CronSchedule struct {
	expr    string
	minute  uint64 // bits 0-59
	hour    uint64 // bits 0-23
	day     uint64 // bits 1-31
	month   uint64 // bits 1-12
	weekday uint64 // bits 0-6, 0 = Sunday

	// Standard cron ORs day-of-month and day-of-week when both are
	// restricted, so the parser records which of the two was "*".
	dayStar     bool
	weekdayStar bool
}

// cronShortcuts maps @-expressions onto their 5-field equivalents.
var cronShortcuts = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron parses a cron expression, accepting the common @-shortcuts.
func ParseCron(expr string) (*CronSchedule, error) {
	original := expr
	if alias, ok := cronShortcuts[strings.ToLower(expr)]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 cron fields, got %d", len(fields))
	}

	s := &CronSchedule{expr: original}
	specs := []struct {
		name     string
		min, max int
		dst      *uint64
		star     *bool
	}{
		{"minute", 0, 59, &s.minute, new(bool)},
		{"hour", 0, 23, &s.hour, new(bool)},
		{"day-of-month", 1, 31, &s.day, &s.dayStar},
		{"month", 1, 12, &s.month, new(bool)},
		{"day-of-week", 0, 6, &s.weekday, &s.weekdayStar},
	}
	for i, spec := range specs {
		mask, star, err := parseCronField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		*spec.dst = mask
		*spec.star = star
	}
	return s, nil
}

// parseCronField parses one field into a bitmask. Supports wildcards,
// single values, ranges, steps, and comma lists. The bool reports whether
// the field contained an unrestricted "*" part.
func parseCronField(field string, min, max int) (uint64, bool, error) {
	var mask uint64
	var star bool
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx != -1 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return 0, false, fmt.Errorf("invalid step: %s", part[idx+1:])
			}
			step = n
			part = part[:idx]
		}

		start, end := min, max
		switch {
		case part == "*":
			if step == 1 {
				star = true
			}
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if start, err = strconv.Atoi(bounds[0]); err != nil {
				return 0, false, fmt.Errorf("invalid range start: %s", bounds[0])
			}
			if end, err = strconv.Atoi(bounds[1]); err != nil {
				return 0, false, fmt.Errorf("invalid range end: %s", bounds[1])
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return 0, false, fmt.Errorf("invalid value: %s", part)
			}
			start, end = n, n
		}

		if start < min || end > max || start > end {
			return 0, false, fmt.Errorf("value out of range [%d-%d]: %s", min, max, part)
		}
		for v := start; v <= end; v += step {
			mask |= 1 << uint(v)
		}
	}
	return mask, star, nil
}

// matches reports whether t satisfies the schedule.
func (s *CronSchedule) matches(t time.Time) bool {
	return s.minute&(1<<uint(t.Minute())) != 0 &&
		s.hour&(1<<uint(t.Hour())) != 0 &&
		s.month&(1<<uint(t.Month())) != 0 &&
		s.dayMatches(t)
}

// dayMatches applies the standard cron day rule: when both day-of-month and
// day-of-week are restricted the two are ORed, otherwise each restricted
// field must match on its own.
func (s *CronSchedule) dayMatches(t time.Time) bool {
	dom := s.day&(1<<uint(t.Day())) != 0
	dow := s.weekday&(1<<uint(t.Weekday())) != 0
	if !s.dayStar && !s.weekdayStar {
		return dom || dow
	}
	return dom && dow
}

// Next returns the first time after from that matches the schedule, or the
// zero time when nothing matches within four years.
func (s *CronSchedule) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)

	for t.Before(limit) {
		if s.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if s.hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// String returns the expression as written.
func (s *CronSchedule) String() string {
	return s.expr
}
