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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronValid(t *testing.T) {
	valid := []string{
		"* * * * *",
		"0 * * * *",
		"*/15 * * * *",
		"0 9 * * 1-5",
		"0 0 1 * *",
		"0,30 8-18 * * *",
		"0 0 1 1 *",
		"@hourly",
		"@daily",
		"@weekly",
		"@monthly",
		"@yearly",
	}
	for _, expr := range valid {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}
}

func TestParseCronInvalid(t *testing.T) {
	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"5-1 * * * *",
		"*/0 * * * *",
		"abc * * * *",
	}
	for _, expr := range invalid {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestCronNext(t *testing.T) {
	// Monday 2025-11-03 10:17 UTC.
	from := time.Date(2025, 11, 3, 10, 17, 42, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2025, 11, 3, 11, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 11, 3, 10, 30, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)},
		{"30 10 * * *", time.Date(2025, 11, 3, 10, 30, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2025, 11, 9, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		cron, err := ParseCron(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, cron.Next(from), tt.expr)
	}
}

func TestCronNextDayOfMonthOrWeekday(t *testing.T) {
	// Midnight on the 1st of the month or on a Monday; with both day
	// fields restricted either one matching fires.
	cron, err := ParseCron("0 0 1 * 1")
	require.NoError(t, err)

	// Tuesday 2026-03-03: the next Monday beats the next 1st.
	from := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), cron.Next(from))

	// Monday 2026-03-30 midday: April 1st comes before the next Monday.
	from = time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), cron.Next(from))

	// With day-of-week unrestricted the 1st alone decides.
	monthly, err := ParseCron("0 0 1 * *")
	require.NoError(t, err)
	from = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), monthly.Next(from))
}

func TestCronNextSkipsCurrentMinute(t *testing.T) {
	cron, err := ParseCron("* * * * *")
	require.NoError(t, err)

	from := time.Date(2025, 11, 3, 10, 17, 0, 0, time.UTC)
	assert.Equal(t, from.Add(time.Minute), cron.Next(from))
}

func TestCronString(t *testing.T) {
	cron, err := ParseCron("@daily")
	require.NoError(t, err)
	assert.Equal(t, "@daily", cron.String())
}
