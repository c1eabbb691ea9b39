// Copyright 2026 Memoryfab
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timeframe converts natural-language temporal fragments inside a
// query ("yesterday", "last week", "a few days ago") into a closed time
// interval, returning the residual query text.
package timeframe

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/memoryfab/htm/pkg/types"
)

// FewDays is the span "a few" maps to.
const FewDays = 3

// Result is the outcome of extracting a timeframe from a query.
type Result struct {
	// CleanedQuery is the query with the temporal phrase removed.
	// Equals the input when no phrase matched.
	CleanedQuery string

	// Timeframe is the extracted closed interval; zero when none matched.
	Timeframe types.Timeframe

	// Phrase is the original matched fragment, empty when none matched.
	Phrase string
}

type rule struct {
	re   *regexp.Regexp
	span func(now time.Time, match []string) types.Timeframe
}

func daysBack(n int) func(time.Time, []string) types.Timeframe {
	return func(now time.Time, _ []string) types.Timeframe {
		return types.Timeframe{Start: now.AddDate(0, 0, -n), End: now}
	}
}

// rules are tried in order; the first match wins. Longer, more specific
// phrases come before the catch-alls.
var rules = []rule{
	{
		re: regexp.MustCompile(`(?i)\b(?:from\s+)?a few (days?|hours?|weeks?) ago\b`),
		span: func(now time.Time, m []string) types.Timeframe {
			return unitSpan(now, FewDays, m[1])
		},
	},
	{
		re: regexp.MustCompile(`(?i)\b(?:from\s+)?(\d+) (days?|hours?|weeks?|months?) ago\b`),
		span: func(now time.Time, m []string) types.Timeframe {
			n, _ := strconv.Atoi(m[1])
			return unitSpan(now, n, m[2])
		},
	},
	{
		re: regexp.MustCompile(`(?i)\blast week\b`),
		span: daysBack(7),
	},
	{
		re: regexp.MustCompile(`(?i)\blast month\b`),
		span: func(now time.Time, _ []string) types.Timeframe {
			return types.Timeframe{Start: now.AddDate(0, -1, 0), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\blast year\b`),
		span: func(now time.Time, _ []string) types.Timeframe {
			return types.Timeframe{Start: now.AddDate(-1, 0, 0), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\byesterday\b`),
		span: func(now time.Time, _ []string) types.Timeframe {
			startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			return types.Timeframe{Start: startOfToday.AddDate(0, 0, -1), End: startOfToday}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\btoday\b`),
		span: func(now time.Time, _ []string) types.Timeframe {
			startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			return types.Timeframe{Start: startOfToday, End: now}
		},
	},
	{
		// A bare "recent"/"recently" defaults to the last few days.
		re:   regexp.MustCompile(`(?i)\brecent(?:ly)?\b`),
		span: daysBack(FewDays),
	},
}

func unitSpan(now time.Time, n int, unit string) types.Timeframe {
	switch strings.ToLower(strings.TrimSuffix(unit, "s")) {
	case "hour":
		return types.Timeframe{Start: now.Add(-time.Duration(n) * time.Hour), End: now}
	case "week":
		return types.Timeframe{Start: now.AddDate(0, 0, -7*n), End: now}
	case "month":
		return types.Timeframe{Start: now.AddDate(0, -n, 0), End: now}
	default:
		return types.Timeframe{Start: now.AddDate(0, 0, -n), End: now}
	}
}

// Extract parses query for a temporal phrase relative to now.
// Non-temporal queries return the query unchanged and a zero timeframe.
func Extract(query string, now time.Time) Result {
	for _, r := range rules {
		loc := r.re.FindStringSubmatchIndex(query)
		if loc == nil {
			continue
		}

		match := r.re.FindStringSubmatch(query)
		cleaned := query[:loc[0]] + query[loc[1]:]
		cleaned = collapseWhitespace(cleaned)

		return Result{
			CleanedQuery: cleaned,
			Timeframe:    r.span(now, match),
			Phrase:       strings.TrimSpace(match[0]),
		}
	}

	return Result{CleanedQuery: query}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
