// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"regexp"
	"strings"
)

// ContentFilter recognizes automated and system mail that never
// reaches the triage pipeline.
type ContentFilter struct {
	Senders  []*regexp.Regexp
	Subjects []*regexp.Regexp
}

var (
	defaultSenders = []string{
		`no-?reply`,
		`mailer-daemon`,
		`postmaster`,
		`notifications?@`,
		`bounce`,
	}
	defaultSubjects = []string{
		`^(re:\s*)?auto-?reply`,
		`^automatic reply`,
		`out of (the )?office`,
		`delivery status notification`,
		`undeliverable`,
		`mail delivery (failed|failure|subsystem)`,
	}
)

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// DefaultContentFilter returns the stock sender and subject heuristics.
func DefaultContentFilter() *ContentFilter {
	return &ContentFilter{
		Senders:  compileAll(defaultSenders),
		Subjects: compileAll(defaultSubjects),
	}
}

// Automated reports whether p looks machine generated, and if so why.
func (f *ContentFilter) Automated(p *Parsed) (string, bool) {
	if v := strings.ToLower(p.AutoSubmitted); v != "" && v != "no" {
		return "auto-submitted: " + v, true
	}
	for _, re := range f.Senders {
		if re.MatchString(p.FromAddress) {
			return "sender " + re.String(), true
		}
	}
	for _, re := range f.Subjects {
		if re.MatchString(p.Canonical.Subject) {
			return "subject " + re.String(), true
		}
	}
	return "", false
}
