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
	"html"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/matta/mailwatch/internal/message"
	"github.com/matta/mailwatch/internal/watch"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// Parsed is a transformed message along with the header fields the
// content filter looks at.
type Parsed struct {
	Canonical *message.Canonical

	// FromAddress is the bare sender address, lower cased.
	FromAddress   string
	AutoSubmitted string
}

var (
	htmlTags   = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
)

// stripHTML reduces an HTML body to its text.
func stripHTML(s string) string {
	s = htmlTags.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(s, "\n\n"))
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// Transform parses a raw RFC 2822 message into its canonical form.
// The body is the text/plain part, or the text of the text/html part
// when there is no plain part, capped at maxBody bytes.
func Transform(principalID string, b *message.Body, maxBody int) (*Parsed, error) {
	mr, err := mail.CreateReader(strings.NewReader(b.Raw))
	if err != nil {
		return nil, errors.Wrapf(watch.ErrTransform, "message %s: %v", b.PermID, err)
	}
	defer mr.Close()

	c := &message.Canonical{
		ID:          b.PermID,
		ThreadID:    b.ThreadID,
		PrincipalID: principalID,
		Labels:      append([]string(nil), b.LabelIDs...),
	}
	p := &Parsed{Canonical: c, AutoSubmitted: strings.TrimSpace(mr.Header.Get("Auto-Submitted"))}

	if c.Subject, err = mr.Header.Subject(); err != nil {
		c.Subject = mr.Header.Get("Subject")
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		c.From = from[0].String()
		p.FromAddress = strings.ToLower(from[0].Address)
	} else {
		c.From = mr.Header.Get("From")
		p.FromAddress = strings.ToLower(strings.Trim(c.From, "<> "))
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range to {
			c.To = append(c.To, a.Address)
		}
	}
	if c.Timestamp, err = mr.Header.Date(); err != nil || c.Timestamp.IsZero() {
		c.Timestamp = b.InternalDate
	}
	c.Timestamp = c.Timestamp.UTC()

	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if plain == "" && htmlBody == "" {
				return nil, errors.Wrapf(watch.ErrTransform, "message %s: %v", b.PermID, err)
			}
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case contentType == "text/plain" && plain == "":
			plain = string(body)
		case contentType == "text/html" && htmlBody == "":
			htmlBody = string(body)
		case contentType == "" && plain == "":
			plain = string(body)
		}
	}
	text := plain
	if text == "" && htmlBody != "" {
		text = stripHTML(htmlBody)
	}
	c.Body, c.Truncated = truncate(strings.TrimSpace(text), maxBody)
	return p, nil
}
