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

package triage

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/mailwatch/internal/message"

	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	pathFarm16 = "abcdefghijklmnop"
)

// Spool is a Submitter that writes each message as a JSON file into a
// local directory farm, for a triage process to pick up.  Submitting
// the same (principal, message) twice is a no-op.
type Spool struct {
	path string
}

type path struct {
	root string
	dirs []string
	base string
}

func (p path) Join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

// NewSpool creates the directory farm under dir if needed.
func NewSpool(dir string) (*Spool, error) {
	if err := mkdirfarm(dir, 2); err != nil {
		return nil, errors.Wrapf(err, "creating spool %s", dir)
	}
	return &Spool{path: dir}, nil
}

// spooled is the file format.
type spooled struct {
	Message    *message.Canonical `json:"message"`
	Source     message.Source     `json:"source"`
	SpooledAt  time.Time          `json:"spooledAt"`
	AcceptedID string             `json:"acceptedId"`
}

// HaveMessage reports whether the message is already spooled.
func (s *Spool) HaveMessage(principalID, id string) bool {
	_, err := os.Stat(s.makePath(principalID, id).Join())
	return err == nil
}

func (s *Spool) Submit(ctx context.Context, m *message.Canonical, src message.Source) (*message.Receipt, error) {
	if m.ID == "" {
		return nil, errors.New("message has no ID")
	}
	if m.PrincipalID == "" {
		return nil, errors.New("message has no principal")
	}
	p := s.makePath(m.PrincipalID, m.ID)
	if s.HaveMessage(m.PrincipalID, m.ID) {
		return &message.Receipt{AcceptedID: p.base, Status: StatusDuplicate}, nil
	}
	data, err := json.MarshalIndent(spooled{
		Message:    m,
		Source:     src,
		SpooledAt:  time.Now().UTC(),
		AcceptedID: p.base,
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	// Write then rename so a reader never sees a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(p.Join()), ".tmp-*")
	if err != nil {
		return nil, errors.Wrap(err, "spooling message")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "spooling message")
	}
	if err := tmp.Chmod(messageFileMode); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "spooling message")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "spooling message")
	}
	if err := os.Rename(tmp.Name(), p.Join()); err != nil {
		return nil, errors.Wrap(err, "spooling message")
	}
	return &message.Receipt{AcceptedID: p.base, Status: StatusAccepted}, nil
}

// basename holds the fields encoded into the file name of a spooled
// message.
type basename struct {
	// The principal the message was delivered for.
	scope string

	// The provider's message id, unique within scope.
	permID string
}

// Return the specified string with characters that should not appear
// in a spool filename escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Only the alphanumeric part of the POSIX portable filename character
// set passes unescaped.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}
	return true
}

// encode returns the basename in a filename safe form, prefixed with
// "mailwatch-1-" as a distinguisher followed by an encoding version.
func (b basename) encode() string {
	var sb strings.Builder
	const prefix = "mailwatch-1-"
	const suffix = ".json"
	sb.Grow(len(prefix) + len(b.scope) + len(b.permID) + 1 + len(suffix))
	sb.WriteString(prefix)
	sb.WriteString(escape(b.scope))
	sb.WriteRune('-')
	sb.WriteString(escape(b.permID))
	sb.WriteString(suffix)
	return sb.String()
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(key string) []string {
	fp := fingerprint([]byte(key))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func (s *Spool) makePath(principalID, id string) path {
	b := basename{scope: principalID, permID: id}
	return path{
		root: s.path,
		dirs: pathParts(principalID + "\x00" + id),
		base: b.encode(),
	}
}
