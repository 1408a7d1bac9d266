/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package roster loads and indexes the library-character name table: a JSON
// sidecar mapping display names (including "Name(Variant)" forms) to numeric
// character ids, plus a derived base-name index used for unique-match
// resolution and ambiguity detection.
package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Roster is an immutable name table. Safe for concurrent readers.
type Roster struct {
	nameToID map[string]int
	baseIDs  map[string][]int
}

// New builds a roster from an in-memory name map.
func New(nameToID map[string]int) *Roster {
	r := &Roster{
		nameToID: make(map[string]int, len(nameToID)),
		baseIDs:  make(map[string][]int),
	}
	for name, id := range nameToID {
		r.nameToID[name] = id
		base := baseName(name)
		r.baseIDs[base] = append(r.baseIDs[base], id)
	}
	for _, ids := range r.baseIDs {
		sort.Ints(ids)
	}
	return r
}

// Load reads a {"name_to_id": {...}} sidecar file. A missing file yields an
// empty roster rather than an error, matching the tooling that generates it
// lazily.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, fmt.Errorf("read name map %s: %w", path, err)
	}
	var doc struct {
		NameToID map[string]json.Number `json:"name_to_id"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse name map %s: %w", path, err)
	}
	m := make(map[string]int, len(doc.NameToID))
	for name, num := range doc.NameToID {
		id, err := strconv.Atoi(num.String())
		if err != nil {
			return nil, fmt.Errorf("parse name map %s: id for %q: %w", path, name, err)
		}
		m[name] = id
	}
	return New(m), nil
}

// ResolveID resolves a display name to a character id: exact match first,
// then a base-name match when it is unambiguous.
func (r *Roster) ResolveID(name string) (int, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, false
	}
	if id, ok := r.nameToID[name]; ok {
		return id, true
	}
	ids := r.baseIDs[baseName(name)]
	if len(ids) == 1 {
		return ids[0], true
	}
	return 0, false
}

// BaseIDs returns every id registered under a base name, sorted.
func (r *Roster) BaseIDs(base string) []int {
	return r.baseIDs[base]
}

// Len reports the number of distinct names.
func (r *Roster) Len() int { return len(r.nameToID) }

// baseName strips a parenthesized variant suffix (ASCII or full-width).
func baseName(name string) string {
	name = strings.TrimSpace(name)
	for _, sep := range []string{"(", "（"} {
		if idx := strings.Index(name, sep); idx >= 0 {
			return strings.TrimSpace(name[:idx])
		}
	}
	return name
}

// FindAvatar searches dir for the character's avatar file and returns a
// project-relative reference like "avatar/288.png".
func FindAvatar(dir string, studentID int) (string, bool) {
	for _, ext := range []string{".png", ".webp", ".jpg", ".jpeg"} {
		name := strconv.Itoa(studentID) + ext
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return filepath.Base(dir) + "/" + name, true
		}
	}
	return "", false
}
