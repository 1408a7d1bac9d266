/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package mmt

// speakerState tracks who is talking across markers. history is the
// append-only sequence of distinct consecutive speakers, used by "_N:"
// back-references; uniqueFirstSeen keeps every speaker once in first-seen
// order, used by "~N:" index markers. Implicit reuse (a marker-less
// statement) reads current without touching either list.
type speakerState struct {
	current         string
	hasCurrent      bool
	history         []string
	uniqueFirstSeen []string
	uniqueSet       map[string]struct{}
}

func newSpeakerState() *speakerState {
	return &speakerState{uniqueSet: make(map[string]struct{})}
}

func (s *speakerState) pushHistory(name string) {
	if n := len(s.history); n == 0 || s.history[n-1] != name {
		s.history = append(s.history, name)
	}
}

func (s *speakerState) setExplicit(name string) {
	s.current = name
	s.hasCurrent = true
	s.pushHistory(name)
	if _, ok := s.uniqueSet[name]; !ok {
		s.uniqueSet[name] = struct{}{}
		s.uniqueFirstSeen = append(s.uniqueFirstSeen, name)
	}
}

// setBackref selects the speaker n distinct turns back: _1 is the previous
// distinct speaker, _2 the one before that.
func (s *speakerState) setBackref(n, line int) error {
	if n <= 0 {
		return resolutionErrf(line, "backref n must be a positive integer")
	}
	if n >= len(s.history) {
		return resolutionErrf(line, "not enough speaker history for _%d:", n)
	}
	s.current = s.history[len(s.history)-(n+1)]
	s.hasCurrent = true
	s.pushHistory(s.current)
	return nil
}

// setIndex selects the n-th unique speaker in first-appearance order
// (1-based).
func (s *speakerState) setIndex(n, line int) error {
	if n <= 0 {
		return resolutionErrf(line, "index n must be a positive integer")
	}
	if len(s.uniqueFirstSeen) < n {
		return resolutionErrf(line, "not enough unique speakers for ~%d:", n)
	}
	s.current = s.uniqueFirstSeen[n-1]
	s.hasCurrent = true
	s.pushHistory(s.current)
	return nil
}
