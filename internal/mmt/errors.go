/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package mmt

import "fmt"

// loc renders a "line N" or "line N:C" prefix for diagnostics.
func loc(line, col int) string {
	if col <= 0 {
		return fmt.Sprintf("line %d", line)
	}
	return fmt.Sprintf("line %d:%d", line, col)
}

// SyntaxError reports a structural problem in the source text: malformed
// directive grammar, an unterminated quote block, invalid @end/@reply/@bond
// usage, and so on. Parsing stops at the first one.
type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: %s", loc(e.Line, e.Column), e.Message)
}

// ResolutionError reports a failure to resolve a speaker, selector, or
// expression target: unknown strict namespaced names, insufficient history,
// a missing speaker for the other side, reserved-id violations.
type ResolutionError struct {
	Line    int
	Message string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: %s", loc(e.Line, 0), e.Message)
}

// StateError reports a statement that is valid on its own but illegal in the
// current compile state, such as a continuation line before any statement or
// an @unaliasid/@uncharid/@unavatarid targeting an id that does not exist.
type StateError struct {
	Line    int
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", loc(e.Line, 0), e.Message)
}

func syntaxErrf(line, col int, format string, args ...any) error {
	return &SyntaxError{Line: line, Column: col, Message: fmt.Sprintf(format, args...)}
}

func resolutionErrf(line int, format string, args ...any) error {
	return &ResolutionError{Line: line, Message: fmt.Sprintf(format, args...)}
}

func stateErrf(line int, format string, args ...any) error {
	return &StateError{Line: line, Message: fmt.Sprintf(format, args...)}
}
