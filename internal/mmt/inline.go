/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package mmt

import (
	"math"
	"strconv"
	"strings"
)

// InlineSegmentKind distinguishes literal text runs from inline expressions.
type InlineSegmentKind uint8

const (
	SegText InlineSegmentKind = iota
	SegExpr
)

// InlineSegment is one piece of a statement's content after inline
// segmentation. Text segments carry the literal run in Text; expression
// segments carry the bracket query and the optional parenthesized target,
// both whitespace-trimmed.
type InlineSegment struct {
	Kind   InlineSegmentKind
	Text   string
	Query  string
	Target string
}

// SegmentInline splits content into literal text runs and inline expressions.
// Expressions come in three shapes: "[query]", "[query](target)" and
// "(target)[query]". A backslash escapes the following character, dropping
// the backslash and keeping the character literal. Malformed candidates (an
// unclosed bracket, a "(...)" with no adjacent "[") degrade to literal text
// rather than failing.
//
// When requireColonPrefix is set (typst mode), only queries whose trimmed
// form starts with ":" are treated as expressions; anything else is kept
// verbatim as text, including its brackets.
func SegmentInline(content string, requireColonPrefix bool) []InlineSegment {
	runes := []rune(content)
	n := len(runes)

	var segs []InlineSegment
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			segs = append(segs, InlineSegment{Kind: SegText, Text: buf.String()})
			buf.Reset()
		}
	}

	// scanDelim collects runes from start up to the next unescaped close rune,
	// dropping escape backslashes. Returns the collected text and the index of
	// the close rune, or ok=false when it is never found.
	scanDelim := func(start int, close rune) (string, int, bool) {
		var b strings.Builder
		for j := start; j < n; j++ {
			switch {
			case runes[j] == '\\' && j+1 < n:
				b.WriteRune(runes[j+1])
				j++
			case runes[j] == close:
				return b.String(), j, true
			default:
				b.WriteRune(runes[j])
			}
		}
		return "", 0, false
	}

	emit := func(queryRaw, targetRaw string, exprStart, exprEnd int) bool {
		if requireColonPrefix && !strings.HasPrefix(strings.TrimSpace(queryRaw), ":") {
			buf.WriteString(string(runes[exprStart:exprEnd]))
			return false
		}
		flush()
		segs = append(segs, InlineSegment{
			Kind:   SegExpr,
			Query:  strings.TrimSpace(queryRaw),
			Target: strings.TrimSpace(targetRaw),
		})
		return true
	}

	i := 0
	for i < n {
		ch := runes[i]

		if ch == '\\' {
			if i+1 < n {
				buf.WriteRune(runes[i+1])
				i += 2
			} else {
				buf.WriteRune('\\')
				i++
			}
			continue
		}

		if ch == '(' {
			if target, closePar, ok := scanDelim(i+1, ')'); ok && closePar+1 < n && runes[closePar+1] == '[' {
				if query, closeSq, ok := scanDelim(closePar+2, ']'); ok {
					emit(query, target, i, closeSq+1)
					i = closeSq + 1
					continue
				}
			}
			buf.WriteRune('(')
			i++
			continue
		}

		if ch == '[' {
			query, closeSq, ok := scanDelim(i+1, ']')
			if !ok {
				buf.WriteRune('[')
				i++
				continue
			}
			if closeSq+1 < n && runes[closeSq+1] == '(' {
				target, closePar, ok := scanDelim(closeSq+2, ')')
				if !ok {
					buf.WriteRune('[')
					i++
					continue
				}
				emit(query, target, i, closePar+1)
				i = closePar + 1
				continue
			}
			emit(query, "", i, closeSq+1)
			i = closeSq + 1
			continue
		}

		buf.WriteRune(ch)
		i++
	}

	flush()
	return segs
}

// isBackrefTarget reports whether an expression target is a history
// back-reference: "_" or "_" followed by digits.
func isBackrefTarget(s string) bool {
	if !strings.HasPrefix(s, "_") {
		return false
	}
	rest := s[1:]
	if rest == "" {
		return true
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseBackrefN extracts the back-reference depth; a bare "_" means 1. A
// digit run too large for int saturates so resolution reports the usual
// not-enough-history error.
func parseBackrefN(s string) int {
	rest := strings.TrimPrefix(s, "_")
	if rest == "" {
		return 1
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return math.MaxInt
	}
	return n
}
