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
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Parse scans MomoScript source line by line and returns the ordered node
// sequence. It performs no semantic resolution: speaker identities, aliases
// and inline expressions are handled later by Compile.
//
// The grammar has two phases. The header phase accepts "@key: value" meta
// pairs (values may be """-delimited blocks), the raw @typst_global prelude
// and any known directive; it ends at the first statement, @reply or @bond
// line. The body phase accepts statements ("- ", "> ", "< "), directives,
// @pagebreak, @reply, @bond, blank lines and continuation lines.
//
// Parsing fails with a *SyntaxError on the first structural problem and is
// not resumable.
func Parse(src string) ([]Node, error) {
	p := &lineParser{lines: splitLines(stripBOM(src))}
	return p.parse()
}

var (
	headerDirectiveRe = regexp.MustCompile(`^@([A-Za-z_][\w.\-]*)\s*:\s*(.*)$`)
	speakerBackrefRe  = regexp.MustCompile(`^_(\d*)\s*:\s*(.*)$`)
	speakerIndexRe    = regexp.MustCompile(`^~(\d*)\s*:\s*(.*)$`)
	statementRe       = regexp.MustCompile(`^(\s*)([\-<>])(\s+)(.*)$`)
	quoteOpenRe       = regexp.MustCompile(`^("{3,})(.*)$`)
	replyInlineRe     = regexp.MustCompile(`(?i)^@reply\s*:\s*(.*)$`)
	bondRe            = regexp.MustCompile(`(?i)^@bond(?:\s*:\s*(.*))?$`)
	replyWordRe       = regexp.MustCompile(`(?i)^@reply\b`)
	endWordRe         = regexp.MustCompile(`(?i)^@end\b`)
	bondWordRe        = regexp.MustCompile(`(?i)^@bond\b`)
	pagebreakWordRe   = regexp.MustCompile(`(?i)^@pagebreak\b`)
	replyOrBondRe     = regexp.MustCompile(`(?i)^@(reply|bond)\b`)
	usepackArgsRe     = regexp.MustCompile(`(?i)^([A-Za-z0-9_]+)\s+as\s+([A-Za-z0-9_]+)$`)
)

var knownDirectiveTokens = map[string]struct{}{
	"@alias":      {},
	"@tmpalias":   {},
	"@aliasid":    {},
	"@unaliasid":  {},
	"@charid":     {},
	"@uncharid":   {},
	"@avatarid":   {},
	"@unavatarid": {},
	"@avatar":     {},
	"@usepack":    {},
}

func stripBOM(s string) string {
	return strings.TrimLeft(s, "\uFEFF")
}

// splitLines splits on newlines the way the DSL counts lines: CRLF and lone
// CR are treated as line terminators, and a trailing terminator does not
// produce a final empty line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func firstNonSpaceCol(raw string) int {
	col := 1
	for _, r := range raw {
		if !unicode.IsSpace(r) {
			return col
		}
		col++
	}
	return 1
}

func lineEndCol(raw string) int {
	if n := utf8.RuneCountInString(raw); n > 1 {
		return n
	}
	return 1
}

// splitToken splits off the first whitespace-delimited token.
func splitToken(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx:])
}

type lineParser struct {
	lines []string
	nodes []Node
}

type stmtMatch struct {
	kind       StatementKind
	payload    string
	kindCol    int
	payloadCol int
}

func matchStatement(raw string) (stmtMatch, bool) {
	m := statementRe.FindStringSubmatch(raw)
	if m == nil {
		return stmtMatch{}, false
	}
	indent, marker, spaces, payload := m[1], m[2], m[3], m[4]
	var kind StatementKind
	switch marker {
	case "-":
		kind = KindNarration
	case ">":
		kind = KindOther
	case "<":
		kind = KindSelf
	}
	kindCol := utf8.RuneCountInString(indent) + 1
	payloadCol := kindCol + 1 + utf8.RuneCountInString(spaces)
	return stmtMatch{kind: kind, payload: payload, kindCol: kindCol, payloadCol: payloadCol}, true
}

// splitTopLevelColon finds the first ":" not nested in unescaped brackets or
// parentheses and not preceded by a backslash.
func splitTopLevelColon(s string) (string, string, bool) {
	depthSq, depthPar := 0, 0
	escaped := false
	for idx, ch := range s {
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case '[':
			depthSq++
		case ']':
			if depthSq > 0 {
				depthSq--
			}
		case '(':
			depthPar++
		case ')':
			if depthPar > 0 {
				depthPar--
			}
		case ':':
			if depthSq == 0 && depthPar == 0 {
				return s[:idx], s[idx+1:], true
			}
		}
	}
	return "", "", false
}

// parsePayload splits a > / < payload into its speaker marker and content.
// markerN converts the digit run of a "_N:" or "~N:" marker. A bare marker
// means 1; a run too large for int saturates so resolution reports the usual
// not-enough-history error instead of wrapping.
func markerN(digits string) int {
	if digits == "" {
		return 1
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return math.MaxInt
	}
	return n
}

func parsePayload(payload string, lineNo, colBase int) (Marker, string) {
	payload = strings.TrimRight(payload, " \t")

	headRaw, tail, ok := splitTopLevelColon(payload)
	if !ok {
		return nil, payload
	}
	head := strings.TrimSpace(headRaw)
	tail = strings.TrimLeft(tail, " \t")

	headLeftTrim := utf8.RuneCountInString(headRaw) - utf8.RuneCountInString(strings.TrimLeft(headRaw, " \t"))
	markerStartCol := colBase + headLeftTrim
	markerEndCol := markerStartCol + max(0, utf8.RuneCountInString(head)-1)
	span := Span{StartLine: lineNo, StartCol: markerStartCol, EndLine: lineNo, EndCol: markerEndCol}

	reassembled := head + ":" + tail
	if m := speakerBackrefRe.FindStringSubmatch(reassembled); m != nil {
		return MarkerBackref{N: markerN(m[1]), Span: span}, m[2]
	}
	if m := speakerIndexRe.FindStringSubmatch(reassembled); m != nil {
		return MarkerIndex{N: markerN(m[1]), Span: span}, m[2]
	}
	if head != "" {
		return MarkerExplicit{Selector: head, Span: span}, tail
	}
	return nil, payload
}

// parseQuoteBlock recognizes a """-delimited block whose opener starts the
// already-parsed inline content. It returns the joined block text, the index
// of the line after the closing delimiter and the end position. ok is false
// when head does not open a block.
func (p *lineParser) parseQuoteBlock(head string, startIndex, startLineNo int) (text string, next, endLine, endCol int, ok bool, err error) {
	lstripped := strings.TrimLeft(head, " \t")
	m := quoteOpenRe.FindStringSubmatch(lstripped)
	if m == nil {
		return "", 0, 0, 0, false, nil
	}
	delim, after := m[1], m[2]

	var blockLines []string
	if after != "" {
		blockLines = append(blockLines, after)
	}
	for j := startIndex + 1; j < len(p.lines); j++ {
		raw := p.lines[j]
		if strings.TrimSpace(raw) == delim {
			return strings.Join(blockLines, "\n"), j + 1, j + 1, lineEndCol(raw), true, nil
		}
		blockLines = append(blockLines, raw)
	}
	return "", 0, 0, 0, false, syntaxErrf(startLineNo, 0, "unterminated quote block (missing %q line)", delim)
}

// parseHeaderValue parses a header directive value which may itself open a
// """ block; plain values are trimmed.
func (p *lineParser) parseHeaderValue(firstLineValue string, startIndex, startLineNo int) (text string, next, endLine, endCol int, err error) {
	lstripped := strings.TrimLeft(firstLineValue, " \t")
	if !quoteOpenRe.MatchString(lstripped) {
		raw := p.lines[startIndex]
		return strings.TrimSpace(firstLineValue), startIndex + 1, startIndex + 1, lineEndCol(raw), nil
	}
	text, next, endLine, endCol, _, err = p.parseQuoteBlock(firstLineValue, startIndex, startLineNo)
	if err != nil {
		return "", 0, 0, 0, &SyntaxError{Line: startLineNo, Message: "unterminated header quote block (missing closing delimiter line)"}
	}
	return text, next, endLine, endCol, nil
}

func parseKnownDirective(token, line string, lineNo int, span Span) (Node, error) {
	base := nodeBase{LineNo: lineNo, Span: span}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), token))
	tokenL := strings.ToLower(token)

	requireRest := func(what string) error {
		if rest == "" {
			return syntaxErrf(lineNo, span.StartCol, "invalid %s directive", what)
		}
		return nil
	}
	splitEq := func(what string) (string, string, error) {
		if err := requireRest(what); err != nil {
			return "", "", err
		}
		eq := strings.Index(rest, "=")
		if eq < 0 {
			return "", "", syntaxErrf(lineNo, span.StartCol, "invalid %s directive (missing '=')", what)
		}
		name := strings.TrimSpace(rest[:eq])
		value := strings.TrimSpace(rest[eq+1:])
		if name == "" {
			return "", "", syntaxErrf(lineNo, span.StartCol, "invalid %s directive (empty name)", what)
		}
		return name, value, nil
	}
	splitPair := func(what, usage string) (string, string, error) {
		if err := requireRest(what); err != nil {
			return "", "", err
		}
		first, second := splitToken(rest)
		if first == "" || second == "" {
			return "", "", syntaxErrf(lineNo, span.StartCol, "invalid %s directive (expected: %s)", what, usage)
		}
		return first, second, nil
	}

	switch tokenL {
	case "@usepack":
		if err := requireRest("@usepack"); err != nil {
			return nil, err
		}
		m := usepackArgsRe.FindStringSubmatch(rest)
		if m == nil {
			return nil, syntaxErrf(lineNo, span.StartCol, "invalid @usepack directive (expected: @usepack <pack_id> as <alias>)")
		}
		return UsePack{nodeBase: base, PackID: m[1], Alias: m[2]}, nil
	case "@alias":
		name, display, err := splitEq("@alias")
		if err != nil {
			return nil, err
		}
		return AliasDecl{nodeBase: base, Name: name, Display: display}, nil
	case "@tmpalias":
		name, display, err := splitEq("@tmpalias")
		if err != nil {
			return nil, err
		}
		return TmpAliasDecl{nodeBase: base, Name: name, Display: display}, nil
	case "@aliasid":
		id, name, err := splitPair("@aliasid", "@aliasid <id> <name>")
		if err != nil {
			return nil, err
		}
		return AliasID{nodeBase: base, ID: id, Name: name}, nil
	case "@unaliasid":
		if err := requireRest("@unaliasid"); err != nil {
			return nil, err
		}
		return UnaliasID{nodeBase: base, ID: rest}, nil
	case "@charid":
		id, display, err := splitPair("@charid", "@charid <id> <display>")
		if err != nil {
			return nil, err
		}
		return CharID{nodeBase: base, ID: id, Display: display}, nil
	case "@uncharid":
		if err := requireRest("@uncharid"); err != nil {
			return nil, err
		}
		return UncharID{nodeBase: base, ID: rest}, nil
	case "@avatarid":
		id, asset, err := splitPair("@avatarid", "@avatarid <id> <asset_name>")
		if err != nil {
			return nil, err
		}
		return AvatarID{nodeBase: base, ID: id, Asset: asset}, nil
	case "@unavatarid":
		if err := requireRest("@unavatarid"); err != nil {
			return nil, err
		}
		return UnavatarID{nodeBase: base, ID: rest}, nil
	case "@avatar":
		name, asset, err := splitEq("@avatar")
		if err != nil {
			return nil, err
		}
		return AvatarDecl{nodeBase: base, Name: name, Asset: asset}, nil
	}
	return nil, syntaxErrf(lineNo, span.StartCol, "unsupported directive token: %s", token)
}

func splitReplyItems(raw string) []string {
	var items []string
	for _, part := range strings.Split(raw, "|") {
		if it := strings.TrimSpace(part); it != "" {
			items = append(items, it)
		}
	}
	return items
}

// parseReplyBlock consumes option lines until a lone @end. Options may be
// "- "-prefixed and may themselves be """ blocks.
func (p *lineParser) parseReplyBlock(startIndex, startLineNo int) (items []string, next, endLine, endCol int, err error) {
	j := startIndex + 1
	for j < len(p.lines) {
		raw := p.lines[j]
		lineNo := j + 1
		stripped := strings.TrimSpace(raw)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			j++
			continue
		}
		if endWordRe.MatchString(stripped) {
			if strings.ToLower(stripped) != "@end" {
				return nil, 0, 0, 0, syntaxErrf(lineNo, firstNonSpaceCol(raw), "invalid @end directive (expected: @end)")
			}
			return items, j + 1, lineNo, lineEndCol(raw), nil
		}
		if strings.HasPrefix(stripped, "@") {
			return nil, 0, 0, 0, syntaxErrf(lineNo, firstNonSpaceCol(raw), "unexpected directive inside @reply block (use @end to close)")
		}

		item := stripped
		if strings.HasPrefix(item, "- ") {
			item = strings.TrimSpace(item[2:])
		}
		blockText, nextJ, _, _, ok, berr := p.parseQuoteBlock(item, j, lineNo)
		if berr != nil {
			return nil, 0, 0, 0, berr
		}
		if ok {
			if strings.TrimSpace(blockText) != "" {
				items = append(items, blockText)
			}
			j = nextJ
			continue
		}
		if item != "" {
			items = append(items, item)
		}
		j++
	}
	return nil, 0, 0, 0, syntaxErrf(startLineNo, 0, "unterminated @reply block (missing @end)")
}

func isKnownDirectiveToken(token string) bool {
	_, ok := knownDirectiveTokens[strings.ToLower(token)]
	return ok
}

func (p *lineParser) parse() ([]Node, error) {
	p.nodes = nil
	i := 0

	// Header phase.
	for i < len(p.lines) {
		raw := p.lines[i]
		stripped := strings.TrimSpace(raw)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			i++
			continue
		}

		lstripped := strings.TrimLeft(raw, " \t")
		token, _ := splitToken(lstripped)
		if strings.HasPrefix(token, "@") && isKnownDirectiveToken(token) {
			lineNo := i + 1
			span := Span{StartLine: lineNo, StartCol: firstNonSpaceCol(raw), EndLine: lineNo, EndCol: lineEndCol(raw)}
			node, err := parseKnownDirective(token, lstripped, lineNo, span)
			if err != nil {
				return nil, err
			}
			p.nodes = append(p.nodes, node)
			i++
			continue
		}

		if _, ok := matchStatement(raw); ok {
			break
		}
		if replyOrBondRe.MatchString(lstripped) {
			break
		}

		m := headerDirectiveRe.FindStringSubmatch(stripped)
		if m == nil {
			break
		}
		key := strings.ToLower(strings.TrimSpace(m[1]))
		value := m[2]
		lineNo := i + 1
		startCol := firstNonSpaceCol(raw)
		blockText, nextI, endLine, endCol, err := p.parseHeaderValue(value, i, lineNo)
		if err != nil {
			return nil, err
		}
		span := Span{StartLine: lineNo, StartCol: startCol, EndLine: endLine, EndCol: endCol}
		if key == "typst_global" {
			p.nodes = append(p.nodes, TypstGlobal{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Value: blockText})
		} else {
			p.nodes = append(p.nodes, MetaKV{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Key: key, Value: blockText})
		}
		i = nextI
	}

	// Body phase.
	for i < len(p.lines) {
		raw := p.lines[i]
		lineNo := i + 1
		stripped := strings.TrimLeft(raw, " \t")

		if stripped == "" {
			span := Span{StartLine: lineNo, StartCol: 1, EndLine: lineNo, EndCol: lineEndCol(raw)}
			p.nodes = append(p.nodes, BlankLine{nodeBase: nodeBase{LineNo: lineNo, Span: span}})
			i++
			continue
		}

		if m := replyInlineRe.FindStringSubmatch(stripped); m != nil {
			items := splitReplyItems(m[1])
			if len(items) == 0 {
				return nil, syntaxErrf(lineNo, firstNonSpaceCol(raw), "@reply requires at least one option")
			}
			span := Span{StartLine: lineNo, StartCol: firstNonSpaceCol(raw), EndLine: lineNo, EndCol: lineEndCol(raw)}
			p.nodes = append(p.nodes, Reply{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Items: items})
			i++
			continue
		}

		if replyWordRe.MatchString(stripped) {
			if strings.ToLower(stripped) != "@reply" {
				return nil, syntaxErrf(lineNo, firstNonSpaceCol(raw), "invalid @reply directive (expected: @reply or @reply: ...)")
			}
			items, nextI, endLine, endCol, err := p.parseReplyBlock(i, lineNo)
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return nil, syntaxErrf(lineNo, firstNonSpaceCol(raw), "@reply block cannot be empty")
			}
			span := Span{StartLine: lineNo, StartCol: firstNonSpaceCol(raw), EndLine: endLine, EndCol: endCol}
			p.nodes = append(p.nodes, Reply{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Items: items})
			i = nextI
			continue
		}

		if endWordRe.MatchString(stripped) {
			return nil, syntaxErrf(lineNo, firstNonSpaceCol(raw), "unexpected @end without @reply")
		}

		if bondWordRe.MatchString(stripped) {
			bm := bondRe.FindStringSubmatch(stripped)
			if bm == nil {
				return nil, syntaxErrf(lineNo, firstNonSpaceCol(raw), "invalid @bond directive (expected: @bond or @bond: text)")
			}
			contentRaw := bm[1]
			startCol := firstNonSpaceCol(raw)
			if contentRaw != "" {
				blockText, nextI, endLine, endCol, err := p.parseHeaderValue(contentRaw, i, lineNo)
				if err != nil {
					return nil, err
				}
				span := Span{StartLine: lineNo, StartCol: startCol, EndLine: endLine, EndCol: endCol}
				p.nodes = append(p.nodes, Bond{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Content: blockText})
				i = nextI
				continue
			}
			if i+1 < len(p.lines) {
				nextLine := strings.TrimSpace(p.lines[i+1])
				blockText, nextI, endLine, endCol, ok, err := p.parseQuoteBlock(nextLine, i+1, lineNo+1)
				if err != nil {
					return nil, err
				}
				if ok {
					span := Span{StartLine: lineNo, StartCol: startCol, EndLine: endLine, EndCol: endCol}
					p.nodes = append(p.nodes, Bond{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Content: blockText})
					i = nextI
					continue
				}
			}
			span := Span{StartLine: lineNo, StartCol: startCol, EndLine: lineNo, EndCol: lineEndCol(raw)}
			p.nodes = append(p.nodes, Bond{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Content: ""})
			i++
			continue
		}

		if pagebreakWordRe.MatchString(stripped) {
			if strings.ToLower(strings.TrimSpace(stripped)) != "@pagebreak" {
				return nil, syntaxErrf(lineNo, firstNonSpaceCol(raw), "invalid @pagebreak directive (expected: @pagebreak)")
			}
			span := Span{StartLine: lineNo, StartCol: firstNonSpaceCol(raw), EndLine: lineNo, EndCol: lineEndCol(raw)}
			p.nodes = append(p.nodes, PageBreak{nodeBase: nodeBase{LineNo: lineNo, Span: span}})
			i++
			continue
		}

		if strings.HasPrefix(stripped, "@") {
			token, _ := splitToken(stripped)
			if isKnownDirectiveToken(token) {
				span := Span{StartLine: lineNo, StartCol: firstNonSpaceCol(raw), EndLine: lineNo, EndCol: lineEndCol(raw)}
				node, err := parseKnownDirective(token, stripped, lineNo, span)
				if err != nil {
					return nil, err
				}
				p.nodes = append(p.nodes, node)
				i++
				continue
			}
			if m := headerDirectiveRe.FindStringSubmatch(strings.TrimSpace(stripped)); m != nil {
				key := strings.ToLower(strings.TrimSpace(m[1]))
				value := m[2]
				blockText, nextI, endLine, endCol, err := p.parseHeaderValue(value, i, lineNo)
				if err != nil {
					return nil, err
				}
				span := Span{StartLine: lineNo, StartCol: firstNonSpaceCol(raw), EndLine: endLine, EndCol: endCol}
				if key == "typst_global" {
					p.nodes = append(p.nodes, TypstGlobal{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Value: blockText})
				} else {
					p.nodes = append(p.nodes, MetaKV{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Key: key, Value: blockText})
				}
				i = nextI
				continue
			}
		}

		if stmt, ok := matchStatement(raw); ok {
			head := strings.TrimRight(stmt.payload, " \t")
			var marker Marker
			if stmt.kind != KindNarration {
				marker, head = parsePayload(stmt.payload, lineNo, stmt.payloadCol)
				head = strings.TrimRight(head, " \t")
			}
			blockText, nextI, endLine, endCol, isBlock, err := p.parseQuoteBlock(head, i, lineNo)
			if err != nil {
				return nil, err
			}
			if isBlock {
				span := Span{StartLine: lineNo, StartCol: stmt.kindCol, EndLine: endLine, EndCol: endCol}
				p.nodes = append(p.nodes, Block{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Kind: stmt.kind, Marker: marker, Content: blockText})
				i = nextI
				continue
			}
			span := Span{StartLine: lineNo, StartCol: stmt.kindCol, EndLine: lineNo, EndCol: lineEndCol(raw)}
			p.nodes = append(p.nodes, Statement{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Kind: stmt.kind, Marker: marker, Content: head})
			i++
			continue
		}

		span := Span{StartLine: lineNo, StartCol: firstNonSpaceCol(raw), EndLine: lineNo, EndCol: lineEndCol(raw)}
		p.nodes = append(p.nodes, Continuation{nodeBase: nodeBase{LineNo: lineNo, Span: span}, Text: strings.TrimSpace(stripped)})
		i++
	}

	return p.nodes, nil
}
