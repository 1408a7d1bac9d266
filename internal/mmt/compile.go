/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package mmt

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Options controls compile behavior.
type Options struct {
	// JoinWithNewline joins continuation lines with "\n" instead of " ".
	JoinWithNewline bool
	// ContextWindow is the number of neighboring messages included on each
	// side when expanding "[图片]" placeholder queries.
	ContextWindow int
	// TypstMode switches content to Typst markup: inline expressions must be
	// written "[:...]" and blank lines become paragraph breaks.
	TypstMode bool
}

// DefaultOptions matches the command-line defaults.
func DefaultOptions() Options {
	return Options{JoinWithNewline: true, ContextWindow: 2}
}

// Compile parses src and compiles it into the output document plus a
// resolution report. The compile is pure: all lookups go through env and no
// I/O happens.
func Compile(src string, env Env, opts Options) (*Document, *Report, error) {
	nodes, err := Parse(src)
	if err != nil {
		return nil, nil, err
	}
	return CompileNodes(nodes, env, opts)
}

// CompileNodes compiles an already-parsed node sequence.
func CompileNodes(nodes []Node, env Env, opts Options) (*Document, *Report, error) {
	c := &compiler{
		env:  env,
		opts: opts,
		res:  newResolver(env),
		states: map[StatementKind]*speakerState{
			KindOther: newSpeakerState(),
			KindSelf:  newSpeakerState(),
		},
		meta: make(map[string]any),
	}
	if err := c.run(nodes); err != nil {
		return nil, nil, err
	}
	if err := c.segmentPass(); err != nil {
		return nil, nil, err
	}
	doc := c.assemble()
	report := &Report{
		UnresolvedSpeakers: c.res.unresolved,
		AmbiguousSpeakers:  c.res.ambiguous,
		CustomCharCount:    len(doc.CustomChars),
		MessageCount:       len(doc.Chat),
	}
	return doc, report, nil
}

type compiler struct {
	env  Env
	opts Options
	res  *resolver

	states map[StatementKind]*speakerState

	messages    []*Message
	meta        map[string]any
	typstGlobal string

	hasLastKind bool
}

func (c *compiler) run(nodes []Node) error {
	for _, node := range nodes {
		var err error
		switch n := node.(type) {
		case MetaKV:
			c.setMeta(n.Key, n.Value)
		case TypstGlobal:
			c.typstGlobal = n.Value
		case UsePack:
			c.res.applyUsePack(n)
		case AliasDecl:
			err = c.res.applyAlias(n)
		case TmpAliasDecl:
			err = c.res.applyTmpAlias(n)
		case AliasID:
			err = c.res.applyAliasID(n)
		case UnaliasID:
			err = c.res.applyUnaliasID(n)
		case CharID:
			err = c.res.applyCharID(n)
		case UncharID:
			err = c.res.applyUncharID(n)
		case AvatarID:
			err = c.res.applyAvatarID(n)
		case UnavatarID:
			err = c.res.applyUnavatarID(n)
		case AvatarDecl:
			err = c.res.applyAvatar(n)
		case PageBreak:
			c.messages = append(c.messages, &Message{
				Yuzutalk: Yuzutalk{Type: MsgPagebreak, AvatarState: "AUTO"},
				LineNo:   n.Line(),
			})
		case BlankLine:
			if c.opts.TypstMode && c.hasLastKind && len(c.messages) > 0 {
				c.appendContinuation("")
			}
		case Continuation:
			if len(c.messages) == 0 {
				return stateErrf(n.Line(), "continuation before any statement")
			}
			c.appendContinuation(n.Text)
		case Statement:
			err = c.statement(n.Kind, n.Marker, n.Content, n.Line(), false)
		case Block:
			err = c.statement(n.Kind, n.Marker, n.Content, n.Line(), true)
		case Reply:
			c.messages = append(c.messages, &Message{
				Yuzutalk:     Yuzutalk{Type: MsgReply, AvatarState: "AUTO"},
				Content:      strings.Join(n.Items, "\n"),
				Options:      n.Items,
				NoInlineExpr: true,
				LineNo:       n.Line(),
			})
		case Bond:
			c.messages = append(c.messages, &Message{
				Yuzutalk:     Yuzutalk{Type: MsgBond, AvatarState: "AUTO"},
				Content:      n.Content,
				NoInlineExpr: true,
				LineNo:       n.Line(),
			})
		default:
			return stateErrf(node.Line(), "unhandled node %T", node)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// setMeta records a header/meta key. The "typst" key is coerced to bool when
// its value looks boolean, so scripts can write "@typst: true".
func (c *compiler) setMeta(key, value string) {
	if key == "typst" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "on":
			c.meta[key] = true
			return
		case "0", "false", "no", "off":
			c.meta[key] = false
			return
		}
	}
	c.meta[key] = value
}

func (c *compiler) appendContinuation(text string) {
	sep := " "
	if c.opts.JoinWithNewline {
		sep = "\n"
	}
	last := c.messages[len(c.messages)-1]
	last.Content = last.Content + sep + text
}

func (c *compiler) statement(kind StatementKind, marker Marker, content string, line int, isBlock bool) error {
	c.hasLastKind = true

	if kind == KindNarration {
		c.messages = append(c.messages, &Message{
			Yuzutalk:     Yuzutalk{Type: MsgNarration, AvatarState: "AUTO"},
			Content:      content,
			NoInlineExpr: isBlock,
			LineNo:       line,
		})
		return nil
	}

	state := c.states[kind]

	charID := SenseiID
	hasSpeaker := false
	displayGuess := ""

	switch m := marker.(type) {
	case nil:
		if state.hasCurrent {
			charID = state.current
			hasSpeaker = true
		} else if kind != KindSelf {
			return resolutionErrf(line, "missing speaker for '%s'", kind)
		}
	case MarkerExplicit:
		canonical := m.Selector
		if name, ok := c.res.aliasID[canonical]; ok {
			canonical = name
		}
		cid, guess, err := c.res.resolveSelector(canonical, line, true)
		if err != nil {
			return err
		}
		state.setExplicit(cid)
		charID = cid
		hasSpeaker = true
		displayGuess = guess
		if strings.TrimSpace(displayGuess) == "" {
			displayGuess = displayFromSelector(canonical)
		}
	case MarkerBackref:
		if err := state.setBackref(m.N, line); err != nil {
			return err
		}
		charID = state.current
		hasSpeaker = true
	case MarkerIndex:
		if err := state.setIndex(m.N, line); err != nil {
			return err
		}
		charID = state.current
		hasSpeaker = true
	default:
		return stateErrf(line, "unhandled marker %T", marker)
	}

	if !hasSpeaker {
		charID = SenseiID
	}

	side := "left"
	if kind == KindSelf {
		side = "right"
	}

	// Temporary alias scope for this side: clear when the speaker changed,
	// activate a pending entry for the current speaker.
	if charID != SenseiID {
		if active := c.res.activeTmp[kind]; active != nil && active.charID != charID {
			c.res.activeTmp[kind] = nil
		}
		if override, ok := c.res.pendingTmp[kind][charID]; ok {
			delete(c.res.pendingTmp[kind], charID)
			c.res.activeTmp[kind] = &tmpAlias{charID: charID, override: override}
		}
	}

	nameOverride := ""
	if charID != SenseiID {
		tmp := ""
		if active := c.res.activeTmp[kind]; active != nil && active.charID == charID {
			tmp = active.override
		}
		if tmp != "" {
			nameOverride = tmp
		} else if override, ok := c.res.aliasOverride[charID]; ok {
			nameOverride = override
		}
		if guess := strings.TrimSpace(displayGuess); guess != "" {
			if _, ok := c.res.displayName[charID]; !ok {
				c.res.displayName[charID] = guess
			}
		}
	}

	msg := &Message{
		Yuzutalk:     Yuzutalk{Type: MsgText, AvatarState: "AUTO", NameOverride: nameOverride},
		Side:         side,
		Content:      content,
		NoInlineExpr: isBlock,
		LineNo:       line,
	}
	if charID != SenseiID {
		msg.CharID = charID
	}
	if ref, ok := c.res.avatarOverride[charID]; ok {
		msg.AvatarOverride = ref
	}
	c.messages = append(c.messages, msg)
	return nil
}

// contextText collects the content of messages around idx for the "[图片]"
// placeholder, skipping empties and other placeholders, capped at twice the
// window size.
func (c *compiler) contextText(idx int) string {
	w := c.opts.ContextWindow
	if w < 0 {
		w = 0
	}
	start := idx - w
	if start < 0 {
		start = 0
	}
	end := idx + w + 1
	if end > len(c.messages) {
		end = len(c.messages)
	}
	var parts []string
	for j := start; j < end; j++ {
		if j == idx {
			continue
		}
		content := strings.TrimSpace(c.messages[j].Content)
		if content == "" || content == "[图片]" {
			continue
		}
		parts = append(parts, content)
	}
	if limit := w * 2; len(parts) > limit {
		parts = parts[:limit]
	}
	return strings.Join(parts, "\n")
}

// segmentPass runs inline-expression segmentation over TEXT and NARRATION
// messages, resolving expression targets against a message-order-wide
// speaker history that is independent of the per-side states used during
// the first pass.
func (c *compiler) segmentPass() error {
	globalCurrent := ""
	var globalHistory []string

	for idx, msg := range c.messages {
		t := msg.Yuzutalk.Type
		if t != MsgText && t != MsgNarration {
			continue
		}

		if t == MsgText {
			charID := msg.CharID
			if charID == "" {
				charID = SenseiID
			}
			globalCurrent = charID
			globalHistory = append(globalHistory, charID)
		}

		if msg.NoInlineExpr {
			msg.Segments = []Segment{{Type: SegmentText, Text: msg.Content}}
			continue
		}

		segs, err := c.resolveSegments(msg, idx, globalCurrent, globalHistory)
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			segs = []Segment{{Type: SegmentText, Text: msg.Content}}
		}
		msg.Segments = segs
	}
	return nil
}

func (c *compiler) resolveSegments(msg *Message, idx int, globalCurrent string, globalHistory []string) ([]Segment, error) {
	line := msg.LineNo
	var out []Segment

	for _, seg := range SegmentInline(msg.Content, c.opts.TypstMode) {
		if seg.Kind == SegText {
			if seg.Text != "" {
				out = append(out, Segment{Type: SegmentText, Text: seg.Text})
			}
			continue
		}

		query := seg.Query
		// Typst mode writes expressions as "[:...]"; the prefix is also
		// accepted in plain mode for compatibility.
		if strings.HasPrefix(query, ":") {
			query = strings.TrimLeft(query[1:], " \t")
		}
		target := seg.Target

		if query == "" {
			out = append(out, Segment{Type: SegmentText, Text: "[]"})
			continue
		}
		if target == "" && isURLLike(query) {
			out = append(out, Segment{Type: SegmentImage, Ref: query, Alt: query})
			continue
		}
		if target == "" {
			if name := parseAssetQuery(query); name != "" {
				out = append(out, Segment{Type: SegmentAsset, Name: name, Text: "[asset:" + name + "]"})
				continue
			}
		}
		if target == "" && strings.HasPrefix(query, "{") && strings.HasSuffix(query, "}") {
			out = append(out, Segment{Type: SegmentText, Text: "[" + query + "]"})
			continue
		}

		isImagePlaceholder := target == "" && query == "图片"

		var resolved string
		switch {
		case target == "":
			if globalCurrent == "" || globalCurrent == SenseiID {
				return nil, resolutionErrf(line,
					"implicit expression '[%s]' requires a non-sensei current character; use '[%s](角色)'",
					query, query)
			}
			if !strings.HasPrefix(globalCurrent, "kivo-") &&
				!(strings.HasPrefix(globalCurrent, "ba.") && c.env.Pack != nil) {
				out = append(out, Segment{Type: SegmentText, Text: "[" + query + "]"})
				continue
			}
			resolved = globalCurrent
		case isBackrefTarget(target):
			n := parseBackrefN(target)
			if n <= 0 {
				return nil, resolutionErrf(line, "invalid backref target: %s", target)
			}
			if n >= len(globalHistory) {
				return nil, resolutionErrf(line, "not enough global speaker history for %s", target)
			}
			resolved = globalHistory[len(globalHistory)-(n+1)]
		default:
			var err error
			resolved, err = c.resolveExprTarget(target, line)
			if err != nil {
				return nil, err
			}
		}

		if resolved == SenseiID {
			return nil, resolutionErrf(line, "expression target cannot be Sensei")
		}

		var studentID *int
		if sid, ok := kivoIDFromToken(resolved); ok {
			studentID = &sid
		} else if !strings.HasPrefix(resolved, "ba.") {
			return nil, resolutionErrf(line, "expression target '%s' is not supported", resolved)
		}

		finalQuery := query
		if isImagePlaceholder {
			defaultDisplay := ""
			if rest, found := strings.CutPrefix(resolved, "ba."); found {
				defaultDisplay = rest
			} else if studentID != nil {
				defaultDisplay = strconv.Itoa(*studentID)
			}
			display := defaultDisplay
			if d, ok := c.res.displayName[resolved]; ok {
				display = d
			}
			display = baseName(display)
			if ctx := c.contextText(idx); ctx != "" {
				finalQuery = fmt.Sprintf("%s 的反应图/表情图。上下文：%s", display, ctx)
			} else {
				finalQuery = fmt.Sprintf("%s 的反应图/表情图", display)
			}
		}

		out = append(out, Segment{
			Type:         SegmentExpr,
			Text:         "[" + query + "]",
			Query:        finalQuery,
			TargetCharID: resolved,
			StudentID:    studentID,
		})
	}

	return out, nil
}

// resolveExprTarget resolves an explicit expression target in strict mode:
// library ids ("kivo-288"), namespaced names ("ba.xxx" / "kivo.xxx"), or
// bare names tried against the pack then the roster; no custom fallback.
func (c *compiler) resolveExprTarget(target string, line int) (string, error) {
	tsel := strings.TrimSpace(target)
	if sid, ok := kivoIDFromToken(tsel); ok {
		return fmt.Sprintf("kivo-%d", sid), nil
	}
	if ns, rest, ok := splitNamespace(tsel); ok {
		switch strings.ToLower(ns) {
		case "ba":
			if c.env.Pack == nil {
				return "", resolutionErrf(line, "ba pack-v2 is not available for expression: %s", tsel)
			}
			cid, ok := c.env.Pack.ResolveCharID(rest)
			if !ok {
				return "", resolutionErrf(line, "unknown ba character in expression: %s", tsel)
			}
			return "ba." + cid, nil
		case "kivo":
			sid, ok := c.res.resolveStudentID(rest)
			if !ok {
				return "", resolutionErrf(line, "unknown character name in expression: %s", tsel)
			}
			return fmt.Sprintf("kivo-%d", sid), nil
		default:
			return "", resolutionErrf(line, "unknown expression namespace: %s", tsel)
		}
	}
	if c.env.Pack != nil {
		if cid, ok := c.env.Pack.ResolveCharID(tsel); ok {
			return "ba." + cid, nil
		}
	}
	sid, ok := c.res.resolveStudentID(tsel)
	if !ok {
		return "", resolutionErrf(line, "unknown character name in expression: %s", target)
	}
	return fmt.Sprintf("kivo-%d", sid), nil
}

// customChars builds the custom-character table: one row per distinct
// non-Sensei speaker, in first-appearance order, with a best-effort avatar
// reference.
func (c *compiler) customChars() []CustomChar {
	out := []CustomChar{}
	seen := make(map[string]struct{})
	for _, msg := range c.messages {
		charID := msg.CharID
		if charID == "" || charID == SenseiID {
			continue
		}
		if _, ok := seen[charID]; ok {
			continue
		}
		seen[charID] = struct{}{}

		switch {
		case strings.HasPrefix(charID, "ba.") && c.env.Pack != nil:
			cid := strings.TrimPrefix(charID, "ba.")
			avatar := "uploaded"
			if rel, ok := c.env.Pack.AvatarRel(cid); ok {
				avatar = "/" + strings.TrimLeft(path.Join(c.env.PackRootRel, rel), "/")
			}
			display := cid
			if d, ok := c.res.displayName[charID]; ok {
				display = d
			}
			out = append(out, CustomChar{ID: charID, Avatar: avatar, Display: baseName(display)})
		case strings.HasPrefix(charID, "kivo-"):
			sid, _ := kivoIDFromToken(charID)
			avatar := "uploaded"
			if c.env.FindAvatar != nil {
				if ref, ok := c.env.FindAvatar(sid); ok {
					avatar = ref
				}
			}
			display := strconv.Itoa(sid)
			if d, ok := c.res.displayName[charID]; ok {
				display = d
			}
			out = append(out, CustomChar{ID: charID, Avatar: avatar, Display: baseName(display)})
		default:
			display := charID
			if d, ok := c.res.displayName[charID]; ok {
				display = d
			}
			out = append(out, CustomChar{ID: charID, Avatar: "uploaded", Display: display})
		}
	}
	return out
}

func (c *compiler) assemble() *Document {
	order := c.res.packOrder
	if order == nil {
		order = []string{}
	}
	chat := c.messages
	if chat == nil {
		chat = []*Message{}
	}
	return &Document{
		Meta:        c.meta,
		TypstGlobal: c.typstGlobal,
		Packs:       Packs{Aliases: c.res.packAliases, Order: order},
		Chars:       []any{},
		CustomChars: c.customChars(),
		Chat:        chat,
	}
}
