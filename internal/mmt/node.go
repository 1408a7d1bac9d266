/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package mmt

// Span is a source region in line/column coordinates (1-based, inclusive).
type Span struct {
	StartLine int
	StartCol  int
	EndLine   int
	EndCol    int
}

// Node is one parsed element of a MomoScript source file: a logical line or a
// multi-line block. The set of implementations below is closed; consumers
// switch over the concrete types. Nodes are immutable once produced.
type Node interface {
	Line() int
	Pos() Span
	node()
}

// nodeBase carries the position metadata shared by every node kind.
type nodeBase struct {
	LineNo int
	Span   Span
}

func (b nodeBase) Line() int { return b.LineNo }
func (b nodeBase) Pos() Span { return b.Span }
func (nodeBase) node()       {}

// StatementKind classifies a statement line by its leading marker.
type StatementKind uint8

const (
	KindNarration StatementKind = iota // "- "
	KindOther                         // "> " left-side bubble
	KindSelf                          // "< " right-side / Sensei bubble
)

func (k StatementKind) String() string {
	switch k {
	case KindNarration:
		return "-"
	case KindOther:
		return ">"
	case KindSelf:
		return "<"
	}
	return "?"
}

// Marker selects how a > / < statement updates its side's current speaker.
// A nil Marker means "reuse the side's current speaker".
type Marker interface{ marker() }

// MarkerExplicit names the speaker by selector ("> 星野: ...").
type MarkerExplicit struct {
	Selector string
	Span     Span
}

// MarkerBackref selects the speaker N positions back in this side's history
// ("> _: ..." is N=1).
type MarkerBackref struct {
	N    int
	Span Span
}

// MarkerIndex selects the Nth distinct speaker to have appeared on this side
// ("> ~1: ...").
type MarkerIndex struct {
	N    int
	Span Span
}

func (MarkerExplicit) marker() {}
func (MarkerBackref) marker()  {}
func (MarkerIndex) marker()    {}

// MetaKV is a header "@key: value" pair (key lower-cased, dotted keys kept).
type MetaKV struct {
	nodeBase
	Key   string
	Value string
}

// TypstGlobal captures the raw Typst prelude from "@typst_global: ...".
type TypstGlobal struct {
	nodeBase
	Value string
}

// UsePack records "@usepack <pack_id> as <alias>".
type UsePack struct {
	nodeBase
	PackID string
	Alias  string
}

// AliasDecl is "@alias <name>=<override>"; an empty Display clears.
type AliasDecl struct {
	nodeBase
	Name    string
	Display string
}

// TmpAliasDecl is "@tmpalias <name>=<override>"; an empty Display clears.
type TmpAliasDecl struct {
	nodeBase
	Name    string
	Display string
}

// AliasID is "@aliasid <id> <name>".
type AliasID struct {
	nodeBase
	ID   string
	Name string
}

// UnaliasID is "@unaliasid <id>".
type UnaliasID struct {
	nodeBase
	ID string
}

// CharID is "@charid <id> <display>".
type CharID struct {
	nodeBase
	ID      string
	Display string
}

// UncharID is "@uncharid <id>".
type UncharID struct {
	nodeBase
	ID string
}

// AvatarID is "@avatarid <id> <asset_name>".
type AvatarID struct {
	nodeBase
	ID    string
	Asset string
}

// UnavatarID is "@unavatarid <id>".
type UnavatarID struct {
	nodeBase
	ID string
}

// AvatarDecl is "@avatar <name>=<asset_name>"; an empty Asset clears.
type AvatarDecl struct {
	nodeBase
	Name  string
	Asset string
}

// PageBreak is a lone "@pagebreak" line.
type PageBreak struct {
	nodeBase
}

// BlankLine is an empty body line; meaningful in typst-markup mode.
type BlankLine struct {
	nodeBase
}

// Continuation is a body line that extends the previous message.
type Continuation struct {
	nodeBase
	Text string
}

// Statement is a single-line "-", ">" or "<" statement.
type Statement struct {
	nodeBase
	Kind    StatementKind
	Marker  Marker
	Content string
}

// Block is a statement whose content came from a """-delimited block.
// Block content is raw: no inline-expression parsing happens inside it.
type Block struct {
	nodeBase
	Kind    StatementKind
	Marker  Marker
	Content string
}

// Reply holds the options of "@reply: a|b|c" or an "@reply ... @end" block.
type Reply struct {
	nodeBase
	Items []string
}

// Bond is "@bond[: text]", optionally followed by a """ block.
type Bond struct {
	nodeBase
	Content string
}
