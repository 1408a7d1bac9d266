/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package mmt

import (
	"errors"
	"testing"
)

func TestParseHeaderMetaAndBody(t *testing.T) {
	input := `@title: My Story
@author.name: Momo
# a comment

- The sun rises.
> 星野: Good morning.
< Morning.`

	nodes, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d: %+v", len(nodes), nodes)
	}

	m0, ok := nodes[0].(MetaKV)
	if !ok || m0.Key != "title" || m0.Value != "My Story" {
		t.Fatalf("unexpected node 0: %+v", nodes[0])
	}
	m1, ok := nodes[1].(MetaKV)
	if !ok || m1.Key != "author.name" || m1.Value != "Momo" {
		t.Fatalf("unexpected node 1: %+v", nodes[1])
	}

	// Comment and blank line in the header phase produce no nodes.
	s0, ok := nodes[2].(Statement)
	if !ok || s0.Kind != KindNarration || s0.Content != "The sun rises." || s0.Marker != nil {
		t.Fatalf("unexpected narration: %+v", nodes[2])
	}
	s1, ok := nodes[3].(Statement)
	if !ok || s1.Kind != KindOther {
		t.Fatalf("unexpected statement: %+v", nodes[3])
	}
	mk, ok := s1.Marker.(MarkerExplicit)
	if !ok || mk.Selector != "星野" {
		t.Fatalf("unexpected marker: %+v", s1.Marker)
	}
	if s1.Content != "Good morning." {
		t.Fatalf("unexpected content: %q", s1.Content)
	}
	s2, ok := nodes[4].(Statement)
	if !ok || s2.Kind != KindSelf || s2.Marker != nil || s2.Content != "Morning." {
		t.Fatalf("unexpected self statement: %+v", nodes[4])
	}
	if s2.Line() != 7 {
		t.Fatalf("expected line 7, got %d", s2.Line())
	}
}

func TestParseSpeakerMarkers(t *testing.T) {
	input := `> 星野: one
> _: two
> _2: three
> ~1: four
> ~: five`

	nodes, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d", len(nodes))
	}

	if m, ok := nodes[1].(Statement).Marker.(MarkerBackref); !ok || m.N != 1 {
		t.Fatalf("expected backref 1, got %+v", nodes[1].(Statement).Marker)
	}
	if m, ok := nodes[2].(Statement).Marker.(MarkerBackref); !ok || m.N != 2 {
		t.Fatalf("expected backref 2, got %+v", nodes[2].(Statement).Marker)
	}
	if m, ok := nodes[3].(Statement).Marker.(MarkerIndex); !ok || m.N != 1 {
		t.Fatalf("expected index 1, got %+v", nodes[3].(Statement).Marker)
	}
	if m, ok := nodes[4].(Statement).Marker.(MarkerIndex); !ok || m.N != 1 {
		t.Fatalf("expected bare ~ to mean index 1, got %+v", nodes[4].(Statement).Marker)
	}
}

func TestParseColonInsideBracketsIsNotMarker(t *testing.T) {
	nodes, err := Parse("> [query: with colon] plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := nodes[0].(Statement)
	if s.Marker != nil {
		t.Fatalf("expected no marker, got %+v", s.Marker)
	}
	if s.Content != "[query: with colon] plain" {
		t.Fatalf("unexpected content: %q", s.Content)
	}

	nodes, err = Parse(`> 星野\: escaped`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nodes[0].(Statement).Marker != nil {
		t.Fatalf("escaped colon must not produce a marker")
	}
}

func TestParseTripleQuoteBlock(t *testing.T) {
	input := `- """
first
- looks like narration
> looks like dialogue
"""
> 星野: after`

	nodes, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	b, ok := nodes[0].(Block)
	if !ok || b.Kind != KindNarration {
		t.Fatalf("expected narration block, got %+v", nodes[0])
	}
	want := "first\n- looks like narration\n> looks like dialogue"
	if b.Content != want {
		t.Fatalf("unexpected block content: %q", b.Content)
	}
	if b.Pos().EndLine != 5 {
		t.Fatalf("expected block to end on line 5, got %d", b.Pos().EndLine)
	}
}

func TestParseBlockWithSpeakerAndInlineOpener(t *testing.T) {
	nodes, err := Parse("> 星野: \"\"\"inline head\nsecond\n\"\"\"")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, ok := nodes[0].(Block)
	if !ok {
		t.Fatalf("expected block, got %+v", nodes[0])
	}
	if m, ok := b.Marker.(MarkerExplicit); !ok || m.Selector != "星野" {
		t.Fatalf("unexpected marker: %+v", b.Marker)
	}
	if b.Content != "inline head\nsecond" {
		t.Fatalf("unexpected content: %q", b.Content)
	}
}

func TestParseUnterminatedBlock(t *testing.T) {
	_, err := Parse("- \"\"\"\nnever closed")
	var serr *SyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SyntaxError, got %v", err)
	}
	if serr.Line != 1 {
		t.Fatalf("expected error at line 1, got %d", serr.Line)
	}
}

func TestParseLongerQuoteDelimiter(t *testing.T) {
	nodes, err := Parse("- \"\"\"\"\ncontains \"\"\" inside\n\"\"\"\"")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := nodes[0].(Block)
	if b.Content != "contains \"\"\" inside" {
		t.Fatalf("unexpected content: %q", b.Content)
	}
}

func TestParseHeaderBlockValue(t *testing.T) {
	input := `@prologue: """
line one
line two
"""
@typst_global: """
#set text(size: 10pt)
"""
- start`

	nodes, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := nodes[0].(MetaKV)
	if !ok || m.Key != "prologue" || m.Value != "line one\nline two" {
		t.Fatalf("unexpected meta block: %+v", nodes[0])
	}
	tg, ok := nodes[1].(TypstGlobal)
	if !ok || tg.Value != "#set text(size: 10pt)" {
		t.Fatalf("unexpected typst_global: %+v", nodes[1])
	}
}

func TestParseDirectives(t *testing.T) {
	input := `@usepack snacks as sn
@alias 星野=星野(一年级)
@tmpalias 白子=白子(临战)
@aliasid hsn 星野
@unaliasid hsn
@charid yz 柚子
@uncharid yz
@avatarid yz cake
@unavatarid yz
@avatar 星野=hoshino_01
- x`

	nodes, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up, ok := nodes[0].(UsePack)
	if !ok || up.PackID != "snacks" || up.Alias != "sn" {
		t.Fatalf("unexpected usepack: %+v", nodes[0])
	}
	al, ok := nodes[1].(AliasDecl)
	if !ok || al.Name != "星野" || al.Display != "星野(一年级)" {
		t.Fatalf("unexpected alias: %+v", nodes[1])
	}
	tmp, ok := nodes[2].(TmpAliasDecl)
	if !ok || tmp.Name != "白子" || tmp.Display != "白子(临战)" {
		t.Fatalf("unexpected tmpalias: %+v", nodes[2])
	}
	aid, ok := nodes[3].(AliasID)
	if !ok || aid.ID != "hsn" || aid.Name != "星野" {
		t.Fatalf("unexpected aliasid: %+v", nodes[3])
	}
	if n, ok := nodes[4].(UnaliasID); !ok || n.ID != "hsn" {
		t.Fatalf("unexpected unaliasid: %+v", nodes[4])
	}
	cid, ok := nodes[5].(CharID)
	if !ok || cid.ID != "yz" || cid.Display != "柚子" {
		t.Fatalf("unexpected charid: %+v", nodes[5])
	}
	if n, ok := nodes[6].(UncharID); !ok || n.ID != "yz" {
		t.Fatalf("unexpected uncharid: %+v", nodes[6])
	}
	av, ok := nodes[7].(AvatarID)
	if !ok || av.ID != "yz" || av.Asset != "cake" {
		t.Fatalf("unexpected avatarid: %+v", nodes[7])
	}
	if n, ok := nodes[8].(UnavatarID); !ok || n.ID != "yz" {
		t.Fatalf("unexpected unavatarid: %+v", nodes[8])
	}
	ad, ok := nodes[9].(AvatarDecl)
	if !ok || ad.Name != "星野" || ad.Asset != "hoshino_01" {
		t.Fatalf("unexpected avatar: %+v", nodes[9])
	}
}

func TestParseAliasEmptyOverrideAllowed(t *testing.T) {
	nodes, err := Parse("@alias 星野=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	al := nodes[0].(AliasDecl)
	if al.Display != "" {
		t.Fatalf("expected empty override, got %q", al.Display)
	}
}

func TestParseInvalidUsePack(t *testing.T) {
	for _, src := range []string{
		"@usepack snacks",
		"@usepack bad-id as x",
		"@usepack snacks as bad-alias",
	} {
		if _, err := Parse(src); err == nil {
			t.Fatalf("expected error for %q", src)
		}
	}
}

func TestParseReplyInline(t *testing.T) {
	nodes, err := Parse("- intro\n@reply: yes | no |  | maybe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, ok := nodes[1].(Reply)
	if !ok {
		t.Fatalf("expected reply, got %+v", nodes[1])
	}
	if len(r.Items) != 3 || r.Items[0] != "yes" || r.Items[1] != "no" || r.Items[2] != "maybe" {
		t.Fatalf("unexpected items: %+v", r.Items)
	}
}

func TestParseReplyBlock(t *testing.T) {
	input := `- intro
@reply
- first option
second option
- """
multi
line
"""
@end`

	nodes, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := nodes[1].(Reply)
	if len(r.Items) != 3 {
		t.Fatalf("expected 3 items, got %+v", r.Items)
	}
	if r.Items[0] != "first option" || r.Items[1] != "second option" || r.Items[2] != "multi\nline" {
		t.Fatalf("unexpected items: %+v", r.Items)
	}
}

func TestParseReplyErrors(t *testing.T) {
	cases := []string{
		"@reply:",                      // no options
		"@reply\n- a",                  // missing @end
		"@reply\n@alias x=y\n@end",     // directive inside block
		"@end",                         // stray end
		"- x\n@reply extra\n@end",      // trailing junk on opener
	}
	for _, src := range cases {
		if _, err := Parse(src); err == nil {
			t.Fatalf("expected error for %q", src)
		}
	}
}

func TestParseBond(t *testing.T) {
	nodes, err := Parse("@bond: a moment together")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, ok := nodes[0].(Bond)
	if !ok || b.Content != "a moment together" {
		t.Fatalf("unexpected bond: %+v", nodes[0])
	}

	nodes, err = Parse("@bond\n\"\"\"\nblock body\n\"\"\"")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b = nodes[0].(Bond)
	if b.Content != "block body" {
		t.Fatalf("unexpected bond block: %q", b.Content)
	}

	nodes, err = Parse("@bond")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nodes[0].(Bond).Content != "" {
		t.Fatalf("expected empty bond content")
	}
}

func TestParsePagebreak(t *testing.T) {
	nodes, err := Parse("- a\n@pagebreak\n- b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := nodes[1].(PageBreak); !ok {
		t.Fatalf("expected pagebreak, got %+v", nodes[1])
	}

	if _, err := Parse("@pagebreak now"); err == nil {
		t.Fatalf("expected error for pagebreak with trailing content")
	}
}

func TestParseContinuation(t *testing.T) {
	nodes, err := Parse("> 星野: hello\nstill talking")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := nodes[1].(Continuation)
	if !ok || c.Text != "still talking" {
		t.Fatalf("unexpected continuation: %+v", nodes[1])
	}
}

func TestParseBodyMetaDirective(t *testing.T) {
	nodes, err := Parse("- a\n@asset.cake: http://example.com/cake.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := nodes[1].(MetaKV)
	if !ok || m.Key != "asset.cake" || m.Value != "http://example.com/cake.png" {
		t.Fatalf("unexpected body meta: %+v", nodes[1])
	}
}

func TestParseBOMAndCRLF(t *testing.T) {
	nodes, err := Parse("\uFEFF@title: x\r\n- line\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d: %+v", len(nodes), nodes)
	}
	if nodes[0].(MetaKV).Key != "title" {
		t.Fatalf("BOM not stripped: %+v", nodes[0])
	}
}

func TestParseEmptyInput(t *testing.T) {
	nodes, err := Parse("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected no nodes, got %+v", nodes)
	}
}
