/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package mmt

import "encoding/json"

// Message types as they appear in the yuzutalk envelope of each chat entry.
const (
	MsgText      = "TEXT"
	MsgNarration = "NARRATION"
	MsgPagebreak = "PAGEBREAK"
	MsgReply     = "REPLY"
	MsgBond      = "BOND"
)

// Segment types.
const (
	SegmentText  = "text"
	SegmentExpr  = "expr"
	SegmentImage = "image"
	SegmentAsset = "asset"
)

// Yuzutalk is the rendering envelope attached to every message.
type Yuzutalk struct {
	Type         string `json:"type"`
	AvatarState  string `json:"avatarState"`
	NameOverride string `json:"nameOverride"`
}

// Segment is one resolved piece of a message's content. Type selects which
// fields are meaningful: text (Text), expr (Text, Query, TargetCharID,
// StudentID), image (Ref, Alt), asset (Name, Text).
type Segment struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	Query        string `json:"query,omitempty"`
	TargetCharID string `json:"target_char_id,omitempty"`
	StudentID    *int   `json:"student_id,omitempty"`
	Ref          string `json:"ref,omitempty"`
	Alt          string `json:"alt,omitempty"`
	Name         string `json:"name,omitempty"`
}

// Message is one chat entry in source order. CharID is empty for narration,
// page breaks and Sensei ("self") messages. Options is only set for REPLY
// messages.
type Message struct {
	Yuzutalk       Yuzutalk  `json:"yuzutalk"`
	CharID         string    `json:"char_id,omitempty"`
	Side           string    `json:"side,omitempty"`
	Content        string    `json:"content"`
	NoInlineExpr   bool      `json:"no_inline_expr,omitempty"`
	AvatarOverride string    `json:"avatar_override,omitempty"`
	Options        []string  `json:"options,omitempty"`
	Segments       []Segment `json:"segments,omitempty"`
	LineNo         int       `json:"line_no"`
}

// CustomChar is one row of the custom-character table. It marshals as the
// three-element array [id, avatar_ref, display_name] expected by the
// typesetting layer.
type CustomChar struct {
	ID      string
	Avatar  string
	Display string
}

func (c CustomChar) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{c.ID, c.Avatar, c.Display})
}

func (c *CustomChar) UnmarshalJSON(data []byte) error {
	var row [3]string
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	c.ID, c.Avatar, c.Display = row[0], row[1], row[2]
	return nil
}

// Packs records @usepack declarations: alias -> pack id, plus alias
// declaration order.
type Packs struct {
	Aliases map[string]string `json:"aliases"`
	Order   []string          `json:"order"`
}

// Document is the compiled output consumed by the typesetting layer. Meta
// values are strings except for the "typst" key, which is coerced to bool
// when it looks like one.
type Document struct {
	Meta        map[string]any `json:"meta"`
	TypstGlobal string         `json:"typst_global"`
	Packs       Packs          `json:"packs"`
	Chars       []any          `json:"chars"`
	CustomChars []CustomChar   `json:"custom_chars"`
	Chat        []*Message     `json:"chat"`
}

// Report summarizes name-resolution quality for diagnostics; it is not part
// of the document.
type Report struct {
	UnresolvedSpeakers map[string]int `json:"unresolved_speakers"`
	AmbiguousSpeakers  map[string]int `json:"ambiguous_speakers"`
	CustomCharCount    int            `json:"custom_char_count"`
	MessageCount       int            `json:"message_count"`
}
