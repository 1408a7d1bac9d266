/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package pack loads extension packs ("pack-v2"): a directory holding
// manifest.json, char_id.json (alias -> canonical id) and
// asset_mapping.json (id -> avatar/expression assets). Loaded packs are
// immutable and safe for concurrent readers.
package pack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var packIDRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// manifestSchema pins the manifest.json shape before decoding. Unknown keys
// are tolerated so packs can carry extra metadata.
const manifestSchema = `{
  "type": "object",
  "properties": {
    "pack_id": {"type": "string"},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "type": {"type": "string", "enum": ["base", "extension"]},
    "eula": {
      "type": "object",
      "properties": {
        "required": {"type": "boolean"},
        "title": {"type": "string"},
        "url": {"type": "string"}
      }
    }
  }
}`

// Manifest is the declared pack metadata.
type Manifest struct {
	PackID       string
	Name         string
	Version      string
	Type         string // "base" or "extension"
	EULARequired bool
	EULATitle    string
	EULAURL      string
}

// CharacterAssets locates one character's files relative to the pack root.
// Avatar may be empty in extension packs (inherited from the base pack).
type CharacterAssets struct {
	CharID         string
	Avatar         string
	ExpressionsDir string
	Tags           string
}

// Pack is a loaded pack.
type Pack struct {
	Root     string
	Manifest Manifest

	aliases map[string]string
	assets  map[string]CharacterAssets
}

type rawManifest struct {
	PackID  string `json:"pack_id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Type    string `json:"type"`
	EULA    struct {
		Required bool   `json:"required"`
		Title    string `json:"title"`
		URL      string `json:"url"`
	} `json:"eula"`
}

type rawAssets struct {
	Avatar         string `json:"avatar"`
	ExpressionsDir string `json:"expressions_dir"`
	Tags           string `json:"tags"`
}

// isSafeRelPath rejects absolute paths, URLs, drive letters and parent
// traversal so pack files can never point outside the pack root.
func isSafeRelPath(s string) bool {
	ss := strings.ReplaceAll(strings.TrimSpace(s), "\\", "/")
	if ss == "" {
		return false
	}
	if strings.Contains(ss, "://") || strings.HasPrefix(ss, "//") {
		return false
	}
	if len(ss) >= 2 && ss[1] == ':' &&
		((ss[0] >= 'A' && ss[0] <= 'Z') || (ss[0] >= 'a' && ss[0] <= 'z')) {
		return false
	}
	clean := 0
	for _, part := range strings.Split(ss, "/") {
		switch part {
		case "", ".":
		case "..":
			return false
		default:
			clean++
		}
	}
	return clean > 0
}

// Load reads and validates a pack directory. The directory name is the pack
// id; a manifest.pack_id that disagrees with it is an error.
func Load(root string) (*Pack, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("pack root %s: %w", root, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("pack root %s: %w", root, err)
	}

	packID := filepath.Base(abs)
	if !packIDRe.MatchString(packID) {
		return nil, fmt.Errorf("invalid pack_id dir name: %s", packID)
	}

	manifest, err := loadManifest(filepath.Join(abs, "manifest.json"), packID)
	if err != nil {
		return nil, err
	}
	aliases, err := loadAliases(filepath.Join(abs, "char_id.json"))
	if err != nil {
		return nil, err
	}
	assets, err := loadAssets(filepath.Join(abs, "asset_mapping.json"), manifest.Type)
	if err != nil {
		return nil, err
	}

	// Canonical ids resolve to themselves even without an alias entry.
	for cid := range assets {
		if _, ok := aliases[cid]; !ok {
			aliases[cid] = cid
		}
	}

	return &Pack{Root: abs, Manifest: manifest, aliases: aliases, assets: assets}, nil
}

func loadManifest(path, packID string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("missing manifest.json: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(manifestSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest.json: %w", err)
	}
	if !result.Valid() {
		var parts []string
		for _, desc := range result.Errors() {
			parts = append(parts, desc.String())
		}
		return Manifest{}, fmt.Errorf("manifest.json invalid: %s", strings.Join(parts, "; "))
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("manifest.json: %w", err)
	}

	if mid := strings.TrimSpace(raw.PackID); mid != "" && mid != packID {
		return Manifest{}, fmt.Errorf("manifest.pack_id mismatch: %s != %s", mid, packID)
	}
	typ := strings.TrimSpace(raw.Type)
	if typ == "" {
		typ = "base"
	}
	return Manifest{
		PackID:       packID,
		Name:         strings.TrimSpace(raw.Name),
		Version:      strings.TrimSpace(raw.Version),
		Type:         typ,
		EULARequired: raw.EULA.Required,
		EULATitle:    strings.TrimSpace(raw.EULA.Title),
		EULAURL:      strings.TrimSpace(raw.EULA.URL),
	}, nil
}

func loadAliases(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("missing char_id.json: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("char_id.json: %w", err)
	}
	aliases := make(map[string]string, len(raw))
	for k, v := range raw {
		kk, vv := strings.TrimSpace(k), strings.TrimSpace(v)
		if kk == "" || vv == "" {
			continue
		}
		aliases[kk] = vv
	}
	return aliases, nil
}

func loadAssets(path, packType string) (map[string]CharacterAssets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("missing asset_mapping.json: %w", err)
	}
	var raw map[string]rawAssets
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("asset_mapping.json: %w", err)
	}

	assets := make(map[string]CharacterAssets, len(raw))
	for charID, obj := range raw {
		cid := strings.TrimSpace(charID)
		if cid == "" {
			continue
		}
		avatar := strings.TrimSpace(obj.Avatar)
		exprDir := strings.TrimSpace(obj.ExpressionsDir)
		tags := strings.TrimSpace(obj.Tags)
		if tags == "" {
			tags = "tags.json"
		}
		if avatar == "" {
			if packType != "extension" {
				return nil, fmt.Errorf("missing avatar path for %s in base pack", cid)
			}
		} else if !isSafeRelPath(avatar) {
			return nil, fmt.Errorf("invalid avatar path for %s: %s", cid, avatar)
		}
		if !isSafeRelPath(exprDir) {
			return nil, fmt.Errorf("invalid expressions_dir for %s: %s", cid, exprDir)
		}
		if strings.ContainsAny(tags, `/\`) || strings.Contains(tags, "..") {
			return nil, fmt.Errorf("invalid tags file name for %s: %s", cid, tags)
		}
		assets[cid] = CharacterAssets{CharID: cid, Avatar: avatar, ExpressionsDir: exprDir, Tags: tags}
	}
	return assets, nil
}

// ResolveCharID maps an alias or canonical id to the canonical id.
func (p *Pack) ResolveCharID(token string) (string, bool) {
	t := strings.TrimSpace(token)
	if t == "" {
		return "", false
	}
	if id, ok := p.aliases[t]; ok {
		return id, true
	}
	if _, ok := p.assets[t]; ok {
		return t, true
	}
	return "", false
}

// AvatarRel returns the pack-relative avatar path for a character id.
func (p *Pack) AvatarRel(charID string) (string, bool) {
	a, ok := p.assets[charID]
	if !ok || a.Avatar == "" {
		return "", false
	}
	return a.Avatar, true
}

// AvatarPath returns the absolute avatar path.
func (p *Pack) AvatarPath(charID string) (string, error) {
	a, ok := p.assets[charID]
	if !ok {
		return "", fmt.Errorf("unknown character id: %s", charID)
	}
	if a.Avatar == "" {
		return "", fmt.Errorf("avatar is not provided for %s in pack %s", charID, p.Manifest.PackID)
	}
	return filepath.Join(p.Root, filepath.FromSlash(a.Avatar)), nil
}

// TagsPath returns the absolute path of a character's expression tag file.
func (p *Pack) TagsPath(charID string) (string, error) {
	a, ok := p.assets[charID]
	if !ok {
		return "", fmt.Errorf("unknown character id: %s", charID)
	}
	return filepath.Join(p.Root, filepath.FromSlash(a.ExpressionsDir), a.Tags), nil
}

// CharIDs lists the canonical character ids, sorted.
func (p *Pack) CharIDs() []string {
	ids := make([]string, 0, len(p.assets))
	for cid := range p.assets {
		ids = append(ids, cid)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every declared asset file exists on disk.
func (p *Pack) Validate() error {
	for _, cid := range p.CharIDs() {
		if rel, ok := p.AvatarRel(cid); ok && rel != "" {
			path, err := p.AvatarPath(cid)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("missing avatar for %s: %w", cid, err)
			}
		}
		tags, err := p.TagsPath(cid)
		if err != nil {
			return err
		}
		if _, err := os.Stat(tags); err != nil {
			return fmt.Errorf("missing tags file for %s: %w", cid, err)
		}
	}
	return nil
}
