/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package mmt

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// SenseiID is the fixed identity of the self/viewer side.
const SenseiID = "__Sensei"

// Roster is the library-character name table supplied by the caller.
// ResolveID tries an exact name match first, then a unique base-name match.
// BaseIDs returns every id sharing a base name, for ambiguity detection.
type Roster interface {
	ResolveID(name string) (int, bool)
	BaseIDs(base string) []int
}

// Pack is a loaded extension pack. ResolveCharID maps a character name or
// alias to the pack's canonical id; AvatarRel returns the pack-relative
// avatar path for an id.
type Pack interface {
	ResolveCharID(name string) (string, bool)
	AvatarRel(charID string) (string, bool)
}

// Env carries the in-memory lookup tables a compile runs against. All fields
// are optional; a zero Env compiles scripts that only use Sensei and custom
// speakers.
type Env struct {
	Roster Roster
	Pack   Pack
	// PackRootRel is the project-relative pack root used to build avatar
	// references for pack characters (e.g. "pack-v2/ba").
	PackRootRel string
	// FindAvatar maps a library-character id to an avatar reference like
	// "avatar/288.png".
	FindAvatar func(studentID int) (string, bool)
}

// Bare names are tried against these namespaces in order.
var usingNamespaces = [...]string{"ba", "custom"}

var customIDRe = regexp.MustCompile(`^[\p{L}\p{N}_][\p{L}\p{N}_\-]*$`)

// baseName strips a parenthesized variant suffix, e.g. "Hoshino (Swimsuit)"
// -> "Hoshino". Both ASCII and full-width parentheses count.
func baseName(name string) string {
	name = strings.TrimSpace(name)
	for _, sep := range []string{"(", "（"} {
		if idx := strings.Index(name, sep); idx >= 0 {
			return strings.TrimSpace(name[:idx])
		}
	}
	return name
}

func hashID(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:10]
}

func isURLLike(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "data:image/") || strings.HasPrefix(s, "://") || strings.HasPrefix(s, "//") {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// parseAssetQuery extracts the asset name from an "asset:<name>" query, or
// returns "".
func parseAssetQuery(query string) string {
	q := strings.TrimSpace(query)
	if q == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(q), "asset:") {
		return ""
	}
	_, name, _ := strings.Cut(q, ":")
	return strings.TrimSpace(name)
}

// splitNamespace splits "ns.rest" selectors. Returns ok=false for tokens
// without a usable namespace part.
func splitNamespace(token string) (ns, rest string, ok bool) {
	s := strings.TrimSpace(token)
	if idx := strings.Index(s, "."); idx >= 0 {
		ns = strings.TrimSpace(s[:idx])
		rest = strings.TrimSpace(s[idx+1:])
		if ns != "" && rest != "" {
			return ns, rest, true
		}
	}
	return "", s, false
}

func displayFromSelector(selector string) string {
	if _, rest, ok := splitNamespace(selector); ok {
		return rest
	}
	return selector
}

// kivoIDFromToken parses a "kivo-<digits>" literal id, normalizing the
// numeric part.
func kivoIDFromToken(s string) (int, bool) {
	rest, found := strings.CutPrefix(s, "kivo-")
	if !found || rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// resolver holds the directive-mutated naming state plus the environment
// lookups. One instance lives for the duration of a single compile.
type resolver struct {
	env Env

	// alias id -> character name, used before selector resolution.
	aliasID map[string]string
	// declared custom id -> display name.
	customDisplay map[string]string
	// char_id -> persistent display override (@alias).
	aliasOverride map[string]string
	// char_id -> current avatar override ("asset:<name>" or "avatar/<id>.png").
	avatarOverride map[string]string
	// per-side temporary aliasing (@tmpalias): pending activates on the next
	// matching turn; active clears on speaker change.
	pendingTmp map[StatementKind]map[string]string
	activeTmp  map[StatementKind]*tmpAlias

	// char_id -> first-seen display name.
	displayName map[string]string

	packAliases map[string]string
	packOrder   []string

	unresolved map[string]int
	ambiguous  map[string]int
}

type tmpAlias struct {
	charID   string
	override string
}

func newResolver(env Env) *resolver {
	return &resolver{
		env:            env,
		aliasID:        make(map[string]string),
		customDisplay:  make(map[string]string),
		aliasOverride:  make(map[string]string),
		avatarOverride: make(map[string]string),
		pendingTmp: map[StatementKind]map[string]string{
			KindOther: {},
			KindSelf:  {},
		},
		activeTmp:   make(map[StatementKind]*tmpAlias),
		displayName: make(map[string]string),
		packAliases: make(map[string]string),
		unresolved:  make(map[string]int),
		ambiguous:   make(map[string]int),
	}
}

func (r *resolver) resolveStudentID(name string) (int, bool) {
	if r.env.Roster == nil {
		return 0, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, false
	}
	if id, ok := r.env.Roster.ResolveID(name); ok {
		return id, true
	}
	return 0, false
}

func (r *resolver) baseIDs(base string) []int {
	if r.env.Roster == nil {
		return nil
	}
	return r.env.Roster.BaseIDs(base)
}

// resolveSelector maps a selector to (char_id, display name guess).
//
// Selector forms, in match order: literal passthrough ("__Sensei",
// "kivo-<digits>", "custom-<token>"); a namespaced "ns.name" selector
// (ba/kivo strict, custom lenient); a bare name tried against the imported
// namespaces. An unknown bare name is tallied as unresolved or ambiguous and
// then either fails (strict mode) or falls back to a hashed custom id.
func (r *resolver) resolveSelector(selector string, line int, allowCustomFallback bool) (string, string, error) {
	s := strings.TrimSpace(selector)
	if s == "" {
		return "", "", resolutionErrf(line, "empty selector")
	}

	if s == SenseiID {
		return SenseiID, "Sensei", nil
	}
	if sid, ok := kivoIDFromToken(s); ok {
		return fmt.Sprintf("kivo-%d", sid), strconv.Itoa(sid), nil
	}
	if rest, found := strings.CutPrefix(s, "custom-"); found && rest != "" {
		return s, rest, nil
	}

	if ns, name, ok := splitNamespace(s); ok {
		switch strings.ToLower(ns) {
		case "ba", "kivo":
			if r.env.Pack != nil && strings.EqualFold(ns, "ba") {
				cid, ok := r.env.Pack.ResolveCharID(name)
				if !ok {
					return "", "", resolutionErrf(line, "unknown ba character: %s", name)
				}
				return "ba." + cid, baseName(cid), nil
			}
			sid, ok := r.resolveStudentID(name)
			if !ok {
				return "", "", resolutionErrf(line, "unknown ba character: %s", name)
			}
			return fmt.Sprintf("kivo-%d", sid), name, nil
		case "custom":
			if customIDRe.MatchString(name) {
				disp := name
				if d, ok := r.customDisplay[name]; ok {
					disp = d
				}
				return "custom-" + name, disp, nil
			}
			// Not a stable id token; derive a hashed custom id instead.
			return "custom-" + hashID(name), name, nil
		default:
			return "", "", resolutionErrf(line, "unknown namespace: %s", ns)
		}
	}

	for _, ns := range usingNamespaces {
		switch ns {
		case "custom":
			if disp, ok := r.customDisplay[s]; ok {
				return "custom-" + s, disp, nil
			}
		case "ba":
			if r.env.Pack != nil {
				if cid, ok := r.env.Pack.ResolveCharID(s); ok {
					return "ba." + cid, baseName(cid), nil
				}
			}
			if sid, ok := r.resolveStudentID(s); ok {
				return fmt.Sprintf("kivo-%d", sid), s, nil
			}
		}
	}

	if base := baseName(s); len(r.baseIDs(base)) > 1 {
		r.ambiguous[s]++
	} else {
		r.unresolved[s]++
	}
	if !allowCustomFallback {
		return "", "", resolutionErrf(line, "unknown speaker: %s", s)
	}
	return "custom-" + hashID(s), s, nil
}

// isReservedID reports whether an id must not be claimed by @aliasid or
// @charid: the Sensei token, canonical id prefixes, namespaced tokens,
// already-declared custom ids, and anything resolving to a library
// character.
func (r *resolver) isReservedID(id string) bool {
	s := strings.TrimSpace(id)
	if s == "" || s == SenseiID {
		return true
	}
	if strings.HasPrefix(s, "kivo-") || strings.HasPrefix(s, "custom-") {
		return true
	}
	if strings.Contains(s, ".") {
		return true
	}
	if _, ok := r.customDisplay[s]; ok {
		return true
	}
	if _, ok := r.resolveStudentID(s); ok {
		return true
	}
	if len(r.baseIDs(baseName(s))) > 0 {
		return true
	}
	return false
}

// tallyAliasTarget records resolution quality for an @aliasid target name
// without failing the compile.
func (r *resolver) tallyAliasTarget(name string) {
	if _, ok := r.resolveStudentID(name); ok {
		return
	}
	base := baseName(name)
	ids := r.baseIDs(base)
	if len(ids) > 1 {
		r.ambiguous[name]++
	} else if len(ids) == 0 {
		r.unresolved[name]++
	}
}

// studentAvatarRef interprets a token as a reference to a library
// character's standard avatar ("kivo-288", "ba.Hoshino", a bare name, or an
// already-shaped "avatar/..." path). Returns "" when the token is not one.
func (r *resolver) studentAvatarRef(token string) string {
	s := strings.TrimSpace(token)
	if s == "" || strings.HasPrefix(strings.ToLower(s), "asset:") {
		return ""
	}
	if strings.HasPrefix(s, "avatar/") {
		return s
	}
	cid, _, err := r.resolveSelector(s, -1, false)
	if err != nil {
		return ""
	}
	sid, ok := kivoIDFromToken(cid)
	if !ok {
		return ""
	}
	return fmt.Sprintf("avatar/%d.png", sid)
}

func assetRef(assetName string) string {
	if strings.HasPrefix(strings.ToLower(assetName), "asset:") {
		_, after, _ := strings.Cut(assetName, ":")
		assetName = strings.TrimSpace(after)
	}
	return "asset:" + assetName
}

// --- directive application ---

func (r *resolver) applyAlias(n AliasDecl) error {
	charID, _, err := r.resolveSelector(n.Name, n.Line(), true)
	if err != nil {
		return err
	}
	if n.Display == "" {
		delete(r.aliasOverride, charID)
		return nil
	}
	r.aliasOverride[charID] = n.Display
	return nil
}

func (r *resolver) applyTmpAlias(n TmpAliasDecl) error {
	charID, _, err := r.resolveSelector(n.Name, n.Line(), true)
	if err != nil {
		return err
	}
	if n.Display == "" {
		delete(r.pendingTmp[KindOther], charID)
		delete(r.pendingTmp[KindSelf], charID)
		return nil
	}
	r.pendingTmp[KindOther][charID] = n.Display
	r.pendingTmp[KindSelf][charID] = n.Display
	return nil
}

func (r *resolver) applyAliasID(n AliasID) error {
	if r.isReservedID(n.ID) {
		return resolutionErrf(n.Line(), "@aliasid cannot override reserved/original id: %s", n.ID)
	}
	r.tallyAliasTarget(n.Name)
	r.aliasID[n.ID] = n.Name
	return nil
}

func (r *resolver) applyUnaliasID(n UnaliasID) error {
	if r.isReservedID(n.ID) {
		return resolutionErrf(n.Line(), "@unaliasid cannot target reserved/original id: %s", n.ID)
	}
	if _, ok := r.aliasID[n.ID]; !ok {
		return stateErrf(n.Line(), "@unaliasid id not found: %s", n.ID)
	}
	delete(r.aliasID, n.ID)
	return nil
}

func (r *resolver) applyCharID(n CharID) error {
	if !customIDRe.MatchString(n.ID) {
		return syntaxErrf(n.Line(), n.Pos().StartCol, "invalid @charid id: %s", n.ID)
	}
	if r.isReservedID(n.ID) {
		return resolutionErrf(n.Line(), "@charid cannot use reserved/original id: %s", n.ID)
	}
	r.customDisplay[n.ID] = n.Display
	return nil
}

func (r *resolver) applyUncharID(n UncharID) error {
	if r.isReservedID(n.ID) {
		return resolutionErrf(n.Line(), "@uncharid cannot target reserved/original id: %s", n.ID)
	}
	if _, ok := r.customDisplay[n.ID]; !ok {
		return stateErrf(n.Line(), "@uncharid id not found: %s", n.ID)
	}
	delete(r.customDisplay, n.ID)
	delete(r.avatarOverride, "custom-"+n.ID)
	return nil
}

func (r *resolver) applyAvatarID(n AvatarID) error {
	if _, ok := r.customDisplay[n.ID]; !ok {
		return stateErrf(n.Line(), "@avatarid requires existing @charid for id: %s", n.ID)
	}
	key := "custom-" + n.ID
	if ref := r.studentAvatarRef(n.Asset); ref != "" {
		r.avatarOverride[key] = ref
		return nil
	}
	r.avatarOverride[key] = assetRef(n.Asset)
	return nil
}

func (r *resolver) applyUnavatarID(n UnavatarID) error {
	key := "custom-" + n.ID
	if _, ok := r.avatarOverride[key]; !ok {
		return stateErrf(n.Line(), "@unavatarid id not found: %s", n.ID)
	}
	delete(r.avatarOverride, key)
	return nil
}

func (r *resolver) applyAvatar(n AvatarDecl) error {
	charID, _, err := r.resolveSelector(n.Name, n.Line(), false)
	if err != nil {
		return err
	}
	if charID == SenseiID {
		return resolutionErrf(n.Line(), "@avatar cannot target Sensei")
	}
	if n.Asset == "" {
		delete(r.avatarOverride, charID)
		return nil
	}
	if ref := r.studentAvatarRef(n.Asset); ref != "" {
		r.avatarOverride[charID] = ref
		return nil
	}
	r.avatarOverride[charID] = assetRef(n.Asset)
	return nil
}

func (r *resolver) applyUsePack(n UsePack) {
	r.packAliases[n.Alias] = n.PackID
	for _, a := range r.packOrder {
		if a == n.Alias {
			return
		}
	}
	r.packOrder = append(r.packOrder, n.Alias)
}
