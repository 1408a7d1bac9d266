/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// momoc compiles a MomoScript chat script into its JSON document form.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xiyihan0/MomoScript/internal/config"
	"github.com/xiyihan0/MomoScript/internal/crash"
	applog "github.com/xiyihan0/MomoScript/internal/log"
	"github.com/xiyihan0/MomoScript/internal/mmt"
	"github.com/xiyihan0/MomoScript/internal/pack"
	"github.com/xiyihan0/MomoScript/internal/roster"
	"github.com/xiyihan0/MomoScript/internal/version"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  momoc [flags] <script.mmt>   Compile a script to JSON")
	fmt.Fprintln(os.Stderr, "  momoc version                Show version")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func main() {
	applog.Init(applog.FromEnv())
	l := applog.WithComponent("cli")

	cfg, err := config.Load()
	if err != nil {
		l.Warn("config load failed, using defaults", slog.Any("err", err))
		cfg = config.Defaults()
	}

	var (
		output    = flag.String("o", "", "output path (default: input with .json suffix)")
		avatarDir = flag.String("avatar-dir", cfg.Compile.AvatarDir, "student avatar directory")
		nameMap   = flag.String("name-map", cfg.Compile.NameMap, "name_to_id.json path")
		join      = flag.String("join", cfg.Compile.Join, "continuation join mode: newline|space")
		ctxN      = flag.Int("ctx-n", cfg.Compile.ContextWindow, "context window around image placeholders")
		typst     = flag.Bool("typst", cfg.Compile.TypstMode, "typst mode (inline expressions need [:...])")
		report    = flag.Bool("report", false, "print the compile report JSON to stdout")
		packRoot  = flag.String("pack-root", cfg.Compile.PackRoot, "pack-v2 directory (default: $MMT_PACK_V2_ROOT or ./pack-v2)")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 1 && flag.Arg(0) == "version" {
		fmt.Println(version.String())
		return
	}
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	input := flag.Arg(0)
	defer crash.Recover(input)

	if *join != "newline" && *join != "space" {
		fmt.Fprintln(os.Stderr, "Error: --join must be newline or space")
		os.Exit(2)
	}
	if *ctxN < 0 {
		fmt.Fprintln(os.Stderr, "Error: --ctx-n must be >= 0")
		os.Exit(2)
	}

	src, err := os.ReadFile(input)
	if err != nil {
		l.Error("read input failed", slog.Any("err", err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	inputDir := filepath.Dir(input)
	nm := fallbackToInputDir(*nameMap, inputDir)
	ad := fallbackToInputDir(*avatarDir, inputDir)

	ros, err := roster.Load(nm)
	if err != nil {
		l.Error("load name map failed", slog.String("path", nm), slog.Any("err", err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	l.Debug("roster loaded", slog.String("path", nm), slog.Int("names", ros.Len()))

	env := mmt.Env{
		Roster: ros,
		FindAvatar: func(studentID int) (string, bool) {
			return roster.FindAvatar(ad, studentID)
		},
	}

	proot := resolvePackRoot(*packRoot)
	if proot != "" {
		p, dir, err := loadPack(proot)
		if err != nil {
			l.Error("load pack failed", slog.String("root", proot), slog.Any("err", err))
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		env.Pack = p
		env.PackRootRel = filepath.ToSlash(dir)
		l.Debug("pack loaded", slog.String("pack_id", p.Manifest.PackID), slog.Int("chars", len(p.CharIDs())))
	}

	opts := mmt.Options{
		JoinWithNewline: *join == "newline",
		ContextWindow:   *ctxN,
		TypstMode:       *typst,
	}

	doc, rep, err := mmt.Compile(string(src), env, opts)
	if err != nil {
		l.Error("compile failed", slog.Any("err", err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	out := *output
	if out == "" {
		out = strings.TrimSuffix(input, filepath.Ext(input)) + ".json"
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	data = append(data, '\n')
	if err := os.WriteFile(out, data, 0o644); err != nil {
		l.Error("write output failed", slog.Any("err", err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if *report {
		rb, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		fmt.Println(string(rb))
	}

	fmt.Printf("[ok] messages=%d custom_chars=%d unresolved=%d ambiguous=%d\n",
		rep.MessageCount, rep.CustomCharCount, sumCounts(rep.UnresolvedSpeakers), sumCounts(rep.AmbiguousSpeakers))
	l.Info("compiled", slog.String("input", input), slog.String("output", out),
		slog.Int("messages", rep.MessageCount))
}

// sumCounts totals per-name occurrence counts for the summary line.
func sumCounts(m map[string]int) int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}

// fallbackToInputDir keeps the path if it exists, otherwise retries it
// relative to the script's directory. Scripts usually sit next to their
// avatar folder.
func fallbackToInputDir(path, inputDir string) string {
	if path == "" {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	alt := filepath.Join(inputDir, path)
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return path
}

// loadPack accepts either a pack directory or a container holding exactly
// one pack directory.
func loadPack(root string) (*pack.Pack, string, error) {
	if _, err := os.Stat(filepath.Join(root, "manifest.json")); err == nil {
		p, err := pack.Load(root)
		return p, root, err
	}
	ents, err := os.ReadDir(root)
	if err != nil {
		return nil, "", fmt.Errorf("read pack root: %w", err)
	}
	var dirs []string
	for _, e := range ents {
		if e.IsDir() {
			if _, err := os.Stat(filepath.Join(root, e.Name(), "manifest.json")); err == nil {
				dirs = append(dirs, filepath.Join(root, e.Name()))
			}
		}
	}
	switch len(dirs) {
	case 0:
		return nil, "", fmt.Errorf("no pack found under %s", root)
	case 1:
		p, err := pack.Load(dirs[0])
		return p, dirs[0], err
	default:
		return nil, "", fmt.Errorf("multiple packs under %s; pass --pack-root with the pack directory", root)
	}
}

// resolvePackRoot picks the explicit flag value, then $MMT_PACK_V2_ROOT, then
// ./pack-v2 when present. An empty result disables pack resolution.
func resolvePackRoot(flagVal string) string {
	if strings.TrimSpace(flagVal) != "" {
		return flagVal
	}
	if v := strings.TrimSpace(os.Getenv(config.EnvPackV2Root)); v != "" {
		return v
	}
	if fi, err := os.Stat("pack-v2"); err == nil && fi.IsDir() {
		return "pack-v2"
	}
	return ""
}
