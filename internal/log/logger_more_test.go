/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package log

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnvReadsMMTVariables(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "momoc.log")
	t.Setenv("MMT_LOG_LEVEL", "debug")
	t.Setenv("MMT_LOG_FORMAT", "json")
	t.Setenv("MMT_LOG_SOURCE", "TRUE")
	t.Setenv("MMT_LOG_FILE", logFile)

	opts := FromEnv()
	if opts.Level != "debug" || opts.Format != "json" || !opts.AddSource || opts.File != logFile {
		t.Fatalf("FromEnv mismatch: %+v", opts)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	// Empty values fall through to the defaults.
	t.Setenv("MMT_LOG_LEVEL", "")
	t.Setenv("MMT_LOG_FORMAT", "")
	t.Setenv("MMT_LOG_SOURCE", "")
	t.Setenv("MMT_LOG_FILE", "")

	opts := FromEnv()
	if opts.Level != "info" || opts.Format != "console" || opts.AddSource || opts.File != "" {
		t.Fatalf("defaults mismatch: %+v", opts)
	}
}

func TestConsoleHandlerFormatsCompileEvents(t *testing.T) {
	var buf bytes.Buffer
	base := &prettyTextHandler{opts: prettyOpts{Level: slog.LevelInfo}, w: &buf}

	if base.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug must be filtered at info level")
	}

	h := base.WithAttrs([]slog.Attr{slog.String("component", "parser")}).WithGroup("pos")
	r := slog.Record{Time: time.Now(), Level: slog.LevelWarn, Message: "ambiguous speaker"}
	r.AddAttrs(slog.Int("line", 7), slog.Int("col", 3), slog.Float64("elapsed_ms", 1.50), slog.Bool("strict", false))
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"WRN",
		"ambiguous speaker",
		"pos.component=parser",
		"pos.line=7",
		"pos.elapsed_ms=1.5",
		"pos.strict=false",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %q", want, out)
		}
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := multiHandler(
		&prettyTextHandler{opts: prettyOpts{Level: slog.LevelError}, w: &a},
		&prettyTextHandler{opts: prettyOpts{Level: slog.LevelDebug}, w: &b},
	)

	// Enabled as long as one target accepts the level.
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("multi handler must accept levels any target accepts")
	}

	r := slog.Record{Time: time.Now(), Level: slog.LevelError, Message: "write failed"}
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(a.String(), "write failed") || !strings.Contains(b.String(), "write failed") {
		t.Fatalf("record not fanned out: a=%q b=%q", a.String(), b.String())
	}
}
