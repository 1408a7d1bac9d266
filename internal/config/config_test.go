/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"os"
	"testing"
)

func TestEnvOverridesPackRoot(t *testing.T) {
	old := os.Getenv(EnvPackV2Root)
	_ = os.Setenv(EnvPackV2Root, "/data/packs/blue_archive")
	t.Cleanup(func() { _ = os.Setenv(EnvPackV2Root, old) })
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got, want := cfg.Compile.PackRoot, "/data/packs/blue_archive"; got != want {
		t.Fatalf("Compile.PackRoot = %q, want %q", got, want)
	}
}

func TestEnvOverridesTypst(t *testing.T) {
	old := os.Getenv(EnvTypst)
	_ = os.Setenv(EnvTypst, "true")
	t.Cleanup(func() { _ = os.Setenv(EnvTypst, old) })
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Compile.TypstMode {
		t.Fatalf("Compile.TypstMode expected true from env override")
	}
}

func TestEnvOverridesCtxNIgnoresGarbage(t *testing.T) {
	old := os.Getenv(EnvCtxN)
	_ = os.Setenv(EnvCtxN, "five")
	t.Cleanup(func() { _ = os.Setenv(EnvCtxN, old) })
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got, want := cfg.Compile.ContextWindow, Defaults().Compile.ContextWindow; got != want {
		t.Fatalf("Compile.ContextWindow = %d, want default %d", got, want)
	}
}

func TestMergeIncludesCompile(t *testing.T) {
	dst := Defaults()
	src := Defaults()
	src.Compile.Join = "space"
	src.Compile.ContextWindow = 4
	src.Compile.TypstMode = true
	src.Compile.AvatarDir = "my-avatars"
	mergeInto(&dst, &src)
	if dst.Compile.Join != "space" || dst.Compile.ContextWindow != 4 || !dst.Compile.TypstMode || dst.Compile.AvatarDir != "my-avatars" {
		t.Fatalf("compile fields not merged correctly: %#v", dst.Compile)
	}
}

func TestMergeIncludesLogging(t *testing.T) {
	dst := Defaults()
	src := Defaults()
	src.Logging.Level = "debug"
	src.Logging.Format = "json"
	src.Logging.Source = true
	src.Logging.File = "/tmp/mmt.log"
	mergeInto(&dst, &src)
	if dst.Logging.Level != "debug" || dst.Logging.Format != "json" || !dst.Logging.Source || dst.Logging.File != "/tmp/mmt.log" {
		t.Fatalf("logging fields not merged correctly: %#v", dst.Logging)
	}
}

func TestEnvOverridesLogging(t *testing.T) {
	oldLevel := os.Getenv(EnvLogLevel)
	oldFmt := os.Getenv(EnvLogFormat)
	oldSrc := os.Getenv(EnvLogSource)
	oldFile := os.Getenv(EnvLogFile)
	_ = os.Setenv(EnvLogLevel, "error")
	_ = os.Setenv(EnvLogFormat, "json")
	_ = os.Setenv(EnvLogSource, "1")
	_ = os.Setenv(EnvLogFile, "/tmp/mmt.log")
	t.Cleanup(func() {
		_ = os.Setenv(EnvLogLevel, oldLevel)
		_ = os.Setenv(EnvLogFormat, oldFmt)
		_ = os.Setenv(EnvLogSource, oldSrc)
		_ = os.Setenv(EnvLogFile, oldFile)
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Logging.Level != "error" || cfg.Logging.Format != "json" || !cfg.Logging.Source || cfg.Logging.File != "/tmp/mmt.log" {
		t.Fatalf("env overrides not applied to logging: %#v", cfg.Logging)
	}
}

func TestEnvOverrideFor(t *testing.T) {
	old := os.Getenv(EnvJoin)
	_ = os.Setenv(EnvJoin, "space")
	t.Cleanup(func() { _ = os.Setenv(EnvJoin, old) })
	if env, ok := EnvOverrideFor("compile.join"); !ok || env != EnvJoin {
		t.Fatalf("EnvOverrideFor(compile.join) = %q, %v", env, ok)
	}
	if _, ok := EnvOverrideFor("compile.unknown"); ok {
		t.Fatalf("EnvOverrideFor(compile.unknown) should be false")
	}
}
