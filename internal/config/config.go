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
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
//
// config_version: bump when the structure changes in a backward-incompatible way.
// Unknown fields are ignored on unmarshal, so newer files still load.

type CompileConfig struct {
	Join          string `yaml:"join"`   // "newline" | "space"
	ContextWindow int    `yaml:"ctx_n"`  // messages around an image placeholder
	TypstMode     bool   `yaml:"typst"`  // require [:...] for inline expressions
	AvatarDir     string `yaml:"avatar_dir"`
	NameMap       string `yaml:"name_map"`
	PackRoot      string `yaml:"pack_root"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type AppConfig struct {
	ConfigVersion int           `yaml:"config_version"`
	Compile       CompileConfig `yaml:"compile"`
	Logging       LoggingConfig `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Compile: CompileConfig{
			Join:          "newline",
			ContextWindow: 2,
			TypstMode:     false,
			AvatarDir:     "avatar",
			NameMap:       filepath.Join("avatar", "name_to_id.json"),
			PackRoot:      "",
		},
		Logging: LoggingConfig{Level: "info", Format: "console", Source: false, File: ""},
	}
}

// Env var names used as overrides.
const (
	EnvJoin       = "MMT_JOIN"
	EnvCtxN       = "MMT_CTX_N"
	EnvTypst      = "MMT_TYPST"
	EnvAvatarDir  = "MMT_AVATAR_DIR"
	EnvNameMap    = "MMT_NAME_MAP"
	EnvPackV2Root = "MMT_PACK_V2_ROOT"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "MMT_LOG_LEVEL"
	EnvLogFormat = "MMT_LOG_FORMAT"
	EnvLogSource = "MMT_LOG_SOURCE"
	EnvLogFile   = "MMT_LOG_FILE"
)

// ConfigPath returns the per-user config file path.
func ConfigPath() (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" { // fallback
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "MomoScript")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "MomoScript")
	default: // linux and others
		base = filepath.Join(os.Getenv("HOME"), ".config", "momoscript")
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, and merges
// environment overrides.
func Load() (AppConfig, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		return cfg, err
	}
	if data, err := os.ReadFile(path); err == nil {
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err == nil {
			mergeInto(&cfg, &fileCfg)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Save writes the user config YAML.
func Save(cfg AppConfig) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if v := strings.ToLower(strings.TrimSpace(src.Compile.Join)); v != "" {
		dst.Compile.Join = v
	}
	if src.Compile.ContextWindow != 0 {
		dst.Compile.ContextWindow = src.Compile.ContextWindow
	}
	// booleans: copy directly from src (file) so user preferences persist
	dst.Compile.TypstMode = src.Compile.TypstMode
	if strings.TrimSpace(src.Compile.AvatarDir) != "" {
		dst.Compile.AvatarDir = strings.TrimSpace(src.Compile.AvatarDir)
	}
	if strings.TrimSpace(src.Compile.NameMap) != "" {
		dst.Compile.NameMap = strings.TrimSpace(src.Compile.NameMap)
	}
	if strings.TrimSpace(src.Compile.PackRoot) != "" {
		dst.Compile.PackRoot = strings.TrimSpace(src.Compile.PackRoot)
	}
	// logging
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func envBool(v string) bool {
	lv := strings.ToLower(v)
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvJoin)); v != "" {
		cfg.Compile.Join = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvCtxN)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Compile.ContextWindow = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvTypst)); v != "" {
		cfg.Compile.TypstMode = envBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvAvatarDir)); v != "" {
		cfg.Compile.AvatarDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvNameMap)); v != "" {
		cfg.Compile.NameMap = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPackV2Root)); v != "" {
		cfg.Compile.PackRoot = v
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = envBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	var env string
	switch key {
	case "compile.join":
		env = EnvJoin
	case "compile.ctx_n":
		env = EnvCtxN
	case "compile.typst":
		env = EnvTypst
	case "compile.avatar_dir":
		env = EnvAvatarDir
	case "compile.name_map":
		env = EnvNameMap
	case "compile.pack_root":
		env = EnvPackV2Root
	case "logging.level":
		env = EnvLogLevel
	case "logging.format":
		env = EnvLogFormat
	case "logging.source":
		env = EnvLogSource
	case "logging.file":
		env = EnvLogFile
	default:
		return "", false
	}
	if os.Getenv(env) != "" {
		return env, true
	}
	return "", false
}
