// Package config resolves Arborist's configuration from (highest to
// lowest priority):
//  1. Command-line flags
//  2. Environment variables (ARBORIST_*)
//  3. Project config (.arborist/config.yaml in the target repository)
//  4. Built-in defaults
//
// Layering is delegated to koanf: each source is a koanf.Provider merged
// in precedence order, lowest first, so a later Load overwrites an
// earlier one key-by-key. A separate Resolve path mirrors the same
// precedence per-field but additionally records which source won, for
// the "status"/config introspection surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds every option enumerated in the external configuration
// surface. Unknown keys in a config file are rejected at load time —
// there is no passthrough map for arbitrary options.
type Config struct {
	Runner    string `yaml:"runner" json:"runner"`
	Model     string `yaml:"model" json:"model"`
	Namespace string `yaml:"namespace" json:"namespace"`

	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	Timeouts TimeoutsConfig `yaml:"timeouts" json:"timeouts"`

	// TestCommand is the shell command run for the test step. Empty
	// means "auto-detect the target repository's conventional test
	// entry point" — resolved by the executor, not here.
	TestCommand string `yaml:"test_command" json:"test_command"`

	LogDir    string `yaml:"log_dir" json:"log_dir"`
	ReportDir string `yaml:"report_dir" json:"report_dir"`

	// CommandPrefix is tokens prepended to every runner and test
	// invocation (a sandboxing hook, e.g. a devcontainer wrapper).
	CommandPrefix []string `yaml:"command_prefix" json:"command_prefix"`
}

// TimeoutsConfig holds per-step subprocess timeouts in seconds.
type TimeoutsConfig struct {
	Implement int `yaml:"implement" json:"implement"`
	Test      int `yaml:"test" json:"test"`
	Review    int `yaml:"review" json:"review"`
}

// recognizedKeys enumerates every key a config file may set. A key
// outside this set is a load-time error rather than a silently ignored
// typo.
var recognizedKeys = map[string]bool{
	"runner":               true,
	"model":                true,
	"namespace":            true,
	"max_retries":          true,
	"timeouts":             true,
	"timeouts.implement":   true,
	"timeouts.test":        true,
	"timeouts.review":      true,
	"test_command":         true,
	"log_dir":              true,
	"report_dir":           true,
	"command_prefix":       true,
}

const (
	defaultRunner            = "mock"
	defaultMaxRetries        = 2
	defaultTimeoutImplement  = 1800
	defaultTimeoutTest       = 600
	defaultTimeoutReview     = 600
	defaultLogDir            = ".arborist/logs"
	defaultReportDir         = ".arborist/reports"
	defaultNamespace         = "feature"
	envPrefix                = "ARBORIST_"
)

// Default returns the built-in configuration, used as the base layer of
// every precedence chain.
func Default() *Config {
	return &Config{
		Runner:    defaultRunner,
		Namespace: defaultNamespace,
		MaxRetries: defaultMaxRetries,
		Timeouts: TimeoutsConfig{
			Implement: defaultTimeoutImplement,
			Test:      defaultTimeoutTest,
			Review:    defaultTimeoutReview,
		},
		LogDir:    defaultLogDir,
		ReportDir: defaultReportDir,
	}
}

// FlagOverrides carries the subset of fields a CLI command accepted as
// explicit flags; zero values mean "not set on the command line."
type FlagOverrides struct {
	Runner        string
	Model         string
	Namespace     string
	MaxRetries    int
	TestCommand   string
	LogDir        string
	ReportDir     string
	CommandPrefix []string
}

// Load resolves configuration for targetRepo with precedence
// flags > env > project file > defaults, validating that any config file
// present names only recognized keys.
func Load(targetRepo string, flags *FlagOverrides) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	projectPath := projectConfigPath(targetRepo)
	if _, err := os.Stat(projectPath); err == nil {
		if err := validateConfigFileKeys(projectPath); err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(projectPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", projectPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyToField), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		if m := flagsToMap(flags); len(m) > 0 {
			if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
				return nil, fmt.Errorf("load flag overrides: %w", err)
			}
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// envKeyToField maps ARBORIST_MAX_RETRIES -> max_retries,
// ARBORIST_TIMEOUTS_TEST -> timeouts.test, matching koanf's "." delimiter.
func envKeyToField(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	if rest, ok := strings.CutPrefix(s, "timeouts_"); ok {
		return "timeouts." + rest
	}
	return s
}

func projectConfigPath(targetRepo string) string {
	if override := strings.TrimSpace(os.Getenv("ARBORIST_CONFIG")); override != "" {
		return override
	}
	return filepath.Join(targetRepo, ".arborist", "config.yaml")
}

func validateConfigFileKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	tmp := koanf.New(".")
	if err := tmp.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range tmp.Keys() {
		if recognizedKeys[key] {
			continue
		}
		// Allow nested timeouts.* keys already enumerated; reject
		// anything else outright.
		return fmt.Errorf("%s: unrecognized config key %q", path, key)
	}
	return nil
}

// Source identifies which layer of the precedence chain produced a
// resolved field's value.
type Source string

const (
	SourceDefault Source = "default"
	SourceProject Source = ".arborist/config.yaml"
	SourceEnv     Source = "environment"
	SourceFlag    Source = "flag"
)

// Resolved pairs a value with the source that won the precedence chain,
// for the config-introspection surface (e.g. `status --format json`
// could report provenance alongside values; `inspect` does not need it).
type Resolved struct {
	Value  any    `json:"value"`
	Source Source `json:"source"`
}

// ResolvedConfig mirrors Config but with every field's provenance
// attached.
type ResolvedConfig struct {
	Runner             Resolved `json:"runner"`
	Model              Resolved `json:"model"`
	Namespace          Resolved `json:"namespace"`
	MaxRetries         Resolved `json:"max_retries"`
	TimeoutImplement   Resolved `json:"timeout_implement"`
	TimeoutTest        Resolved `json:"timeout_test"`
	TimeoutReview      Resolved `json:"timeout_review"`
	TestCommand        Resolved `json:"test_command"`
	LogDir             Resolved `json:"log_dir"`
	ReportDir          Resolved `json:"report_dir"`
}

// Resolve recomputes Config's fields one at a time, recording source
// provenance per field — the same precedence chain as Load, expressed so
// the CLI can explain where each value came from.
func Resolve(targetRepo string, flags *FlagOverrides) (*ResolvedConfig, error) {
	def := Default()

	var project *Config
	projectPath := projectConfigPath(targetRepo)
	if _, err := os.Stat(projectPath); err == nil {
		if err := validateConfigFileKeys(projectPath); err != nil {
			return nil, err
		}
		k := koanf.New(".")
		if err := k.Load(file.Provider(projectPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", projectPath, err)
		}
		project = &Config{}
		if err := k.Unmarshal("", project); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", projectPath, err)
		}
	}

	envRunner, _ := lookupEnv("ARBORIST_RUNNER")
	envModel, _ := lookupEnv("ARBORIST_MODEL")
	envNamespace, _ := lookupEnv("ARBORIST_NAMESPACE")
	envMaxRetries, envMaxRetriesOK := lookupEnvInt("ARBORIST_MAX_RETRIES")
	envTimeoutImplement, envTimeoutImplementOK := lookupEnvInt("ARBORIST_TIMEOUTS_IMPLEMENT")
	envTimeoutTest, envTimeoutTestOK := lookupEnvInt("ARBORIST_TIMEOUTS_TEST")
	envTimeoutReview, envTimeoutReviewOK := lookupEnvInt("ARBORIST_TIMEOUTS_REVIEW")
	envTestCommand, _ := lookupEnv("ARBORIST_TEST_COMMAND")
	envLogDir, _ := lookupEnv("ARBORIST_LOG_DIR")
	envReportDir, _ := lookupEnv("ARBORIST_REPORT_DIR")

	rc := &ResolvedConfig{
		Runner:           resolveString(projectStr(project, func(c *Config) string { return c.Runner }), envRunner, flagStr(flags, func(f *FlagOverrides) string { return f.Runner }), def.Runner),
		Model:            resolveString(projectStr(project, func(c *Config) string { return c.Model }), envModel, flagStr(flags, func(f *FlagOverrides) string { return f.Model }), def.Model),
		Namespace:        resolveString(projectStr(project, func(c *Config) string { return c.Namespace }), envNamespace, flagStr(flags, func(f *FlagOverrides) string { return f.Namespace }), def.Namespace),
		TestCommand:      resolveString(projectStr(project, func(c *Config) string { return c.TestCommand }), envTestCommand, flagStr(flags, func(f *FlagOverrides) string { return f.TestCommand }), def.TestCommand),
		LogDir:           resolveString(projectStr(project, func(c *Config) string { return c.LogDir }), envLogDir, flagStr(flags, func(f *FlagOverrides) string { return f.LogDir }), def.LogDir),
		ReportDir:        resolveString(projectStr(project, func(c *Config) string { return c.ReportDir }), envReportDir, flagStr(flags, func(f *FlagOverrides) string { return f.ReportDir }), def.ReportDir),
	}

	projMaxRetries, projMaxRetriesOK := projectInt(project, func(c *Config) (int, bool) {
		if c.MaxRetries == 0 {
			return 0, false
		}
		return c.MaxRetries, true
	})
	flagMaxRetries, flagMaxRetriesOK := 0, false
	if flags != nil && flags.MaxRetries != 0 {
		flagMaxRetries, flagMaxRetriesOK = flags.MaxRetries, true
	}
	rc.MaxRetries = resolveInt(projMaxRetries, projMaxRetriesOK, envMaxRetries, envMaxRetriesOK, flagMaxRetries, flagMaxRetriesOK, def.MaxRetries)

	projImplement, projImplementOK := projectInt(project, func(c *Config) (int, bool) {
		if c.Timeouts.Implement == 0 {
			return 0, false
		}
		return c.Timeouts.Implement, true
	})
	rc.TimeoutImplement = resolveInt(projImplement, projImplementOK, envTimeoutImplement, envTimeoutImplementOK, 0, false, def.Timeouts.Implement)

	projTest, projTestOK := projectInt(project, func(c *Config) (int, bool) {
		if c.Timeouts.Test == 0 {
			return 0, false
		}
		return c.Timeouts.Test, true
	})
	rc.TimeoutTest = resolveInt(projTest, projTestOK, envTimeoutTest, envTimeoutTestOK, 0, false, def.Timeouts.Test)

	projReview, projReviewOK := projectInt(project, func(c *Config) (int, bool) {
		if c.Timeouts.Review == 0 {
			return 0, false
		}
		return c.Timeouts.Review, true
	})
	rc.TimeoutReview = resolveInt(projReview, projReviewOK, envTimeoutReview, envTimeoutReviewOK, 0, false, def.Timeouts.Review)

	return rc, nil
}

func projectStr(c *Config, get func(*Config) string) string {
	if c == nil {
		return ""
	}
	return get(c)
}

func projectInt(c *Config, get func(*Config) (int, bool)) (int, bool) {
	if c == nil {
		return 0, false
	}
	return get(c)
}

func flagStr(f *FlagOverrides, get func(*FlagOverrides) string) string {
	if f == nil {
		return ""
	}
	return get(f)
}

func resolveString(project, env, flag, def string) Resolved {
	result := Resolved{Value: def, Source: SourceDefault}
	if project != "" {
		result = Resolved{Value: project, Source: SourceProject}
	}
	if env != "" {
		result = Resolved{Value: env, Source: SourceEnv}
	}
	if flag != "" {
		result = Resolved{Value: flag, Source: SourceFlag}
	}
	return result
}

func resolveInt(project int, projectOK bool, env int, envOK bool, flag int, flagOK bool, def int) Resolved {
	result := Resolved{Value: def, Source: SourceDefault}
	if projectOK {
		result = Resolved{Value: project, Source: SourceProject}
	}
	if envOK {
		result = Resolved{Value: env, Source: SourceEnv}
	}
	if flagOK {
		result = Resolved{Value: flag, Source: SourceFlag}
	}
	return result
}

func lookupEnv(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func lookupEnvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// flagsToMap builds a sparse map containing only the fields actually set
// on the command line, so loading it through confmap only overlays those
// keys rather than clobbering lower-precedence values with zero values.
func flagsToMap(f *FlagOverrides) map[string]any {
	m := map[string]any{}
	if f.Runner != "" {
		m["runner"] = f.Runner
	}
	if f.Model != "" {
		m["model"] = f.Model
	}
	if f.Namespace != "" {
		m["namespace"] = f.Namespace
	}
	if f.MaxRetries != 0 {
		m["max_retries"] = f.MaxRetries
	}
	if f.TestCommand != "" {
		m["test_command"] = f.TestCommand
	}
	if f.LogDir != "" {
		m["log_dir"] = f.LogDir
	}
	if f.ReportDir != "" {
		m["report_dir"] = f.ReportDir
	}
	if len(f.CommandPrefix) > 0 {
		m["command_prefix"] = f.CommandPrefix
	}
	return m
}
