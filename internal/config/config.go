// Package config loads and validates the logfetcher configuration file.
//
// The file is JSON extended with // line comments. Comments are blanked out
// (not removed) before parsing so byte offsets in parser errors still point
// into the original file, which lets us print the offending line with a
// caret. ${KEY} occurrences in glob patterns and destination templates are
// substituted from the CONSTANTS block before validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// DefaultPath is used when LOGFETCHER_CFG is not set.
const DefaultPath = "./etc/logfetcher.cfg"

// Defaults for the GENERAL section.
const (
	DefaultLogCheckInterval  = 10
	DefaultStatusLogInterval = 60
	DefaultTimeout           = 5
	DefaultTransferTaskLimit = 20
)

// General holds the GENERAL section of the configuration.
type General struct {
	LogFile           string `json:"logFile"`
	LogLevel          string `json:"logLevel"`
	LogCheckInterval  int    `json:"logCheckInterval"`
	StatusLogInterval int    `json:"statusLogInterval"`
	Timeout           int    `json:"timeout"`
	TransferTaskLimit int    `json:"transferTaskLimit"`

	// Optional surfaces. Empty means disabled.
	StatusAddr  string `json:"statusAddr"`
	JournalFile string `json:"journalFile"`
}

// LogFileSpec describes one remote glob and where its matches are archived.
type LogFileSpec struct {
	GlobPattern     string `json:"globPattern"`
	FilterRegexp    string `json:"filterRegexp"`
	DestinationFile string `json:"destinationFile"`
	// MinAge is accepted for compatibility with existing config files but
	// is not enforced by the fetch engine.
	MinAge int `json:"minAge"`

	// Filter is the compiled FilterRegexp, nil when none was configured.
	Filter *regexp.Regexp `json:"-"`
}

// Host is one remote endpoint to harvest.
type Host struct {
	Name       string        `json:"name"`
	SSHConnect []string      `json:"sshConnect"`
	LogFiles   []LogFileSpec `json:"logFiles"`
}

// Config is the parsed and validated configuration file.
type Config struct {
	General   General           `json:"GENERAL"`
	Constants map[string]string `json:"CONSTANTS"`
	Hosts     []Host            `json:"HOSTS"`
}

// Env holds environment overrides, processed with the LOGFETCHER prefix.
type Env struct {
	Cfg      string `envconfig:"CFG"`
	LogLevel string `envconfig:"LOG_LEVEL"`
	LogFile  string `envconfig:"LOG_FILE"`
}

var constantKeyRe = regexp.MustCompile(`^[_A-Z]+$`)

// Path returns the configuration file path: LOGFETCHER_CFG when set,
// DefaultPath otherwise.
func Path() string {
	var env Env
	if err := envconfig.Process("LOGFETCHER", &env); err == nil && env.Cfg != "" {
		return env.Cfg
	}
	return DefaultPath
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var env Env
	if err := envconfig.Process("LOGFETCHER", &env); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if env.LogLevel != "" {
		cfg.General.LogLevel = env.LogLevel
	}
	if env.LogFile != "" {
		cfg.General.LogFile = env.LogFile
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document without applying environment
// overrides. Validation is left to the caller (Load) so tests can inspect
// intermediate state.
func Parse(raw []byte) (*Config, error) {
	stripped := stripComments(raw)

	// Defaults are pre-filled so that a key absent from the file keeps its
	// default while an explicit value (including transferTaskLimit 0, which
	// disables the limit) wins.
	cfg := Config{
		General: General{
			LogLevel:          "info",
			LogCheckInterval:  DefaultLogCheckInterval,
			StatusLogInterval: DefaultStatusLogInterval,
			Timeout:           DefaultTimeout,
			TransferTaskLimit: DefaultTransferTaskLimit,
		},
	}
	dec := json.NewDecoder(strings.NewReader(string(stripped)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, syntaxError(raw, err)
	}

	if err := cfg.substituteConstants(); err != nil {
		return nil, err
	}
	if err := cfg.compileFilters(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) substituteConstants() error {
	for key := range c.Constants {
		if !constantKeyRe.MatchString(key) {
			return fmt.Errorf("CONSTANTS key %q does not match [_A-Z]+", key)
		}
	}
	expand := func(s string) string {
		for key, val := range c.Constants {
			s = strings.ReplaceAll(s, "${"+key+"}", val)
		}
		return s
	}
	for hi := range c.Hosts {
		for fi := range c.Hosts[hi].LogFiles {
			spec := &c.Hosts[hi].LogFiles[fi]
			spec.GlobPattern = expand(spec.GlobPattern)
			spec.DestinationFile = expand(spec.DestinationFile)
		}
	}
	return nil
}

func (c *Config) compileFilters() error {
	for hi := range c.Hosts {
		for fi := range c.Hosts[hi].LogFiles {
			spec := &c.Hosts[hi].LogFiles[fi]
			if spec.FilterRegexp == "" {
				continue
			}
			re, err := regexp.Compile(spec.FilterRegexp)
			if err != nil {
				return fmt.Errorf("host %s logFiles[%d]: filterRegexp: %w", c.Hosts[hi].Name, fi, err)
			}
			spec.Filter = re
		}
	}
	return nil
}

func (c *Config) validate() error {
	g := &c.General
	if _, err := parseLevelName(g.LogLevel); err != nil {
		return err
	}
	if g.LogCheckInterval <= 0 {
		return fmt.Errorf("GENERAL.logCheckInterval must be positive, got %d", g.LogCheckInterval)
	}
	if g.StatusLogInterval <= 0 {
		return fmt.Errorf("GENERAL.statusLogInterval must be positive, got %d", g.StatusLogInterval)
	}
	if g.Timeout <= 0 {
		return fmt.Errorf("GENERAL.timeout must be positive, got %d", g.Timeout)
	}
	if g.TransferTaskLimit < 0 {
		return fmt.Errorf("GENERAL.transferTaskLimit must be >= 0, got %d", g.TransferTaskLimit)
	}

	if len(c.Hosts) == 0 {
		return errors.New("HOSTS is empty")
	}
	seen := make(map[string]bool)
	for hi, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("HOSTS[%d]: name is empty", hi)
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate host name %q", h.Name)
		}
		seen[h.Name] = true
		if len(h.SSHConnect) == 0 {
			return fmt.Errorf("host %s: sshConnect is empty", h.Name)
		}
		if len(h.LogFiles) == 0 {
			return fmt.Errorf("host %s: logFiles is empty", h.Name)
		}
		for fi, spec := range h.LogFiles {
			if spec.GlobPattern == "" {
				return fmt.Errorf("host %s logFiles[%d]: globPattern is empty", h.Name, fi)
			}
			if spec.DestinationFile == "" {
				return fmt.Errorf("host %s logFiles[%d]: destinationFile is empty", h.Name, fi)
			}
			if spec.MinAge < 0 {
				return fmt.Errorf("host %s logFiles[%d]: minAge must be >= 0", h.Name, fi)
			}
		}
	}
	return nil
}

// parseLevelName validates a configured level name. Mirrors
// logging.ParseLevel without importing it (config stays a leaf package).
func parseLevelName(level string) (string, error) {
	switch level {
	case "debug", "info", "warn", "error", "fatal":
		return level, nil
	default:
		return "", fmt.Errorf("GENERAL.logLevel: unknown level %q", level)
	}
}

// stripComments blanks // line comments with spaces, leaving byte offsets
// intact. A // inside a JSON string is data, not a comment.
func stripComments(raw []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)

	inString := false
	escaped := false
	for i := 0; i < len(out); i++ {
		ch := out[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch {
		case ch == '"':
			inString = true
		case ch == '/' && i+1 < len(out) && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		}
	}
	return out
}

// syntaxError turns a JSON decode error into a diagnostic that quotes the
// offending line of the original file with a caret under the failure column.
func syntaxError(raw []byte, err error) error {
	var offset int64 = -1
	var synErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &synErr):
		offset = synErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	default:
		return err
	}
	if offset < 0 || offset > int64(len(raw)) {
		return err
	}

	line := 1
	lineStart := 0
	for i := 0; i < int(offset); i++ {
		if raw[i] == '\n' {
			line++
			lineStart = i + 1
		}
	}
	lineEnd := lineStart
	for lineEnd < len(raw) && raw[lineEnd] != '\n' {
		lineEnd++
	}
	col := int(offset) - lineStart
	if col > lineEnd-lineStart {
		col = lineEnd - lineStart
	}

	return fmt.Errorf("line %d: %v\n%s\n%s^", line, err, raw[lineStart:lineEnd], strings.Repeat(" ", col))
}
