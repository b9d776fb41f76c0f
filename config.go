package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	defaultConfigPath     = "configs/config.yml"
	envPrefix             = "NEWS_SYNTH_"
	defaultFallbackModel  = "GigaChat-Pro"
	defaultMaxTokens      = 1024
	defaultTopP           = 0.1
	defaultRequestTimeout = "60s"
)

// Embedded default templates, written out by `news-synth init`
//
//go:embed defaults/system_prompt_news.txt
var defaultBaseSystemTemplate string

//go:embed defaults/system_prompt.txt
var defaultRewriteSystemTemplate string

//go:embed defaults/prompt.txt
var defaultUserTemplate string

//go:embed defaults/type_of_news.txt
var defaultTaxonomy string

// requiredKeys must be present in the config file or the environment.
var requiredKeys = []string{
	"creds",
	"model",
	"system_prompt_news_path",
	"system_prompt_path",
	"prompt_path",
	"type_of_news_path",
}

// Settings represents the YAML configuration structure
type Settings struct {
	Provider       string  `koanf:"provider" yaml:"provider"`
	BaseURL        string  `koanf:"base_url" yaml:"base_url,omitempty"`
	Creds          string  `koanf:"creds" yaml:"creds"`
	Model          string  `koanf:"model" yaml:"model"`
	FallbackModel  string  `koanf:"fallback_model" yaml:"fallback_model"`
	MaxTokens      int     `koanf:"max_tokens" yaml:"max_tokens"`
	TopP           float64 `koanf:"top_p" yaml:"top_p"`
	RequestTimeout string  `koanf:"request_timeout" yaml:"request_timeout"`

	SystemPromptNewsPath string `koanf:"system_prompt_news_path" yaml:"system_prompt_news_path"`
	SystemPromptPath     string `koanf:"system_prompt_path" yaml:"system_prompt_path"`
	PromptPath           string `koanf:"prompt_path" yaml:"prompt_path"`
	TypeOfNewsPath       string `koanf:"type_of_news_path" yaml:"type_of_news_path"`
}

// Timeout returns the per-request timeout, validated at load time.
func (s Settings) Timeout() time.Duration {
	d, err := time.ParseDuration(s.RequestTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaultRequestTimeout)
	}
	return d
}

// Templates holds the prompt texts resolved from the paths in Settings.
type Templates struct {
	BaseSystem    string
	RewriteSystem string
	User          string
	Taxonomy      string
}

// Config is the immutable result of loading a config file
type Config struct {
	Path      string
	Settings  Settings
	Templates Templates
}

// LoadConfig reads the YAML config, overlays NEWS_SYNTH_* environment variables and loads every template.
func LoadConfig(configPath string) (Config, error) {
	if configPath == "" {
		configPath = defaultConfigPath
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return Config{}, &ConfigError{Path: configPath, Err: err}
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"provider":        providerOpenAI,
		"fallback_model":  defaultFallbackModel,
		"max_tokens":      defaultMaxTokens,
		"top_p":           defaultTopP,
		"request_timeout": defaultRequestTimeout,
	}, "."), nil); err != nil {
		return Config{}, &ConfigError{Path: absPath, Err: fmt.Errorf("loading defaults: %w", err)}
	}

	if err := k.Load(file.Provider(absPath), yaml.Parser()); err != nil {
		return Config{}, &ConfigError{Path: absPath, Err: fmt.Errorf("reading config: %w", err)}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, &ConfigError{Path: absPath, Err: fmt.Errorf("reading %s* environment: %w", envPrefix, err)}
	}

	var missing []string
	for _, key := range requiredKeys {
		if !k.Exists(key) || strings.TrimSpace(k.String(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, &ConfigError{Path: absPath, Keys: missing}
	}

	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return Config{}, &ConfigError{Path: absPath, Err: fmt.Errorf("parsing config: %w", err)}
	}
	if d, err := time.ParseDuration(settings.RequestTimeout); err != nil || d <= 0 {
		return Config{}, &ConfigError{Path: absPath, Err: fmt.Errorf("invalid request_timeout %q", settings.RequestTimeout)}
	}
	if _, err := providerFor(settings.Provider); err != nil {
		return Config{}, &ConfigError{Path: absPath, Err: err}
	}

	baseDir := filepath.Dir(absPath)
	settings.SystemPromptNewsPath = resolvePath(baseDir, settings.SystemPromptNewsPath)
	settings.SystemPromptPath = resolvePath(baseDir, settings.SystemPromptPath)
	settings.PromptPath = resolvePath(baseDir, settings.PromptPath)
	settings.TypeOfNewsPath = resolvePath(baseDir, settings.TypeOfNewsPath)

	templates, err := loadTemplates(settings)
	if err != nil {
		return Config{}, &ConfigError{Path: absPath, Err: err}
	}

	log.Debug().
		Str("config", absPath).
		Str("provider", settings.Provider).
		Str("model", settings.Model).
		Msg("Config loaded")

	return Config{Path: absPath, Settings: settings, Templates: templates}, nil
}

// resolvePath anchors relative template paths at the config file directory
func resolvePath(baseDir, value string) string {
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// loadTemplates reads every template and checks its placeholders
func loadTemplates(s Settings) (Templates, error) {
	var t Templates
	fields := []struct {
		name         string
		path         string
		dst          *string
		placeholders []string
	}{
		{"system_prompt_news_path", s.SystemPromptNewsPath, &t.BaseSystem, baseTemplatePlaceholders},
		{"system_prompt_path", s.SystemPromptPath, &t.RewriteSystem, []string{placeholderLengthBounds}},
		{"prompt_path", s.PromptPath, &t.User, []string{placeholderText}},
		{"type_of_news_path", s.TypeOfNewsPath, &t.Taxonomy, nil},
	}

	for _, f := range fields {
		content, err := os.ReadFile(f.path)
		if err != nil {
			return Templates{}, fmt.Errorf("%s: %w", f.name, err)
		}
		for _, p := range f.placeholders {
			if !strings.Contains(string(content), p) {
				return Templates{}, fmt.Errorf("%s: template must contain %s variable", f.name, p)
			}
		}
		*f.dst = string(content)
	}

	if strings.TrimSpace(t.Taxonomy) == "" {
		return Templates{}, errors.New("type_of_news_path: taxonomy is empty")
	}
	return t, nil
}

// defaultSettings is the config written by `init`; creds must be filled in by the user.
func defaultSettings() Settings {
	return Settings{
		Provider:             providerOpenAI,
		Creds:                "your-credentials",
		Model:                "GigaChat",
		FallbackModel:        defaultFallbackModel,
		MaxTokens:            defaultMaxTokens,
		TopP:                 defaultTopP,
		RequestTimeout:       defaultRequestTimeout,
		SystemPromptNewsPath: "templates/system_prompt_news.txt",
		SystemPromptPath:     "templates/system_prompt.txt",
		PromptPath:           "templates/prompt.txt",
		TypeOfNewsPath:       "templates/type_of_news.txt",
	}
}

// ensureConfigExists writes the default config and templates into dir, keeping any file that already exists.
// It returns the paths it created.
func ensureConfigExists(dir string) ([]string, error) {
	settings := defaultSettings()
	settingsYAML, err := yamlv3.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshaling default settings: %w", err)
	}

	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(dir, "config.yml"), string(settingsYAML)},
		{filepath.Join(dir, settings.SystemPromptNewsPath), defaultBaseSystemTemplate},
		{filepath.Join(dir, settings.SystemPromptPath), defaultRewriteSystemTemplate},
		{filepath.Join(dir, settings.PromptPath), defaultUserTemplate},
		{filepath.Join(dir, settings.TypeOfNewsPath), defaultTaxonomy},
	}

	var created []string
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			log.Info().Str("path", f.path).Msg("Keeping existing file")
			continue
		} else if !os.IsNotExist(err) {
			return created, fmt.Errorf("checking %s: %w", f.path, err)
		}

		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			return created, fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			return created, fmt.Errorf("writing %s: %w", f.path, err)
		}
		created = append(created, f.path)
	}
	return created, nil
}
