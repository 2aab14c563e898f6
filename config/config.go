// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/nexuspublisher/internal/bundle"
	"github.com/cardinalhq/nexuspublisher/internal/publisher"
	"github.com/cardinalhq/nexuspublisher/internal/signer"
	"github.com/cardinalhq/nexuspublisher/internal/staging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "NEXUSPUBLISHER"

// DefaultCompanionSuffixes are the assets Maven Central expects next to a POM.
var DefaultCompanionSuffixes = []string{".jar", ".module", "-javadoc.jar", "-sources.jar"}

// Config is the validated input of a publishing run.
type Config struct {
	GPG    GPGConfig    `mapstructure:"gpg"`
	OSSRH  OSSRHConfig  `mapstructure:"ossrh"`
	Timing TimingConfig `mapstructure:"timing"`

	SearchDir         string   `mapstructure:"search_dir"`
	CompanionSuffixes []string `mapstructure:"companion_suffixes"`
	TargetAction      string   `mapstructure:"target_action"`
	LogLevel          string   `mapstructure:"log_level"`
	SignConcurrency   int      `mapstructure:"sign_concurrency"`
}

type GPGConfig struct {
	PrivateKey       string        `mapstructure:"private_key"`
	PrivateKeySecret string        `mapstructure:"private_key_secret"`
	Program          string        `mapstructure:"program"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type OSSRHConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Username       string        `mapstructure:"username"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type TimingConfig struct {
	InitialPause     time.Duration `mapstructure:"initial_pause"`
	LoopPause        time.Duration `mapstructure:"loop_pause"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
}

func DefaultConfig() *Config {
	stagingDefaults := staging.DefaultConfig()
	publisherDefaults := publisher.DefaultConfig()
	return &Config{
		GPG: GPGConfig{
			Program: signer.DefaultProgram,
			Timeout: signer.DefaultTimeout,
		},
		OSSRH: OSSRHConfig{
			BaseURL:        stagingDefaults.BaseURL,
			RequestTimeout: stagingDefaults.RequestTimeout,
			ConnectTimeout: stagingDefaults.ConnectTimeout,
		},
		Timing: TimingConfig{
			InitialPause:     publisherDefaults.InitialPause,
			LoopPause:        publisherDefaults.LoopPause,
			ProbeConcurrency: publisherDefaults.ProbeConcurrency,
		},
		SearchDir:         ".",
		CompanionSuffixes: append([]string(nil), DefaultCompanionSuffixes...),
		TargetAction:      publisher.ActionKeep.String(),
		LogLevel:          "info",
		SignConcurrency:   bundle.DefaultConcurrency,
	}
}

// Load reads configuration from an optional config.yaml in the working
// directory and from environment variables. Environment variables use the
// prefix "NEXUSPUBLISHER" and the dot character in keys is replaced by an
// underscore. For example, "ossrh.username" becomes "NEXUSPUBLISHER_OSSRH_USERNAME".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Decoding a list onto the non-empty default would merge element-wise.
	cfg.CompanionSuffixes = nil
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if !v.IsSet("companion_suffixes") {
		cfg.CompanionSuffixes = append([]string(nil), DefaultCompanionSuffixes...)
	} else if s := v.GetString("companion_suffixes"); s != "" {
		cfg.CompanionSuffixes = splitList(s)
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidateSigning checks what locating, signing and packaging need.
func (c *Config) ValidateSigning() error {
	var problems []string
	if strings.TrimSpace(c.SearchDir) == "" {
		problems = append(problems, "search_dir is empty")
	}
	if strings.TrimSpace(c.GPG.PrivateKey) == "" {
		problems = append(problems, "gpg.private_key is not set")
	}
	if c.GPG.PrivateKeySecret == "" {
		problems = append(problems, "gpg.private_key_secret is not set")
	}
	return joinProblems(problems)
}

// ValidateStaging checks what talking to the staging service needs.
func (c *Config) ValidateStaging() error {
	var problems []string
	if strings.TrimSpace(c.OSSRH.BaseURL) == "" {
		problems = append(problems, "ossrh.base_url is empty")
	}
	if c.OSSRH.Username == "" {
		problems = append(problems, "ossrh.username is not set")
	}
	if c.OSSRH.Token == "" {
		problems = append(problems, "ossrh.token is not set")
	}
	if _, err := c.Action(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Timing.InitialPause < 0 || c.Timing.LoopPause < 0 {
		problems = append(problems, "timing pauses must not be negative")
	}
	return joinProblems(problems)
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func (c *Config) Action() (publisher.Action, error) {
	return publisher.ParseAction(c.TargetAction)
}

func (c *Config) Certificate() signer.Certificate {
	return signer.Certificate{PrivateKey: c.GPG.PrivateKey, Secret: c.GPG.PrivateKeySecret}
}

func (c *Config) StagingConfig() staging.Config {
	return staging.Config{
		BaseURL:        c.OSSRH.BaseURL,
		Credentials:    staging.Credentials{Username: c.OSSRH.Username, Token: c.OSSRH.Token},
		RequestTimeout: c.OSSRH.RequestTimeout,
		ConnectTimeout: c.OSSRH.ConnectTimeout,
	}
}

func (c *Config) PublisherConfig() publisher.Config {
	cfg := publisher.DefaultConfig()
	cfg.InitialPause = c.Timing.InitialPause
	cfg.LoopPause = c.Timing.LoopPause
	cfg.ProbeConcurrency = c.Timing.ProbeConcurrency
	return cfg
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{SearchDir:%s, CompanionSuffixes:%v, TargetAction:%s, LogLevel:%s, "+
		"GPG:{PrivateKey:%s, PrivateKeySecret:%s, Program:%s, Timeout:%s}, "+
		"OSSRH:{BaseURL:%s, Username:%s, Token:%s}, "+
		"Timing:{InitialPause:%s, LoopPause:%s}}",
		c.SearchDir, c.CompanionSuffixes, c.TargetAction, c.LogLevel,
		mask(c.GPG.PrivateKey), mask(c.GPG.PrivateKeySecret), c.GPG.Program, c.GPG.Timeout,
		c.OSSRH.BaseURL, c.OSSRH.Username, mask(c.OSSRH.Token),
		c.Timing.InitialPause, c.Timing.LoopPause)
}

func mask(secret string) string {
	if secret == "" {
		return "<unset>"
	}
	return "*****"
}
