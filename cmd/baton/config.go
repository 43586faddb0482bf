package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix       = "BATON"
	defaultSettings = "baton.yaml"
	defaultEnvFile  = ".env"
)

// settings are the CLI options shared by every command. Sources, lowest
// precedence first: baton.yaml, .env, BATON_* variables, flags.
type settings struct {
	LogLevel  string        `mapstructure:"log-level" validate:"oneof=trace debug info warn error fatal disabled"`
	LogFormat string        `mapstructure:"log-format" validate:"oneof=console text json"`
	LogOutput string        `mapstructure:"log-output" validate:"required"`
	Strict    bool          `mapstructure:"strict"`
	Store     string        `mapstructure:"store" validate:"omitempty,store_uri"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Redact    []string      `mapstructure:"redact" validate:"dive,required"`
	Workdir   string        `mapstructure:"workdir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "console")
	v.SetDefault("log-output", "stderr")
	v.SetDefault("strict", true)
	v.SetDefault("store", "")
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("redact", []string{"configuration"})
	v.SetDefault("workdir", "")
}

// loadSettings merges the settings file, the env file, the environment and
// the flags of cmd. An explicit settings path must exist; the default
// baton.yaml is optional.
func loadSettings(cmd *cobra.Command, settingsFile, envFile string) (*settings, error) {
	v := viper.New()
	setDefaults(v)

	path, explicit := settingsFile, settingsFile != ""
	if !explicit {
		path = defaultSettings
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("settings file: %w", err)
	}

	if envFile == "" {
		envFile = defaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.LogLevel = strings.ToLower(s.LogLevel)
	s.LogFormat = strings.ToLower(s.LogFormat)
	if err := validateSettings(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

var settingsValidator = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("store_uri", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		switch u.Scheme {
		case "", "file", "redis", "rediss":
			return true
		}
		return false
	})
	return v
})

func validateSettings(s *settings) error {
	err := settingsValidator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid settings: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Namespace(), describe(e)))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s (got %q)", e.Param(), e.Value())
	case "store_uri":
		return fmt.Sprintf("%q is not a file path, file://, redis:// or rediss:// URI", e.Value())
	case "gte":
		return "must not be negative"
	default:
		return "is invalid"
	}
}
