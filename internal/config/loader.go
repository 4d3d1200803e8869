// loader.go implements the configuration loading sequence:
//  1. Load .env via godotenv (non-fatal if absent).
//  2. Resolve <NAME>_SSM_PARAM pointers through the SecretProvider unless
//     APP_ENV is "local", injecting the values back into the environment.
//  3. Populate Config via envconfig.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate with go-playground/validator.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

const (
	// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM holds the
	// parameter path whose value becomes DATABASE_URL.
	ssmParamSuffix = "_SSM_PARAM"

	localEnv = "local"

	ssmResolveTimeout = 30 * time.Second
)

// envSource abstracts the process environment so tests never touch os state.
type envSource struct {
	lookup  func(key string) (string, bool)
	set     func(key, value string) error
	environ func() []string
}

func osEnv() envSource {
	return envSource{
		lookup:  os.LookupEnv,
		set:     os.Setenv,
		environ: os.Environ,
	}
}

// LoadConfig loads and validates the configuration.
// provider may be nil when APP_ENV is "local" or no _SSM_PARAM variables exist.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return load(provider, osEnv())
}

func load(provider SecretProvider, env envSource) (*Config, error) {
	_ = godotenv.Load()

	if appEnv, _ := env.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, validationError(err)
	}

	return &cfg, nil
}

// validationError reports missing required fields as ErrMissingEnv so the
// operator sees which variable to set, and everything else as ErrValidation.
func validationError(err error) *ConfigError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}

	var missing []string
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Namespace())
		}
	}
	if len(missing) == len(fieldErrs) {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "missing required configuration: " + strings.Join(missing, ", "),
			Err:     err,
		}
	}
	return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
}

// resolveSSMParams fetches every <NAME>_SSM_PARAM pointer in one batch and
// sets NAME. Variables already present in the environment win over SSM.
func resolveSSMParams(provider SecretProvider, env envSource) error {
	pathToTarget := make(map[string]string)

	for _, kv := range env.environ() {
		key, path, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := env.lookup(target); exists {
			continue
		}
		pathToTarget[path] = target
	}

	if len(pathToTarget) == 0 {
		return nil
	}

	paths := make([]string, 0, len(pathToTarget))
	for p := range pathToTarget {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "secret provider is required to resolve: " + strings.Join(targetsOf(paths, pathToTarget), ", "),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, pathToTarget[p])
			continue
		}
		if err := env.set(pathToTarget[p], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: "failed to set resolved value for " + pathToTarget[p],
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "SSM parameters not found for: " + strings.Join(missing, ", "),
		}
	}

	return nil
}

func targetsOf(paths []string, pathToTarget map[string]string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, pathToTarget[p])
	}
	return out
}
