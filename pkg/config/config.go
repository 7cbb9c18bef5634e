// Package config turns flags, environment variables and the optional
// catkin-bloom.yaml file into a validated RunConfig.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/catkinbloom/catkinbloom/pkg/types"
	"github.com/spf13/viper"
)

// Option keys. Every key doubles as the long flag name and, upper-cased with
// EnvPrefix, as the environment variable name.
const (
	KeyOSName        = "os-name"
	KeyOSVersion     = "os-version"
	KeyDistro        = "ros-distro"
	KeyIgnorePkgs    = "ignore-pkgs"
	KeyOnlyCheck     = "only-check"
	KeyRepoPath      = "repo-path"
	KeyExtraRepos    = "extra-repos"
	KeyRosdepDefs    = "rosdep-defs"
	KeyJobs          = "jobs"
	KeyNoInstallDeps = "noinstall-deps"
	KeyNotify        = "notify"
	KeyVerbosity     = "verbosity"
	KeyLogFile       = "log-file"
	KeyRosdepListDir = "rosdep-list-dir"
	KeyAptListDir    = "apt-list-dir"
	KeySrc           = "src"
)

const (
	EnvPrefix = "CATKIN_BLOOM"
	// FileName is the config file looked up in the workspace root
	FileName = "catkin-bloom.yaml"

	DefaultOSName    = "ubuntu"
	DefaultOSVersion = "bionic"
	DefaultDistro    = "melodic"
	DefaultJobs      = 1
	DefaultSrc       = "."
)

// ErrMissingRepoPath is returned when no output repository was given
var ErrMissingRepoPath = errors.New("repo-path is required")

// New returns a viper instance with defaults and environment lookup set up
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default value of every option
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyOSName, DefaultOSName)
	v.SetDefault(KeyOSVersion, DefaultOSVersion)
	v.SetDefault(KeyDistro, DefaultDistro)
	v.SetDefault(KeyVerbosity, string(types.LogLevelInfo))
}

// ReadFile merges a config file into v. An explicit path must exist; without
// one, FileName is looked up in dir and silently skipped when absent. The
// path of the file that was read is returned, or "" if none was.
func ReadFile(v *viper.Viper, path, dir string) (string, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(dir)
		v.SetConfigName(strings.TrimSuffix(FileName, ".yaml"))
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// Load builds and validates a RunConfig from v. The first positional
// argument, when given, is the source directory.
func Load(v *viper.Viper, args []string) (*types.RunConfig, error) {
	cfg := Decode(v, args)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode builds a RunConfig from v without validating it
func Decode(v *viper.Viper, args []string) *types.RunConfig {
	cfg := &types.RunConfig{
		OSName:        v.GetString(KeyOSName),
		OSVersion:     v.GetString(KeyOSVersion),
		Distro:        v.GetString(KeyDistro),
		RepoPath:      strings.TrimSpace(v.GetString(KeyRepoPath)),
		ExtraRepos:    List(v.Get(KeyExtraRepos)),
		IgnoredPkgs:   List(v.Get(KeyIgnorePkgs)),
		RosdepDefs:    ParseRosdepDefs(List(v.Get(KeyRosdepDefs))),
		Src:           v.GetString(KeySrc),
		Jobs:          ParseJobs(v.GetString(KeyJobs)),
		NoInstallDeps: v.GetBool(KeyNoInstallDeps),
		Notify:        v.GetBool(KeyNotify),
		LogFile:       v.GetString(KeyLogFile),
		LogLevel:      ParseLogLevel(v.GetString(KeyVerbosity)),
		RosdepListDir: v.GetString(KeyRosdepListDir),
		AptListDir:    v.GetString(KeyAptListDir),
	}

	// An unset only-check means every package; a set but empty one means none.
	if v.IsSet(KeyOnlyCheck) {
		cfg.OnlyCheck = List(v.Get(KeyOnlyCheck))
		if cfg.OnlyCheck == nil {
			cfg.OnlyCheck = []string{}
		}
	}

	if len(args) > 0 && args[0] != "" {
		cfg.Src = args[0]
	}
	if cfg.Src == "" {
		cfg.Src = DefaultSrc
	}
	return cfg
}

// Validate checks the options that have no usable default
func Validate(cfg *types.RunConfig) error {
	if cfg.RepoPath == "" {
		return ErrMissingRepoPath
	}
	if cfg.OSName == "" || cfg.Distro == "" {
		return fmt.Errorf("os-name and ros-distro must not be empty")
	}
	return nil
}

// List flattens a comma separated option into its non-empty entries. Config
// files may also give the option as a YAML sequence.
func List(value interface{}) []string {
	var raw []string
	switch val := value.(type) {
	case nil:
		return nil
	case string:
		raw = []string{val}
	case []string:
		raw = val
	case []interface{}:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = []string{fmt.Sprint(val)}
	}

	var out []string
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ParseRosdepDefs parses name=identifier entries. Entries without "=" are dropped.
func ParseRosdepDefs(entries []string) []types.RosdepDef {
	var defs []types.RosdepDef
	for _, entry := range entries {
		name, identifier, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		defs = append(defs, types.RosdepDef{
			Name:       strings.TrimSpace(name),
			Identifier: strings.TrimSpace(identifier),
		})
	}
	return defs
}

// ParseJobs returns the job count, or DefaultJobs if s is empty, not a number or below one
func ParseJobs(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return DefaultJobs
	}
	return n
}

// ParseLogLevel maps a verbosity string onto a log level, defaulting to info
func ParseLogLevel(s string) types.LogLevel {
	switch level := types.LogLevel(strings.ToLower(strings.TrimSpace(s))); level {
	case types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
		return level
	case "warning":
		return types.LogLevelWarn
	default:
		return types.LogLevelInfo
	}
}
