package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the configuration at configPath.
// configPath may be a file or a directory containing config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)
	resolveDataPackagePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ResolvePath returns the absolute path of the config file referenced by configPath.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DataPackagePath maps a symbolic data-package name to its configured path.
func (c *Config) DataPackagePath(name string) (string, bool) {
	if c == nil || c.DataPackages == nil {
		return "", false
	}
	p, ok := c.DataPackages[name]
	return p, ok
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// verifyConfigHash checks path against a sibling .checksums manifest. A missing
// manifest means the config was never locked and verification is skipped.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: simrunner config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: simrunner config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.Workers == 0 {
		cfg.Service.Workers = defaults.Service.Workers
	}

	if cfg.Workspace.BaseDir == "" {
		cfg.Workspace.BaseDir = defaults.Workspace.BaseDir
	}
	if cfg.Workspace.Prefix == "" {
		cfg.Workspace.Prefix = defaults.Workspace.Prefix
	}
	if cfg.Workspace.StaleAfter == 0 {
		cfg.Workspace.StaleAfter = defaults.Workspace.StaleAfter
	}

	if cfg.DataPackages == nil {
		cfg.DataPackages = make(map[string]string)
	}

	if cfg.Engine.Driver == "" {
		cfg.Engine.Driver = defaults.Engine.Driver
	}
	if cfg.Engine.OutputEnv == "" {
		cfg.Engine.OutputEnv = defaults.Engine.OutputEnv
	}
	if cfg.Engine.ResultName == "" {
		cfg.Engine.ResultName = defaults.Engine.ResultName
	}

	if cfg.Artifacts.Concurrency == 0 {
		cfg.Artifacts.Concurrency = defaults.Artifacts.Concurrency
	}
	if cfg.Storage.Timeout == 0 {
		cfg.Storage.Timeout = defaults.Storage.Timeout
	}
	if cfg.Storage.S3.Endpoint == "" {
		cfg.Storage.S3.Endpoint = defaults.Storage.S3.Endpoint
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = defaults.Storage.S3.Region
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Queue.Key == "" {
		cfg.Queue.Key = defaults.Queue.Key
	}

	return cfg
}

// resolveDataPackagePaths anchors relative data-package paths at the config directory.
func resolveDataPackagePaths(cfg *Config, baseDir string) {
	for name, p := range cfg.DataPackages {
		if p == "" || filepath.IsAbs(p) {
			continue
		}
		cfg.DataPackages[name] = filepath.Join(baseDir, p)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.Workers < 1 {
		return fmt.Errorf("service.workers must be positive")
	}

	if strings.TrimSpace(cfg.Workspace.BaseDir) == "" {
		return fmt.Errorf("workspace.base_dir is required")
	}
	if strings.ContainsAny(cfg.Workspace.Prefix, `/\`) {
		return fmt.Errorf("workspace.prefix must not contain path separators")
	}
	if cfg.Workspace.StaleAfter < 0 {
		return fmt.Errorf("workspace.stale_after must not be negative")
	}

	for name, p := range cfg.DataPackages {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("data_packages: empty package name")
		}
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("data_packages.%s: path is required", name)
		}
	}

	switch cfg.Engine.Driver {
	case EngineDriverProcess:
		if len(cfg.Engine.Command) == 0 {
			return fmt.Errorf("engine.command is required for the process driver")
		}
	case EngineDriverContainer:
		if cfg.Engine.Image == "" {
			return fmt.Errorf("engine.image is required for the container driver")
		}
	default:
		return fmt.Errorf("engine.driver must be %q or %q (got %q)", EngineDriverProcess, EngineDriverContainer, cfg.Engine.Driver)
	}
	if strings.ContainsAny(cfg.Engine.ResultName, `/\`) || cfg.Engine.ResultName == "." || cfg.Engine.ResultName == ".." {
		return fmt.Errorf("engine.result_name %q is invalid", cfg.Engine.ResultName)
	}

	if cfg.Artifacts.Concurrency < 1 {
		return fmt.Errorf("artifacts.concurrency must be positive")
	}
	seen := make(map[string]bool, len(cfg.Artifacts.Renders))
	files := make(map[string]bool, len(cfg.Artifacts.Renders))
	for i, r := range cfg.Artifacts.Renders {
		if r.Title == "" {
			return fmt.Errorf("artifacts.renders[%d].title is required", i)
		}
		if slices.Contains(ReservedArtifactTitles, r.Title) {
			return fmt.Errorf("artifacts.renders[%d]: title %q is reserved", i, r.Title)
		}
		if seen[r.Title] {
			return fmt.Errorf("artifacts.renders[%d]: duplicate title %q", i, r.Title)
		}
		seen[r.Title] = true
		if r.Filename == "" || filepath.Base(r.Filename) != r.Filename || r.Filename == "." || r.Filename == ".." {
			return fmt.Errorf("artifacts.renders[%d].filename must be a plain file name", i)
		}
		if slices.Contains(ReservedArtifactFiles, r.Filename) || r.Filename == cfg.Engine.ResultName {
			return fmt.Errorf("artifacts.renders[%d]: filename %q is reserved", i, r.Filename)
		}
		if files[r.Filename] {
			return fmt.Errorf("artifacts.renders[%d]: duplicate filename %q", i, r.Filename)
		}
		files[r.Filename] = true
		if len(r.Command) == 0 {
			return fmt.Errorf("artifacts.renders[%d].command is required", i)
		}
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if envVarPattern.MatchString(cfg.API.Token) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Token)
			return fmt.Errorf("api.token: environment variable ${%s} is not set", matches[1])
		}
	}
	if envVarPattern.MatchString(cfg.ControlPlane.Token) {
		matches := envVarPattern.FindStringSubmatch(cfg.ControlPlane.Token)
		return fmt.Errorf("control_plane.token: environment variable ${%s} is not set", matches[1])
	}
	if envVarPattern.MatchString(cfg.ControlPlane.Secret) {
		matches := envVarPattern.FindStringSubmatch(cfg.ControlPlane.Secret)
		return fmt.Errorf("control_plane.secret: environment variable ${%s} is not set", matches[1])
	}
	if envVarPattern.MatchString(cfg.Storage.Token) {
		matches := envVarPattern.FindStringSubmatch(cfg.Storage.Token)
		return fmt.Errorf("storage.token: environment variable ${%s} is not set", matches[1])
	}
	if strings.Contains(cfg.Storage.S3.Endpoint, "://") {
		return fmt.Errorf("storage.s3.endpoint must be host[:port] without a scheme (got %q)", cfg.Storage.S3.Endpoint)
	}
	if (cfg.Storage.S3.AccessKey == "") != (cfg.Storage.S3.SecretKey == "") {
		return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key must be set together")
	}
	for field, v := range map[string]string{"access_key": cfg.Storage.S3.AccessKey, "secret_key": cfg.Storage.S3.SecretKey} {
		if matches := envVarPattern.FindStringSubmatch(v); matches != nil {
			return fmt.Errorf("storage.s3.%s: environment variable ${%s} is not set", field, matches[1])
		}
	}

	return nil
}
