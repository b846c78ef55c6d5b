package config

import "time"

// Config represents the complete simrunner configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	DataPackages map[string]string  `yaml:"data_packages"`
	Engine       EngineConfig       `yaml:"engine"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts,omitempty"`
	Storage      StorageConfig      `yaml:"storage,omitempty"`
	State        StateConfig        `yaml:"state"`
	API          APIConfig          `yaml:"api,omitempty"`
	Queue        QueueConfig        `yaml:"queue,omitempty"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Workers   int    `yaml:"workers"`
}

// WorkspaceConfig controls where per-job scratch trees are allocated.
type WorkspaceConfig struct {
	BaseDir    string        `yaml:"base_dir"`
	Prefix     string        `yaml:"prefix"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Engine drivers.
const (
	EngineDriverProcess   = "process"
	EngineDriverContainer = "container"
)

// EngineConfig describes how the external simulation engine is launched.
type EngineConfig struct {
	Driver     string   `yaml:"driver"`
	Command    []string `yaml:"command"`
	Image      string   `yaml:"image,omitempty"`
	OutputEnv  string   `yaml:"output_env"`
	ResultName string   `yaml:"result_name"`
}

// ArtifactsConfig configures post-run artifact generation.
type ArtifactsConfig struct {
	Concurrency int          `yaml:"concurrency"`
	Renders     []RenderConf `yaml:"renders,omitempty"`
}

// Artifact titles and file names the worker writes itself. Renders may not
// reuse them.
var (
	ReservedArtifactTitles = []string{"checksums", "summary"}
	ReservedArtifactFiles  = []string{"checksums.blake3", "summary.json", "MANIFEST.blake3"}
)

// RenderConf is one externally rendered artifact (plot, table, report).
// The renderer is invoked as: command... <result_dir> <output_file>.
type RenderConf struct {
	Title       string   `yaml:"title"`
	Label       string   `yaml:"label"`
	Description string   `yaml:"description,omitempty"`
	Filename    string   `yaml:"filename"`
	Command     []string `yaml:"command"`
}

// StorageConfig carries settings for object storage clients.
type StorageConfig struct {
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	S3      S3Config      `yaml:"s3,omitempty"`
}

// S3Config configures s3:// destinations. Empty keys fall back to the
// AWS_* / MINIO_* environment variables.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Insecure  bool   `yaml:"insecure,omitempty"`
}

// StateConfig defines run ledger storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the status HTTP API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token,omitempty"`
}

// QueueConfig points the worker at its assignment queue.
type QueueConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Key       string `yaml:"key"`
}

// ControlPlaneConfig defines where job results are reported.
type ControlPlaneConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token,omitempty"`
	// Secret signs result reports with HMAC-SHA256 when set.
	Secret string `yaml:"secret,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "simrunner",
			LogLevel:  "info",
			LogFormat: "json",
			Workers:   1,
		},
		Workspace: WorkspaceConfig{
			BaseDir:    "./data/scratch",
			Prefix:     "run",
			StaleAfter: 24 * time.Hour,
		},
		DataPackages: make(map[string]string),
		Engine: EngineConfig{
			Driver:     EngineDriverProcess,
			OutputEnv:  "SIM_OUTPUT_DIR",
			ResultName: "model_run",
		},
		Artifacts: ArtifactsConfig{
			Concurrency: 1,
		},
		Storage: StorageConfig{
			Timeout: 5 * time.Minute,
			S3: S3Config{
				Endpoint: "s3.amazonaws.com",
				Region:   "us-east-1",
			},
		},
		State: StateConfig{
			Path: "./data/runs.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Queue: QueueConfig{
			Key: "simrunner:assignments",
		},
	}
}
