package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config controls the bundle runner behavior.
type Config struct {
	ConfigPath  string
	RunID       string
	SpecDir     string
	ArtifactDir string
	IncludeTags []string
	ExcludeTags []string
	Parallelism int

	LogFormat      string
	LogLevel       string
	MetricsEnabled bool
	MetricsPath    string
	DefaultTimeout time.Duration

	Backend       string
	Environment   string
	JujuBinary    string
	InventoryPath string

	SSHUser            string
	SSHKeyFile         string
	SSHPort            int
	SSHKnownHosts      string
	SSHDialTimeout     time.Duration
	Kubeconfig         string
	KubeNamespace      string
	KubeContainer      string
	CommandTemplate    []string
	TransportExitCodes []int
	CommandTimeout     time.Duration

	HTTPTimeout     time.Duration
	ZeppelinPort    int
	PollInterval    time.Duration
	ReadyTimeout    time.Duration
	JobPollInterval time.Duration
	JobTimeout      time.Duration
	RemoveTimeout   time.Duration
	TransientLimit  int
	// ProgressInterval paces progress logs of long waits; 0 disables them.
	ProgressInterval time.Duration

	ObjectStoreProvider           string
	ObjectStoreBucket             string
	ObjectStorePrefix             string
	ObjectStoreRegion             string
	ObjectStoreEndpoint           string
	ObjectStoreAccessKey          string
	ObjectStoreSecretKey          string
	ObjectStoreSessionToken       string
	ObjectStoreS3PathStyle        bool
	ObjectStoreGCPProject         string
	ObjectStoreGCPCredentialsFile string
	ObjectStoreGCPCredentialsJSON string
	ObjectStoreAzureAccount       string
	ObjectStoreAzureKey           string
	ObjectStoreAzureEndpoint      string
	ObjectStoreAzureSASToken      string

	OTelEnabled       bool
	OTelEndpoint      string
	OTelHeaders       string
	OTelInsecure      bool
	OTelServiceName   string
	OTelResourceAttrs string

	includeTags    string
	excludeTags    string
	commandTmpl    string
	transportExit  string
	defaultMetrics string
}

// LoadDotEnv loads a .env file into the process environment when present.
// Variables already set in the environment win.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// BindFlags registers runner flags on fs, using environment variables as defaults.
func BindFlags(fs *pflag.FlagSet) *Config {
	cwd, _ := os.Getwd()
	defaultRunID := time.Now().UTC().Format("20060102T150405Z")
	defaultArtifacts := filepath.Join(cwd, "e2e", "artifacts", defaultRunID)

	cfg := &Config{defaultMetrics: filepath.Join(defaultArtifacts, "metrics.prom")}
	fs.StringVar(&cfg.ConfigPath, "config", envOrDefault("E2E_CONFIG", ""), "optional YAML config file")
	fs.StringVar(&cfg.RunID, "run-id", envOrDefault("E2E_RUN_ID", defaultRunID), "unique run identifier")
	fs.StringVar(&cfg.SpecDir, "spec-dir", envOrDefault("E2E_SPEC_DIR", filepath.Join(cwd, "e2e", "specs")), "directory containing test specs")
	fs.StringVar(&cfg.ArtifactDir, "artifact-dir", envOrDefault("E2E_ARTIFACT_DIR", defaultArtifacts), "directory for artifacts")
	fs.IntVar(&cfg.Parallelism, "parallel", envOrDefaultInt("E2E_PARALLEL", 1), "max parallel tests")
	fs.StringVar(&cfg.includeTags, "include-tags", envOrDefault("E2E_INCLUDE_TAGS", ""), "comma-separated tag allowlist")
	fs.StringVar(&cfg.excludeTags, "exclude-tags", envOrDefault("E2E_EXCLUDE_TAGS", "teardown"), "comma-separated tag denylist")
	fs.StringVar(&cfg.LogFormat, "log-format", envOrDefault("E2E_LOG_FORMAT", "json"), "log format: json|console")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("E2E_LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", envOrDefaultBool("E2E_METRICS", true), "enable metrics output")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("E2E_METRICS_PATH", cfg.defaultMetrics), "metrics output path")
	fs.DurationVar(&cfg.DefaultTimeout, "default-timeout", envOrDefaultDuration("E2E_DEFAULT_TIMEOUT", 90*time.Minute), "default test timeout")

	fs.StringVar(&cfg.Backend, "backend", envOrDefault("E2E_BACKEND", "juju"), "deployment backend: juju|inventory")
	fs.StringVar(&cfg.Environment, "environment", envOrDefault("JUJU_MODEL", ""), "deployment environment (juju model)")
	fs.StringVar(&cfg.JujuBinary, "juju-binary", envOrDefault("E2E_JUJU_BINARY", "juju"), "path to the juju CLI")
	fs.StringVar(&cfg.InventoryPath, "inventory", envOrDefault("E2E_INVENTORY", filepath.Join(cwd, "e2e", "inventory", "example.yaml")), "static inventory file")

	fs.StringVar(&cfg.SSHUser, "ssh-user", envOrDefault("E2E_SSH_USER", "ubuntu"), "ssh user for inventory units")
	fs.StringVar(&cfg.SSHKeyFile, "ssh-key", envOrDefault("E2E_SSH_KEY", ""), "ssh private key file")
	fs.IntVar(&cfg.SSHPort, "ssh-port", envOrDefaultInt("E2E_SSH_PORT", 22), "ssh port")
	fs.StringVar(&cfg.SSHKnownHosts, "ssh-known-hosts", envOrDefault("E2E_SSH_KNOWN_HOSTS", ""), "known_hosts file (empty disables host key checks)")
	fs.DurationVar(&cfg.SSHDialTimeout, "ssh-dial-timeout", envOrDefaultDuration("E2E_SSH_DIAL_TIMEOUT", 30*time.Second), "ssh dial timeout")
	fs.StringVar(&cfg.Kubeconfig, "kubeconfig", envOrDefault("KUBECONFIG", ""), "path to kubeconfig")
	fs.StringVar(&cfg.KubeNamespace, "kube-namespace", envOrDefault("E2E_KUBE_NAMESPACE", "default"), "namespace of kube inventory units")
	fs.StringVar(&cfg.KubeContainer, "kube-container", envOrDefault("E2E_KUBE_CONTAINER", ""), "container used for pod exec")
	fs.StringVar(&cfg.commandTmpl, "command-template", envOrDefault("E2E_COMMAND_TEMPLATE", "juju,ssh,{unit},{command}"), "comma-separated command transport template")
	fs.StringVar(&cfg.transportExit, "transport-exit-codes", envOrDefault("E2E_TRANSPORT_EXIT_CODES", "255"), "exit codes of the command transport that mean unreachable")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", envOrDefaultDuration("E2E_COMMAND_TIMEOUT", 30*time.Minute), "per remote command timeout")

	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", envOrDefaultDuration("E2E_HTTP_TIMEOUT", 60*time.Second), "per HTTP request timeout")
	fs.IntVar(&cfg.ZeppelinPort, "zeppelin-port", envOrDefaultInt("E2E_ZEPPELIN_PORT", 9090), "zeppelin REST port")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", envOrDefaultDuration("E2E_POLL_INTERVAL", 5*time.Second), "default poll interval")
	fs.DurationVar(&cfg.ReadyTimeout, "ready-timeout", envOrDefaultDuration("E2E_READY_TIMEOUT", 30*time.Minute), "readiness wait timeout")
	fs.DurationVar(&cfg.JobPollInterval, "job-poll-interval", envOrDefaultDuration("E2E_JOB_POLL_INTERVAL", 10*time.Second), "notebook job poll interval")
	fs.DurationVar(&cfg.JobTimeout, "job-timeout", envOrDefaultDuration("E2E_JOB_TIMEOUT", 5*time.Minute), "notebook job timeout")
	fs.DurationVar(&cfg.RemoveTimeout, "remove-timeout", envOrDefaultDuration("E2E_REMOVE_TIMEOUT", 10*time.Minute), "service removal timeout")
	fs.DurationVar(&cfg.ProgressInterval, "progress-interval", envOrDefaultDuration("E2E_PROGRESS_INTERVAL", time.Minute), "interval of progress logs during long waits (0 disables)")
	fs.IntVar(&cfg.TransientLimit, "transient-limit", envOrDefaultInt("E2E_TRANSIENT_LIMIT", 0), "consecutive transient job probe failures before aborting (0=unbounded)")

	fs.StringVar(&cfg.ObjectStoreProvider, "objectstore-provider", envOrDefault("E2E_OBJECTSTORE_PROVIDER", ""), "object store provider: s3|gcs|azure")
	fs.StringVar(&cfg.ObjectStoreBucket, "objectstore-bucket", envOrDefault("E2E_OBJECTSTORE_BUCKET", ""), "object store bucket/container")
	fs.StringVar(&cfg.ObjectStorePrefix, "objectstore-prefix", envOrDefault("E2E_OBJECTSTORE_PREFIX", ""), "object store prefix")
	fs.StringVar(&cfg.ObjectStoreRegion, "objectstore-region", envOrDefault("E2E_OBJECTSTORE_REGION", ""), "object store region")
	fs.StringVar(&cfg.ObjectStoreEndpoint, "objectstore-endpoint", envOrDefault("E2E_OBJECTSTORE_ENDPOINT", ""), "object store endpoint override")
	fs.StringVar(&cfg.ObjectStoreAccessKey, "objectstore-access-key", envOrDefault("E2E_OBJECTSTORE_ACCESS_KEY", ""), "object store access key")
	fs.StringVar(&cfg.ObjectStoreSecretKey, "objectstore-secret-key", envOrDefault("E2E_OBJECTSTORE_SECRET_KEY", ""), "object store secret key")
	fs.StringVar(&cfg.ObjectStoreSessionToken, "objectstore-session-token", envOrDefault("E2E_OBJECTSTORE_SESSION_TOKEN", ""), "object store session token")
	fs.BoolVar(&cfg.ObjectStoreS3PathStyle, "objectstore-s3-path-style", envOrDefaultBool("E2E_OBJECTSTORE_S3_PATH_STYLE", false), "use S3 path-style addressing")
	fs.StringVar(&cfg.ObjectStoreGCPProject, "objectstore-gcp-project", envOrDefault("E2E_OBJECTSTORE_GCP_PROJECT", ""), "GCP project ID")
	fs.StringVar(&cfg.ObjectStoreGCPCredentialsFile, "objectstore-gcp-credentials-file", envOrDefault("E2E_OBJECTSTORE_GCP_CREDENTIALS_FILE", ""), "GCP credentials file path")
	fs.StringVar(&cfg.ObjectStoreGCPCredentialsJSON, "objectstore-gcp-credentials-json", envOrDefault("E2E_OBJECTSTORE_GCP_CREDENTIALS_JSON", ""), "GCP credentials JSON")
	fs.StringVar(&cfg.ObjectStoreAzureAccount, "objectstore-azure-account", envOrDefault("E2E_OBJECTSTORE_AZURE_ACCOUNT", ""), "Azure storage account name")
	fs.StringVar(&cfg.ObjectStoreAzureKey, "objectstore-azure-key", envOrDefault("E2E_OBJECTSTORE_AZURE_KEY", ""), "Azure storage account key")
	fs.StringVar(&cfg.ObjectStoreAzureEndpoint, "objectstore-azure-endpoint", envOrDefault("E2E_OBJECTSTORE_AZURE_ENDPOINT", ""), "Azure blob endpoint override")
	fs.StringVar(&cfg.ObjectStoreAzureSASToken, "objectstore-azure-sas-token", envOrDefault("E2E_OBJECTSTORE_AZURE_SAS_TOKEN", ""), "Azure SAS token")

	fs.BoolVar(&cfg.OTelEnabled, "otel", envOrDefaultBool("E2E_OTEL_ENABLED", false), "enable OpenTelemetry exporters")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", envOrDefault("E2E_OTEL_ENDPOINT", ""), "OTLP endpoint (host:port)")
	fs.StringVar(&cfg.OTelHeaders, "otel-headers", envOrDefault("E2E_OTEL_HEADERS", ""), "OTLP headers as comma-separated key=value pairs")
	fs.BoolVar(&cfg.OTelInsecure, "otel-insecure", envOrDefaultBool("E2E_OTEL_INSECURE", true), "disable TLS for OTLP endpoint")
	fs.StringVar(&cfg.OTelServiceName, "otel-service-name", envOrDefault("E2E_OTEL_SERVICE_NAME", "hadoop-bundle-e2e"), "OTel service name")
	fs.StringVar(&cfg.OTelResourceAttrs, "otel-resource-attrs", envOrDefault("E2E_OTEL_RESOURCE_ATTRS", ""), "extra OTel resource attributes key=value pairs")
	return cfg
}

// Finalize applies the YAML config file, derives list values and normalizes
// settings. Flags set explicitly on fs take precedence over file values.
func (c *Config) Finalize(fs *pflag.FlagSet) error {
	if c.ConfigPath != "" {
		fileCfg, err := loadFileConfig(c.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", c.ConfigPath, err)
		}
		if err := applyFileConfig(c, fileCfg, fs); err != nil {
			return err
		}
	}
	c.IncludeTags = splitCSV(c.includeTags)
	c.ExcludeTags = splitCSV(c.excludeTags)
	if c.commandTmpl != "" {
		c.CommandTemplate = splitCSV(c.commandTmpl)
	}
	c.TransportExitCodes = nil
	for _, raw := range splitCSV(c.transportExit) {
		code := 0
		if _, err := fmt.Sscanf(raw, "%d", &code); err != nil {
			return fmt.Errorf("invalid transport exit code %q", raw)
		}
		c.TransportExitCodes = append(c.TransportExitCodes, code)
	}
	if c.defaultMetrics != "" && c.MetricsPath == c.defaultMetrics {
		c.MetricsPath = filepath.Join(c.ArtifactDir, "metrics.prom")
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "juju", "inventory":
		c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed := 0
	_, err := fmt.Sscanf(value, "%d", &parsed)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return fallback
	}
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return duration
}

func splitCSV(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
