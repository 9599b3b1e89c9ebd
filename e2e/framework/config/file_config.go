package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the structured YAML configuration.
type FileConfig struct {
	Run         *RunFileConfig         `yaml:"run"`
	Deployment  *DeploymentFileConfig  `yaml:"deployment"`
	SSH         *SSHFileConfig         `yaml:"ssh"`
	Kube        *KubeFileConfig        `yaml:"kube"`
	Poll        *PollFileConfig        `yaml:"poll"`
	Logging     *LoggingFileConfig     `yaml:"logging"`
	Metrics     *MetricsFileConfig     `yaml:"metrics"`
	Objectstore *ObjectstoreFileConfig `yaml:"objectstore"`
	OTel        *OTelFileConfig        `yaml:"otel"`
}

type RunFileConfig struct {
	ID             *string     `yaml:"id"`
	SpecDir        *string     `yaml:"spec_dir"`
	ArtifactDir    *string     `yaml:"artifact_dir"`
	IncludeTags    *StringList `yaml:"include_tags"`
	ExcludeTags    *StringList `yaml:"exclude_tags"`
	Parallel       *int        `yaml:"parallel"`
	DefaultTimeout *string     `yaml:"default_timeout"`
}

type DeploymentFileConfig struct {
	Backend            *string     `yaml:"backend"`
	Environment        *string     `yaml:"environment"`
	JujuBinary         *string     `yaml:"juju_binary"`
	Inventory          *string     `yaml:"inventory"`
	CommandTemplate    *StringList `yaml:"command_template"`
	TransportExitCodes *[]int      `yaml:"transport_exit_codes"`
	CommandTimeout     *string     `yaml:"command_timeout"`
}

type SSHFileConfig struct {
	User        *string `yaml:"user"`
	KeyFile     *string `yaml:"key_file"`
	Port        *int    `yaml:"port"`
	KnownHosts  *string `yaml:"known_hosts"`
	DialTimeout *string `yaml:"dial_timeout"`
}

type KubeFileConfig struct {
	Kubeconfig *string `yaml:"kubeconfig"`
	Namespace  *string `yaml:"namespace"`
	Container  *string `yaml:"container"`
}

type PollFileConfig struct {
	Interval       *string `yaml:"interval"`
	ReadyTimeout   *string `yaml:"ready_timeout"`
	JobInterval    *string `yaml:"job_interval"`
	JobTimeout     *string `yaml:"job_timeout"`
	RemoveTimeout  *string `yaml:"remove_timeout"`
	HTTPTimeout    *string `yaml:"http_timeout"`
	TransientLimit *int    `yaml:"transient_limit"`
	ZeppelinPort   *int    `yaml:"zeppelin_port"`
	Progress       *string `yaml:"progress_interval"`
}

type LoggingFileConfig struct {
	Format *string `yaml:"format"`
	Level  *string `yaml:"level"`
}

type MetricsFileConfig struct {
	Enabled *bool   `yaml:"enabled"`
	Path    *string `yaml:"path"`
}

type ObjectstoreFileConfig struct {
	Provider           *string `yaml:"provider"`
	Bucket             *string `yaml:"bucket"`
	Prefix             *string `yaml:"prefix"`
	Region             *string `yaml:"region"`
	Endpoint           *string `yaml:"endpoint"`
	AccessKey          *string `yaml:"access_key"`
	SecretKey          *string `yaml:"secret_key"`
	SessionToken       *string `yaml:"session_token"`
	S3PathStyle        *bool   `yaml:"s3_path_style"`
	GCPProject         *string `yaml:"gcp_project"`
	GCPCredentialsFile *string `yaml:"gcp_credentials_file"`
	GCPCredentialsJSON *string `yaml:"gcp_credentials_json"`
	AzureAccount       *string `yaml:"azure_account"`
	AzureKey           *string `yaml:"azure_key"`
	AzureEndpoint      *string `yaml:"azure_endpoint"`
	AzureSASToken      *string `yaml:"azure_sas_token"`
}

type OTelFileConfig struct {
	Enabled       *bool   `yaml:"enabled"`
	Endpoint      *string `yaml:"endpoint"`
	Headers       *string `yaml:"headers"`
	Insecure      *bool   `yaml:"insecure"`
	ServiceName   *string `yaml:"service_name"`
	ResourceAttrs *string `yaml:"resource_attrs"`
}

// StringList supports string or list YAML values.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = splitCSV(value.Value)
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(value.Content))
		for _, node := range value.Content {
			if node.Kind != yaml.ScalarNode {
				return fmt.Errorf("string list must contain only scalars")
			}
			item := strings.TrimSpace(node.Value)
			if item != "" {
				out = append(out, item)
			}
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("string list must be a string or list")
	}
}

func loadFileConfig(path string) (*FileConfig, error) {
	expanded := expandPath(path)
	if expanded == "" {
		return nil, nil
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fileApplier writes file values into cfg unless the matching flag was set
// explicitly on the command line.
type fileApplier struct {
	fs  *pflag.FlagSet
	err error
}

func (a *fileApplier) open(flag string) bool {
	return a.fs == nil || !a.fs.Changed(flag)
}

func (a *fileApplier) str(flag string, src *string, dst *string) {
	if src != nil && a.open(flag) {
		*dst = strings.TrimSpace(*src)
	}
}

func (a *fileApplier) path(flag string, src *string, dst *string) {
	if src != nil && a.open(flag) {
		*dst = expandPath(*src)
	}
}

func (a *fileApplier) num(flag string, src *int, dst *int) {
	if src != nil && a.open(flag) {
		*dst = *src
	}
}

func (a *fileApplier) boolean(flag string, src *bool, dst *bool) {
	if src != nil && a.open(flag) {
		*dst = *src
	}
}

func (a *fileApplier) list(flag string, src *StringList, dst *string) {
	if src != nil && a.open(flag) {
		*dst = strings.Join(*src, ",")
	}
}

func (a *fileApplier) duration(flag, key string, src *string, dst *time.Duration) {
	if src == nil || !a.open(flag) || a.err != nil {
		return
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(*src))
	if err != nil {
		a.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = parsed
}

func applyFileConfig(cfg *Config, fileCfg *FileConfig, fs *pflag.FlagSet) error {
	if cfg == nil || fileCfg == nil {
		return nil
	}
	a := &fileApplier{fs: fs}
	if run := fileCfg.Run; run != nil {
		a.str("run-id", run.ID, &cfg.RunID)
		a.path("spec-dir", run.SpecDir, &cfg.SpecDir)
		a.path("artifact-dir", run.ArtifactDir, &cfg.ArtifactDir)
		a.list("include-tags", run.IncludeTags, &cfg.includeTags)
		a.list("exclude-tags", run.ExcludeTags, &cfg.excludeTags)
		a.num("parallel", run.Parallel, &cfg.Parallelism)
		a.duration("default-timeout", "run.default_timeout", run.DefaultTimeout, &cfg.DefaultTimeout)
	}
	if dep := fileCfg.Deployment; dep != nil {
		a.str("backend", dep.Backend, &cfg.Backend)
		a.str("environment", dep.Environment, &cfg.Environment)
		a.path("juju-binary", dep.JujuBinary, &cfg.JujuBinary)
		a.path("inventory", dep.Inventory, &cfg.InventoryPath)
		a.list("command-template", dep.CommandTemplate, &cfg.commandTmpl)
		if dep.TransportExitCodes != nil && a.open("transport-exit-codes") {
			codes := make([]string, 0, len(*dep.TransportExitCodes))
			for _, code := range *dep.TransportExitCodes {
				codes = append(codes, strconv.Itoa(code))
			}
			cfg.transportExit = strings.Join(codes, ",")
		}
		a.duration("command-timeout", "deployment.command_timeout", dep.CommandTimeout, &cfg.CommandTimeout)
	}
	if ssh := fileCfg.SSH; ssh != nil {
		a.str("ssh-user", ssh.User, &cfg.SSHUser)
		a.path("ssh-key", ssh.KeyFile, &cfg.SSHKeyFile)
		a.num("ssh-port", ssh.Port, &cfg.SSHPort)
		a.path("ssh-known-hosts", ssh.KnownHosts, &cfg.SSHKnownHosts)
		a.duration("ssh-dial-timeout", "ssh.dial_timeout", ssh.DialTimeout, &cfg.SSHDialTimeout)
	}
	if kube := fileCfg.Kube; kube != nil {
		a.path("kubeconfig", kube.Kubeconfig, &cfg.Kubeconfig)
		a.str("kube-namespace", kube.Namespace, &cfg.KubeNamespace)
		a.str("kube-container", kube.Container, &cfg.KubeContainer)
	}
	if poll := fileCfg.Poll; poll != nil {
		a.duration("poll-interval", "poll.interval", poll.Interval, &cfg.PollInterval)
		a.duration("ready-timeout", "poll.ready_timeout", poll.ReadyTimeout, &cfg.ReadyTimeout)
		a.duration("job-poll-interval", "poll.job_interval", poll.JobInterval, &cfg.JobPollInterval)
		a.duration("job-timeout", "poll.job_timeout", poll.JobTimeout, &cfg.JobTimeout)
		a.duration("remove-timeout", "poll.remove_timeout", poll.RemoveTimeout, &cfg.RemoveTimeout)
		a.duration("http-timeout", "poll.http_timeout", poll.HTTPTimeout, &cfg.HTTPTimeout)
		a.num("transient-limit", poll.TransientLimit, &cfg.TransientLimit)
		a.num("zeppelin-port", poll.ZeppelinPort, &cfg.ZeppelinPort)
		a.duration("progress-interval", "poll.progress_interval", poll.Progress, &cfg.ProgressInterval)
	}
	if logging := fileCfg.Logging; logging != nil {
		a.str("log-format", logging.Format, &cfg.LogFormat)
		a.str("log-level", logging.Level, &cfg.LogLevel)
	}
	if metrics := fileCfg.Metrics; metrics != nil {
		a.boolean("metrics", metrics.Enabled, &cfg.MetricsEnabled)
		a.path("metrics-path", metrics.Path, &cfg.MetricsPath)
	}
	if obj := fileCfg.Objectstore; obj != nil {
		a.str("objectstore-provider", obj.Provider, &cfg.ObjectStoreProvider)
		a.str("objectstore-bucket", obj.Bucket, &cfg.ObjectStoreBucket)
		a.str("objectstore-prefix", obj.Prefix, &cfg.ObjectStorePrefix)
		a.str("objectstore-region", obj.Region, &cfg.ObjectStoreRegion)
		a.str("objectstore-endpoint", obj.Endpoint, &cfg.ObjectStoreEndpoint)
		a.str("objectstore-access-key", obj.AccessKey, &cfg.ObjectStoreAccessKey)
		a.str("objectstore-secret-key", obj.SecretKey, &cfg.ObjectStoreSecretKey)
		a.str("objectstore-session-token", obj.SessionToken, &cfg.ObjectStoreSessionToken)
		a.boolean("objectstore-s3-path-style", obj.S3PathStyle, &cfg.ObjectStoreS3PathStyle)
		a.str("objectstore-gcp-project", obj.GCPProject, &cfg.ObjectStoreGCPProject)
		a.path("objectstore-gcp-credentials-file", obj.GCPCredentialsFile, &cfg.ObjectStoreGCPCredentialsFile)
		a.str("objectstore-gcp-credentials-json", obj.GCPCredentialsJSON, &cfg.ObjectStoreGCPCredentialsJSON)
		a.str("objectstore-azure-account", obj.AzureAccount, &cfg.ObjectStoreAzureAccount)
		a.str("objectstore-azure-key", obj.AzureKey, &cfg.ObjectStoreAzureKey)
		a.str("objectstore-azure-endpoint", obj.AzureEndpoint, &cfg.ObjectStoreAzureEndpoint)
		a.str("objectstore-azure-sas-token", obj.AzureSASToken, &cfg.ObjectStoreAzureSASToken)
	}
	if otel := fileCfg.OTel; otel != nil {
		a.boolean("otel", otel.Enabled, &cfg.OTelEnabled)
		a.str("otel-endpoint", otel.Endpoint, &cfg.OTelEndpoint)
		a.str("otel-headers", otel.Headers, &cfg.OTelHeaders)
		a.boolean("otel-insecure", otel.Insecure, &cfg.OTelInsecure)
		a.str("otel-service-name", otel.ServiceName, &cfg.OTelServiceName)
		a.str("otel-resource-attrs", otel.ResourceAttrs, &cfg.OTelResourceAttrs)
	}
	return a.err
}

func expandPath(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	expanded := os.ExpandEnv(trimmed)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
		}
	}
	return expanded
}
