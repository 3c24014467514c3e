package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix scopes environment overrides, e.g. REDIS_BACKUP_GCS_BUCKET.
const EnvPrefix = "REDIS_BACKUP"

const (
	DefaultRDBDir          = "/var/lib/redis/6379"
	DefaultRDBFile         = "dump.rdb"
	DefaultLogDir          = "/var/log/redis"
	DefaultSuffix          = "rdb"
	DefaultTimestampFormat = "2006-01-02_15-04"
	DefaultIdentity        = "redis-backup"
)

// Config is built once from flags, environment and an optional YAML file,
// then passed by value. Nothing mutates it after Load returns.
type Config struct {
	Hostname        string        `mapstructure:"hostname"         yaml:"hostname,omitempty"`
	GCSBucket       string        `mapstructure:"gcs_bucket"       yaml:"gcs_bucket"`
	AWSBucket       string        `mapstructure:"aws_bucket"       yaml:"aws_bucket,omitempty"`
	Targets         []string      `mapstructure:"targets"          yaml:"targets,omitempty"`
	RDBDir          string        `mapstructure:"rdb_dir"          yaml:"rdb_dir"`
	RDBFile         string        `mapstructure:"rdb_file"         yaml:"rdb_file"`
	Suffix          string        `mapstructure:"suffix"           yaml:"suffix"`
	LogDir          string        `mapstructure:"log_dir"          yaml:"log_dir,omitempty"`
	DryRun          bool          `mapstructure:"noop"             yaml:"noop"`
	Verbose         bool          `mapstructure:"verbose"          yaml:"verbose"`
	Compress        bool          `mapstructure:"compress"         yaml:"compress"`
	Parallel        bool          `mapstructure:"parallel"         yaml:"parallel"`
	Timeout         time.Duration `mapstructure:"timeout"          yaml:"timeout"`
	TimestampFormat string        `mapstructure:"timestamp_format" yaml:"timestamp_format"`

	Guard   GuardConfig   `mapstructure:"guard"   yaml:"guard"`
	GCS     GCSConfig     `mapstructure:"gcs"     yaml:"gcs"`
	S3      S3Config      `mapstructure:"s3"      yaml:"s3"`
	Vault   VaultConfig   `mapstructure:"vault"   yaml:"vault"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// GuardConfig selects how concurrent runs are prevented.
type GuardConfig struct {
	// Mode is "mutex" (named machine-wide lock) or "process" (process table scan).
	Mode     string        `mapstructure:"mode"     yaml:"mode"`
	Identity string        `mapstructure:"identity" yaml:"identity"`
	Wait     time.Duration `mapstructure:"wait"     yaml:"wait"`
}

// GCSConfig configures the gsutil-backed uploader.
type GCSConfig struct {
	Binary string `mapstructure:"binary" yaml:"binary"`
}

// S3Config configures the AWS S3 uploader.
type S3Config struct {
	Region          string `mapstructure:"region"            yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint"          yaml:"endpoint,omitempty"`
	UsePathStyle    bool   `mapstructure:"use_path_style"    yaml:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"     yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault. When
// AWSSecretPath is set the S3 credentials are read from that KV secret.
type VaultConfig struct {
	Address       string `mapstructure:"address"         yaml:"address,omitempty"`
	RoleID        string `mapstructure:"role_id"         yaml:"role_id,omitempty"`
	RoleName      string `mapstructure:"role_name"       yaml:"role_name,omitempty"`
	AWSSecretPath string `mapstructure:"aws_secret_path" yaml:"aws_secret_path,omitempty"`
}

// MetricsConfig points at a node_exporter textfile collector file.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile,omitempty"`
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"alt-hostname": "hostname",
	"gcsbucket":    "gcs_bucket",
	"awsbucket":    "aws_bucket",
	"rdbdir":       "rdb_dir",
	"log-dir":      "log_dir",
	"noop":         "noop",
	"verbose":      "verbose",
	"compress":     "compress",
	"parallel":     "parallel",
	"timeout":      "timeout",
	"metrics-file": "metrics.textfile",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rdb_dir", DefaultRDBDir)
	v.SetDefault("rdb_file", DefaultRDBFile)
	v.SetDefault("suffix", DefaultSuffix)
	v.SetDefault("timestamp_format", DefaultTimestampFormat)
	v.SetDefault("guard.mode", "mutex")
	v.SetDefault("guard.identity", DefaultIdentity)
	v.SetDefault("guard.wait", 100*time.Millisecond)
	v.SetDefault("gcs.binary", "gsutil")

	// Keys without a default or flag are invisible to AutomaticEnv.
	for _, key := range []string{
		"hostname", "gcs_bucket", "aws_bucket", "log_dir",
		"s3.region", "s3.endpoint", "s3.access_key_id", "s3.secret_access_key",
		"vault.address", "vault.role_id", "vault.role_name", "vault.aws_secret_path",
		"metrics.textfile",
	} {
		v.SetDefault(key, "")
	}
	for _, key := range []string{"noop", "verbose", "compress", "parallel", "s3.use_path_style"} {
		v.SetDefault(key, false)
	}
	v.SetDefault("timeout", time.Duration(0))
}

// Load reads the configuration using Viper. path may be empty, in which
// case only defaults, environment and flags apply. Flags that were set
// explicitly win over the file.
func (c *Config) Load(path string, flags *pflag.FlagSet) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read config %s: %v", ErrLoadConfig, path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("%w: bind flag %s: %v", ErrLoadConfig, name, err)
			}
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	if c.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("%w: resolve hostname: %v", ErrLoadConfig, err)
		}
		c.Hostname = host
	}
	c.GCSBucket = strings.TrimRight(c.GCSBucket, "/")
	c.AWSBucket = strings.TrimRight(c.AWSBucket, "/")

	return nil
}

// Validate checks the settings that do not depend on the command being run.
func (c Config) Validate() error {
	switch {
	case c.Hostname == "":
		return fmt.Errorf("%w: hostname is empty", ErrValidateConfig)
	case c.Suffix == "":
		return fmt.Errorf("%w: suffix is empty", ErrValidateConfig)
	case c.RDBFile == "":
		return fmt.Errorf("%w: rdb_file is empty", ErrValidateConfig)
	case c.TimestampFormat == "":
		return fmt.Errorf("%w: timestamp_format is empty", ErrValidateConfig)
	case c.Timeout < 0:
		return fmt.Errorf("%w: negative timeout %s", ErrValidateConfig, c.Timeout)
	}
	switch c.Guard.Mode {
	case "mutex", "process":
	default:
		return fmt.Errorf("%w: unknown guard mode %q", ErrValidateConfig, c.Guard.Mode)
	}
	return nil
}

// TargetURIs returns the configured destinations in transfer order: the
// GCS bucket, then the AWS bucket, then any extra targets.
func (c Config) TargetURIs() []string {
	var uris []string
	if c.GCSBucket != "" {
		uris = append(uris, c.GCSBucket)
	}
	if c.AWSBucket != "" {
		uris = append(uris, c.AWSBucket)
	}
	for _, t := range c.Targets {
		if t = strings.TrimRight(t, "/"); t != "" {
			uris = append(uris, t)
		}
	}
	return uris
}

// SourceFile is the snapshot to copy.
func (c Config) SourceFile() string {
	return strings.TrimRight(c.RDBDir, "/") + "/" + c.RDBFile
}
