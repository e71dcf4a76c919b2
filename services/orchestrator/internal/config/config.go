// Package config loads the secrets and endpoints the biopoem CLI reads from
// its environment.
package config

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"biopoem/pkg/errs"
	"biopoem/pkg/s3"
)

// Config holds environment-carried settings. Operator flags take precedence
// where both exist.
type Config struct {
	AliCloudAccessKey string `env:"ALICLOUD_ACCESS_KEY"`
	AliCloudSecretKey string `env:"ALICLOUD_SECRET_KEY"`

	SecretKey string `env:"BIOPOEM_SECRET_KEY"`
	AgentPort int    `env:"BIOPOEM_AGENT_PORT,default=3000"`
	WorkerURL string `env:"BIOPOEM_WORKER_URL"`
	WorkerKey string `env:"BIOPOEM_WORKER_KEY"`
	Terraform string `env:"BIOPOEM_TERRAFORM,default=terraform"`
	LogLevel  string `env:"BIOPOEM_LOG_LEVEL,default=info"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	NATSURL      string `env:"BIOPOEM_NATS_URL"`

	S3 S3 `env:", prefix=BIOPOEM_S3_"`

	AgeSecretKey string `env:"AGE_SECRET_KEY"`
	AgePublicKey string `env:"AGE_PUBLIC_KEY"`
}

// S3 configures the object store used for bundles and the worker binary.
type S3 struct {
	Endpoint   string `env:"ENDPOINT"`
	AccessKey  string `env:"ACCESS_KEY"`
	SecretKey  string `env:"SECRET_KEY"`
	Region     string `env:"REGION,default=us-east-1"`
	Bucket     string `env:"BUCKET"`
	DisableTLS bool   `env:"DISABLE_TLS,default=false"`
}

// Options converts the settings for s3.NewClient.
func (c S3) Options() s3.Options {
	return s3.Options{
		Endpoint:       c.Endpoint,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		Region:         c.Region,
		DisableTLS:     c.DisableTLS,
		ForcePathStyle: c.Endpoint != "",
	}
}

// Signing reports whether bundle manifests can be signed or verified.
func (c Config) Signing() bool {
	return c.AgeSecretKey != "" || c.AgePublicKey != ""
}

// Load reads envFile into the process environment, when given, and then
// decodes the environment. Without envFile a .env in the working directory
// is loaded if present.
func Load(ctx context.Context, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, &errs.ConfigError{Field: "env-file", Err: err}
		}
	} else {
		_ = godotenv.Load()
	}
	return process(ctx, envconfig.OsLookuper())
}

func process(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, &errs.ConfigError{Field: "environment", Err: err}
	}
	if cfg.AgentPort < 1 || cfg.AgentPort > 65535 {
		return Config{}, errs.Configf("BIOPOEM_AGENT_PORT", "out of range: %d", cfg.AgentPort)
	}
	if err := validateLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateLevel(level string) error {
	if _, err := zerolog.ParseLevel(level); err != nil {
		return &errs.ConfigError{Field: "BIOPOEM_LOG_LEVEL", Err: err}
	}
	return nil
}

// String lists which optional integrations are enabled, without secrets.
func (c Config) String() string {
	return fmt.Sprintf("otlp=%t nats=%t s3=%t signing=%t", c.OTLPEndpoint != "", c.NATSURL != "", c.S3.Options().Configured(), c.Signing())
}
