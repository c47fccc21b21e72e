// Package s3 reads record batches from S3 objects.
package s3

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rulesift/rulesift/adapters"
	"github.com/rulesift/rulesift/record"
	"github.com/rulesift/rulesift/runtime"
)

// Config holds S3 source configuration.
type Config struct {
	Region string `json:"region" yaml:"region"`
	Bucket string `json:"bucket" yaml:"bucket"`
	// Key names one object. When empty, every object under Prefix is read
	// in key order and the batches are concatenated.
	Key    string `json:"key" yaml:"key"`
	Prefix string `json:"prefix" yaml:"prefix"`
	// Format is inferred from each key's extension when empty.
	Format         string `json:"format" yaml:"format"`
	MaxObjects     int    `json:"max_objects" yaml:"max_objects"`
	MaxObjectBytes int64  `json:"max_object_bytes" yaml:"max_object_bytes"`
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	ForcePathStyle bool   `json:"force_path_style" yaml:"force_path_style"`
	AccessKey      string `json:"access_key" yaml:"access_key"`
	SecretKey      string `json:"secret_key" yaml:"secret_key"`
	SessionToken   string `json:"session_token" yaml:"session_token"`
}

// API is the subset of the S3 client the source uses.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source implements runtime.RecordSource on S3 objects.
type Source struct {
	config *Config
	client API
}

var _ runtime.RecordSource = (*Source)(nil)

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	if config.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if config.Key == "" && config.Prefix == "" {
		return fmt.Errorf("key or prefix is required")
	}
	if config.Format != "" {
		if _, err := adapters.ParseFormat(config.Format); err != nil {
			return err
		}
	}
	return nil
}

// NewSource builds an S3 client from the default AWS configuration chain,
// overridden by static credentials and a custom endpoint when set.
func NewSource(ctx context.Context, cfg *Config) (*Source, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		options.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			options.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSourceWithClient(cfg, client)
}

// NewSourceWithClient creates a source on an existing client.
func NewSourceWithClient(cfg *Config, client API) (*Source, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Source{config: cfg, client: client}, nil
}

// SourceType names the source in errors and logs.
func (s *Source) SourceType() string { return "s3" }

// FetchRecords downloads and decodes the configured objects.
func (s *Source) FetchRecords(ctx context.Context) ([]record.Record, error) {
	keys := []string{s.config.Key}
	if s.config.Key == "" {
		listed, err := s.listKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.config.Bucket, s.config.Prefix, err)
		}
		keys = listed
	}

	records := make([]record.Record, 0)
	for _, key := range keys {
		batch, err := s.readObject(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.config.Bucket, key, err)
		}
		records = append(records, batch...)
	}
	return records, nil
}

func (s *Source) listKeys(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.config.Prefix),
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	var keys []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
		if s.config.MaxObjects > 0 && len(keys) >= s.config.MaxObjects {
			keys = keys[:s.config.MaxObjects]
			break
		}
	}

	slices.Sort(keys)
	return keys, nil
}

func (s *Source) readObject(ctx context.Context, key string) ([]record.Record, error) {
	format, err := s.formatFor(key)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := readAll(resp.Body, s.config.MaxObjectBytes)
	if err != nil {
		return nil, err
	}
	return adapters.DecodeRecords(format, payload)
}

func (s *Source) formatFor(key string) (adapters.Format, error) {
	if s.config.Format != "" {
		return adapters.ParseFormat(s.config.Format)
	}
	return adapters.FormatFromPath(key)
}

func readAll(reader io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(reader)
	}
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("object exceeds max_object_bytes")
	}
	return data, nil
}

// Factory creates S3 sources from generic config.
type Factory struct{}

func decodeConfig(config adapters.SourceConfig) (*Config, error) {
	cfg := &Config{}
	if err := adapters.DecodeOptions(config.Options, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Factory) Create(ctx context.Context, config adapters.SourceConfig) (runtime.RecordSource, error) {
	cfg, err := decodeConfig(config)
	if err != nil {
		return nil, err
	}
	return NewSource(ctx, cfg)
}

func (f *Factory) ValidateConfig(config adapters.SourceConfig) error {
	cfg, err := decodeConfig(config)
	if err != nil {
		return err
	}
	return validateConfig(cfg)
}

func init() {
	adapters.RegisterSourceType("s3", &Factory{})
}
