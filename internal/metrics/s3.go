package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/trialopt/pkg/model"
)

// ObjectAPI is the subset of the S3 client used to locate and fetch artifacts.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	manager.DownloadAPIClient
}

// S3Config locates the metrics artifact of a trial.
type S3Config struct {
	Bucket string
	// Prefix may reference {{trial_id}}, {{external_id}} and {{run_id}}.
	Prefix   string
	Artifact string
	Target   string
	RunID    string
	// MaxKeys bounds how many keys are listed; zero lists everything under the prefix.
	MaxKeys int
}

// S3Extractor reads the newest metrics artifact published under a prefix.
type S3Extractor struct {
	api        ObjectAPI
	downloader *manager.Downloader
	cfg        S3Config
	logger     *slog.Logger
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// NewS3Extractor creates an extractor over api.
func NewS3Extractor(api ObjectAPI, cfg S3Config, logger *slog.Logger) *S3Extractor {
	if cfg.Artifact == "" {
		cfg.Artifact = "final_metrics.json"
	}
	return &S3Extractor{
		api: api,
		downloader: manager.NewDownloader(api, func(d *manager.Downloader) {
			d.Concurrency = 1
		}),
		cfg:    cfg,
		logger: logger.With("component", "s3-metrics"),
	}
}

// Extract returns the artifact's numeric fields merged with the status-derived
// fields. Any failure yields Defaults.
func (e *S3Extractor) Extract(ctx context.Context, trial *model.Trial, status model.RemoteStatus) map[string]float64 {
	prefix := e.prefix(trial)
	log := e.logger.With("trial_id", trial.ID, "external_id", trial.ExternalID)

	key, err := e.newestArtifact(ctx, prefix)
	if err != nil {
		log.Warn("metrics lookup failed, using defaults", "bucket", e.cfg.Bucket, "prefix", prefix, "error", err)
		return Defaults(e.cfg.Target, status)
	}
	if key == "" {
		log.Warn("no metrics artifact found, using defaults", "bucket", e.cfg.Bucket, "prefix", prefix, "artifact", e.cfg.Artifact)
		return Defaults(e.cfg.Target, status)
	}

	values, err := e.fetch(ctx, key)
	if err != nil {
		log.Warn("metrics artifact unreadable, using defaults", "key", key, "error", err)
		return Defaults(e.cfg.Target, status)
	}

	m := Defaults(e.cfg.Target, status)
	for k, v := range values {
		m[k] = v
	}
	withStatus(m, status)
	log.Info("metrics extracted", "key", key, "target_metric", e.cfg.Target, "value", m[e.cfg.Target])
	return m
}

func (e *S3Extractor) prefix(trial *model.Trial) string {
	r := strings.NewReplacer(
		"{{trial_id}}", strconv.Itoa(trial.ID),
		"{{external_id}}", trial.ExternalID,
		"{{run_id}}", e.cfg.RunID,
	)
	return r.Replace(e.cfg.Prefix)
}

// newestArtifact returns the lexically greatest key named like the artifact.
func (e *S3Extractor) newestArtifact(ctx context.Context, prefix string) (string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(e.cfg.Bucket),
		Prefix: aws.String(prefix),
	}
	if e.cfg.MaxKeys > 0 {
		in.MaxKeys = aws.Int32(int32(e.cfg.MaxKeys))
	}

	var newest string
	listed := 0
	p := s3.NewListObjectsV2Paginator(e.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("list s3://%s/%s: %w", e.cfg.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if path.Base(key) == e.cfg.Artifact && key > newest {
				newest = key
			}
		}
		listed += len(page.Contents)
		if e.cfg.MaxKeys > 0 && listed >= e.cfg.MaxKeys {
			break
		}
	}
	return newest, nil
}

func (e *S3Extractor) fetch(ctx context.Context, key string) (map[string]float64, error) {
	buf := manager.NewWriteAtBuffer(nil)
	if _, err := e.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(e.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, fmt.Errorf("download s3://%s/%s: %w", e.cfg.Bucket, key, err)
	}
	return decodeFlat(buf.Bytes())
}

// decodeFlat reads a JSON object and keeps its numeric and boolean fields.
func decodeFlat(data []byte) (map[string]float64, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case float64:
			out[k] = x
		case bool:
			if x {
				out[k] = 1
			} else {
				out[k] = 0
			}
		}
	}
	return out, nil
}
