// Package archive copies LIMS file content to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/telemetry"
)

// Metadata keys stored with every archived object.
const (
	MetaLIMSURI    = "lims-uri"
	MetaAttachedTo = "attached-to"
	MetaChecksum   = "sha256"
	MetaName       = "original-name"
)

// Config selects the bucket. Credentials fall back to the default AWS chain
// when AccessKeyID is empty.
type Config struct {
	Bucket string
	// Prefix is prepended to every key.
	Prefix string
	Region string
	// Endpoint is set for S3-compatible stores such as MinIO.
	Endpoint     string
	UsePathStyle bool

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// HTTPClient replaces the SDK's HTTP client.
	HTTPClient aws.HTTPClient
}

// Sink writes archived files to one bucket.
type Sink struct {
	client *s3.Client
	bucket string
	prefix string

	logger zerolog.Logger
	events *telemetry.EventPublisher
}

// Option adjusts a Sink.
type Option func(*Sink)

// WithLogger sets the sink logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sink) { s.logger = l.With().Str("component", "archive").Logger() }
}

// WithEvents publishes a file.archived event for every archived file.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(s *Sink) { s.events = ep }
}

// Result describes one stored object.
type Result struct {
	Key      string
	Location string
	Size     int64
	Checksum string
	ETag     string
}

// Object is one listed object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// New builds a sink from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if cfg.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	s := &Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the object key for a file: prefix/limsid/name.
func (s *Sink) Key(limsid, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		base = limsid
	}
	return path.Join(s.prefix, limsid, base)
}

// Location returns the s3:// URL of key.
func (s *Sink) Location(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// ArchiveFile copies the content of f to the bucket. The object carries the
// file's URI, attachment and SHA-256 as metadata.
func (s *Sink) ArchiveFile(ctx context.Context, f *clarity.File) (*Result, error) {
	if f.URI() == "" {
		return nil, clarity.NewUsageError("only stored files can be archived")
	}
	name, err := f.Name(ctx)
	if err != nil {
		return nil, err
	}
	attachedTo, err := f.AttachedTo(ctx)
	if err != nil {
		return nil, err
	}
	data, err := f.Data(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.URI(), err)
	}

	meta := map[string]string{
		MetaLIMSURI:    f.URI(),
		MetaAttachedTo: attachedTo,
		MetaName:       name,
	}
	res, err := s.Put(ctx, s.Key(f.LimsID(), name), bytes.NewReader(data), meta)
	if err != nil {
		return nil, err
	}

	if err := s.events.PublishFileArchived(f.URI(), res.Location, res.Size); err != nil {
		s.logger.Debug().Err(err).Msg("failed to publish archive event")
	}
	s.logger.Info().
		Str("file", f.URI()).
		Str("location", res.Location).
		Int64("size", res.Size).
		Msg("File archived")
	return res, nil
}

// Put stores r under key with its SHA-256 added to meta.
func (s *Sink) Put(ctx context.Context, key string, r io.Reader, meta map[string]string) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	sum := fmt.Sprintf("%x", sha256.Sum256(data))

	metadata := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		metadata[k] = v
	}
	metadata[MetaChecksum] = sum

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(http.DetectContentType(data)),
		Metadata:      metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put %s: %w", s.Location(key), err)
	}

	return &Result{
		Key:      key,
		Location: s.Location(key),
		Size:     int64(len(data)),
		Checksum: sum,
		ETag:     strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// Get opens the object at key.
func (s *Sink) Get(ctx context.Context, key string) (io.ReadCloser, map[string]string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get %s: %w", s.Location(key), err)
	}
	return out.Body, out.Metadata, nil
}

// Exists reports whether key is stored.
func (s *Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head %s: %w", s.Location(key), err)
}

// List returns the objects under prefix, sorted by key.
func (s *Sink) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", s.Location(prefix), err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}
