package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// s3Source loads the registry dataset from an S3 (or compatible) object.
// Credentials come from the ambient AWS credential chain; public buckets
// need none.
type s3Source struct {
	client *s3.S3
	bucket string
	key    string
	log    *slog.Logger
	uri    string
}

func newS3Source(u *url.URL, log *slog.Logger) (*s3Source, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 registry source needs s3://bucket/key, got %q", u.String())
	}

	cfg := aws.Config{}
	if region := u.Query().Get("region"); region != "" {
		cfg.Region = aws.String(region)
	}
	if endpoint := u.Query().Get("endpoint"); endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	return &s3Source{
		client: s3.New(sess),
		bucket: bucket,
		key:    key,
		log:    log,
		uri:    u.String(),
	}, nil
}

func (s *s3Source) Load(ctx context.Context) ([]interfaces.RegistryEntry, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching registry object from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxDatasetSize))
	if err != nil {
		return nil, fmt.Errorf("reading registry object: %w", err)
	}
	return ParseDataset(data, s.log), nil
}

func (s *s3Source) Location() string {
	return s.uri
}
