package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Mirror is an optional, best-effort S3 replica of session content. A
// session with a Mirror uploads every payload it writes to its workspace
// data/ directory, whether or not a Store is also configured; failures to
// mirror never fail the session, since the local copy remains
// authoritative.
//
// Content-addressed keys make racy concurrent uploads of the same digest
// benign, matching the conditional-PUT idiom used by the S3 cache this type
// is adapted from.
type Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewMirror builds a Mirror backed by bucket. Credentials and region are
// resolved via the AWS SDK's default credential chain.
func NewMirror(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})

	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	return &Mirror{client: client, bucket: bucket, prefix: prefix}, nil
}

func (m *Mirror) key(dgst string) string {
	return m.prefix + "data/" + string(dgst[0]) + "/" + dgst + ".gz"
}

// Put uploads a gzip-compressed payload for digest if it is not already
// present. Conflicts from a concurrent uploader of the same content are
// treated as success.
func (m *Mirror) Put(ctx context.Context, dgst string, gzipPayload []byte) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.key(dgst)),
		Body:        bytes.NewReader(gzipPayload),
		IfNoneMatch: aws.String("*"),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		if isConditionalPutConflict(err) {
			slog.Debug("store: digest already mirrored, skipping duplicate upload", "digest", dgst)
			return nil
		}
		return fmt.Errorf("store: mirroring %s to S3: %w", dgst, err)
	}
	return nil
}

// Contains reports whether digest is present in the mirror.
func (m *Mirror) Contains(ctx context.Context, dgst string) bool {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(dgst)),
	})
	return err == nil
}

func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}
