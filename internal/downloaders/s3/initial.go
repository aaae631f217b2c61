package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/lmfetch/internal/utils"
)

// Source serves objects below an s3://bucket/prefix location. S3 always
// honors range requests.
type Source struct {
	bucket string
	prefix string
	client API
}

func NewSource(ctx context.Context, baseURL string, opts ClientOptions) (*Source, error) {
	bucket, prefix, err := ParseURL(baseURL)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("op", "s3/initial").Msgf("S3 source at s3://%s/%s", bucket, prefix)
	return &Source{bucket: bucket, prefix: prefix, client: client}, nil
}

// NewSourceWithClient builds a source on an existing client.
func NewSourceWithClient(baseURL string, client API) (*Source, error) {
	bucket, prefix, err := ParseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Source{bucket: bucket, prefix: prefix, client: client}, nil
}

func (s *Source) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Source) Location(name string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(name))
}

func (s *Source) Stat(ctx context.Context, name string) (utils.ObjectInfo, error) {
	headObj, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return utils.ObjectInfo{Exists: false}, nil
		}
		return utils.ObjectInfo{}, &utils.TransportError{Op: "HeadObject", URL: s.Location(name), StatusCode: statusCode(err), Err: err}
	}
	size := int64(0)
	if headObj.ContentLength != nil {
		size = *headObj.ContentLength
	}
	return utils.ObjectInfo{Exists: true, Size: size, AcceptsRanges: true}, nil
}

func (s *Source) ReadRange(ctx context.Context, name string, start, end int64) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return nil, &utils.TransportError{Op: "GetObject", URL: s.Location(name), StatusCode: statusCode(err), Err: err}
	}
	return result.Body, nil
}

func (s *Source) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, 0, &utils.TransportError{Op: "GetObject", URL: s.Location(name), StatusCode: statusCode(err), Err: err}
	}
	length := int64(-1)
	if result.ContentLength != nil {
		length = *result.ContentLength
	}
	return result.Body, length, nil
}
