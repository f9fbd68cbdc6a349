// Package archive stores raw provider webhook payloads in S3, zstd-compressed,
// so tracking state can be audited or rebuilt from what the provider sent.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"eventmail/internal/types"
)

// S3Client abstracts the S3 calls the archiver makes.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archiver writes one object per webhook request.
type S3Archiver struct {
	client S3Client
	bucket string
	clock  types.Clock
	logger *slog.Logger

	encoder     *zstd.Encoder
	decoderPool sync.Pool
}

// NewS3Archiver creates an archiver for bucket.
func NewS3Archiver(client S3Client, bucket string, clock types.Clock, logger *slog.Logger) (*S3Archiver, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		clock:   clock,
		logger:  logger,
		encoder: enc,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}, nil
}

// Key returns the object key for a payload from provider received at t.
func Key(provider string, t time.Time, id string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json.zst", provider, t.Year(), int(t.Month()), t.Day(), id)
}

// Archive compresses payload and stores it. It returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, provider string, payload []byte) (string, error) {
	key := Key(provider, a.clock.Now(), uuid.NewString())
	body := a.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/3))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		return "", fmt.Errorf("archive put %s: %w", key, err)
	}
	a.logger.DebugContext(ctx, "webhook payload archived",
		"key", key,
		"raw_bytes", len(payload),
		"stored_bytes", len(body),
	)
	return key, nil
}

// Load returns the decompressed payload stored at key.
func (a *S3Archiver) Load(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive read %s: %w", key, err)
	}

	decoder := a.decoderPool.Get().(*zstd.Decoder)
	defer a.decoderPool.Put(decoder)
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return raw, nil
}
