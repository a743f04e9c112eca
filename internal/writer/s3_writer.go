// internal/writer/s3_writer.go
package writer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"netskope-collector/internal/config"
	"netskope-collector/internal/metrics"
	"netskope-collector/internal/model"
	"netskope-collector/internal/pool"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// s3API 는 writer가 사용하는 S3 multipart 연산의 최소 집합.
// 테스트에서 fake로 대체하기 위한 경계다.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// part 는 업로드 완료된 chunk 하나의 기록.
// part 번호는 1부터 연속이며, checksum은 전송 바이트에서 재계산 가능해야 한다.
type part struct {
	number   int32
	size     int
	etag     string
	checksum string
}

// S3Writer
// ------------------------------------------------------------
// 이벤트 시퀀스를 gzip 압축 JSONL object 하나로 S3에 저장하는
// streaming multipart uploader.
//
//   - 입력은 model.Source 하나 (producer가 무엇이든 무관)
//   - part마다 CRC32 base64 체크섬을 계산해 함께 전송
//   - 어느 단계에서든 실패하면 세션을 abort하고 오류를 전파
//   - 이 레이어에서는 재시도하지 않는다. SDK retry도 0으로 고정
//     (transient 실패 대응은 호출자 책임)
//
// 하나의 WriteEvents 호출이 multipart 세션을 배타적으로 소유하며,
// 동시 호출 간 공유되는 상태는 없다.
type S3Writer struct {
	metrics  *metrics.Metrics
	client   s3API
	bucket   string
	prefix   string
	partSize int

	// 테스트 주입점 (key의 날짜/시각 고정용)
	now func() time.Time
}

// NewS3Writer 는 AWS SDK Config를 초기화하고 writer를 생성한다.
func NewS3Writer(cfg config.Config, m *metrics.Metrics) *S3Writer {
	return &S3Writer{
		metrics:  m,
		client:   newS3Client(cfg),
		bucket:   cfg.S3Bucket,
		prefix:   normalizePrefix(cfg.S3Prefix),
		partSize: cfg.PartSize,
		now:      time.Now,
	}
}

// newS3Client 는 리전/custom endpoint를 적용한 S3 client를 만든다.
// 실패 시 fatal 로그 후 즉시 종료한다 (운영 환경에서는 필수).
//
// SDK retry는 0으로 고정한다. 이 writer의 실패 정책은
// "abort 후 전파"이며, SDK 레벨 재시도가 끼어들면 안 된다.
func newS3Client(cfg config.Config) *s3.Client {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(
		context.TODO(),
		awsCfgLib.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
		if cfg.S3EndpointURL != "" {
			// LocalStack 등 custom endpoint는 path-style 접근이 필요하다.
			o.BaseEndpoint = aws.String(cfg.S3EndpointURL)
			o.UsePathStyle = true
		}
	})
}

// normalizePrefix 는 비어있지 않은 prefix가 항상 '/'로 끝나게 한다.
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return strings.TrimRight(prefix, "/") + "/"
}

// buildKey 는 저장 key를 만든다.
//
//	{prefix}{category}/YYYY/MM/DD/HHMMSS.jsonl.gz
//
// 날짜/시각은 WriteEvents 호출 시점(UTC) 기준.
func (w *S3Writer) buildKey(category string, now time.Time) string {
	return fmt.Sprintf("%s%s/%s/%s.jsonl.gz",
		w.prefix, category, now.Format("2006/01/02"), now.Format("150405"))
}

// WriteEvents
// ------------------------------------------------------------
// src의 모든 레코드를 단일 pass로 소비해 S3 object 하나로 저장하고
// 그 key를 반환한다. 실패 시 multipart 세션을 abort하므로
// 불완전한 object가 S3에 보이는 일은 없다.
//
// 레코드가 0개여도 유효한(빈) gzip object 하나가 만들어진다.
func (w *S3Writer) WriteEvents(ctx context.Context, src model.Source, category string) (string, error) {
	now := w.now().UTC()
	key := w.buildKey(category, now)

	log.Info().Str("bucket", w.bucket).Str("key", key).Msg("start multipart upload")

	mp, err := w.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(w.bucket),
		Key:               aws.String(key),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmCrc32,
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := aws.ToString(mp.UploadId)

	if err := w.streamParts(ctx, src, key, uploadID); err != nil {
		log.Error().Err(err).Str("key", key).Msg("abort multipart upload due to error")

		// abort는 best-effort다. abort 자체가 실패하면 그 오류가 원인 오류를
		// 덮고 전파된다 (원인은 메시지와 위 로그로만 남는다).
		abortCtx := context.WithoutCancel(ctx)
		if _, abortErr := w.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(w.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		}); abortErr != nil {
			return "", fmt.Errorf("abort multipart upload: %w (upload error: %v)", abortErr, err)
		}
		return "", err
	}

	return key, nil
}

// streamParts 는 레코드를 JSONL→gzip으로 압축해 part 단위로 올리고
// 마지막에 completion을 보낸다.
//
// part 크기 검사는 레코드 하나를 다 쓴 "이후"에 하므로, 실제 part는
// 임계값보다 약간 클 수 있다 (gzip block flush 단위 때문). 의도된 근사치다.
func (w *S3Writer) streamParts(ctx context.Context, src model.Source, key, uploadID string) error {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer func() {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
	}()

	enc := json.NewEncoder(gz)

	var parts []part
	partNo := int32(1)
	events := int64(0)

	for src.Next(ctx) {
		// 레코드 하나 = JSON 한 줄. Encode가 '\n'까지 붙인다.
		if err := enc.Encode(src.Record()); err != nil {
			_ = gz.Close()
			return fmt.Errorf("encode event: %w", err)
		}
		events++

		if buf.Len() >= w.partSize {
			if err := gz.Close(); err != nil {
				return fmt.Errorf("close gzip stream: %w", err)
			}
			p, err := w.uploadPart(ctx, key, uploadID, partNo, buf.Bytes())
			if err != nil {
				return err
			}
			parts = append(parts, p)
			partNo++

			// 다음 part는 독립된 gzip 스트림으로 새로 시작한다.
			buf.Reset()
			gz.Reset(buf)
		}
	}
	if err := src.Err(); err != nil {
		_ = gz.Close()
		return fmt.Errorf("event source: %w", err)
	}

	// 마지막 part: 임계값보다 작을 수 있고, 레코드가 하나도 없었으면
	// 빈 gzip 스트림(헤더+푸터)만 담긴다. 그래도 항상 업로드한다.
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	p, err := w.uploadPart(ctx, key, uploadID, partNo, buf.Bytes())
	if err != nil {
		return err
	}
	parts = append(parts, p)

	completed := make([]s3types.CompletedPart, 0, len(parts))
	totalSize := 0
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			PartNumber:    aws.Int32(p.number),
			ETag:          aws.String(p.etag),
			ChecksumCRC32: aws.String(p.checksum),
		})
		totalSize += p.size
	}

	if _, err := w.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	}); err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	atomic.AddInt64(&w.metrics.EventsWrittenTotal, events)
	log.Info().
		Int("parts", len(parts)).
		Int64("events", events).
		Int("bytes", totalSize).
		Msg("upload complete")
	return nil
}

// uploadPart 는 part 하나를 체크섬과 함께 전송한다.
// S3가 체크섬을 독립 검증하며, 불일치는 이 호출의 오류로 돌아온다.
func (w *S3Writer) uploadPart(ctx context.Context, key, uploadID string, partNo int32, payload []byte) (part, error) {
	sum := crc32Base64(payload)

	log.Debug().
		Int32("part", partNo).
		Int("size", len(payload)).
		Str("crc32", sum).
		Msg("uploading part")

	resp, err := w.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNo),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ChecksumCRC32: aws.String(sum),
	})
	if err != nil {
		return part{}, fmt.Errorf("upload part %d: %w", partNo, err)
	}

	atomic.AddInt64(&w.metrics.PartsUploadedTotal, 1)
	atomic.AddInt64(&w.metrics.BytesUploadedTotal, int64(len(payload)))

	return part{
		number:   partNo,
		size:     len(payload),
		etag:     aws.ToString(resp.ETag),
		checksum: sum,
	}, nil
}
