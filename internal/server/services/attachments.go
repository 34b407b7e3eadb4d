package services

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/server/config"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/google/uuid"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// Presigner issues time-limited object URLs.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// S3Presigner presigns against an S3-compatible store such as MinIO.
type S3Presigner struct {
	cfg *config.Config
}

func NewS3Presigner(cfg *config.Config) *S3Presigner {
	return &S3Presigner{cfg: cfg}
}

func (p *S3Presigner) client(ctx context.Context) (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(p.cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			p.cfg.S3RootUser,
			p.cfg.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if p.cfg.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(p.cfg.S3BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	return newS3PresignClient(client), nil
}

func (p *S3Presigner) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	pc, err := p.client(ctx)
	if err != nil {
		return "", err
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.S3Bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	req, err := presignPutObject(pc, ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (p *S3Presigner) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	pc, err := p.client(ctx)
	if err != nil {
		return "", err
	}
	req, err := presignGetObject(pc, ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.S3Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// AttachmentService hands out upload and download URLs for task files.
type AttachmentService struct {
	entities  *EntityService
	presigner Presigner
	ttl       time.Duration
}

func NewAttachmentService(entities *EntityService, presigner Presigner, ttl time.Duration) *AttachmentService {
	return &AttachmentService{entities: entities, presigner: presigner, ttl: ttl}
}

// Upload returns URLs for a new object attached to taskID. The caller must
// be able to read the task.
func (s *AttachmentService) Upload(ctx context.Context, userID, taskID string, req wire.AttachmentRequest) (*wire.AttachmentResponse, error) {
	name := strings.TrimSpace(req.FileName)
	if name == "" {
		return nil, common.NewValidationError("fileName", "is required")
	}
	task, err := s.entities.Get(ctx, userID, domain.KindTask, taskID)
	if err != nil {
		return nil, err
	}
	if task.Deleted() {
		return nil, common.ErrNotFound
	}

	key := attachmentKey(taskID, name)
	put, err := s.presigner.PresignPut(ctx, key, req.ContentType, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}
	get, err := s.presigner.PresignGet(ctx, key, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("presign get: %w", err)
	}
	return &wire.AttachmentResponse{
		Key:         key,
		UploadURL:   put,
		DownloadURL: get,
		ExpiresIn:   int64(s.ttl / time.Second),
	}, nil
}

func attachmentKey(taskID, fileName string) string {
	return fmt.Sprintf("tasks/%s/%s%s", taskID, uuid.NewString(), strings.ToLower(path.Ext(fileName)))
}
