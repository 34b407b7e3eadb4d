package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/server/config"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresigner struct {
	putKey, contentType string
	err                 error
}

func (p *fakePresigner) PresignPut(_ context.Context, key, contentType string, _ time.Duration) (string, error) {
	p.putKey, p.contentType = key, contentType
	if p.err != nil {
		return "", p.err
	}
	return "https://s3/put/" + key, nil
}

func (p *fakePresigner) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://s3/get/" + key, nil
}

func TestAttachmentUpload(t *testing.T) {
	f := newEntityFixture(t)
	f.household(t, "u1", "h1")
	f.task(t, "u1", "t1", "h1")
	pre := &fakePresigner{}
	svc := NewAttachmentService(f.svc, pre, 10*time.Minute)
	ctx := context.Background()

	resp, err := svc.Upload(ctx, "u1", "t1", wire.AttachmentRequest{FileName: "Receipt.PNG", ContentType: "image/png"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Key, "tasks/t1/"))
	assert.True(t, strings.HasSuffix(resp.Key, ".png"))
	assert.Equal(t, "https://s3/put/"+resp.Key, resp.UploadURL)
	assert.Equal(t, "https://s3/get/"+resp.Key, resp.DownloadURL)
	assert.Equal(t, int64(600), resp.ExpiresIn)
	assert.Equal(t, "image/png", pre.contentType)

	_, err = svc.Upload(ctx, "u2", "t1", wire.AttachmentRequest{FileName: "a.txt"})
	assert.ErrorIs(t, err, common.ErrForbidden)

	_, err = svc.Upload(ctx, "u1", "t1", wire.AttachmentRequest{})
	assert.ErrorIs(t, err, common.ErrValidation)

	pre.err = errors.New("s3 down")
	_, err = svc.Upload(ctx, "u1", "t1", wire.AttachmentRequest{FileName: "a.txt"})
	assert.ErrorContains(t, err, "s3 down")
}

func TestS3Presigner_UsesConfig(t *testing.T) {
	origLoad, origNew, origPre, origPut, origGet := loadDefaultAWSConfig, newS3ClientFromConfig, newS3PresignClient, presignPutObject, presignGetObject
	t.Cleanup(func() {
		loadDefaultAWSConfig, newS3ClientFromConfig, newS3PresignClient, presignPutObject, presignGetObject = origLoad, origNew, origPre, origPut, origGet
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-west-1", lo.Region)
		return aws.Config{}, nil
	}
	var endpoint string
	var pathStyle bool
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		var o s3.Options
		for _, fn := range optFns {
			fn(&o)
		}
		endpoint, pathStyle = aws.ToString(o.BaseEndpoint), o.UsePathStyle
		return &s3.Client{}
	}
	newS3PresignClient = func(*s3.Client) *s3.PresignClient { return &s3.PresignClient{} }

	var putIn *s3.PutObjectInput
	presignPutObject = func(_ *s3.PresignClient, _ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		putIn = in
		return &v4.PresignedHTTPRequest{URL: "put-url"}, nil
	}
	presignGetObject = func(_ *s3.PresignClient, _ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return nil, errors.New("denied")
	}

	p := NewS3Presigner(&config.Config{
		S3Region:       "eu-west-1",
		S3RootUser:     "minio",
		S3RootPassword: "minio123",
		S3Bucket:       "attachments",
		S3BaseEndpoint: "http://127.0.0.1:9000",
	})

	url, err := p.PresignPut(context.Background(), "tasks/t1/x.png", "image/png", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "put-url", url)
	assert.Equal(t, "http://127.0.0.1:9000", endpoint)
	assert.True(t, pathStyle)
	assert.Equal(t, "attachments", aws.ToString(putIn.Bucket))
	assert.Equal(t, "image/png", aws.ToString(putIn.ContentType))

	_, err = p.PresignGet(context.Background(), "k", time.Minute)
	assert.EqualError(t, err, "denied")
}
