package backup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/halcyonvault/halcyon/internal/agent"
	"github.com/halcyonvault/halcyon/internal/classify"
	"github.com/halcyonvault/halcyon/pkg/models"
	"github.com/rs/zerolog"
)

// Uploader moves archive files to object storage, either through the
// pre-signed URL the server issues or directly with temporary credentials
// when the server delegates the upload to the agent.
type Uploader struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewUploader(httpClient *http.Client, logger zerolog.Logger) *Uploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Uploader{
		httpClient: httpClient,
		logger:     logger.With().Str("component", "uploader").Logger(),
	}
}

// UploadPresigned streams a local file to the server-issued URL. The file
// is reopened on every call so the caller can retry the whole upload.
func (u *Uploader) UploadPresigned(ctx context.Context, target *agent.UploadTarget, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	method := target.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, f)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &classify.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	u.logger.Debug().
		Str("path", path).
		Int64("bytes", info.Size()).
		Msg("archive uploaded via pre-signed URL")
	return nil
}

// UploadDirect pushes a local file straight to S3 with multipart upload,
// using the temporary credentials the server supplied for this cycle.
func (u *Uploader) UploadDirect(ctx context.Context, creds *models.CloudCredentials, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)),
	)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	uploader := manager.NewUploader(s3.NewFromConfig(cfg))
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(creds.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}

	u.logger.Debug().
		Str("bucket", creds.Bucket).
		Str("key", key).
		Msg("archive uploaded directly to object storage")
	return nil
}
