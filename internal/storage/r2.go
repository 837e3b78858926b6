// Package storage generates presigned URLs against an R2 bucket.
// No file bytes pass through this package; clients and workers talk to
// the returned URLs directly.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SignedPair is a presigned upload URL plus the public URL the object
// will be readable from once uploaded.
type SignedPair struct {
	Key         string `json:"key"`
	UploadURL   string `json:"upload_url"`
	DownloadURL string `json:"download_url"`
}

type Gateway struct {
	presign   *s3.PresignClient
	bucket    string
	publicURL string
	ttl       time.Duration
}

func NewR2Gateway(ctx context.Context, accountID, accessKeyID, secretAccessKey, bucket, publicURL string, ttl time.Duration) (*Gateway, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Gateway{
		presign:   s3.NewPresignClient(client),
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		ttl:       ttl,
	}, nil
}

// GenerateUpload presigns a PUT for key and returns it together with the
// public download URL the object will have after the upload. Errors are
// surfaced to the caller, never retried here.
func (g *Gateway) GenerateUpload(ctx context.Context, key string) (*SignedPair, error) {
	req, err := g.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	}, s3.WithPresignExpires(g.ttl))
	if err != nil {
		return nil, fmt.Errorf("presign put %s: %w", key, err)
	}

	return &SignedPair{
		Key:         key,
		UploadURL:   req.URL,
		DownloadURL: g.publicURL + "/" + key,
	}, nil
}
