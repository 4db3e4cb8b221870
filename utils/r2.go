// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	appconfig "battle-orchestrator/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ReceiptArchive stores settlement receipts in Cloudflare R2.
type ReceiptArchive struct {
	client     *s3.Client
	bucket     string
	cdnBaseURL string
}

func NewReceiptArchive(ctx context.Context, cfg appconfig.ArchiveConfig) (*ReceiptArchive, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	cdn := cfg.CDNBaseURL
	if cdn == "" {
		cdn = endpoint + "/" + cfg.Bucket
	}
	return &ReceiptArchive{
		client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}),
		bucket:     cfg.Bucket,
		cdnBaseURL: strings.TrimRight(cdn, "/"),
	}, nil
}

// ReceiptKey is the object key of a battle's settlement receipt.
func ReceiptKey(battleID string) string {
	return fmt.Sprintf("receipts/%s.json", battleID)
}

// ArchiveReceipt uploads receipt as JSON and returns its public URL.
func (a *ReceiptArchive) ArchiveReceipt(ctx context.Context, battleID string, receipt interface{}) (string, error) {
	body, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode receipt: %w", err)
	}

	key := ReceiptKey(battleID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}

	return publicURL(a.cdnBaseURL, key), nil
}

func publicURL(base, key string) string {
	return fmt.Sprintf("%s/%s", base, key)
}
