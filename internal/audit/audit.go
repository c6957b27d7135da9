// Package audit emits a structured event for every terminal change
// transition and archives the platform response bodies of dead changes to
// S3 for postmortems.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/logger"
)

// S3API is the slice of the S3 client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Auditor records terminal transitions. Archival is best-effort: an S3
// outage never blocks the executor.
type Auditor struct {
	cfg config.AuditConfig
	s3  S3API
	now func() time.Time
}

// New builds an auditor. When archival is disabled or the S3 client cannot
// be constructed, the auditor still logs terminal events.
func New(ctx context.Context, cfg config.AuditConfig) *Auditor {
	a := &Auditor{cfg: cfg, now: time.Now}
	if !cfg.Enabled {
		return a
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		logger.Error("audit archival disabled: aws config", "error", err.Error())
		return a
	}
	a.s3 = s3.NewFromConfig(awsCfg)
	return a
}

// NewWithClient injects an S3 client. Tests only.
func NewWithClient(cfg config.AuditConfig, client S3API) *Auditor {
	return &Auditor{cfg: cfg, s3: client, now: time.Now}
}

// Terminal logs one structured event per applied or dead change.
func (a *Auditor) Terminal(_ context.Context, h *domain.ChangeHistory) {
	fields := []any{
		"change_id", h.ChangeID,
		"ad_id", h.AdID,
		"account_id", h.AccountID,
		"change_type", string(h.ChangeType),
		"status", string(h.Status),
		"attempts", h.Attempts,
		"latency_ms", h.LatencyMs,
	}
	if h.Error != "" {
		fields = append(fields, "error", h.Error)
	}
	if h.Status == domain.ChangeDead {
		logger.Error("change terminal", fields...)
		return
	}
	logger.Info("change terminal", fields...)
}

// ArchiveDead writes the dead change and its final platform response body
// to S3, keyed by date and change id.
func (a *Auditor) ArchiveDead(ctx context.Context, c *domain.PendingAdChange, errBody string) {
	if a.s3 == nil || a.cfg.S3Bucket == "" {
		return
	}

	doc, err := json.Marshal(map[string]any{
		"change":        c,
		"response_body": errBody,
		"archived_at":   a.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Error("archive marshal failed", "change_id", c.ID, "error", err.Error())
		return
	}

	key := fmt.Sprintf("%s/%s/change-%d.json", a.cfg.Prefix, a.now().UTC().Format("2006-01-02"), c.ID)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.S3Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		logger.Error("archive upload failed", "change_id", c.ID, "key", key, "error", err.Error())
		return
	}
	logger.Info("dead change archived", "change_id", c.ID, "bucket", a.cfg.S3Bucket, "key", key)
}
