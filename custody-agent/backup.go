package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/bunwallet/bund/custody-agent/storage"
)

// BackupManager periodically uploads encrypted store snapshots to S3.
// Snapshots are already encrypted and HMAC-protected by the store; S3
// only ever sees ciphertext.
type BackupManager struct {
	store    *storage.Store
	client   *s3.Client
	bucket   string
	prefix   string
	agentID  string
	interval time.Duration
}

// NewBackupManager creates a backup manager
func NewBackupManager(ctx context.Context, store *storage.Store, cfg BackupConfig, agentID string) (*BackupManager, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	return &BackupManager{
		store:    store,
		client:   s3.NewFromConfig(awsCfg),
		bucket:   cfg.Bucket,
		prefix:   cfg.KeyPrefix,
		agentID:  agentID,
		interval: interval,
	}, nil
}

// Run uploads a backup every interval until the context is cancelled.
// Upload failures are logged and retried next interval.
func (bm *BackupManager) Run(ctx context.Context) {
	ticker := time.NewTicker(bm.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", bm.interval).Str("bucket", bm.bucket).Msg("Backup manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Backup manager stopping")
			return
		case <-ticker.C:
			if err := bm.BackupNow(ctx); err != nil {
				log.Error().Err(err).Msg("Backup failed, will retry")
			}
		}
	}
}

// BackupNow creates and uploads a snapshot immediately
func (bm *BackupManager) BackupNow(ctx context.Context) error {
	backup, err := bm.store.CreateBackup()
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}

	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}

	key := fmt.Sprintf("%s%s/%d.json", bm.prefix, bm.agentID, backup.CreatedAt)
	_, err = bm.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &bm.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}

	log.Info().
		Str("key", key).
		Int64("rollback_counter", backup.RollbackCounter).
		Msg("Backup uploaded")
	return nil
}

// RestoreLatest fetches the most recent snapshot and restores it into
// the store. The store rejects snapshots older than its current state.
func (bm *BackupManager) RestoreLatest(ctx context.Context) error {
	prefix := fmt.Sprintf("%s%s/", bm.prefix, bm.agentID)

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(bm.client, &s3.ListObjectsV2Input{
		Bucket: &bm.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("S3 ListObjects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}

	if len(keys) == 0 {
		return fmt.Errorf("no backups found under %s", prefix)
	}

	// Keys embed the creation timestamp, so lexicographic order is
	// chronological within an agent prefix.
	sort.Strings(keys)
	latest := keys[len(keys)-1]

	result, err := bm.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bm.bucket,
		Key:    &latest,
	})
	if err != nil {
		return fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("failed to read backup object: %w", err)
	}

	var backup storage.BackupData
	if err := json.Unmarshal(data, &backup); err != nil {
		return fmt.Errorf("failed to parse backup: %w", err)
	}

	if err := bm.store.RestoreBackup(&backup); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}

	log.Info().Str("key", latest).Msg("Backup restored")
	return nil
}
