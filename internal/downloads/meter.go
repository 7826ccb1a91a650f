// Package downloads meters package downloads: a per-(ip, version) suppressor in
// Redis gates a durable log_version_download task that appends the event and bumps
// the version's counter.
package downloads

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/queue"
)

// Suppressor creates a key only if it is absent.
type Suppressor interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Recorder persists one download event.
type Recorder interface {
	RecordDownload(ctx context.Context, versionID int64, at time.Time) error
}

// LogDownloadPayload is the log_version_download task body.
type LogDownloadPayload struct {
	VersionID int64     `json:"version_id"`
	Timestamp time.Time `json:"ts"`
}

// MeterConfig toggles and sizes suppression.
type MeterConfig struct {
	Enabled bool
	TTL     time.Duration
}

// Meter records downloads at most once per suppression window.
type Meter struct {
	log        *zap.Logger
	clock      clock.Clock
	suppressor Suppressor
	queue      queue.Enqueuer
	recorder   Recorder
	conf       MeterConfig
}

func NewMeter(log *zap.Logger, clk clock.Clock, suppressor Suppressor, q queue.Enqueuer, recorder Recorder, conf MeterConfig) *Meter {
	return &Meter{
		log:        log.Named("downloads"),
		clock:      clk,
		suppressor: suppressor,
		queue:      q,
		recorder:   recorder,
		conf:       conf,
	}
}

// SuppressionKey is the Redis key guarding one (ip, version) pair.
func SuppressionKey(ip string, versionID int64) string {
	return fmt.Sprintf("metrics.%s.download.%d", ip, versionID)
}

// Record enqueues a download event unless metering is off, the client address is
// unknown, or the pair was already recorded within the window. It reports whether
// an event was enqueued.
func (m *Meter) Record(ctx context.Context, versionID int64, ip string) (bool, error) {
	if !m.conf.Enabled || ip == "" {
		return false, nil
	}

	key := SuppressionKey(ip, versionID)
	created, err := m.suppressor.SetNX(ctx, key, m.conf.TTL)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	payload := LogDownloadPayload{VersionID: versionID, Timestamp: m.clock.Now()}
	if err := m.queue.Enqueue(ctx, queue.LogVersionDownload, payload); err != nil {
		// the event was never queued, so the window must not hold
		if delErr := m.suppressor.Del(ctx, key); delErr != nil {
			m.log.Warn("failed to release download suppression", zap.String("key", key), zap.Error(delErr))
		}
		return false, err
	}
	return true, nil
}

// HandleLogDownload is the log_version_download task handler.
func (m *Meter) HandleLogDownload(ctx context.Context, t *queue.Task) error {
	var p LogDownloadPayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	if err := m.recorder.RecordDownload(ctx, p.VersionID, p.Timestamp); err != nil {
		return err
	}
	m.log.Debug("download recorded", zap.Int64("version", p.VersionID))
	return nil
}
