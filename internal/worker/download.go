package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/bodhi-local/bodhigate/internal"
)

// downloadStore is the slice of storage.DownloadStore this worker needs.
type downloadStore interface {
	ListDownloads(ctx context.Context, status gateway.DownloadStatus, offset, limit int) ([]*gateway.DownloadRequest, error)
}

// DownloadPoller periodically reports the depth of the pending download
// queue. Executing the actual HuggingFace file transfer is an external
// collaborator's job; this worker only keeps the queue's pending count
// visible so an operator notices a stuck download.
type DownloadPoller struct {
	store    downloadStore
	interval time.Duration
	logger   *slog.Logger
}

// NewDownloadPoller creates a DownloadPoller that checks store every interval.
func NewDownloadPoller(store downloadStore, interval time.Duration, logger *slog.Logger) *DownloadPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadPoller{store: store, interval: interval, logger: logger}
}

// Name implements Worker.
func (p *DownloadPoller) Name() string { return "download_poller" }

// Run implements Worker: polls the pending download queue until ctx is
// cancelled.
func (p *DownloadPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pending, err := p.store.ListDownloads(ctx, gateway.DownloadPending, 0, 1000)
			if err != nil {
				p.logger.Warn("download queue poll failed", "error", err)
				continue
			}
			if len(pending) > 0 {
				p.logger.Info("download queue depth", "pending", len(pending))
			}
		}
	}
}
