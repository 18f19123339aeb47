package offline0

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"offline0/internal/logger"
)

type DrainResult struct {
	Tag       string   `json:"tag"`
	Succeeded []uint64 `json:"succeeded"`
	Failed    []uint64 `json:"failed"`
}

// Replayer drains outbox records through the transport. At most one drain
// per tag runs at a time; a signal that arrives during a drain joins it and
// receives the same result, so overlapping signals never replay a record
// twice.
type Replayer struct {
	store     OutboxStore
	transport Transport
	metrics   *Metrics

	group singleflight.Group
}

func NewReplayer(store OutboxStore, transport Transport, metrics *Metrics) *Replayer {
	return &Replayer{store: store, transport: transport, metrics: metrics}
}

func (r *Replayer) Drain(ctx context.Context, tag string) (DrainResult, error) {
	// joined callers share this drain, so it must outlive the caller that
	// started it
	dctx := context.WithoutCancel(ctx)
	v, err, shared := r.group.Do(tag, func() (any, error) {
		return r.drain(dctx, tag)
	})
	if shared {
		logger.Debug("joined in-flight drain", logger.KeyTag, tag)
	}
	if err != nil {
		return DrainResult{Tag: tag}, err
	}
	return v.(DrainResult), nil
}

// drain makes exactly one attempt per record in the snapshot taken at
// start. Records are replayed in id order; a failure does not stop the
// pass.
func (r *Replayer) drain(ctx context.Context, tag string) (DrainResult, error) {
	res := DrainResult{Tag: tag, Succeeded: []uint64{}, Failed: []uint64{}}
	start := time.Now()

	records, err := r.store.ListAll(tag)
	if err != nil {
		return res, fmt.Errorf("drain %s: %w", tag, err)
	}
	for _, rec := range records {
		if r.replay(ctx, rec) {
			res.Succeeded = append(res.Succeeded, rec.ID)
		} else {
			res.Failed = append(res.Failed, rec.ID)
		}
	}

	logger.Info("drain finished",
		logger.KeyTag, tag,
		"succeeded", len(res.Succeeded),
		"failed", len(res.Failed),
		logger.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (r *Replayer) replay(ctx context.Context, rec OutboxRecord) bool {
	req := Request{
		Method: rec.Method,
		URL:    rec.URL,
		Header: cloneHeader(rec.Header),
		Body:   rec.Body,
		Mode:   ModeSubresource,
	}
	resp, err := r.transport.Fetch(ctx, req)
	if errors.Is(err, ErrResponseUnreadable) {
		// delivered; only the status decides
		logger.Warn("replay response unreadable", logger.KeyTag, rec.Tag, logger.KeyID, rec.ID, logger.KeyStatus, resp.Status, logger.Err(err))
		err = nil
	}
	if err != nil {
		logger.Debug("replay failed", logger.KeyTag, rec.Tag, logger.KeyID, rec.ID, logger.Err(err))
		r.metrics.ObserveReplay(rec.Tag, false)
		return false
	}
	if resp.Status < 200 || resp.Status >= 300 {
		logger.Warn("replay rejected", logger.KeyTag, rec.Tag, logger.KeyID, rec.ID, logger.KeyStatus, resp.Status)
		r.metrics.ObserveReplay(rec.Tag, false)
		return false
	}
	if err := r.store.Delete(rec.ID); err != nil {
		// delivered but still queued; the next drain will send it again
		logger.Error("outbox delete failed", logger.KeyTag, rec.Tag, logger.KeyID, rec.ID, logger.Err(err))
		r.metrics.ObserveReplay(rec.Tag, false)
		return false
	}
	r.metrics.ObserveReplay(rec.Tag, true)
	logger.Debug("replayed", logger.KeyTag, rec.Tag, logger.KeyID, rec.ID, logger.KeyMethod, rec.Method, logger.KeyURL, rec.URL)
	return true
}
