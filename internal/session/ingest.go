package session

import (
	"errors"
	"fmt"

	"meshbridge/internal/logging"
	"meshbridge/internal/metrics"
	"meshbridge/pkg/types"
)

// IngestCapture stores one uploaded frame in the active session and records its coverage
// FUNCTIONAL DISCOVERY: The image is written before anything is parsed and the count is
// always taken from disk afterwards, so the reported total can never drift from what
// the reconstruction will actually see
func (c *Coordinator) IngestCapture(req *types.CaptureRequest) (*types.IngestResult, error) {
	if req == nil || req.Body == nil {
		return nil, ErrNilCapture
	}

	// any upload proves the phone is alive
	metrics.Heartbeats.WithLabelValues("upload").Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == nil {
		return nil, fmt.Errorf("%w: no active session", ErrPersistence)
	}
	projectID := c.state.ID
	logger := logging.WithProject(projectID).With("filename", req.Filename)

	c.touchLocked("upload", c.state.TotalImages)

	written, err := c.store.SaveCapture(projectID, req.Filename, req.Body)
	if err != nil {
		if errors.Is(err, types.ErrInvalidFilename) {
			metrics.CapturesTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
		metrics.CapturesTotal.WithLabelValues("failed").Inc()
		metrics.PersistenceFailures.Inc()
		logger.Error("Failed to persist capture", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	metrics.CaptureBytes.Observe(float64(written))

	total, err := c.store.CountCaptures(projectID)
	if err != nil {
		metrics.CapturesTotal.WithLabelValues("partial").Inc()
		metrics.PersistenceFailures.Inc()
		logger.Error("Capture stored but recount failed", "error", err)
		return &types.IngestResult{
			Status:      types.IngestStatusPartial,
			ServerTotal: c.state.TotalImages,
			Warning:     fmt.Sprintf("capture stored, recount failed: %v", err),
		}, nil
	}
	c.state.TotalImages = total
	metrics.TotalImages.Set(float64(total))

	r, err := parseReadings(req)
	if err != nil {
		metrics.CapturesTotal.WithLabelValues("partial").Inc()
		metrics.DerivationFailures.Inc()
		logger.Warn("Capture stored without coverage data", "error", err, "total_images", total)
		// no upload event without a record, so dashboards resync the count from a snapshot
		c.broadcastLocked(c.state.snapshot(c.presence.IsPaired()))
		return &types.IngestResult{
			Status:      types.IngestStatusPartial,
			ServerTotal: total,
			Warning:     err.Error(),
		}, nil
	}

	record := types.CaptureRecord{
		Project:             projectID,
		Filename:            req.Filename,
		Azimuth:             r.azimuth,
		Altitude:            r.altitude,
		Focus:               FocusDistance(r.diopter),
		Sector:              Sector(r.azimuth),
		LensIndex:           req.LensIndex,
		LensCalibrated:      req.Calibrated,
		TotalCount:          total,
		ClientReportedCount: req.ClientCount,
	}
	c.state.record(record)

	if req.ClientCount != total {
		logger.Debug("Client count differs from disk", "client_count", req.ClientCount, "total_images", total)
	}

	c.broadcastLocked(types.NewUploadEvent(record))
	metrics.CapturesTotal.WithLabelValues("success").Inc()

	logger.Info("Capture ingested",
		"sector", record.Sector,
		"focus", record.Focus,
		"lens", record.LensIndex,
		"total_images", total)

	return &types.IngestResult{
		Status:      types.IngestStatusSuccess,
		ServerTotal: total,
		Record:      &record,
	}, nil
}
