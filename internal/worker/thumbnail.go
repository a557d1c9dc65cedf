package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"reliability-core/internal/models"
	"reliability-core/internal/telemetry"
)

// ResultCache is the slice of the cache contract the handler needs.
type ResultCache interface {
	Get(ctx context.Context, tenantID, fingerprint, contextLabel string) (models.CacheEntry, bool, error)
	Put(ctx context.Context, tenantID, fingerprint, contextLabel string, analysis json.RawMessage, ttl time.Duration) (models.CacheEntry, error)
}

// thumbnailPayload is the expected job payload for type thumbnail.generate.
type thumbnailPayload struct {
	TenantID   string `json:"tenant_id"`
	SourcePath string `json:"source_path"`
	OutputPath string `json:"output_path"`
	Width      int    `json:"width"`
}

// thumbnailResult is both the job result and the cached analysis blob.
type thumbnailResult struct {
	OutputPath string `json:"output_path"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	SourceHash string `json:"source_hash"`
}

// ThumbnailHandler resizes local images, caching results per tenant keyed
// by a sha256 fingerprint of the source bytes so a re-upload of identical
// content skips the resize.
type ThumbnailHandler struct {
	cache        ResultCache
	defaultWidth int
	cacheTTL     time.Duration
}

func NewThumbnailHandler(cache ResultCache, cacheTTL time.Duration) *ThumbnailHandler {
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &ThumbnailHandler{
		cache:        cache,
		defaultWidth: 300,
		cacheTTL:     cacheTTL,
	}
}

// Handle processes a single thumbnail job.
func (h *ThumbnailHandler) Handle(ctx context.Context, job *ActiveJob) (json.RawMessage, error) {
	payload, err := h.decodePayload(job)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(payload.SourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("source image missing: %w", err)
		}
		return nil, fmt.Errorf("read source: %w", err)
	}

	sum := sha256.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:])
	contextLabel := fmt.Sprintf("thumbnail:w=%d", payload.Width)

	if entry, ok, err := h.cache.Get(ctx, payload.TenantID, fingerprint, contextLabel); err == nil && ok {
		var cached thumbnailResult
		if json.Unmarshal(entry.Analysis, &cached) == nil && fileExists(cached.OutputPath) {
			telemetry.CacheHits.Inc()
			_ = job.ReportProgress(ctx, 100)
			return entry.Analysis, nil
		}
	}
	telemetry.CacheMisses.Inc()

	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	_ = job.ReportProgress(ctx, 25)

	dst := imaging.Resize(src, payload.Width, 0, imaging.Lanczos)
	_ = job.ReportProgress(ctx, 60)

	if err := os.MkdirAll(filepath.Dir(payload.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := imaging.Save(dst, payload.OutputPath); err != nil {
		return nil, fmt.Errorf("save thumbnail: %w", err)
	}
	_ = job.ReportProgress(ctx, 90)

	result := thumbnailResult{
		OutputPath: payload.OutputPath,
		Width:      dst.Bounds().Dx(),
		Height:     dst.Bounds().Dy(),
		SourceHash: fingerprint,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	if _, err := h.cache.Put(ctx, payload.TenantID, fingerprint, contextLabel, raw, h.cacheTTL); err != nil {
		// The thumbnail itself succeeded; a cache write failure only costs
		// a recompute next time.
		return raw, nil
	}
	return raw, nil
}

func (h *ThumbnailHandler) decodePayload(job *ActiveJob) (thumbnailPayload, error) {
	var payload thumbnailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.TenantID == "" {
		return payload, errors.New("tenant_id is required")
	}
	if payload.SourcePath == "" {
		return payload, errors.New("source_path is required")
	}
	if payload.Width <= 0 {
		payload.Width = h.defaultWidth
	}
	if payload.OutputPath == "" {
		file := filepath.Base(payload.SourcePath)
		payload.OutputPath = filepath.Join(filepath.Dir(payload.SourcePath), "thumb_"+file)
	}
	return payload, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
