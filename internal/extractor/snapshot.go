package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// SnapshotMode selects which rendered pages are archived.
type SnapshotMode string

// Snapshot modes.
const (
	SnapshotAll      SnapshotMode = "all"
	SnapshotFailures SnapshotMode = "failures"
)

// Archiver writes rendered pages to blob storage under <prefix>/<site>/<sha256>.html.
type Archiver struct {
	blobs  watch.BlobStore
	hasher watch.Hasher
	prefix string
	mode   SnapshotMode
	logger *zap.Logger
}

// NewArchiver constructs an Archiver.
func NewArchiver(blobs watch.BlobStore, hasher watch.Hasher, prefix string, mode SnapshotMode, logger *zap.Logger) (*Archiver, error) {
	if blobs == nil || hasher == nil {
		return nil, errors.New("archiver requires a blob store and a hasher")
	}
	switch mode {
	case SnapshotAll, SnapshotFailures:
	case "":
		mode = SnapshotFailures
	default:
		return nil, fmt.Errorf("unknown snapshot mode %q", mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{blobs: blobs, hasher: hasher, prefix: prefix, mode: mode, logger: logger.Named("snapshot")}, nil
}

// Archive stores html when the mode asks for it. Archival problems are logged and never fail extraction.
// It returns the blob URI, or "" when nothing was written.
func (a *Archiver) Archive(ctx context.Context, rawURL string, html []byte, parseErr error) string {
	var renderErr *watch.RenderError
	if a.mode == SnapshotFailures && !errors.As(parseErr, &renderErr) {
		return ""
	}
	if len(html) == 0 {
		return ""
	}
	digest, err := a.hasher.Hash(html)
	if err != nil {
		metrics.ObserveSnapshot(err)
		a.logger.Warn("hash snapshot failed", zap.String("url", rawURL), zap.Error(err))
		return ""
	}
	objectPath := path.Join(a.prefix, metrics.SanitizeSite(rawURL), digest+".html")
	uri, err := a.blobs.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(html))
	metrics.ObserveSnapshot(err)
	if err != nil {
		a.logger.Warn("store snapshot failed", zap.String("url", rawURL), zap.Error(err))
		return ""
	}
	a.logger.Info("archived page", zap.String("url", rawURL), zap.String("uri", uri))
	return uri
}
