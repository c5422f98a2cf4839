package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

// multipartThreshold is the encoded size above which snapshots are uploaded
// in parts.
const multipartThreshold = 16 * 1024 * 1024

// SnapshotArchiver keeps every saved snapshot under
// snapshots/<market>/<outcome>/<watermark>.json. It implements
// domain.SnapshotArchiver.
type SnapshotArchiver struct {
	writer domain.ObjectWriter
	reader domain.ObjectReader
}

// NewSnapshotArchiver creates a SnapshotArchiver. reader may be nil if
// Latest is never called.
func NewSnapshotArchiver(w domain.ObjectWriter, r domain.ObjectReader) *SnapshotArchiver {
	return &SnapshotArchiver{writer: w, reader: r}
}

// SnapshotPrefix is the key prefix of a book's archived snapshots.
func SnapshotPrefix(key domain.BookKey) string {
	return "snapshots/" + url.PathEscape(key.MarketKey) + "/" + strconv.Itoa(key.OutcomeIndex) + "/"
}

// SnapshotPath is the object key of one archived snapshot.
func SnapshotPath(key domain.BookKey, watermark uint64) string {
	return SnapshotPrefix(key) + strconv.FormatUint(watermark, 10) + ".json"
}

// Archive uploads snap. A snapshot already archived at the same watermark is
// left alone.
func (a *SnapshotArchiver) Archive(ctx context.Context, snap *domain.Snapshot) error {
	p := SnapshotPath(snap.Book, snap.SequenceWatermark)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, p)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("s3blob: encode snapshot %s: %w", snap.Book, err)
	}
	if len(data) > multipartThreshold {
		return a.writer.PutMultipart(ctx, p, bytes.NewReader(data), minPartSize)
	}
	return a.writer.Put(ctx, p, bytes.NewReader(data), "application/json")
}

// Latest downloads the archived snapshot with the highest watermark for key.
// It returns domain.ErrNotFound when none exists.
func (a *SnapshotArchiver) Latest(ctx context.Context, key domain.BookKey) (*domain.Snapshot, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: latest snapshot %s: %w", key, domain.ErrNotFound)
	}
	infos, err := a.reader.List(ctx, SnapshotPrefix(key))
	if err != nil {
		return nil, err
	}
	best, found := uint64(0), ""
	for _, info := range infos {
		name := strings.TrimSuffix(path.Base(info.Key), ".json")
		wm, err := strconv.ParseUint(name, 10, 64)
		if err != nil || (found != "" && wm <= best) {
			continue
		}
		best, found = wm, info.Key
	}
	if found == "" {
		return nil, fmt.Errorf("s3blob: latest snapshot %s: %w", key, domain.ErrNotFound)
	}

	body, err := a.reader.Get(ctx, found)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var snap domain.Snapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("s3blob: decode snapshot %s: %w", found, err)
	}
	return &snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotArchiver = (*SnapshotArchiver)(nil)
