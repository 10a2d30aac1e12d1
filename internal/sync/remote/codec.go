package remote

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/models"
)

// Header names shared by the client and the coordinator.
const (
	HeaderDeviceID        = "X-Device-ID"
	HeaderCompression     = "X-Sync-Compression"
	CompressionGzip       = "gzip"
	CompressionNone       = "none"
	maxDecompressedBytes  = 64 << 20
	defaultGzipBufferSize = 4096
)

// UploadResponse is the coordinator reply to POST /sync/upload.
type UploadResponse struct {
	Accepted  int                    `json:"accepted"`
	Conflicts []*models.SyncConflict `json:"conflicts,omitempty"`
}

// DownloadResponse is the coordinator reply to GET /sync/download. When
// Compressed is set, Entities is empty and Data holds the gzip-compressed JSON
// array (base64 on the wire). Cursor is the coordinator receive stamp of the
// newest entity returned; it is the since value of the next download.
type DownloadResponse struct {
	Entities   []*models.SyncEntity `json:"entities"`
	Compressed bool                 `json:"compressed"`
	Data       []byte               `json:"data,omitempty"`
	Cursor     *time.Time           `json:"cursor,omitempty"`
}

// DownloadPage is a decoded download. Cursor is zero when the coordinator
// did not report one.
type DownloadPage struct {
	Entities []*models.SyncEntity
	Cursor   time.Time
}

// EncodeEntities serializes a batch, gzip-compressing it when compress is set.
func EncodeEntities(entities []*models.SyncEntity, compress bool) ([]byte, error) {
	if entities == nil {
		entities = []*models.SyncEntity{}
	}
	data, err := json.Marshal(entities)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if !compress {
		return data, nil
	}
	return Gzip(data)
}

// DecodeEntities parses a batch produced by EncodeEntities.
func DecodeEntities(data []byte, compressed bool) ([]*models.SyncEntity, error) {
	if compressed {
		var err error
		if data, err = Gunzip(data); err != nil {
			return nil, err
		}
	}
	var entities []*models.SyncEntity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return entities, nil
}

// Gzip compresses data.
func Gzip(data []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, defaultGzipBufferSize))
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses data, refusing payloads that expand beyond 64 MiB.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxDecompressedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	if len(out) > maxDecompressedBytes {
		return nil, fmt.Errorf("gunzip: payload exceeds %d bytes", maxDecompressedBytes)
	}
	return out, nil
}
