// Package blobstore keeps reference images as immutable blobs on disk.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown or malformed blob ids.
var ErrNotFound = errors.New("blob not found")

// ErrChecksumMismatch is returned when stored bytes no longer match their manifest.
var ErrChecksumMismatch = errors.New("blob checksum mismatch")

// DefaultChunkSize is the write granularity used for progress reporting.
const DefaultChunkSize = 64 << 10

// Reference identifies a stored blob.
type Reference struct {
	ID          string    `json:"id" cbor:"1,keyasint"`
	Size        int64     `json:"size" cbor:"2,keyasint"`
	SHA256      string    `json:"sha256" cbor:"3,keyasint"`
	ContentType string    `json:"content_type" cbor:"4,keyasint"`
	CreatedAt   time.Time `json:"created_at" cbor:"5,keyasint"`
}

// Store is durable blob storage. Put is all-or-nothing: on error no
// reference exists and nothing is left behind.
type Store interface {
	Put(ctx context.Context, r io.Reader, size int64, contentType string, onChunk func(written int64)) (Reference, error)
	Get(ctx context.Context, id string) ([]byte, Reference, error)
	Delete(ctx context.Context, id string) error
}

// FileStore writes each blob to <root>/<id> with a CBOR manifest at <root>/<id>.meta.
type FileStore struct {
	root      string
	chunkSize int
	logger    *zap.Logger
}

// NewFileStore creates root if needed.
func NewFileStore(root string, chunkSize int, logger *zap.Logger) (*FileStore, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FileStore{root: root, chunkSize: chunkSize, logger: logger.Named("blobstore")}, nil
}

// Put streams r into a temporary file chunk by chunk, calling onChunk with
// the running byte count, then publishes it atomically.
func (s *FileStore) Put(ctx context.Context, r io.Reader, size int64, contentType string, onChunk func(written int64)) (ref Reference, err error) {
	id := uuid.NewString()
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return Reference{}, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	hash := sha256.New()
	buf := make([]byte, s.chunkSize)
	var written int64
	for {
		if err = ctx.Err(); err != nil {
			return Reference{}, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err = tmp.Write(buf[:n]); err != nil {
				return Reference{}, fmt.Errorf("write blob chunk: %w", err)
			}
			hash.Write(buf[:n])
			written += int64(n)
			if onChunk != nil {
				onChunk(written)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = fmt.Errorf("read blob source: %w", rerr)
			return Reference{}, err
		}
	}
	if size >= 0 && written != size {
		err = fmt.Errorf("short blob: wrote %d of %d bytes", written, size)
		return Reference{}, err
	}
	if err = tmp.Sync(); err != nil {
		return Reference{}, fmt.Errorf("sync blob: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return Reference{}, fmt.Errorf("close blob: %w", err)
	}

	ref = Reference{
		ID:          id,
		Size:        written,
		SHA256:      hex.EncodeToString(hash.Sum(nil)),
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
	meta, err := cbor.Marshal(ref)
	if err != nil {
		return Reference{}, fmt.Errorf("encode manifest: %w", err)
	}
	metaTmp := tmpName + ".meta"
	if err = os.WriteFile(metaTmp, meta, 0o640); err != nil {
		_ = os.Remove(metaTmp)
		return Reference{}, fmt.Errorf("write manifest: %w", err)
	}
	if err = os.Rename(tmpName, s.blobPath(id)); err != nil {
		_ = os.Remove(metaTmp)
		return Reference{}, fmt.Errorf("publish blob: %w", err)
	}
	// The manifest is what makes a blob visible to Get.
	if err = os.Rename(metaTmp, s.metaPath(id)); err != nil {
		_ = os.Remove(metaTmp)
		_ = os.Remove(s.blobPath(id))
		return Reference{}, fmt.Errorf("publish manifest: %w", err)
	}

	s.logger.Debug("blob stored", zap.String("blob_id", id), zap.Int64("size", written))
	return ref, nil
}

// Get returns a blob's bytes after verifying its checksum.
func (s *FileStore) Get(ctx context.Context, id string) ([]byte, Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, Reference{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, Reference{}, ErrNotFound
	}
	meta, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Reference{}, ErrNotFound
	}
	if err != nil {
		return nil, Reference{}, fmt.Errorf("read manifest: %w", err)
	}
	var ref Reference
	if err := cbor.Unmarshal(meta, &ref); err != nil {
		return nil, Reference{}, fmt.Errorf("decode manifest: %w", err)
	}
	data, err := os.ReadFile(s.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Reference{}, ErrNotFound
	}
	if err != nil {
		return nil, Reference{}, fmt.Errorf("read blob: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref.SHA256 {
		return nil, Reference{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, id)
	}
	return data, ref, nil
}

// Delete removes a blob and its manifest. Unknown ids are not an error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove manifest: %w", err)
	}
	if err := os.Remove(s.blobPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

func (s *FileStore) blobPath(id string) string { return filepath.Join(s.root, id) }

func (s *FileStore) metaPath(id string) string { return filepath.Join(s.root, id+".meta") }
