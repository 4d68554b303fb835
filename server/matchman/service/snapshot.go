package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"

	commonlog "skilltrade_server/server/common/log"
)

// SnapshotStore mirrors the committed store files into an object bucket.
type SnapshotStore struct {
	client *minio.Client
	bucket string
	prefix string

	mu      sync.Mutex
	lastSeq uint64
	pending sync.WaitGroup
}

func NewSnapshotStore(client *minio.Client, bucket, prefix string) *SnapshotStore {
	return &SnapshotStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *SnapshotStore) objectKey(name string) string {
	return path.Join(s.prefix, name)
}

// Schedule uploads the pair in the background. Uploads older than the last
// successful one are skipped.
func (s *SnapshotStore) Schedule(seq uint64, index, metadata []byte) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := s.Upload(ctx, seq, index, metadata); err != nil {
			commonlog.Warnf("event=vector_snapshot action=upload status=failed bucket=%s seq=%d error=%v", s.bucket, seq, err)
		}
	}()
}

// Wait blocks until every scheduled upload has finished.
func (s *SnapshotStore) Wait() {
	s.pending.Wait()
}

func (s *SnapshotStore) Upload(ctx context.Context, seq uint64, index, metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq {
		return nil
	}
	if err := s.put(ctx, MetadataFileName, metadata, "application/json"); err != nil {
		return err
	}
	if err := s.put(ctx, IndexFileName, index, "application/octet-stream"); err != nil {
		return err
	}
	s.lastSeq = seq
	commonlog.Infof("event=vector_snapshot action=upload status=ok bucket=%s seq=%d index_bytes=%d metadata_bytes=%d", s.bucket, seq, len(index), len(metadata))
	return nil
}

func (s *SnapshotStore) put(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// Download fetches the latest uploaded pair.
func (s *SnapshotStore) Download(ctx context.Context) ([]byte, []byte, error) {
	index, err := s.get(ctx, IndexFileName)
	if err != nil {
		return nil, nil, err
	}
	metadata, err := s.get(ctx, MetadataFileName)
	if err != nil {
		return nil, nil, err
	}
	return index, metadata, nil
}

func (s *SnapshotStore) get(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}
