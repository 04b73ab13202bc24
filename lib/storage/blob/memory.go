package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Adapter used by tests. It mirrors the relevant
// S3 semantics: last-write-wins keys, md5 etags, multipart assembly, and
// delete-of-missing-key success.
type Memory struct {
	clock clockwork.Clock

	mu      sync.Mutex
	objects map[string]memObject
	uploads map[string]*memUpload
	nextID  int
}

type memObject struct {
	data []byte
	info ObjectInfo
}

type memUpload struct {
	key   string
	parts map[int32]memPart
	info  ObjectInfo
}

type memPart struct {
	data []byte
	etag string
}

// NewMemory builds an empty in-memory adapter.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:   clock,
		objects: make(map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (m *Memory) UploadObject(ctx context.Context, key, version string, body io.Reader, mimeType, cacheControl string) (ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return ObjectInfo{}, trace.Wrap(err)
	}
	info := ObjectInfo{
		Size:         int64(len(data)),
		MimeType:     mimeType,
		CacheControl: cacheControl,
		ETag:         etagOf(data),
		LastModified: m.clock.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[VersionedKey(key, version)] = memObject{data: data, info: info}
	return info, nil
}

func (m *Memory) GetObject(ctx context.Context, key, version string, opts GetOptions) (*ObjectReader, error) {
	m.mu.Lock()
	obj, ok := m.objects[VersionedKey(key, version)]
	m.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("blob %v not found", VersionedKey(key, version))
	}
	if opts.IfNoneMatch != "" && opts.IfNoneMatch == obj.info.ETag {
		return &ObjectReader{NotModified: true}, nil
	}
	if opts.IfModifiedSince != nil && !obj.info.LastModified.After(*opts.IfModifiedSince) {
		return &ObjectReader{NotModified: true}, nil
	}

	data := obj.data
	contentRange := ""
	if opts.Range != nil {
		start, end := opts.Range.Start, opts.Range.End
		if start < 0 || start >= int64(len(data)) {
			return nil, trace.BadParameter("range start %d out of bounds", start)
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))
		data = data[start : end+1]
	}
	info := obj.info
	info.Size = int64(len(data))
	return &ObjectReader{
		Body:         io.NopCloser(bytes.NewReader(data)),
		Info:         info,
		ContentRange: contentRange,
	}, nil
}

func (m *Memory) HeadObject(ctx context.Context, key, version string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[VersionedKey(key, version)]
	if !ok {
		return ObjectInfo{}, trace.NotFound("blob %v not found", VersionedKey(key, version))
	}
	return obj.info, nil
}

func (m *Memory) CopyObject(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string, opts CopyOptions) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.objects[VersionedKey(srcKey, srcVersion)]
	if !ok {
		return ObjectInfo{}, trace.NotFound("blob %v not found", VersionedKey(srcKey, srcVersion))
	}
	if opts.Conditions.IfMatch != "" && opts.Conditions.IfMatch != src.info.ETag {
		return ObjectInfo{}, trace.CompareFailed("source etag mismatch")
	}
	if opts.Conditions.IfNoneMatch != "" && opts.Conditions.IfNoneMatch == src.info.ETag {
		return ObjectInfo{}, trace.CompareFailed("source etag matched if-none-match")
	}
	dst := memObject{data: src.data, info: src.info}
	if opts.MimeType != "" {
		dst.info.MimeType = opts.MimeType
	}
	if opts.CacheControl != "" {
		dst.info.CacheControl = opts.CacheControl
	}
	dst.info.LastModified = m.clock.Now().UTC()
	m.objects[VersionedKey(dstKey, dstVersion)] = dst
	return dst.info, nil
}

func (m *Memory) DeleteObject(ctx context.Context, key, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, VersionedKey(key, version))
	return nil
}

func (m *Memory) DeleteObjects(ctx context.Context, versionedKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range versionedKeys {
		delete(m.objects, key)
	}
	return nil
}

func (m *Memory) CreateMultipartUpload(ctx context.Context, key, version, mimeType, cacheControl string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := "upload-" + strconv.Itoa(m.nextID)
	m.uploads[id] = &memUpload{
		key:   VersionedKey(key, version),
		parts: make(map[int32]memPart),
		info:  ObjectInfo{MimeType: mimeType, CacheControl: cacheControl},
	}
	return id, nil
}

func (m *Memory) UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", trace.NotFound("upload %v not found", uploadID)
	}
	etag := etagOf(data)
	up.parts[partNumber] = memPart{data: data, etag: etag}
	return etag, nil
}

func (m *Memory) UploadPartCopy(ctx context.Context, dstKey, dstVersion, uploadID string, partNumber int32, srcKey, srcVersion string, rng *Range) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return "", trace.NotFound("upload %v not found", uploadID)
	}
	src, ok := m.objects[VersionedKey(srcKey, srcVersion)]
	if !ok {
		return "", trace.NotFound("blob %v not found", VersionedKey(srcKey, srcVersion))
	}
	data := src.data
	if rng != nil {
		if rng.Start < 0 || rng.Start >= int64(len(data)) || rng.End < rng.Start {
			return "", trace.BadParameter("invalid copy range")
		}
		end := min(rng.End, int64(len(data))-1)
		data = data[rng.Start : end+1]
	}
	etag := etagOf(data)
	up.parts[partNumber] = memPart{data: data, etag: etag}
	return etag, nil
}

func (m *Memory) CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []UploadedPart) (ObjectInfo, error) {
	if len(parts) == 0 {
		return ObjectInfo{}, trace.BadParameter("multipart upload must have at least one part")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return ObjectInfo{}, trace.NotFound("upload %v not found", uploadID)
	}

	sorted := append([]UploadedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var buf bytes.Buffer
	for _, p := range sorted {
		stored, ok := up.parts[p.PartNumber]
		if !ok {
			return ObjectInfo{}, trace.BadParameter("part %d was never uploaded", p.PartNumber)
		}
		if stored.etag != p.ETag {
			return ObjectInfo{}, trace.BadParameter("part %d etag mismatch", p.PartNumber)
		}
		buf.Write(stored.data)
	}
	data := buf.Bytes()
	info := ObjectInfo{
		Size:         int64(len(data)),
		MimeType:     up.info.MimeType,
		CacheControl: up.info.CacheControl,
		ETag:         etagOf(data) + "-" + strconv.Itoa(len(sorted)),
		LastModified: m.clock.Now().UTC(),
	}
	m.objects[up.key] = memObject{data: data, info: info}
	delete(m.uploads, uploadID)
	return info, nil
}

func (m *Memory) AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return trace.NotFound("upload %v not found", uploadID)
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *Memory) Close() error { return nil }

// Len reports the number of stored blobs, for test assertions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
