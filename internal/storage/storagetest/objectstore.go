// Package storagetest provides in-memory stand-ins for the storage clients.
package storagetest

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
	"time"

	"github.com/maneesh/pkgrepo/internal/storage"
)

// ObjectStore is an in-memory storage.ObjectStore with multipart semantics.
type ObjectStore struct {
	mu       sync.Mutex
	baseURL  string
	nextID   int
	objects  map[string]object
	uploads  map[string]*multipart
	failures map[string]error
	calls    map[string]int
}

type object struct {
	data []byte
	opts storage.PutOptions
}

type multipart struct {
	key   string
	opts  storage.PutOptions
	parts map[int][]byte
}

var _ storage.ObjectStore = (*ObjectStore)(nil)

// NewObjectStore returns an empty store whose public URLs start with baseURL.
func NewObjectStore(baseURL string) *ObjectStore {
	return &ObjectStore{
		baseURL:  baseURL,
		objects:  map[string]object{},
		uploads:  map[string]*multipart{},
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

// FailNext makes the next call to op return err.
func (s *ObjectStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// Calls returns how many times op was invoked.
func (s *ObjectStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *ObjectStore) enter(op string) error {
	s.calls[op]++
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

// UploadPart plays the client's PUT against a presigned part URL and returns the ETag.
func (s *ObjectStore) UploadPart(uploadID string, partNumber int, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok {
		return "", storage.ErrNoSuchUpload
	}
	up.parts[partNumber] = append([]byte(nil), data...)
	return etag(data), nil
}

// Object returns the stored bytes of key.
func (s *ObjectStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj.data, ok
}

// ObjectCount returns the number of stored objects.
func (s *ObjectStore) ObjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// PendingUploads returns the number of multipart uploads neither completed nor aborted.
func (s *ObjectStore) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *ObjectStore) BeginMultipart(_ context.Context, key string, opts storage.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("BeginMultipart"); err != nil {
		return "", err
	}
	s.nextID++
	id := "mp-" + strconv.Itoa(s.nextID)
	s.uploads[id] = &multipart{key: key, opts: opts, parts: map[int][]byte{}}
	return id, nil
}

func (s *ObjectStore) PresignPart(_ context.Context, key, uploadID string, partNumber int, expiry time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PresignPart"); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s?partNumber=%d&uploadId=%s&expires=%d",
		s.baseURL, key, partNumber, uploadID, int(expiry.Seconds())), nil
}

func (s *ObjectStore) CompleteMultipart(_ context.Context, key, uploadID string, parts []storage.CompletePart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CompleteMultipart"); err != nil {
		return err
	}
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return storage.ErrNoSuchUpload
	}
	if len(parts) == 0 {
		return &storage.ResponseError{Code: "MalformedXML", StatusCode: 400, Message: "no parts"}
	}

	var buf bytes.Buffer
	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			return &storage.ResponseError{Code: "InvalidPartOrder", StatusCode: 400, Message: "parts out of order"}
		}
		prev = p.PartNumber
		data, ok := up.parts[p.PartNumber]
		if !ok || etag(data) != p.ETag {
			return &storage.ResponseError{Code: "InvalidPart", StatusCode: 400, Message: "part " + strconv.Itoa(p.PartNumber)}
		}
		buf.Write(data)
	}
	s.objects[key] = object{data: buf.Bytes(), opts: up.opts}
	delete(s.uploads, uploadID)
	return nil
}

func (s *ObjectStore) AbortMultipart(_ context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AbortMultipart"); err != nil {
		return err
	}
	if _, ok := s.uploads[uploadID]; !ok {
		return storage.ErrNoSuchUpload
	}
	delete(s.uploads, uploadID)
	return nil
}

func (s *ObjectStore) ListParts(_ context.Context, key, uploadID string) ([]storage.PartInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListParts"); err != nil {
		return nil, err
	}
	up, ok := s.uploads[uploadID]
	if !ok {
		return nil, storage.ErrNoSuchUpload
	}
	parts := make([]storage.PartInfo, 0, len(up.parts))
	for n, data := range up.parts {
		parts = append(parts, storage.PartInfo{PartNumber: n, ETag: etag(data), Size: int64(len(data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *ObjectStore) Head(_ context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Head"); err != nil {
		return storage.ObjectInfo{}, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{
		Key:             key,
		Size:            int64(len(obj.data)),
		ETag:            etag(obj.data),
		ContentType:     obj.opts.ContentType,
		ContentEncoding: obj.opts.ContentEncoding,
	}, nil
}

func (s *ObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Get"); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *ObjectStore) Put(_ context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Put"); err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return &storage.ResponseError{Code: "IncompleteBody", StatusCode: 400, Message: "size mismatch"}
	}
	s.objects[key] = object{data: data, opts: opts}
	return nil
}

func (s *ObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Delete"); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

func (s *ObjectStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?signed=1&expires=%d", s.baseURL, key, int(expiry.Seconds())), nil
}

func (s *ObjectStore) PublicURL(key string) string {
	return s.baseURL + "/" + key
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
