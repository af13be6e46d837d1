package store

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7/pkg/credentials"
)

// fakeS3 speaks the subset of the S3 REST API the object store uses, with
// path-style addressing and a fixed list page size so pagination is exercised.
type fakeS3 struct {
	mu        sync.Mutex
	bucket    string
	objects   map[string]fakeObject
	putHeads  []http.Header
	listCalls int
	deny      bool
	pageSize  int
}

type fakeObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

type fakeS3Error struct {
	XMLName    xml.Name `xml:"Error"`
	Code       string   `xml:"Code"`
	Message    string   `xml:"Message"`
	BucketName string   `xml:"BucketName,omitempty"`
	Key        string   `xml:"Key,omitempty"`
}

type fakeListEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int    `xml:"Size"`
}

type fakeListResult struct {
	XMLName               xml.Name        `xml:"ListBucketResult"`
	Name                  string          `xml:"Name"`
	Prefix                string          `xml:"Prefix"`
	KeyCount              int             `xml:"KeyCount"`
	MaxKeys               int             `xml:"MaxKeys"`
	IsTruncated           bool            `xml:"IsTruncated"`
	NextContinuationToken string          `xml:"NextContinuationToken,omitempty"`
	Contents              []fakeListEntry `xml:"Contents"`
}

func newFakeS3(t *testing.T, bucket string) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{bucket: bucket, objects: make(map[string]fakeObject), pageSize: 2}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func newObjectStoreForTest(t *testing.T, srv *httptest.Server, base string) Store {
	t.Helper()
	s, err := New(base, Options{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		PathStyle: true,
		Creds:     credentials.NewStaticV4("AKIDTEST", "SECRETTEST", ""),
	})
	if err != nil {
		t.Fatalf("New(%q) error: %v", base, err)
	}
	return s
}

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{data: data, contentType: "application/json", modified: time.Now().UTC()}
}

func (f *fakeS3) get(key string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")

	if f.deny {
		writeFakeS3Error(w, http.StatusForbidden, "AccessDenied", bucket, key)
		return
	}
	if bucket != f.bucket {
		writeFakeS3Error(w, http.StatusNotFound, "NoSuchBucket", bucket, "")
		return
	}

	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "":
		f.list(w, r)
	case r.Method == http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeFakeS3Error(w, http.StatusBadRequest, "IncompleteBody", bucket, key)
			return
		}
		if strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") ||
			strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
			if body, err = decodeAWSChunked(body); err != nil {
				writeFakeS3Error(w, http.StatusBadRequest, "IncompleteBody", bucket, key)
				return
			}
		}
		f.putHeads = append(f.putHeads, r.Header.Clone())
		f.objects[key] = fakeObject{data: body, contentType: r.Header.Get("Content-Type"), modified: time.Now().UTC()}
		w.Header().Set("ETag", `"`+fakeETag(body)+`"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			writeFakeS3Error(w, http.StatusNotFound, "NoSuchKey", bucket, key)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		w.Header().Set("ETag", `"`+fakeETag(obj.data)+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(obj.data)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeFakeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", bucket, key)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	f.listCalls++
	query := r.URL.Query()
	prefix := query.Get("prefix")

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if token := query.Get("continuation-token"); token != "" {
		start, _ = strconv.Atoi(token)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}
	result := fakeListResult{Name: f.bucket, Prefix: prefix, MaxKeys: f.pageSize}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		result.Contents = append(result.Contents, fakeListEntry{
			Key:          k,
			LastModified: obj.modified.Format(time.RFC3339),
			ETag:         `"` + fakeETag(obj.data) + `"`,
			Size:         len(obj.data),
		})
	}
	result.KeyCount = len(result.Contents)
	if end < len(keys) {
		result.IsTruncated = true
		result.NextContinuationToken = strconv.Itoa(end)
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(result)
}

func writeFakeS3Error(w http.ResponseWriter, status int, code, bucket, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(fakeS3Error{Code: code, Message: code, BucketName: bucket, Key: key})
}

// decodeAWSChunked strips the aws-chunked framing minio-go uses for streaming
// signed uploads over plain HTTP.
func decodeAWSChunked(body []byte) ([]byte, error) {
	var out bytes.Buffer
	r := bufio.NewReader(bytes.NewReader(body))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err = io.CopyN(&out, r, size); err != nil {
			return nil, err
		}
		if _, err = r.Discard(2); err != nil {
			return nil, err
		}
	}
}

func fakeETag(data []byte) string {
	var sum uint32
	for _, b := range data {
		sum = sum*31 + uint32(b)
	}
	return fmt.Sprintf("%08x", sum)
}
