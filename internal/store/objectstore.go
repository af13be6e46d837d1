package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
)

const (
	defaultObjectStoreEndpoint = "s3.amazonaws.com"
	defaultObjectStoreRegion   = "us-east-1"
	jsonContentType            = "application/json"
)

// ObjectStoreConfig captures configuration for the object storage backed credential store.
type ObjectStoreConfig struct {
	Bucket string
	Prefix string
	// Endpoint is host[:port] or an http(s):// URL. Empty means AWS S3.
	Endpoint  string
	Region    string
	PathStyle bool
	// Creds overrides the ambient credential chain.
	Creds     *credentials.Credentials
	Transport http.RoundTripper
}

// ObjectStore persists one encrypted JSON object per identity under a prefix in
// an S3-compatible bucket. The client is built once and shared by every call.
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
}

// NewObjectStore initializes an object storage backed credential store.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.Prefix = strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	cfg.Region = strings.TrimSpace(cfg.Region)
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = defaultObjectStoreRegion
	}

	endpoint, secure, err := normalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	creds := cfg.Creds
	if creds == nil {
		creds = ambientCredentials()
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    secure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectStore{client: client, cfg: cfg}, nil
}

// ambientCredentials resolves credentials the way AWS tooling does: environment
// variables, then the shared credentials file, then the instance or task role.
func ambientCredentials() *credentials.Credentials {
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{
			Client: &http.Client{Transport: http.DefaultTransport},
		},
	})
}

func normalizeEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return defaultObjectStoreEndpoint, true, nil
	}
	secure := true
	switch {
	case strings.HasPrefix(strings.ToLower(endpoint), "http://"):
		secure = false
		endpoint = endpoint[len("http://"):]
	case strings.HasPrefix(strings.ToLower(endpoint), "https://"):
		endpoint = endpoint[len("https://"):]
	case strings.Contains(endpoint, "://"):
		return "", false, fmt.Errorf("object store: unsupported endpoint scheme in %q (only http and https are allowed)", raw)
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if endpoint == "" {
		return "", false, fmt.Errorf("object store: endpoint %q is missing host information", raw)
	}
	return endpoint, secure, nil
}

// Location implements Store.
func (s *ObjectStore) Location() string {
	if s.cfg.Prefix == "" {
		return "s3://" + s.cfg.Bucket
	}
	return "s3://" + s.cfg.Bucket + "/" + s.cfg.Prefix
}

// Check implements Store by confirming the bucket exists and is accessible.
func (s *ObjectStore) Check(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return s.classify("", err, "check bucket")
	}
	if !exists {
		return autherr.New(autherr.KindBackendUnavailable, "", "bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

// Save implements Store. Objects are written with a JSON content type and
// server-side encryption.
func (s *ObjectStore) Save(ctx context.Context, identity string, cred *credential.Credential) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	if cred == nil {
		return autherr.New(autherr.KindInvalidRequest, identity, "credential is nil")
	}
	raw, err := cred.Marshal()
	if err != nil {
		return fmt.Errorf("object store: marshal %s: %w", identity, err)
	}
	key := s.prefixedKey(recordName(identity))
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType:          jsonContentType,
		ServerSideEncryption: encrypt.NewSSE(),
	})
	if err != nil {
		return s.classify(identity, err, "put object "+key)
	}
	log.WithFields(log.Fields{"identity": identity, "key": key}).Debug("object store: credential saved")
	return nil
}

// Load implements Store.
func (s *ObjectStore) Load(ctx context.Context, identity string) (*credential.Credential, bool, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, false, err
	}
	key := s.prefixedKey(recordName(identity))
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return nil, false, nil
		}
		return nil, false, s.classify(identity, err, "get object "+key)
	}
	defer func() { _ = object.Close() }()

	data, err := io.ReadAll(object)
	if err != nil {
		if isObjectNotFound(err) {
			return nil, false, nil
		}
		return nil, false, s.classify(identity, err, "read object "+key)
	}
	cred, err := credential.Unmarshal(identity, data)
	if err != nil {
		log.WithFields(log.Fields{"identity": identity, "key": key}).WithError(err).Error("object store: stored record is corrupt")
		return nil, false, err
	}
	return cred, true, nil
}

// List implements Store. ListObjects follows continuation tokens internally, so
// every page under the prefix is visited.
func (s *ObjectStore) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefix := s.prefixedKey("")
	objectCh := s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	identities := make([]string, 0, 16)
	for object := range objectCh {
		if object.Err != nil {
			return nil, s.classify("", object.Err, "list objects")
		}
		rel := strings.TrimPrefix(object.Key, prefix)
		if rel == "" || strings.Contains(rel, "/") {
			continue
		}
		if identity, ok := identityFromName(rel); ok {
			identities = append(identities, identity)
		}
	}
	sort.Strings(identities)
	return identities, nil
}

// Delete implements Store. Removing a missing object succeeds.
func (s *ObjectStore) Delete(ctx context.Context, identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	key := s.prefixedKey(recordName(identity))
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return nil
		}
		return s.classify(identity, err, "delete object "+key)
	}
	return nil
}

func (s *ObjectStore) prefixedKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

func (s *ObjectStore) classify(identity string, err error, op string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchBucket":
		return autherr.Wrap(autherr.KindBackendUnavailable, identity, err, fmt.Sprintf("object store: %s: bucket %s does not exist", op, s.cfg.Bucket))
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
		return autherr.Wrap(autherr.KindAccessDenied, identity, err, fmt.Sprintf("object store: %s: access denied to %s", op, s.Location()))
	default:
		return autherr.Wrap(autherr.KindBackendUnavailable, identity, err, "object store: "+op)
	}
}

// isObjectNotFound reports a missing key. A missing bucket is a configuration
// failure and is deliberately not treated as not found.
func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return true
	case "NoSuchBucket":
		return false
	}
	return resp.StatusCode == http.StatusNotFound
}
