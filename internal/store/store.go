// Package store persists one credential record per user identity. Two backends
// implement the same Store contract: a local directory of JSON files and an
// S3-compatible object store. The backend is chosen once at startup from the
// configured base location.
package store

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
)

// recordSuffix is appended to an identity to form its file name or object key.
const recordSuffix = ".json"

// maxIdentityLength bounds identities to the longest valid email address.
const maxIdentityLength = 320

// Store persists credential records keyed by identity.
type Store interface {
	// Save creates or replaces the record for identity.
	Save(ctx context.Context, identity string, cred *credential.Credential) error
	// Load returns the record for identity. A missing record yields found=false and a nil error.
	Load(ctx context.Context, identity string) (*credential.Credential, bool, error)
	// List returns every stored identity in sorted order.
	List(ctx context.Context) ([]string, error)
	// Delete removes the record for identity. Deleting a missing record is not an error.
	Delete(ctx context.Context, identity string) error
	// Check verifies the backend is reachable and correctly configured.
	Check(ctx context.Context) error
	// Location describes where records live, for logs and health output.
	Location() string
}

// Options carries backend settings that cannot be expressed in the base location.
type Options struct {
	// Endpoint overrides the object storage endpoint (S3-compatible services, tests).
	Endpoint string
	// Region is the object storage region. Defaults to us-east-1.
	Region string
	// PathStyle forces path-style bucket addressing.
	PathStyle bool
	// Creds overrides the ambient credential chain. Production leaves it nil.
	Creds *credentials.Credentials
	// Transport overrides the HTTP transport used by the object storage client.
	Transport http.RoundTripper
}

// IsObjectStoreLocation reports whether base names an object storage location.
func IsObjectStoreLocation(base string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(base)), "s3://")
}

// New constructs the Store implied by base: an s3:// URI selects the object
// storage backend, anything else is treated as a local directory.
func New(base string, opts Options) (Store, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, fmt.Errorf("store: base location is empty")
	}
	if IsObjectStoreLocation(base) {
		bucket, prefix, err := ParseObjectStoreLocation(base)
		if err != nil {
			return nil, err
		}
		return NewObjectStore(ObjectStoreConfig{
			Bucket:    bucket,
			Prefix:    prefix,
			Endpoint:  opts.Endpoint,
			Region:    opts.Region,
			PathStyle: opts.PathStyle,
			Creds:     opts.Creds,
			Transport: opts.Transport,
		})
	}
	return NewFileStore(base)
}

// ParseObjectStoreLocation splits s3://bucket/some/prefix into bucket and prefix.
// Repeated slashes in the prefix are collapsed.
func ParseObjectStoreLocation(base string) (bucket, prefix string, err error) {
	trimmed := strings.TrimSpace(base)
	if !IsObjectStoreLocation(trimmed) {
		return "", "", fmt.Errorf("store: %q is not an s3:// location", base)
	}
	rest := trimmed[len("s3://"):]
	parts := strings.SplitN(rest, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if bucket == "" {
		return "", "", fmt.Errorf("store: %q is missing a bucket name", base)
	}
	if len(parts) == 2 {
		segments := strings.Split(parts[1], "/")
		kept := segments[:0]
		for _, seg := range segments {
			if seg != "" {
				kept = append(kept, seg)
			}
		}
		prefix = strings.Join(kept, "/")
	}
	return bucket, prefix, nil
}

// ValidateIdentity rejects identities that cannot safely become a file name or object key.
func ValidateIdentity(identity string) error {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" {
		return autherr.New(autherr.KindInvalidRequest, "", "identity is empty")
	}
	if trimmed != identity {
		return autherr.New(autherr.KindInvalidRequest, "", "identity has surrounding whitespace")
	}
	if len(identity) > maxIdentityLength {
		return autherr.New(autherr.KindInvalidRequest, "", "identity is too long")
	}
	if strings.ContainsAny(identity, `/\`) || strings.Contains(identity, "..") || strings.HasPrefix(identity, ".") {
		return autherr.New(autherr.KindInvalidRequest, "", "identity contains a path element")
	}
	for _, r := range identity {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return autherr.New(autherr.KindInvalidRequest, "", "identity contains whitespace or control characters")
		}
	}
	return nil
}

func recordName(identity string) string {
	return identity + recordSuffix
}

func identityFromName(name string) (string, bool) {
	if !strings.HasSuffix(strings.ToLower(name), recordSuffix) {
		return "", false
	}
	identity := name[:len(name)-len(recordSuffix)]
	if ValidateIdentity(identity) != nil {
		return "", false
	}
	return identity, true
}
