package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
	"github.com/workspace-mcp/credbroker/internal/misc"
	"github.com/workspace-mcp/credbroker/internal/util"
)

// FileStore persists credential records as one JSON file per identity inside a
// single directory. The directory is created on first write.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore creates a filesystem store rooted at dir. A leading ~ is expanded.
func NewFileStore(dir string) (*FileStore, error) {
	resolved, err := util.ResolveDir(dir)
	if err != nil {
		return nil, fmt.Errorf("credential filestore: %w", err)
	}
	if resolved == "" {
		return nil, fmt.Errorf("credential filestore: directory not configured")
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("credential filestore: resolve directory: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

// Dir returns the absolute directory that holds the records.
func (s *FileStore) Dir() string { return s.baseDir }

// Location implements Store.
func (s *FileStore) Location() string { return s.baseDir }

// Check implements Store. A missing directory is fine because it is created on
// first write; an existing path must be a directory this process can write.
func (s *FileStore) Check(_ context.Context) error {
	info, err := os.Stat(s.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return classifyFileError("", err, "stat credential directory")
	}
	if !info.IsDir() {
		return autherr.New(autherr.KindBackendUnavailable, "", "credential location %s is not a directory", s.baseDir)
	}
	probe, err := os.CreateTemp(s.baseDir, ".perm_test-*")
	if err != nil {
		return classifyFileError("", err, "credential directory is not writable")
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// Save implements Store. Unchanged records are not rewritten.
func (s *FileStore) Save(_ context.Context, identity string, cred *credential.Credential) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	if cred == nil {
		return autherr.New(autherr.KindInvalidRequest, identity, "credential is nil")
	}
	raw, err := cred.Marshal()
	if err != nil {
		return fmt.Errorf("credential filestore: marshal %s: %w", identity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(s.baseDir, 0o700); err != nil {
		return classifyFileError(identity, err, "create credential directory")
	}
	path := filepath.Join(s.baseDir, recordName(identity))
	if existing, errRead := os.ReadFile(path); errRead == nil {
		if jsonEqual(existing, raw) {
			return nil
		}
	} else if !errors.Is(errRead, fs.ErrNotExist) {
		return classifyFileError(identity, errRead, "read existing credential")
	}

	tmp, err := os.CreateTemp(s.baseDir, "."+identity+".*.tmp")
	if err != nil {
		return classifyFileError(identity, err, "create temp credential file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return classifyFileError(identity, err, "restrict credential file permissions")
	}
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		cleanup()
		return classifyFileError(identity, err, "write credential file")
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return classifyFileError(identity, err, "close credential file")
	}
	if err = os.Rename(tmpName, path); err != nil {
		cleanup()
		return classifyFileError(identity, err, "rename credential file")
	}
	misc.LogSavingCredentials(identity, path)
	return nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, identity string) (*credential.Credential, bool, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, false, err
	}
	path := filepath.Join(s.baseDir, recordName(identity))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, classifyFileError(identity, err, "read credential file")
	}
	cred, err := credential.Unmarshal(identity, data)
	if err != nil {
		log.WithFields(log.Fields{"identity": identity, "path": path}).WithError(err).Error("credential filestore: stored record is corrupt")
		return nil, false, err
	}
	return cred, true, nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, classifyFileError("", err, "list credential directory")
	}
	identities := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if identity, ok := identityFromName(entry.Name()); ok {
			identities = append(identities, identity)
		}
	}
	sort.Strings(identities)
	return identities, nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, identity string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, recordName(identity))
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFileError(identity, err, "delete credential file")
	}
	return nil
}

// IdentityForPath maps a record path inside the store directory back to its identity.
func (s *FileStore) IdentityForPath(path string) (string, bool) {
	if filepath.Clean(filepath.Dir(path)) != s.baseDir {
		return "", false
	}
	return identityFromName(filepath.Base(path))
}

func classifyFileError(identity string, err error, message string) error {
	if errors.Is(err, fs.ErrPermission) {
		return autherr.Wrap(autherr.KindAccessDenied, identity, err, message)
	}
	return autherr.Wrap(autherr.KindBackendUnavailable, identity, err, message)
}

func jsonEqual(a, b []byte) bool {
	var objA, objB any
	if err := json.Unmarshal(a, &objA); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &objB); err != nil {
		return false
	}
	return reflect.DeepEqual(objA, objB)
}
