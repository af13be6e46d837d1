package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// InitFromTemplate writes the example config at templatePath to configPath
// with owner-only permissions. The template must use only known keys and pass
// Validate. An existing configPath is never touched; created reports whether
// a file was written.
func InitFromTemplate(templatePath, configPath string) (created bool, err error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return false, fmt.Errorf("config: read template: %w", err)
	}
	if err = checkTemplate(data); err != nil {
		return false, fmt.Errorf("config: template %s: %w", templatePath, err)
	}

	if err = os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return false, err
	}
	out, err := os.OpenFile(configPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err = out.Write(data); err == nil {
		err = out.Sync()
	}
	if errClose := out.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		_ = os.Remove(configPath)
		return false, err
	}
	return true, nil
}

func checkTemplate(data []byte) error {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}
