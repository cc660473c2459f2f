package cron

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const storeVersion = 1

// loadStore reads the job store, returning an empty store when the file does
// not exist yet.
func loadStore(path string) (*StoreFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StoreFile{Version: storeVersion}, nil
		}
		return nil, fmt.Errorf("read cron store: %w", err)
	}
	var sf StoreFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse cron store %s: %w", path, err)
	}
	if sf.Version == 0 {
		sf.Version = storeVersion
	}
	return &sf, nil
}

// persistStore writes the store atomically: the current file is copied to
// <path>.bak first, then the new content goes to a pid+random tmp file that
// is renamed over the primary. A crash mid-write leaves either the old or
// the new content at <path>, never a torn file.
func persistStore(path string, sf *StoreFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cron store dir: %w", err)
	}

	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", prev, 0o644); err != nil {
			return fmt.Errorf("write cron store backup: %w", err)
		}
	}

	tmp := fmt.Sprintf("%s.%d.%s.tmp", path, os.Getpid(), randHex(4))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cron store tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace cron store: %w", err)
	}
	return nil
}

func randHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// newJobID returns an opaque 8-char job id.
func newJobID() string {
	return randHex(4)
}
