package cron

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// runLogMaxBytes triggers pruning; runLogKeepLines is what survives it.
	runLogMaxBytes  = 2 << 20
	runLogKeepLines = 2000
)

// runLogPath returns <storeDir>/runs/<jobID>.jsonl.
func (s *Service) runLogPath(jobID string) string {
	return filepath.Join(filepath.Dir(s.path), "runs", jobID+".jsonl")
}

// appendRunLog appends one entry and prunes the file to the newest
// runLogKeepLines lines once it grows past runLogMaxBytes.
func (s *Service) appendRunLog(jobID string, entry RunEntry) error {
	path := s.runLogPath(jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode run entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append run log: %w", werr)
	}
	if cerr != nil {
		return cerr
	}

	if info, err := os.Stat(path); err == nil && info.Size() > runLogMaxBytes {
		return pruneRunLog(path)
	}
	return nil
}

func pruneRunLog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) > runLogKeepLines {
		lines = lines[len(lines)-runLogKeepLines:]
	}
	out := append(bytes.Join(lines, []byte("\n")), '\n')

	tmp := fmt.Sprintf("%s.%d.%s.tmp", path, os.Getpid(), randHex(4))
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// readRunLog returns the newest limit entries, oldest first. Unparsable
// lines are skipped. A missing log yields an empty slice.
func readRunLog(path string, limit int) ([]RunEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []RunEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e RunEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
