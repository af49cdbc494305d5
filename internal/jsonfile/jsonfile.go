// Package jsonfile reads and atomically replaces the JSON documents the
// pipeline keeps on disk (ledger, waitlist, shards).
package jsonfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Read decodes path into v. It reports false without error when the file
// does not exist, leaving v untouched.
func Read(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// Write encodes v with the given indent and replaces path in one rename, so
// readers observe either the previous or the new document.
func Write(path string, v any, indent string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	bw := bufio.NewWriter(tmp)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return fail(fmt.Errorf("encode %s: %w", filepath.Base(path), err))
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	syncDir(dir)
	return nil
}

// best effort; not every platform allows fsync on a directory
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// TimeLayout is the wall-clock format used in the ledger and waitlist.
const TimeLayout = "2006-01-02 15:04:05"

// Timestamp is a local time serialized with TimeLayout.
type Timestamp time.Time

// Now returns the current time truncated to seconds.
func Now() Timestamp {
	return Timestamp(time.Now().Truncate(time.Second))
}

// Time converts back to time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// String formats t with TimeLayout.
func (t Timestamp) String() string {
	return time.Time(t).Format(TimeLayout)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// MarshalYAML renders the timestamp as text for CLI output.
func (t Timestamp) MarshalYAML() (any, error) {
	return t.String(), nil
}
