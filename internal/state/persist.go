package state

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileHeader is the first record in a persisted state file (spec.md §6.4).
type fileHeader struct {
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// persistedEntry mirrors spec.md §6.4's length-prefixed entry shape.
type persistedEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TTLExpiry time.Time `json:"ttl_expiry,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

const schemaVersion = 1

// Save serializes the store to path as a header followed by a
// length-prefixed sequence of entries.
func (s *Store) Save(path string) error {
	now := time.Now()
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.expired(now) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("state: create %q: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	header, err := json.Marshal(fileHeader{SchemaVersion: schemaVersion, CreatedAt: now})
	if err != nil {
		return err
	}
	if err := writeLengthPrefixed(w, header); err != nil {
		return err
	}

	for _, e := range entries {
		pe := persistedEntry{
			Key: e.Key, Value: e.Value, Version: e.Version,
			CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
			TTLExpiry: e.ExpiresAt, Tags: e.Tags,
		}
		body, err := json.Marshal(pe)
		if err != nil {
			return err
		}
		if err := writeLengthPrefixed(w, body); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeLengthPrefixed(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Load replaces the store's contents with the entries read from path.
// A length-prefixed record whose declared length runs past EOF is
// trailing garbage: Load truncates to the last complete record and
// reports a warning instead of failing.
func (s *Store) Load(path string) (warning string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("state: open %q: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	headerBody, ok, truncated := readLengthPrefixed(r)
	if !ok {
		return "", fmt.Errorf("state: %q has no header", path)
	}
	var header fileHeader
	if err := json.Unmarshal(headerBody, &header); err != nil {
		return "", fmt.Errorf("state: parse header: %w", err)
	}

	entries := make(map[string]Entry)
	for {
		body, ok, trunc := readLengthPrefixed(r)
		if !ok {
			if trunc {
				truncated = true
			}
			break
		}
		var pe persistedEntry
		if err := json.Unmarshal(body, &pe); err != nil {
			truncated = true
			break
		}
		entries[pe.Key] = Entry{
			Key: pe.Key, Value: pe.Value, Version: pe.Version,
			CreatedAt: pe.CreatedAt, UpdatedAt: pe.UpdatedAt,
			ExpiresAt: pe.TTLExpiry, Tags: pe.Tags,
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	if truncated {
		warning = fmt.Sprintf("state: %q contained trailing garbage, truncated to last complete entry", path)
	}
	return warning, nil
}

// readLengthPrefixed reads one length-prefixed record. ok is false at a
// clean EOF; truncated is true when a length header was read but the
// declared body could not be read in full (trailing garbage).
func readLengthPrefixed(r *bufio.Reader) (body []byte, ok bool, truncated bool) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, false, false
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	body = make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, false, true
	}
	return body, true, false
}

// ExportYAML writes a human-readable companion export of every live entry,
// for operators diffing state across runs (the canonical persisted format
// is the binary layout above; this is a read-only convenience export).
func (s *Store) ExportYAML(path string) error {
	now := time.Now()
	s.mu.RLock()
	out := make(map[string]persistedEntry, len(s.entries))
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		out[k] = persistedEntry{
			Key: e.Key, Value: e.Value, Version: e.Version,
			CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
			TTLExpiry: e.ExpiresAt, Tags: e.Tags,
		}
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
