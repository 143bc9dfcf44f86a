package provenance

import (
	"bytes"
	"deployq/internal/image"
	"deployq/internal/security"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Ledger is an append-only, hash-chained list of signed records stored as
// JSON lines (one record per line).
type Ledger struct {
	mu      sync.Mutex
	records []*Record
	path    string
}

// OpenLedger loads an existing ledger file or creates an empty one.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, err
		}
		return l, f.Close()
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry %d: %w", len(l.records), err)
		}
		l.records = append(l.records, &rec)
	}
	return l, nil
}

// Append chains an entry to the ledger, signs its hash and persists it.
func (l *Ledger) Append(e Entry, keys security.KeyPair) (*Record, error) {
	if len(keys.Private) == 0 {
		return nil, errors.New("private key is empty, cannot sign record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.records); n > 0 {
		prev = l.records[n-1].Hash
	}
	rec, err := NewRecord(len(l.records), prev, e)
	if err != nil {
		return nil, err
	}
	rec.Signature = security.SignData(keys.Private, []byte(rec.Hash))
	rec.PubKey = hex.EncodeToString(keys.Public)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return nil, fmt.Errorf("write ledger file: %w", err)
	}

	l.records = append(l.records, rec)
	return rec, nil
}

// Records returns a copy of the records in ledger order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// LastHash returns the last record hash (or empty if none)
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return ""
	}
	return l.records[len(l.records)-1].Hash
}

// Deployments returns the successful deploy records, newest first. Each one
// names an image reference that can be deployed again by hand.
func (l *Ledger) Deployments() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.Kind == "deploy" && r.Status == "succeeded" {
			out = append(out, *r)
		}
	}
	return out
}

// DeploymentsOf narrows Deployments to the repository of ref, and to its tag
// when ref has one.
func (l *Ledger) DeploymentsOf(ref image.Ref) []Record {
	var out []Record
	for _, r := range l.Deployments() {
		got, err := image.ParseRef(r.Image)
		if err != nil || got.Name() != ref.Name() {
			continue
		}
		if ref.Tag != "" && got.Tag != ref.Tag {
			continue
		}
		out = append(out, r)
	}
	return out
}
