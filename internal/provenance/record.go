package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a tamper-evident entry for the outcome of one pipeline stage.
type Record struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	RunID     string `json:"runId"`
	Pipeline  string `json:"pipeline"`
	Branch    string `json:"branch"`
	Commit    string `json:"commit"`
	Stage     string `json:"stage"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	LogHash   string `json:"logHash"`
	Image     string `json:"image,omitempty"`
	Digest    string `json:"digest,omitempty"`
	AgentID   string `json:"agentId"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// Entry is the caller-supplied content of a record.
type Entry struct {
	RunID    string
	Pipeline string
	Branch   string
	Commit   string
	Stage    string
	Kind     string
	Status   string
	LogHash  string
	Image    string
	Digest   string
	AgentID  string
}

// canonicalData returns the JSON bytes used to compute the record hash.
// It excludes Hash, Signature and PubKey.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		RunID     string `json:"runId"`
		Pipeline  string `json:"pipeline"`
		Branch    string `json:"branch"`
		Commit    string `json:"commit"`
		Stage     string `json:"stage"`
		Kind      string `json:"kind"`
		Status    string `json:"status"`
		LogHash   string `json:"logHash"`
		Image     string `json:"image"`
		Digest    string `json:"digest"`
		AgentID   string `json:"agentId"`
		PrevHash  string `json:"prevHash"`
	}{
		Index:     r.Index,
		Timestamp: r.Timestamp,
		RunID:     r.RunID,
		Pipeline:  r.Pipeline,
		Branch:    r.Branch,
		Commit:    r.Commit,
		Stage:     r.Stage,
		Kind:      r.Kind,
		Status:    r.Status,
		LogHash:   r.LogHash,
		Image:     r.Image,
		Digest:    r.Digest,
		AgentID:   r.AgentID,
		PrevHash:  r.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewRecord builds an unsigned record at index chained to prevHash.
func NewRecord(index int, prevHash string, e Entry) (*Record, error) {
	rec := &Record{
		Index:     index,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RunID:     e.RunID,
		Pipeline:  e.Pipeline,
		Branch:    e.Branch,
		Commit:    e.Commit,
		Stage:     e.Stage,
		Kind:      e.Kind,
		Status:    e.Status,
		LogHash:   e.LogHash,
		Image:     e.Image,
		Digest:    e.Digest,
		AgentID:   e.AgentID,
		PrevHash:  prevHash,
	}

	h, err := rec.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute record hash: %w", err)
	}
	rec.Hash = h
	return rec, nil
}
