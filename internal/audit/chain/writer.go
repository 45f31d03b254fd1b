// Package chain writes a hash-chained JSONL audit trail: each line carries the
// hash of the line before it, so removing or editing a line breaks Verify.
package chain

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	dom "github.com/cuihairu/countersign/internal/ports"
)

type Writer struct {
	mu   sync.Mutex
	f    *os.File
	prev []byte // previous hash
}

// NewWriter opens path for append and resumes the chain from its last line.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	prev, err := lastHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, prev: prev}, nil
}

func (w *Writer) Close() error { return w.f.Close() }

type Event struct {
	Time       time.Time         `json:"time"`
	Kind       string            `json:"kind"`
	Actor      string            `json:"actor"`
	ApprovalID string            `json:"approval_id"`
	Meta       map[string]string `json:"meta,omitempty"`
	Prev       string            `json:"prev"`
	Hash       string            `json:"hash"`
}

// Write appends ev to the chain.
func (w *Writer) Write(ev dom.AuditEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return w.Log(ev.Time, ev.Kind, ev.Actor, ev.ApprovalID, ev.Meta)
}

func (w *Writer) Log(at time.Time, kind, actor, approvalID string, meta map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev := Event{Time: at.UTC(), Kind: kind, Actor: actor, ApprovalID: approvalID, Meta: meta, Prev: hex.EncodeToString(w.prev)}
	h, err := digest(w.prev, ev)
	if err != nil {
		return err
	}
	ev.Hash = hex.EncodeToString(h)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(append(b, '\n')); err != nil {
		return err
	}
	copy(w.prev, h)
	return nil
}

// digest hashes prev followed by ev encoded without its own Hash.
func digest(prev []byte, ev Event) ([]byte, error) {
	ev.Hash = ""
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(append(append([]byte{}, prev...), b...))
	return h[:], nil
}

// ErrBroken reports a line whose prev or hash does not match the chain.
var ErrBroken = errors.New("audit chain broken")

// Verify reads a trail and returns the number of valid events, or ErrBroken
// naming the first bad line.
func Verify(r io.Reader) (int, error) {
	prev := make([]byte, 32)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		if ev.Prev != hex.EncodeToString(prev) {
			return n, fmt.Errorf("line %d: prev mismatch: %w", n+1, ErrBroken)
		}
		h, err := digest(prev, ev)
		if err != nil {
			return n, err
		}
		if ev.Hash != hex.EncodeToString(h) {
			return n, fmt.Errorf("line %d: hash mismatch: %w", n+1, ErrBroken)
		}
		prev = h
		n++
	}
	return n, sc.Err()
}

func lastHash(path string) ([]byte, error) {
	prev := make([]byte, 32)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return prev, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var last []byte
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return prev, nil
	}
	var ev Event
	if err := json.Unmarshal(last, &ev); err != nil {
		return nil, fmt.Errorf("audit trail %s: %w", path, err)
	}
	b, err := hex.DecodeString(ev.Hash)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("audit trail %s: bad tail hash: %w", path, ErrBroken)
	}
	return b, nil
}
