package journal

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// GenesisHash is the prev_hash of the first entry in a chain file.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxChainLine bounds a single JSON line when scanning a chain file.
const maxChainLine = 1 << 20

// chainEntry is one line of a chain file.
type chainEntry struct {
	Seq      int64  `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Record   Record `json:"record"`
	Hash     string `json:"hash"`
}

// chainContent is the hashed subset of chainEntry.
type chainContent struct {
	Seq      int64  `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Record   Record `json:"record"`
}

func (e chainEntry) computeHash() string {
	raw, err := json.Marshal(chainContent{Seq: e.Seq, PrevHash: e.PrevHash, Record: e.Record})
	if err != nil {
		// Record holds only strings and a time; this cannot fail.
		panic(fmt.Sprintf("journal: marshal chain entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ErrChainBroken is wrapped by errors reporting a tampered or truncated chain
// file.
var ErrChainBroken = errors.New("journal: hash chain broken")

// ChainStore is an append-only JSON-lines journal in which every entry
// carries the SHA-256 of its predecessor, so edits, deletions and
// reordering are detectable with VerifyChain. It is safe for concurrent use.
type ChainStore struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	seq      int64
	prevHash string
}

// OpenChain opens or creates the chain file at path. An existing file is
// verified first and appending continues from its last entry.
func OpenChain(path string) (*ChainStore, error) {
	seq, prev := int64(0), GenesisHash
	if _, err := os.Stat(path); err == nil {
		err := scanChain(path, func(e chainEntry) {
			seq, prev = e.Seq, e.Hash
		})
		if err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open chain %q: %w", path, err)
	}
	return &ChainStore{path: path, file: f, seq: seq, prevHash: prev}, nil
}

// Append writes r as the next entry in the chain.
func (s *ChainStore) Append(_ context.Context, r Record) error {
	r.At = r.At.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	e := chainEntry{Seq: s.seq + 1, PrevHash: s.prevHash, Record: r}
	e.Hash = e.computeHash()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal chain entry: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write chain entry: %w", err)
	}
	s.seq, s.prevHash = e.Seq, e.Hash
	return nil
}

// Recent scans the file and returns up to q.Limit records, newest first.
func (s *ChainStore) Recent(_ context.Context, q Query) ([]Record, error) {
	limit := q.limit()
	ring := make([]Record, 0, limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := scanChain(s.path, func(e chainEntry) {
		if q.Dir != "" && e.Record.Dir != q.Dir {
			return
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, e.Record)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, len(ring))
	for i, r := range ring {
		out[len(ring)-1-i] = r
	}
	return out, nil
}

// Close syncs and closes the file.
func (s *ChainStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("journal: sync chain: %w", err)
	}
	return s.file.Close()
}

// VerifyChain checks every link of the chain file at path and returns the
// number of entries.
func VerifyChain(path string) (int, error) {
	n := 0
	err := scanChain(path, func(chainEntry) { n++ })
	return n, err
}

// scanChain reads path in order, verifying each entry before passing it to
// fn.
func scanChain(path string, fn func(chainEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open chain %q: %w", path, err)
	}
	defer f.Close()
	return readChain(f, fn)
}

func readChain(r io.Reader, fn func(chainEntry)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChainLine)

	prev, seq := GenesisHash, int64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e chainEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%w: malformed entry after seq %d: %v", ErrChainBroken, seq, err)
		}
		if e.Seq != seq+1 || e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d does not follow seq %d", ErrChainBroken, e.Seq, seq)
		}
		if got := e.computeHash(); got != e.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrChainBroken, e.Seq)
		}
		fn(e)
		prev, seq = e.Hash, e.Seq
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("journal: scan chain: %w", err)
	}
	return nil
}
