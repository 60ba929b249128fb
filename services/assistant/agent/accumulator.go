// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// Streamed answers pass through mlocked memory so health-related text is
// never swapped to disk mid-request. When the process lacks the mlock
// budget, accumulation degrades to ordinary memory with a logged warning.
const (
	// secureBufferSize bounds one streamed answer. 256 KB is roughly
	// 65k tokens, far beyond any response the prompt permits.
	secureBufferSize = 256 * 1024

	minMlockLimitKB = 256
)

var (
	mlockCheckOnce  sync.Once
	mlockSufficient bool
)

// checkMlockLimit probes RLIMIT_MEMLOCK once per process.
func checkMlockLimit() bool {
	mlockCheckOnce.Do(func() {
		var limit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
			slog.Warn("Cannot read mlock limit, streaming uses regular memory", "error", err)
			return
		}
		if limit.Cur != unix.RLIM_INFINITY && limit.Cur < minMlockLimitKB*1024 {
			slog.Warn("Mlock limit too low for secure accumulation, streaming uses regular memory",
				"limit_kb", limit.Cur/1024, "required_kb", minMlockLimitKB)
			return
		}
		mlockSufficient = true
	})
	return mlockSufficient
}

// tokenAccumulator collects streamed tokens and produces the final
// answer with an integrity hash.
type tokenAccumulator interface {
	Write(token string) error
	Finalize() (answer, sha256Hex string, err error)
	Destroy()
}

// newAccumulator selects the secure implementation when the system
// allows it.
func newAccumulator() tokenAccumulator {
	if checkMlockLimit() {
		if acc, err := newSecureAccumulator(); err == nil {
			return acc
		}
	}
	return &plainAccumulator{hasher: sha256.New()}
}

// secureAccumulator stores tokens in a memguard locked buffer and hashes
// them incrementally as they arrive.
type secureAccumulator struct {
	mu     sync.Mutex
	buf    *memguard.LockedBuffer
	n      int
	hasher hash.Hash
	done   bool
}

func newSecureAccumulator() (*secureAccumulator, error) {
	buf := memguard.NewBuffer(secureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("cannot allocate locked buffer")
	}
	return &secureAccumulator{buf: buf, hasher: sha256.New()}, nil
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return fmt.Errorf("accumulator already finalized")
	}
	if a.n+len(token) > secureBufferSize {
		return fmt.Errorf("response exceeds secure buffer (%d bytes)", secureBufferSize)
	}
	copy(a.buf.Bytes()[a.n:], token)
	a.n += len(token)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return "", "", fmt.Errorf("accumulator already finalized")
	}
	a.done = true
	answer := string(a.buf.Bytes()[:a.n])
	sum := a.hasher.Sum(nil)
	a.buf.Destroy()
	a.buf = nil
	return answer, hex.EncodeToString(sum), nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf != nil {
		a.buf.Destroy()
		a.buf = nil
	}
	a.done = true
}

// plainAccumulator is the fallback when mlock is unavailable.
type plainAccumulator struct {
	mu     sync.Mutex
	sb     []byte
	hasher hash.Hash
	done   bool
}

func (a *plainAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return fmt.Errorf("accumulator already finalized")
	}
	a.sb = append(a.sb, token...)
	a.hasher.Write([]byte(token))
	return nil
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return "", "", fmt.Errorf("accumulator already finalized")
	}
	a.done = true
	return string(a.sb), hex.EncodeToString(a.hasher.Sum(nil)), nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sb = nil
	a.done = true
}
