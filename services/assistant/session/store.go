// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists per-session conversation history.
//
// Each session is one JSON file under data/sessions/<id>.json holding an
// append-only exchange log. Writes go through a temp file and rename so a
// crash mid-write never corrupts a session. Appends to the same session
// are serialized with a per-key mutex; reads return a copy of the last
// committed snapshot and may run concurrently with writes.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/AleutianAI/glycoassist/services/assistant/datatypes"
)

// PromptResponseLimit is the maximum number of response characters kept
// when history is formatted for a prompt.
const PromptResponseLimit = 450

var (
	// ErrInvalidSessionID rejects IDs that would escape the session dir.
	ErrInvalidSessionID = errors.New("invalid session id")

	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

// Session is the on-disk document for one conversation.
type Session struct {
	ID        string                          `json:"id"`
	CreatedAt time.Time                       `json:"created_at"`
	Exchanges []datatypes.ConversationExchange `json:"exchanges"`
}

// Store is a keyed log of sessions.
//
// Thread Safety: safe for concurrent use. One writer per session at a
// time; readers see the last committed snapshot.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at dir (created if missing).
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create the session directory: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// lockFor returns the mutex serializing writes to one session.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func validateID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// GetOrCreate loads a session, creating an empty one on first use.
func (s *Store) GetOrCreate(id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	sess, err := s.load(id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	// Re-check under the lock; another writer may have created it.
	if sess, err := s.load(id); err == nil {
		return sess, nil
	}
	sess = &Session{ID: id, CreatedAt: time.Now().UTC()}
	if err := s.save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendExchange records one completed (query, response) pair.
//
// The caller appends only after the safety audit, so the on-disk order
// of exchanges matches the order in which pipeline calls completed.
func (s *Store) AppendExchange(id, query, response, classification string) error {
	if err := validateID(id); err != nil {
		return err
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(id)
	if errors.Is(err, os.ErrNotExist) {
		sess = &Session{ID: id, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return err
	}

	sess.Exchanges = append(sess.Exchanges, datatypes.ConversationExchange{
		Query:          query,
		Response:       response,
		Classification: classification,
		Timestamp:      time.Now().UTC(),
	})
	return s.save(sess)
}

// History returns up to maxN most recent exchanges in append order, with
// responses truncated to PromptResponseLimit characters for prompt use.
// maxN <= 0 returns everything.
func (s *Store) History(id string, maxN int) ([]datatypes.ConversationExchange, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	sess, err := s.load(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	exchanges := sess.Exchanges
	if maxN > 0 && len(exchanges) > maxN {
		exchanges = exchanges[len(exchanges)-maxN:]
	}
	out := make([]datatypes.ConversationExchange, len(exchanges))
	copy(out, exchanges)
	for i := range out {
		if len(out[i].Response) > PromptResponseLimit {
			out[i].Response = out[i].Response[:PromptResponseLimit] + "..."
		}
	}
	return out, nil
}

// Clear removes all exchanges but keeps the session document.
func (s *Store) Clear(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	sess.Exchanges = nil
	return s.save(sess)
}

// Delete removes the session document entirely.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) load(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session %s is corrupt: %w", id, err)
	}
	return &sess, nil
}

// save writes through a temp file and renames into place.
func (s *Store) save(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(sess.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit session %s: %w", sess.ID, err)
	}
	return nil
}
