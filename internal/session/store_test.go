package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestNewStoreInitialState(t *testing.T) {
	s := New("default-doc", nil, nil)
	if s.Current() != "default-doc" {
		t.Fatalf("current = %q", s.Current())
	}
	history := s.History()
	if len(history) != 1 {
		t.Fatalf("expected one initial snapshot, got %d", len(history))
	}
	if history[0].Document != "default-doc" {
		t.Fatalf("initial snapshot document = %q", history[0].Document)
	}
	if history[0].ID == "" {
		t.Fatalf("snapshot id must be set")
	}
	if _, ok := s.Draft(); ok {
		t.Fatalf("fresh store must not have a draft")
	}
}

func TestApplyFullAppendsSnapshot(t *testing.T) {
	s := New("v0", nil, nil)
	draft := "partial"
	s.SetDraft(&draft)

	got, err := s.ApplyFull("v1", "first change", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "v1" || s.Current() != "v1" {
		t.Fatalf("current = %q", s.Current())
	}
	if _, ok := s.Draft(); ok {
		t.Fatalf("apply must clear the draft")
	}
	history := s.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(history))
	}
	if history[1].Summary != "first change" {
		t.Fatalf("summary = %q", history[1].Summary)
	}
}

func TestApplyFullSkipAndReplaceHistory(t *testing.T) {
	s := New("v0", nil, nil)
	if _, err := s.ApplyFull("v1", "one", Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.ApplyFull("v2", "", Options{SkipHistory: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(s.History()) != 2 {
		t.Fatalf("SkipHistory must not append, got %d snapshots", len(s.History()))
	}
	if s.Current() != "v2" {
		t.Fatalf("current = %q", s.Current())
	}

	if _, err := s.ApplyFull("v3", "corrected", Options{ReplaceHistory: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	history := s.History()
	if len(history) != 2 {
		t.Fatalf("ReplaceHistory must not grow history, got %d", len(history))
	}
	if history[1].Document != "v3" || history[1].Summary != "corrected" {
		t.Fatalf("latest snapshot = %+v", history[1])
	}
}

func TestApplyFullCanonicalizerFailureLeavesStateUntouched(t *testing.T) {
	canon := func(input string) (string, error) {
		if input == "bad" {
			return "", errors.New("rejected")
		}
		return input + "!", nil
	}
	s := New("v0", canon, nil)
	draft := "in-flight"
	s.SetDraft(&draft)

	if _, err := s.ApplyFull("bad", "", Options{}); err == nil {
		t.Fatalf("expected error")
	}
	if s.Current() != "v0" {
		t.Fatalf("failed apply must not change current, got %q", s.Current())
	}
	if len(s.History()) != 1 {
		t.Fatalf("failed apply must not touch history")
	}
	if _, ok := s.Draft(); !ok {
		t.Fatalf("failed apply must not clear the draft")
	}

	got, err := s.ApplyFull("ok", "", Options{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "ok!" {
		t.Fatalf("canonicalized output = %q", got)
	}
}

func TestRecordOverwritesCurrentOnly(t *testing.T) {
	s := New("v0", nil, nil)
	draft := "d"
	s.SetDraft(&draft)
	s.Record("user-edited")
	if s.Current() != "user-edited" {
		t.Fatalf("current = %q", s.Current())
	}
	if len(s.History()) != 1 {
		t.Fatalf("record must not touch history")
	}
	if _, ok := s.Draft(); !ok {
		t.Fatalf("record must not touch the draft")
	}
}

func TestReset(t *testing.T) {
	s := New("default-doc", nil, nil)
	if _, err := s.ApplyFull("v1", "", Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	draft := "d"
	s.SetDraft(&draft)

	s.Reset()
	if s.Current() != "default-doc" {
		t.Fatalf("reset must restore the default document, got %q", s.Current())
	}
	if len(s.History()) != 1 {
		t.Fatalf("reset must leave exactly one snapshot, got %d", len(s.History()))
	}
	if _, ok := s.Draft(); ok {
		t.Fatalf("reset must clear the draft")
	}
}

func TestRollback(t *testing.T) {
	s := New("v0", nil, nil)
	if _, err := s.ApplyFull("v1", "one", Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.ApplyFull("v2", "two", Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	history := s.History()
	target := history[1] // the "v1" snapshot

	if err := s.Rollback(target.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if s.Current() != "v1" {
		t.Fatalf("current = %q", s.Current())
	}
	if len(s.History()) != len(history) {
		t.Fatalf("rollback must not append snapshots")
	}
	if err := s.Rollback("missing"); err == nil {
		t.Fatalf("expected error for unknown snapshot")
	}
}

func TestHistoryPruning(t *testing.T) {
	s := New("v0", nil, nil)
	for i := 0; i < maxSnapshots+20; i++ {
		if _, err := s.ApplyFull(fmt.Sprintf("v%d", i+1), "", Options{}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	history := s.History()
	if len(history) != maxSnapshots {
		t.Fatalf("expected history bounded at %d, got %d", maxSnapshots, len(history))
	}
	if history[len(history)-1].Document != fmt.Sprintf("v%d", maxSnapshots+20) {
		t.Fatalf("newest snapshot must survive pruning, got %q", history[len(history)-1].Document)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions", "s1.json")

	s := New("v0", nil, nil)
	if _, err := s.ApplyFull("v1", "one", Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := New("v0", nil, nil)
	if err := restored.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Current() != "v1" {
		t.Fatalf("restored current = %q", restored.Current())
	}
	if len(restored.History()) != 2 {
		t.Fatalf("restored history len = %d", len(restored.History()))
	}

	// Missing file is not an error.
	fresh := New("v0", nil, nil)
	if err := fresh.Load(filepath.Join(dir, "missing.json")); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if fresh.Current() != "v0" {
		t.Fatalf("fresh store must keep defaults")
	}
}
