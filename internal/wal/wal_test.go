package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_AssignsMonotonicEntryIDs(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "wal.jsonl"))
	require.NoError(t, err)
	defer w.Close()

	id1, err := w.Append("health", "transition_open", "openai/gpt-4", nil)
	require.NoError(t, err)
	id2, err := w.Append("health", "transition_closed", "openai/gpt-4", nil)
	require.NoError(t, err)
	assert.Equal(t, id1+1, id2)
}

func TestOpen_ResumesCounterAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.jsonl")
	w1, err := Open(path)
	require.NoError(t, err)
	_, err = w1.Append("ns", "op", "k", nil)
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()
	id, err := w2.Append("ns", "op", "k2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestFenceStore_AdvanceEnforcesStrictlyGreater(t *testing.T) {
	s := NewFenceStore()
	t1, err := s.Acquire("env-a")
	require.NoError(t, err)
	t2, err := s.Acquire("env-a")
	require.NoError(t, err)

	assert.Equal(t, CASOk, s.Advance("env-a", t2))
	assert.Equal(t, CASStale, s.Advance("env-a", t1))
	assert.Equal(t, CASStale, s.Advance("env-a", t2))
}

func TestFenceStore_Advance_RejectsCorruptToken(t *testing.T) {
	s := NewFenceStore()
	assert.Equal(t, CASCorrupt, s.Advance("env-a", -1))
	assert.Equal(t, CASCorrupt, s.Advance("env-a", MaxSafeFenceToken+1))
}

func TestFenceStore_Acquire_FailsAtSafeIntegerBound(t *testing.T) {
	s := NewFenceStore()
	s.counters["env-a"] = MaxSafeFenceToken
	_, err := s.Acquire("env-a")
	require.Error(t, err)
}
