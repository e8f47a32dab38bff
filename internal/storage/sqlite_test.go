package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err, "Open(:memory:)")
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same directory and checks
// that no migration is applied twice.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err, "first Open")
	v1, err := s1.AppliedMigrations()
	require.NoError(t, err)
	require.NoError(t, s1.SaveResumeToken("m", "f", []byte("tok")))
	s1.Close()

	s2, err := Open(dir)
	require.NoError(t, err, "second Open")
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	require.NoError(t, err)
	assert.Len(t, v2, len(v1), "migration count changed")

	tok, err := s2.LoadResumeToken("m", "f")
	require.NoError(t, err, "LoadResumeToken after reopen")
	assert.Equal(t, "tok", string(tok))
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, versions, "expected at least one applied migration")
	assert.IsIncreasing(t, versions)
}

func TestResumeTokenRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadResumeToken("acme/tiny", "config.json")
	require.ErrorIs(t, err, ErrNotFound, "empty store")

	first := []byte{0x01, 0x02, 0x03}
	second := []byte(`{"offset":42}`)
	require.NoError(t, s.SaveResumeToken("acme/tiny", "config.json", first))
	require.NoError(t, s.SaveResumeToken("acme/tiny", "config.json", second), "overwrite")

	got, err := s.LoadResumeToken("acme/tiny", "config.json")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	require.NoError(t, s.DeleteResumeToken("acme/tiny", "config.json"))
	_, err = s.LoadResumeToken("acme/tiny", "config.json")
	assert.ErrorIs(t, err, ErrNotFound, "after delete")
}

func TestListResumeTokens(t *testing.T) {
	s := openTestStore(t)

	for _, f := range []string{"b.bin", "a.bin"} {
		require.NoError(t, s.SaveResumeToken("m1", f, []byte(f)))
	}
	require.NoError(t, s.SaveResumeToken("m2", "c.bin", []byte("c")))

	toks, err := s.ListResumeTokens("m1")
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, "a.bin", toks[0].File, "tokens not ordered by file")
	assert.Equal(t, "b.bin", toks[1].File, "tokens not ordered by file")
	assert.False(t, toks[0].UpdatedAt.IsZero(), "UpdatedAt not set")
}

func TestCompletedFiles(t *testing.T) {
	s := openTestStore(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkFileComplete(CompletedFile{Model: "m", File: "config.json", Size: 120, CompletedAt: at}))
	require.NoError(t, s.MarkFileComplete(CompletedFile{Model: "m", File: "config.json", Size: 120, SHA256: "abc", CompletedAt: at}), "update")

	files, err := s.CompletedFiles("m")
	require.NoError(t, err)
	f, ok := files["config.json"]
	require.True(t, ok, "config.json not recorded")
	assert.Equal(t, int64(120), f.Size)
	assert.Equal(t, "abc", f.SHA256)
	assert.True(t, f.CompletedAt.Equal(at), "CompletedAt = %v, want %v", f.CompletedAt, at)
}

func TestForgetModel(t *testing.T) {
	s := openTestStore(t)

	s.SaveResumeToken("m", "a", []byte("x"))
	s.SaveResumeToken("other", "a", []byte("y"))
	s.MarkFileComplete(CompletedFile{Model: "m", File: "b", Size: 1})
	s.RecordAttempt(Attempt{ID: "1", Model: "m", File: "a", Number: 1, Outcome: OutcomeInterrupted, StartedAt: time.Now(), FinishedAt: time.Now()})

	require.NoError(t, s.ForgetModel("m"))

	toks, _ := s.ListResumeTokens("m")
	assert.Empty(t, toks, "tokens left after forget")
	files, _ := s.CompletedFiles("m")
	assert.Empty(t, files, "completed files left after forget")
	_, err := s.LoadResumeToken("other", "a")
	assert.NoError(t, err, "other model token removed")
	attempts, _ := s.RecentAttempts("m", 10)
	assert.Len(t, attempts, 1, "attempt history is kept")
}

func TestRecentAttempts(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for j := 0; j < 6; j++ {
		a := Attempt{
			ID:         fmt.Sprintf("att-%d", j),
			Model:      "m",
			File:       "model-00001-of-00001.bin",
			Number:     j + 1,
			Offset:     int64(j * 100),
			Bytes:      100,
			Outcome:    OutcomeInterrupted,
			ErrorKind:  "network",
			StartedAt:  base.Add(time.Duration(j) * time.Minute),
			FinishedAt: base.Add(time.Duration(j)*time.Minute + time.Second),
		}
		require.NoError(t, s.RecordAttempt(a), "RecordAttempt %d", j)
	}

	got, err := s.RecentAttempts("m", 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "att-5", got[0].ID, "newest attempt first")
	for k := 1; k < len(got); k++ {
		assert.False(t, got[k].StartedAt.After(got[k-1].StartedAt), "attempts not newest first at %d", k)
	}
	assert.Equal(t, int64(500), got[0].Offset)
	assert.Equal(t, "network", got[0].ErrorKind)

	total, err := s.TransferredBytes("m")
	require.NoError(t, err)
	assert.Equal(t, int64(600), total)

	none, err := s.TransferredBytes("absent")
	require.NoError(t, err)
	assert.Zero(t, none)
}
