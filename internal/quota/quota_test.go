package quota

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wablast/internal/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCheckAgainstDailyAndMonthly(t *testing.T) {
	st := openStore(t)
	id, err := st.CreateAccount("a", 3, 5)
	require.NoError(t, err)
	g := New(st)

	require.NoError(t, g.Check(id, 3))
	require.ErrorIs(t, g.Check(id, 4), ErrQuotaExceeded)

	require.NoError(t, g.Consume(id, 2))
	require.NoError(t, g.Check(id, 1))
	require.ErrorIs(t, g.Check(id, 2), ErrQuotaExceeded)

	r, err := NewResetter(st, "0 0 * * *", "0 0 1 * *", zerolog.Nop())
	require.NoError(t, err)
	r.ResetDaily()
	require.NoError(t, g.Check(id, 3))

	require.NoError(t, g.Consume(id, 3))
	r.ResetDaily()
	// monthly usage is now 5 of 5
	require.ErrorIs(t, g.Check(id, 1), ErrQuotaExceeded)
	r.ResetMonthly()
	require.NoError(t, g.Check(id, 1))
}

func TestCheckUnknownAccount(t *testing.T) {
	g := New(openStore(t))
	require.ErrorIs(t, g.Check("missing", 1), storage.ErrNotFound)
}

func TestResetterRejectsBadSchedule(t *testing.T) {
	_, err := NewResetter(openStore(t), "not a schedule", "0 0 1 * *", zerolog.Nop())
	require.Error(t, err)
}

func TestResetterStartStop(t *testing.T) {
	r, err := NewResetter(openStore(t), "@daily", "@monthly", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.NoError(t, r.Start())
	r.Stop()
	r.Stop()
}
