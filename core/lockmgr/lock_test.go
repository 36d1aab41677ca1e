package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/rivendb/rivendb/core/txncontext"
	"github.com/rivendb/rivendb/internal/dberr"
	"github.com/stretchr/testify/require"
)

func newTxn() *txncontext.Context {
	return txncontext.New(txncontext.Serializable, time.Second)
}

func TestSharedLocksCoexist(t *testing.T) {
	m := New(nil)
	a, b := newTxn(), newTxn()

	res, err := m.LockShared(context.Background(), a, 1, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, Acquired, res)

	res, err = m.LockShared(context.Background(), b, 1, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, Acquired, res)
}

func TestExclusiveExcludesShared(t *testing.T) {
	m := New(nil)
	a, b := newTxn(), newTxn()

	res, err := m.LockExclusive(context.Background(), a, 1, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, Acquired, res)

	res, err = m.TryLockShared(context.Background(), b, 1, []byte("k"), NoWait)
	require.Error(t, err)
	require.Equal(t, TimedOutLock, res)
	require.True(t, dberr.Is(err, dberr.KindLockFailure))
}

func TestUpgradeFromSharedToExclusive(t *testing.T) {
	m := New(nil)
	a := newTxn()

	_, err := m.LockShared(context.Background(), a, 1, []byte("k"))
	require.NoError(t, err)

	res, err := m.LockExclusive(context.Background(), a, 1, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, Acquired, res)
}

func TestUnlockWakesWaiter(t *testing.T) {
	m := New(nil)
	a, b := newTxn(), newTxn()

	_, err := m.LockExclusive(context.Background(), a, 1, []byte("k"))
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		res, _ := m.LockExclusive(context.Background(), b, 1, []byte("k"))
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	m.Unlock(a, 1, []byte("k"))

	select {
	case res := <-done:
		require.Equal(t, Acquired, res)
	case <-time.After(time.Second):
		t.Fatal("waiter never granted after unlock")
	}
}

func TestDeadlockDetected(t *testing.T) {
	m := New(nil)
	a, b := newTxn(), newTxn()

	_, err := m.LockExclusive(context.Background(), a, 1, []byte("x"))
	require.NoError(t, err)
	_, err = m.LockExclusive(context.Background(), b, 1, []byte("y"))
	require.NoError(t, err)

	bWaiting := make(chan struct{})
	go func() {
		close(bWaiting)
		m.LockExclusive(context.Background(), b, 1, []byte("x"))
	}()
	<-bWaiting
	time.Sleep(20 * time.Millisecond)

	_, err = m.LockExclusive(context.Background(), a, 1, []byte("y"))
	require.Error(t, err)
	require.True(t, dberr.Is(err, dberr.KindDeadlock))
}

func TestReadUncommittedSkipsLocking(t *testing.T) {
	m := New(nil)
	a := txncontext.New(txncontext.ReadUncommitted, time.Second)
	b := newTxn()

	_, err := m.LockExclusive(context.Background(), b, 1, []byte("k"))
	require.NoError(t, err)

	res, err := m.LockShared(context.Background(), a, 1, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, OwnedShared, res)
}

func TestUnlockAllReleasesEverything(t *testing.T) {
	m := New(nil)
	a, b := newTxn(), newTxn()

	_, err := m.LockShared(context.Background(), a, 1, []byte("x"))
	require.NoError(t, err)
	_, err = m.LockExclusive(context.Background(), a, 1, []byte("y"))
	require.NoError(t, err)

	m.UnlockAll(a)

	res, err := m.LockExclusive(context.Background(), b, 1, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, Acquired, res)
	res, err = m.LockExclusive(context.Background(), b, 1, []byte("y"))
	require.NoError(t, err)
	require.Equal(t, Acquired, res)
}
