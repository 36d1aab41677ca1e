package termlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *TermLog {
	t.Helper()
	log, err := Open(t.TempDir(), 1, 0, 0, 0, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// S4: write, commit partway, commit to the end; WaitForCommit unblocks
// exactly at the requested index.
func TestCommitAndWaitForCommit(t *testing.T) {
	log := open(t)
	w := log.OpenWriter(0)
	n, err := w.Write([]byte("hello"), 5)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int64(5), log.HighestIndex())

	log.Commit(2)
	require.Equal(t, int64(2), log.CommitIndex())

	log.Commit(5)
	idx, err := log.WaitForCommit(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), idx)
}

func TestWaitForCommitBlocksThenWakes(t *testing.T) {
	log := open(t)
	done := make(chan int64, 1)
	go func() {
		idx, err := log.WaitForCommit(context.Background(), 10)
		require.NoError(t, err)
		done <- idx
	}()

	select {
	case <-done:
		t.Fatal("wait for commit returned before commit was reached")
	case <-time.After(30 * time.Millisecond):
	}

	w := log.OpenWriter(0)
	_, err := w.Write(make([]byte, 10), 10)
	require.NoError(t, err)
	log.Commit(10)

	select {
	case idx := <-done:
		require.Equal(t, int64(10), idx)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitForCommitReturnsNegativeOneWhenTermEndsBelowTarget(t *testing.T) {
	log := open(t)
	w := log.OpenWriter(0)
	_, err := w.Write(make([]byte, 5), 5)
	require.NoError(t, err)
	require.NoError(t, log.FinishTerm(5))

	idx, err := log.WaitForCommit(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, int64(-1), idx)
}

// S5 + invariant 7: a single leading gap is reported and does not advance
// the contiguous bound until it is filled.
func TestCheckForMissingDataLeadingGap(t *testing.T) {
	log := open(t)
	w := log.OpenWriter(50)
	_, err := w.Write(make([]byte, 100), 150)
	require.NoError(t, err)

	var gaps Ranges
	bound := log.CheckForMissingData(0, &gaps)
	require.Equal(t, int64(0), bound)
	require.Equal(t, Ranges{{0, 50}}, gaps)

	w2 := log.OpenWriter(0)
	_, err = w2.Write(make([]byte, 55), 55)
	require.NoError(t, err)

	gaps = nil
	bound = log.CheckForMissingData(0, &gaps)
	require.Equal(t, int64(150), bound)
	require.Empty(t, gaps)

	gaps = nil
	bound = log.CheckForMissingData(1000, &gaps)
	require.Equal(t, int64(150), bound, "the query bound never pulls the contiguous bound past what is actually recorded")
	require.Empty(t, gaps)
}

// invariant 8: no trailing gap is emitted for a still-open term, but one
// appears the moment the term is finished with unread data before its end.
func TestCheckForMissingDataTrailingGapOnlyAfterFinish(t *testing.T) {
	log := open(t)
	w := log.OpenWriter(0)
	_, err := w.Write(make([]byte, 150), 150)
	require.NoError(t, err)

	w2 := log.OpenWriter(200)
	_, err = w2.Write(make([]byte, 50), 250)
	require.NoError(t, err)

	w3 := log.OpenWriter(300)
	_, err = w3.Write(make([]byte, 100), 400)
	require.NoError(t, err)

	var gaps Ranges
	bound := log.CheckForMissingData(150, &gaps)
	require.Equal(t, int64(150), bound)
	require.Equal(t, Ranges{{150, 200}, {250, 300}}, gaps)

	require.NoError(t, log.FinishTerm(1000))

	gaps = nil
	bound = log.CheckForMissingData(150, &gaps)
	require.Equal(t, int64(150), bound)
	require.Equal(t, Ranges{{150, 200}, {250, 300}, {400, 1000}}, gaps)
}

// A query below the leading contiguous frontier reports no ranges at all,
// even though islands exist further out: the caller hasn't consumed up to
// highestIndex yet, so nothing beyond it has been checked on its behalf.
func TestCheckForMissingDataBelowHighestIndexReportsNothing(t *testing.T) {
	log := open(t)
	w := log.OpenWriter(0)
	_, err := w.Write(make([]byte, 150), 150)
	require.NoError(t, err)

	w2 := log.OpenWriter(200)
	_, err = w2.Write(make([]byte, 50), 250)
	require.NoError(t, err)

	w3 := log.OpenWriter(300)
	_, err = w3.Write(make([]byte, 100), 400)
	require.NoError(t, err)

	require.Equal(t, int64(150), log.HighestIndex())

	var gaps Ranges
	bound := log.CheckForMissingData(100, &gaps)
	require.Equal(t, int64(150), bound)
	require.Empty(t, gaps, "islands beyond highestIndex are not reported until the caller has caught up to it")

	gaps = nil
	bound = log.CheckForMissingData(150, &gaps)
	require.Equal(t, int64(150), bound)
	require.Equal(t, Ranges{{150, 200}, {250, 300}}, gaps)
}

func TestFinishTermIsIdempotentForSameIndex(t *testing.T) {
	log := open(t)
	require.NoError(t, log.FinishTerm(10))
	require.NoError(t, log.FinishTerm(10))
}

func TestFinishTermRejectsRaisingPastPriorEnd(t *testing.T) {
	log := open(t)
	require.NoError(t, log.FinishTerm(10))
	require.Error(t, log.FinishTerm(20))
}

func TestFinishTermRejectsLoweringBelowCommitIndex(t *testing.T) {
	log := open(t)
	w := log.OpenWriter(0)
	_, err := w.Write(make([]byte, 200), 200)
	require.NoError(t, err)

	require.NoError(t, log.FinishTerm(170))
	require.Equal(t, int64(170), log.HighestIndex())

	log.Commit(170)
	require.Error(t, log.FinishTerm(100))
}

func TestOpenSegmentFileLocation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := Open(dir, 7, 6, 99, 100, Options{})
	require.NoError(t, err)
	defer log.Close()
	require.Equal(t, uint64(7), log.Term())
	require.Equal(t, uint64(6), log.PrevTerm())
	require.Equal(t, int64(99), log.PrevIndex())
	require.Equal(t, int64(100), log.StartIndex())
}

func TestReaderTailsWrites(t *testing.T) {
	log := open(t)
	r := log.OpenReader(0)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		n, err := r.Read(context.Background(), buf)
		require.NoError(t, err)
		done <- buf[:n]
	}()

	time.Sleep(20 * time.Millisecond)
	w := log.OpenWriter(0)
	_, err := w.Write([]byte("world"), 5)
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Equal(t, []byte("world"), got)
	case <-time.After(time.Second):
		t.Fatal("reader never observed the write")
	}
}

func TestReaderReturnsNegativeOneAtFinishedEnd(t *testing.T) {
	log := open(t)
	w := log.OpenWriter(0)
	_, err := w.Write([]byte("ab"), 2)
	require.NoError(t, err)
	require.NoError(t, log.FinishTerm(2))

	r := log.OpenReader(0)
	buf := make([]byte, 2)
	n, err := r.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = r.Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, -1, n)
}
