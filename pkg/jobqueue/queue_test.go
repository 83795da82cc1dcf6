package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookingbot/pkg/store"
)

type fixture struct {
	store *store.Store
	queue *Queue
	now   time.Time
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()

	st, err := store.Open(store.Options{DataDir: t.TempDir(), Fsync: store.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	f.queue = New(st, Options{MaxAttempts: maxAttempts})
	f.queue.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) enqueue(t *testing.T, jobs ...store.Job) {
	t.Helper()
	require.NoError(t, f.store.Exclusive(context.Background(), func(tx *store.Tx) error {
		for _, job := range jobs {
			if _, err := f.queue.Enqueue(tx, job); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (f *fixture) job(t *testing.T, id string) store.Job {
	t.Helper()
	var job store.Job
	require.NoError(t, f.store.View(func(tx *store.Tx) error {
		var err error
		job, err = tx.GetJob(id)
		return err
	}))
	return job
}

func TestClaimSkipsConversationInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	f.enqueue(t,
		store.Job{ID: "a1", ConversationKey: "t1|sms|+100"},
		store.Job{ID: "a2", ConversationKey: "t1|sms|+100"},
		store.Job{ID: "b1", ConversationKey: "t1|sms|+200"},
	)

	first, err := f.queue.Claim(ctx, 10, "w1")
	require.NoError(t, err)
	require.Len(t, first, 2)
	ids := []string{first[0].ID, first[1].ID}
	require.ElementsMatch(t, []string{"a1", "b1"}, ids)
	require.Equal(t, store.JobRunning, first[0].Status)
	require.Equal(t, "w1", first[0].LockedBy)

	second, err := f.queue.Claim(ctx, 10, "w2")
	require.NoError(t, err)
	require.Empty(t, second, "a2 must wait for a1")

	a1 := first[0]
	if a1.ID != "a1" {
		a1 = first[1]
	}
	require.NoError(t, f.queue.MarkDone(ctx, a1))

	third, err := f.queue.Claim(ctx, 10, "w2")
	require.NoError(t, err)
	require.Len(t, third, 1)
	require.Equal(t, "a2", third[0].ID)
}

func TestClaimRespectsLimitAndRunAfter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	f.enqueue(t,
		store.Job{ID: "j1", ConversationKey: "k1"},
		store.Job{ID: "j2", ConversationKey: "k2"},
		store.Job{ID: "later", ConversationKey: "k3", RunAfter: f.now.Add(time.Minute)},
	)

	got, err := f.queue.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = f.queue.Claim(ctx, 5, "w1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = f.queue.Claim(ctx, 5, "w1")
	require.NoError(t, err)
	require.Empty(t, got)

	f.now = f.now.Add(2 * time.Minute)
	got, err = f.queue.Claim(ctx, 5, "w1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "later", got[0].ID)
}

func TestConcurrentClaimersNeverShareJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	var jobs []store.Job
	for i := range 40 {
		jobs = append(jobs, store.Job{ConversationKey: string(rune('A' + i))})
	}
	f.enqueue(t, jobs...)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				claimed, err := f.queue.Claim(ctx, 3, string(rune('a'+w)))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				for _, job := range claimed {
					seen[job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 40)
	for id, n := range seen {
		require.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestMarkRetryBacksOffThenFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()

	f.enqueue(t, store.Job{ID: "j1", ConversationKey: "k1"})

	claimed, err := f.queue.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotEmpty(t, claimed[0].LeaseID)
	require.NoError(t, f.queue.MarkRetry(ctx, claimed[0], 30*time.Second, "calendar down"))

	job := f.job(t, "j1")
	require.Equal(t, store.JobQueued, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, "calendar down", job.LastError)
	require.Equal(t, f.now.Add(30*time.Second), job.RunAfter)
	require.Nil(t, job.LockedAt)
	require.Empty(t, job.LeaseID)

	claimed, err = f.queue.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Empty(t, claimed, "retry must wait for run_after")

	f.now = f.now.Add(31 * time.Second)
	claimed, err = f.queue.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, f.queue.MarkRetry(ctx, claimed[0], 30*time.Second, "still down"))
	job = f.job(t, "j1")
	require.Equal(t, store.JobFailed, job.Status)
	require.Equal(t, 2, job.Attempts)

	require.ErrorIs(t, f.queue.MarkRetry(ctx, claimed[0], time.Second, "again"), ErrNotRunning)
}

func TestCompleteTxCommitsWithCallerWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	f.enqueue(t, store.Job{ID: "j1", ConversationKey: "k1"})
	claimed, err := f.queue.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	tx := f.store.Begin()
	require.NoError(t, f.queue.CompleteTx(tx, claimed[0]))
	tx.Rollback()
	require.Equal(t, store.JobRunning, f.job(t, "j1").Status)

	tx = f.store.Begin()
	require.NoError(t, f.queue.CompleteTx(tx, claimed[0]))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, store.JobDone, f.job(t, "j1").Status)
}

func TestSweepStaleRequeuesOldLocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	f.enqueue(t, store.Job{ID: "old", ConversationKey: "k1"})
	_, err := f.queue.Claim(ctx, 1, "w1")
	require.NoError(t, err)

	f.now = f.now.Add(5 * time.Minute)
	f.enqueue(t, store.Job{ID: "fresh", ConversationKey: "k2"})
	_, err = f.queue.Claim(ctx, 1, "w2")
	require.NoError(t, err)

	f.now = f.now.Add(6 * time.Minute)
	n, err := f.queue.SweepStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	old := f.job(t, "old")
	require.Equal(t, store.JobQueued, old.Status)
	require.Equal(t, 1, old.Attempts)
	require.Equal(t, staleLockError, old.LastError)
	require.Equal(t, store.JobRunning, f.job(t, "fresh").Status)

	claimed, err := f.queue.Claim(ctx, 5, "w3")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "old", claimed[0].ID)
}

func TestSweepFencesOutWorkerStillRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	f.enqueue(t, store.Job{ID: "j1", ConversationKey: "k1"})
	slow, err := f.queue.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, slow, 1)

	// w1 is still working when its writes are staged.
	tx := f.store.Begin()
	require.NoError(t, f.queue.CompleteTx(tx, slow[0]))

	f.now = f.now.Add(11 * time.Minute)
	n, err := f.queue.SweepStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.ErrorIs(t, tx.Commit(ctx), ErrLeaseLost)
	require.Equal(t, store.JobQueued, f.job(t, "j1").Status)

	fresh, err := f.queue.Claim(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.NotEqual(t, slow[0].LeaseID, fresh[0].LeaseID)

	require.ErrorIs(t, f.queue.MarkRetry(ctx, slow[0], time.Second, "late"), ErrLeaseLost)
	require.ErrorIs(t, f.queue.MarkDone(ctx, slow[0]), ErrLeaseLost)

	job := f.job(t, "j1")
	require.Equal(t, store.JobRunning, job.Status)
	require.Equal(t, "w2", job.LockedBy)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, f.queue.MarkDone(ctx, fresh[0]))
	require.Equal(t, store.JobDone, f.job(t, "j1").Status)
}

func TestReleaseRequeuesWithoutCountingAttempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	f.enqueue(t,
		store.Job{ID: "j1", ConversationKey: "k1"},
		store.Job{ID: "j2", ConversationKey: "k2"},
	)
	claimed, err := f.queue.Claim(ctx, 2, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	done := claimed[0]
	require.NoError(t, f.queue.MarkDone(ctx, done))

	n, err := f.queue.Release(ctx, claimed, "stopping")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, store.JobDone, f.job(t, done.ID).Status)
	released := f.job(t, claimed[1].ID)
	require.Equal(t, store.JobQueued, released.Status)
	require.Zero(t, released.Attempts)
	require.Empty(t, released.LockedBy)
	require.Empty(t, released.LeaseID)
	require.Equal(t, "stopping", released.LastError)
}

func TestValidateCron(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateCron(DefaultSweepCron))
	require.Error(t, ValidateCron("every minute"))
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.queue.RunSweeper(ctx, DefaultSweepCron, time.Minute) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
