package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

func inProgress(id string, progress int) types.JobState {
	return types.JobState{ID: id, Status: types.JobStatusInProgress, Progress: progress}
}

func completed(id string, progress int) types.JobState {
	return types.JobState{ID: id, Status: types.JobStatusCompleted, Progress: progress, CompletedAt: time.Now()}
}

func TestEventsPerRun(t *testing.T) {
	assert.Equal(t, 102, EventsPerRun(100))
	assert.Equal(t, 12, EventsPerRun(10))
}

func TestQueues_OpenTwice(t *testing.T) {
	q := NewQueues(4, 0)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))
	assert.ErrorIs(t, q.Open("job-1"), ErrQueueExists)
}

func TestQueues_PublishWithoutQueue(t *testing.T) {
	q := NewQueues(4, 0)
	defer q.Close()

	assert.False(t, q.Publish(inProgress("nobody", 0)))
}

func TestQueues_PreservesOrderAndRemovesOnFinish(t *testing.T) {
	q := NewQueues(EventsPerRun(3), 0)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))
	for p := 0; p <= 3; p++ {
		require.True(t, q.Publish(inProgress("job-1", p)))
	}
	require.True(t, q.Publish(completed("job-1", 3)))

	claim, ok := q.Claim("job-1")
	require.True(t, ok)

	for p := 0; p <= 3; p++ {
		state := <-claim.Events()
		assert.Equal(t, types.JobStatusInProgress, state.Status)
		assert.Equal(t, p, state.Progress)
	}
	last := <-claim.Events()
	assert.Equal(t, types.JobStatusCompleted, last.Status)

	claim.Finish()
	assert.Equal(t, 0, q.Len())

	_, ok = q.Claim("job-1")
	assert.False(t, ok, "drained queue must not be claimable")
}

func TestQueues_SingleConsumer(t *testing.T) {
	q := NewQueues(4, 0)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))

	first, ok := q.Claim("job-1")
	require.True(t, ok)

	_, ok = q.Claim("job-1")
	assert.False(t, ok, "second concurrent consumer must be refused")

	first.Release()

	second, ok := q.Claim("job-1")
	require.True(t, ok, "released queue must be claimable again")
	second.Release()
}

func TestQueues_ReleaseResumesAfterTakenEvents(t *testing.T) {
	q := NewQueues(4, 0)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))
	require.True(t, q.Publish(inProgress("job-1", 0)))
	require.True(t, q.Publish(inProgress("job-1", 1)))

	claim, ok := q.Claim("job-1")
	require.True(t, ok)
	assert.Equal(t, 0, (<-claim.Events()).Progress)
	claim.Release()

	claim, ok = q.Claim("job-1")
	require.True(t, ok)
	assert.Equal(t, 1, (<-claim.Events()).Progress)
	claim.Release()
}

func TestQueues_NoPublishAfterCompleted(t *testing.T) {
	q := NewQueues(4, 0)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))
	require.True(t, q.Publish(completed("job-1", 1)))
	assert.False(t, q.Publish(inProgress("job-1", 2)))
}

func TestQueues_FullQueueDrops(t *testing.T) {
	q := NewQueues(1, 0)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))
	require.True(t, q.Publish(inProgress("job-1", 0)))
	assert.False(t, q.Publish(inProgress("job-1", 1)))
}

func TestQueues_RetentionDropsUnclaimedCompletedQueue(t *testing.T) {
	q := NewQueues(4, 20*time.Millisecond)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))
	require.True(t, q.Publish(inProgress("job-1", 0)))

	// Still running: retention does not apply yet.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, q.Len())

	require.True(t, q.Publish(completed("job-1", 0)))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueues_RetentionSkipsClaimedQueue(t *testing.T) {
	q := NewQueues(4, 20*time.Millisecond)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))
	require.True(t, q.Publish(completed("job-1", 0)))

	claim, ok := q.Claim("job-1")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, q.Len(), "claimed queue must survive retention")

	claim.Release()
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClaim_FinishAfterReleaseIsNoop(t *testing.T) {
	q := NewQueues(4, 0)
	defer q.Close()

	require.NoError(t, q.Open("job-1"))
	claim, ok := q.Claim("job-1")
	require.True(t, ok)

	claim.Release()
	claim.Finish()
	assert.Equal(t, 1, q.Len())
}
