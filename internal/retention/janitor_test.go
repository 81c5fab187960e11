package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentserver/agentserver/pkg/models"
)

// fakeSource holds one instance's notification log.
type fakeSource struct {
	recs []models.NotificationHistoryRecord
}

func (f *fakeSource) ArchiveHistory(ctx context.Context, keep int, sink func(context.Context, string, string, []models.NotificationHistoryRecord) error) (int, error) {
	if len(f.recs) <= keep {
		return 0, nil
	}
	old := f.recs[:len(f.recs)-keep]
	if err := sink(ctx, "alice", "a", old); err != nil {
		return 0, err
	}
	f.recs = append([]models.NotificationHistoryRecord(nil), f.recs[len(old):]...)
	return len(old), nil
}

func history(n int) []models.NotificationHistoryRecord {
	out := make([]models.NotificationHistoryRecord, n)
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = models.NotificationHistoryRecord{
			Seq:          int64(i + 1),
			Time:         t0.Add(time.Duration(i) * time.Second),
			Notification: models.NotificationInstance{Name: "confirm", Pending: i%2 == 0},
		}
	}
	return out
}

type failingArchiver struct{}

func (failingArchiver) Kind() string { return "broken" }
func (failingArchiver) ArchiveNotifications(context.Context, string, string, []models.NotificationHistoryRecord) (string, error) {
	return "", errors.New("disk full")
}
func (failingArchiver) HealthCheck(context.Context) error { return nil }

func TestRunCycle_ArchivesAndTrims(t *testing.T) {
	for _, compress := range []bool{false, true} {
		src := &fakeSource{recs: history(10)}
		a := NewLocalFileArchiver(t.TempDir(), compress)
		require.NoError(t, a.HealthCheck(context.Background()))
		j := NewJanitor(src, time.Minute, 4)
		j.RegisterArchiver(a)

		stats := j.RunCycle(context.Background())
		require.Empty(t, stats.Errors)
		assert.Equal(t, 6, stats.Moved)
		require.Len(t, stats.ArchiveRecords, 1)
		ar := stats.ArchiveRecords[0]
		assert.Equal(t, int64(1), ar.FirstSeq)
		assert.Equal(t, int64(6), ar.LastSeq)

		archived, err := ReadArchive(ar.URI)
		require.NoError(t, err)
		require.Len(t, archived, 6)
		assert.Equal(t, int64(1), archived[0].Seq)
		assert.True(t, archived[0].Notification.Pending)

		require.Len(t, src.recs, 4)
		assert.Equal(t, int64(7), src.recs[0].Seq)

		again := j.RunCycle(context.Background())
		assert.Equal(t, 0, again.Moved)
	}
}

func TestRunCycle_FailSafe(t *testing.T) {
	src := &fakeSource{recs: history(5)}
	j := NewJanitor(src, time.Minute, 2)
	j.RegisterArchiver(failingArchiver{})

	stats := j.RunCycle(context.Background())
	assert.NotEmpty(t, stats.Errors)
	assert.Len(t, src.recs, 5, "records stay when archiving fails")
}

func TestRunCycle_PurgeOnlyAndMissingDriver(t *testing.T) {
	src := &fakeSource{recs: history(5)}
	j := NewJanitor(src, 0, 2)
	stats := j.RunCycle(context.Background())
	assert.Equal(t, 3, stats.Moved)
	assert.Empty(t, stats.ArchiveRecords)

	src = &fakeSource{recs: history(5)}
	j = NewJanitor(src, 0, 2)
	j.SetDefaultBackend("s3")
	stats = j.RunCycle(context.Background())
	assert.NotEmpty(t, stats.Errors)
	assert.Len(t, src.recs, 5)
}
