package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOverdue(repo *memRepo) (villager *Account, overdue []*Appointment, recent *Appointment) {
	villager = repo.addAccount(RoleVillager, true)
	for i := 0; i < 3; i++ {
		overdue = append(overdue, repo.put(Appointment{
			VillagerID: villager.ID,
			Date:       day(2024, 1, 10),
			Time:       TimeOfDay{Hour: 10},
			Reason:     "checkup",
		}))
	}
	recent = repo.put(Appointment{
		VillagerID: villager.ID,
		Date:       day(2024, 1, 10),
		Time:       TimeOfDay{Hour: 10, Minute: 20},
		Status:     StatusApproved,
		Reason:     "checkup",
	})
	return villager, overdue, recent
}

func TestAutoCancelOverdue(t *testing.T) {
	repo := newMemRepo()
	_, overdue, recent := seedOverdue(repo)
	n := &recordingNotifier{}
	svc := newTestService(t, repo, ts(2024, 1, 10, 10, 40), WithNotifier(n))

	count, err := svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	for _, a := range overdue {
		assert.Equal(t, StatusCancelled, repo.get(a.ID).Status)
	}
	assert.Equal(t, StatusApproved, repo.get(recent.ID).Status)

	sent := n.all()
	require.Len(t, sent, 3)
	for i, s := range sent {
		assert.Equal(t, overdue[i].ID, s.ID)
		assert.Equal(t, NotifyCancelled, s.Kind)
	}
	assert.Equal(t, []string{
		EventAppointmentAutoCancelled,
		EventAppointmentAutoCancelled,
		EventAppointmentAutoCancelled,
	}, repo.eventTypes())

	// Nothing left to do on the next run.
	count, err = svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, n.all(), 3)
}

func TestAutoCancelOverdue_LeavesClosedAppointments(t *testing.T) {
	repo := newMemRepo()
	v := repo.addAccount(RoleVillager, true)
	done := repo.put(Appointment{VillagerID: v.ID, Date: day(2024, 1, 9), Time: TimeOfDay{Hour: 9}, Status: StatusCompleted})
	gone := repo.put(Appointment{VillagerID: v.ID, Date: day(2024, 1, 9), Time: TimeOfDay{Hour: 9}, Status: StatusCancelled})
	approved := repo.put(Appointment{VillagerID: v.ID, Date: day(2024, 1, 9), Time: TimeOfDay{Hour: 9}, Status: StatusApproved})
	svc := newTestService(t, repo, ts(2024, 1, 10, 10, 40))

	count, err := svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, StatusCompleted, repo.get(done.ID).Status)
	assert.Equal(t, StatusCancelled, repo.get(gone.ID).Status)
	assert.Equal(t, StatusCancelled, repo.get(approved.ID).Status)
}

func TestAutoCancelOverdue_NotifierFailureStillCancels(t *testing.T) {
	repo := newMemRepo()
	_, overdue, _ := seedOverdue(repo)
	n := &recordingNotifier{err: errors.New("smtp down")}
	svc := newTestService(t, repo, ts(2024, 1, 10, 10, 40), WithNotifier(n))

	count, err := svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Len(t, n.all(), 3)
	for _, a := range overdue {
		assert.Equal(t, StatusCancelled, repo.get(a.ID).Status)
	}
}

func TestAutoCancelOverdue_JustAfterMidnight(t *testing.T) {
	repo := newMemRepo()
	v := repo.addAccount(RoleVillager, true)
	yesterday := repo.put(Appointment{VillagerID: v.ID, Date: day(2024, 1, 9), Time: TimeOfDay{Hour: 23, Minute: 55}})
	today := repo.put(Appointment{VillagerID: v.ID, Date: day(2024, 1, 10), Time: TimeOfDay{Minute: 5}})
	svc := newTestService(t, repo, ts(2024, 1, 10, 0, 10))

	count, err := svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, StatusCancelled, repo.get(yesterday.ID).Status)
	assert.Equal(t, StatusPending, repo.get(today.ID).Status)
}

func TestAutoCancelOverdue_SkipsRowsClosedAfterSnapshot(t *testing.T) {
	repo := newMemRepo()
	_, overdue, _ := seedOverdue(repo)
	repo.afterFindOverdue = func() {
		repo.setStatus(overdue[1].ID, StatusCompleted)
	}
	n := &recordingNotifier{}
	svc := newTestService(t, repo, ts(2024, 1, 10, 10, 40), WithNotifier(n))

	count, err := svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, StatusCompleted, repo.get(overdue[1].ID).Status)
	assert.Equal(t, []sentNotification{
		{ID: overdue[0].ID, Kind: NotifyCancelled},
		{ID: overdue[2].ID, Kind: NotifyCancelled},
	}, n.all())
}

func TestAutoCancelOverdue_SecondsPastGraceWindow(t *testing.T) {
	repo := newMemRepo()
	v := repo.addAccount(RoleVillager, true)
	slot := repo.put(Appointment{VillagerID: v.ID, Date: day(2024, 1, 10), Time: TimeOfDay{Hour: 10, Minute: 10}})
	n := &recordingNotifier{}

	// Exactly thirty minutes past stays open.
	svc := newTestService(t, repo, ts(2024, 1, 10, 10, 40), WithNotifier(n))
	count, err := svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, StatusPending, repo.get(slot.ID).Status)

	svc = newTestService(t, repo, ts(2024, 1, 10, 10, 40).Add(30*time.Second), WithNotifier(n))
	count, err = svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, StatusCancelled, repo.get(slot.ID).Status)
	assert.Equal(t, []sentNotification{{ID: slot.ID, Kind: NotifyCancelled}}, n.all())
}

func TestAutoCancelOverdue_RejectsOverlappingRun(t *testing.T) {
	repo := newMemRepo()
	seedOverdue(repo)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo.afterFindOverdue = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	svc := newTestService(t, repo, ts(2024, 1, 10, 10, 40))

	var (
		wg    sync.WaitGroup
		count int
		err   error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		count, err = svc.AutoCancelOverdue(context.Background())
	}()

	<-entered
	n, overlapErr := svc.AutoCancelOverdue(context.Background())
	assert.ErrorIs(t, overlapErr, ErrSweepInProgress)
	assert.Zero(t, n)

	close(release)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// The guard is released once the first run returns.
	n, err = svc.AutoCancelOverdue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoCancelOverdue_SnapshotError(t *testing.T) {
	repo := newMemRepo()
	seedOverdue(repo)
	repo.findOverdueErr = errors.New("connection reset")
	n := &recordingNotifier{}
	svc := newTestService(t, repo, ts(2024, 1, 10, 10, 40), WithNotifier(n))

	count, err := svc.AutoCancelOverdue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, count)
	assert.Empty(t, n.all())
}
