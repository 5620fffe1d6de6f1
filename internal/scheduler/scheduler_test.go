package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/dockvault/dockvault/internal/db"
	"github.com/dockvault/dockvault/internal/jobs"
	"github.com/dockvault/dockvault/internal/models"
)

func TestCronSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		sched    models.Schedule
		wantSpec string
		wantOK   bool
		wantErr  bool
	}{
		{models.Schedule{Frequency: models.FreqManual}, "", false, false},
		{models.Schedule{Frequency: ""}, "", false, false},
		{models.Schedule{Frequency: models.FreqDaily, Time: "03:30"}, "30 3 * * *", true, false},
		{models.Schedule{Frequency: models.FreqDaily, Time: "00:00"}, "0 0 * * *", true, false},
		{models.Schedule{Frequency: models.FreqWeekly, Time: "22:15", DayOfWeek: 0}, "15 22 * * 0", true, false},
		{models.Schedule{Frequency: models.FreqWeekly, Time: "06:05", DayOfWeek: 6}, "5 6 * * 6", true, false},
		{models.Schedule{Frequency: models.FreqWeekly, Time: "06:05", DayOfWeek: 7}, "", false, true},
		{models.Schedule{Frequency: models.FreqDaily, Time: "24:00"}, "", false, true},
		{models.Schedule{Frequency: models.FreqDaily, Time: "12:60"}, "", false, true},
		{models.Schedule{Frequency: models.FreqDaily, Time: "noonish"}, "", false, true},
		{models.Schedule{Frequency: "hourly", Time: "00:00"}, "", false, true},
	}
	for _, c := range cases {
		spec, ok, err := CronSpec(c.sched)
		if (err != nil) != c.wantErr {
			t.Errorf("CronSpec(%+v) err = %v, wantErr %v", c.sched, err, c.wantErr)
			continue
		}
		if ok != c.wantOK || spec != c.wantSpec {
			t.Errorf("CronSpec(%+v) = %q, %v; want %q, %v", c.sched, spec, ok, c.wantSpec, c.wantOK)
		}
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *models.ScheduleStore, *jobs.Queue) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	store := models.NewScheduleStore(database)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := jobs.NewQueue(func(ctx context.Context, job jobs.Job, update func(status, message string)) error {
		return nil
	}, log)
	return New(store, queue, log), store, queue
}

func TestFireEnqueuesRightKind(t *testing.T) {
	t.Parallel()

	s, _, queue := newTestScheduler(t)

	s.fire(models.Schedule{Target: "web", Stack: false})
	s.fire(models.Schedule{Target: "shop", Stack: true})

	all := queue.All()
	if len(all) != 2 {
		t.Fatalf("jobs = %+v", all)
	}
	kinds := map[string]string{}
	for _, j := range all {
		kinds[j.Target] = j.Kind
	}
	if kinds["web"] != jobs.KindBackupContainer {
		t.Errorf("web kind = %q", kinds["web"])
	}
	if kinds["shop"] != jobs.KindBackupStack {
		t.Errorf("shop kind = %q", kinds["shop"])
	}
}

func TestReloadSkipsInvalidAndManualSchedules(t *testing.T) {
	t.Parallel()

	s, store, _ := newTestScheduler(t)
	defer s.Stop()

	for _, sched := range []models.Schedule{
		{Target: "a", Frequency: models.FreqDaily, Time: "03:00"},
		{Target: "b", Frequency: models.FreqManual},
		{Target: "c", Frequency: models.FreqDaily, Time: "bogus"},
	} {
		if err := store.Set(sched); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	entries := len(s.cron.Entries())
	s.mu.Unlock()
	if entries != 1 {
		t.Errorf("registered entries = %d, want 1", entries)
	}
}
