package models

import (
	"fmt"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/dockvault/dockvault/internal/db"
)

func newTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestStackStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewStackStore(newTestDB(t))

	def := &StackDefinition{
		Name:    "shop",
		Compose: "services:\n  web:\n    image: nginx\n",
		EnvVars: map[string]string{"TAG": "v1"},
		Services: map[string]ServiceSpec{
			"web": {Image: "nginx", Volumes: []string{"/usr/share/nginx/html"}},
		},
	}
	if err := s.Save(def); err != nil {
		t.Fatal(err)
	}
	if def.UpdatedAt.IsZero() {
		t.Error("Save did not stamp UpdatedAt")
	}

	got, err := s.Get("shop")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "shop" || got.Services["web"].Image != "nginx" {
		t.Fatalf("got = %+v", got)
	}
	if got.Services["web"].Volumes[0] != "/usr/share/nginx/html" {
		t.Errorf("volumes = %v", got.Services["web"].Volumes)
	}

	missing, err := s.Get("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("missing stack = %+v, want nil", missing)
	}

	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("all = %v", all)
	}

	if err := s.Delete("shop"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("shop"); err != nil {
		t.Errorf("double delete errored: %v", err)
	}
	if got, _ := s.Get("shop"); got != nil {
		t.Errorf("stack survived delete: %+v", got)
	}
}

func TestHistoryStoreNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewHistoryStore(newTestDB(t))
	for i := 0; i < 3; i++ {
		err := s.Append(HistoryEntry{
			Subject: fmt.Sprintf("job-%d", i), Status: HistorySuccess, Destination: DestLocal,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Subject != "job-2" || entries[2].Subject != "job-0" {
		t.Errorf("order = %s .. %s", entries[0].Subject, entries[2].Subject)
	}
	if entries[0].ID <= entries[1].ID {
		t.Errorf("ids not increasing: %d, %d", entries[1].ID, entries[0].ID)
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestHistoryStoreEviction(t *testing.T) {
	t.Parallel()

	s := NewHistoryStore(newTestDB(t))
	for i := 0; i < historyLimit+25; i++ {
		err := s.Append(HistoryEntry{
			Subject: fmt.Sprintf("job-%d", i), Status: HistoryFailed, Destination: DestLocal,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != historyLimit {
		t.Fatalf("entries = %d, want %d", len(entries), historyLimit)
	}
	// Newest survives, the very first entries are gone.
	if entries[0].Subject != fmt.Sprintf("job-%d", historyLimit+24) {
		t.Errorf("newest = %s", entries[0].Subject)
	}
	if entries[len(entries)-1].Subject != "job-25" {
		t.Errorf("oldest = %s", entries[len(entries)-1].Subject)
	}
}

func TestScheduleStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewScheduleStore(newTestDB(t))

	sched := Schedule{Target: "shop", Stack: true, Frequency: FreqWeekly, Time: "03:00", DayOfWeek: 2}
	if err := s.Set(sched); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("shop")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Frequency != FreqWeekly || got.DayOfWeek != 2 || !got.Stack {
		t.Fatalf("got = %+v", got)
	}

	// Upsert replaces.
	sched.Frequency = FreqDaily
	if err := s.Set(sched); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get("shop")
	if got.Frequency != FreqDaily {
		t.Errorf("frequency = %q after upsert", got.Frequency)
	}

	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("all = %v", all)
	}

	if err := s.Delete("shop"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get("shop"); got != nil {
		t.Errorf("schedule survived delete: %+v", got)
	}
}

func TestSettingStore(t *testing.T) {
	t.Parallel()

	s := NewSettingStore(newTestDB(t))

	if v, err := s.Get("theme"); err != nil || v != "" {
		t.Fatalf("unset = %q, %v", v, err)
	}
	if err := s.Set("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get("theme"); v != "dark" {
		t.Errorf("theme = %q", v)
	}

	if err := s.Set("lang", "en"); err != nil {
		t.Fatal(err)
	}
	all, err := s.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if all["theme"] != "dark" || all["lang"] != "en" {
		t.Errorf("all = %v", all)
	}

	s.InvalidateCache()
	if v, _ := s.Get("theme"); v != "dark" {
		t.Errorf("theme after invalidate = %q", v)
	}
}
