package models

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/dockvault/dockvault/internal/db"
)

// Schedule frequencies.
const (
	FreqManual = "manual"
	FreqDaily  = "daily"
	FreqWeekly = "weekly"
)

// Schedule describes a recurring backup trigger for one container or stack.
type Schedule struct {
	// Target is a container id for container backups or a stack name for
	// stack backups.
	Target string `json:"target"`
	// Stack is true when Target names an imported stack.
	Stack     bool   `json:"stack"`
	Frequency string `json:"frequency"` // manual, daily, weekly
	Time      string `json:"time"`      // "HH:MM"
	DayOfWeek int    `json:"dayOfWeek"` // 0..6, weekly only
}

// ScheduleStore persists backup schedules, keyed by target.
type ScheduleStore struct {
	db *bolt.DB
}

func NewScheduleStore(database *bolt.DB) *ScheduleStore {
	return &ScheduleStore{db: database}
}

// Set inserts or replaces the schedule for a target.
func (s *ScheduleStore) Set(sched Schedule) error {
	data, err := json.Marshal(&sched)
	if err != nil {
		return fmt.Errorf("marshal schedule %q: %w", sched.Target, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSchedules).Put([]byte(sched.Target), data)
	})
	if err != nil {
		return fmt.Errorf("set schedule %q: %w", sched.Target, err)
	}
	return nil
}

// Get returns the schedule for a target, or nil when none is set.
func (s *ScheduleStore) Get(target string) (*Schedule, error) {
	var sched *Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketSchedules).Get([]byte(target))
		if v == nil {
			return nil
		}
		sched = &Schedule{}
		return json.Unmarshal(v, sched)
	})
	if err != nil {
		return nil, fmt.Errorf("get schedule %q: %w", target, err)
	}
	return sched, nil
}

// Delete removes the schedule for a target.
func (s *ScheduleStore) Delete(target string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSchedules).Delete([]byte(target))
	})
	if err != nil {
		return fmt.Errorf("delete schedule %q: %w", target, err)
	}
	return nil
}

// All returns every stored schedule.
func (s *ScheduleStore) All() ([]Schedule, error) {
	var schedules []Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSchedules).ForEach(func(k, v []byte) error {
			var sched Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return fmt.Errorf("unmarshal schedule %q: %w", string(k), err)
			}
			schedules = append(schedules, sched)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return schedules, nil
}
