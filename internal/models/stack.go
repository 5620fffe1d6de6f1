package models

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dockvault/dockvault/internal/db"
)

// ServiceSpec is the per-service slice of an imported stack definition that
// backup and restore care about.
type ServiceSpec struct {
	Image string `json:"image,omitempty"`
	// Volumes holds the declared container-side volume destinations,
	// in manifest order.
	Volumes []string          `json:"volumes,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// StackDefinition is an imported compose stack. It is advisory: it decides
// what to back up and provides the manifest to redeploy from.
type StackDefinition struct {
	Name      string                 `json:"name"`
	Compose   string                 `json:"compose"`
	EnvVars   map[string]string      `json:"envVars,omitempty"`
	EnvFile   string                 `json:"envFile,omitempty"`
	Services  map[string]ServiceSpec `json:"services"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// StackStore persists imported stack definitions, keyed by stack name.
type StackStore struct {
	db *bolt.DB
}

func NewStackStore(database *bolt.DB) *StackStore {
	return &StackStore{db: database}
}

// Save inserts or replaces a stack definition.
func (s *StackStore) Save(def *StackDefinition) error {
	def.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal stack %q: %w", def.Name, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketStacks).Put([]byte(def.Name), data)
	})
	if err != nil {
		return fmt.Errorf("save stack %q: %w", def.Name, err)
	}
	return nil
}

// Get returns a stack definition by name, or nil if not imported.
func (s *StackStore) Get(name string) (*StackDefinition, error) {
	var def *StackDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketStacks).Get([]byte(name))
		if v == nil {
			return nil
		}
		def = &StackDefinition{}
		return json.Unmarshal(v, def)
	})
	if err != nil {
		return nil, fmt.Errorf("get stack %q: %w", name, err)
	}
	return def, nil
}

// Delete removes a stack definition. Deleting a missing stack is not an error.
func (s *StackStore) Delete(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketStacks).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete stack %q: %w", name, err)
	}
	return nil
}

// All returns every imported stack definition, keyed by name.
func (s *StackStore) All() (map[string]*StackDefinition, error) {
	result := make(map[string]*StackDefinition)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketStacks).ForEach(func(k, v []byte) error {
			var def StackDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return fmt.Errorf("unmarshal stack %q: %w", string(k), err)
			}
			result[string(k)] = &def
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
