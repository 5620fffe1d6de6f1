package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dockvault/dockvault/internal/docker"
)

// ContainerConfig is the config.json entry of a single-container artifact.
// It is the sole source of truth for a later restore, so it carries the
// full engine-side configuration of the container at capture time.
type ContainerConfig struct {
	Name            string              `json:"name"`
	Image           string              `json:"image"`
	Env             []string            `json:"env,omitempty"`
	Ports           map[string]struct{} `json:"ports,omitempty"` // exposed, "80/tcp"
	HostConfig      HostConfig          `json:"hostConfig"`
	Cmd             []string            `json:"cmd,omitempty"`
	Entrypoint      []string            `json:"entrypoint,omitempty"`
	WorkingDir      string              `json:"workingDir,omitempty"`
	NetworkSettings NetworkSettings     `json:"networkSettings"`
	AppType         string              `json:"appType"`
	BackupPaths     []string            `json:"backupPaths"`
	ComposeProject  string              `json:"composeProject,omitempty"`
	ComposeService  string              `json:"composeService,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// HostConfig mirrors the engine's host-side container settings.
type HostConfig struct {
	PortBindings map[string][]docker.PortBinding `json:"PortBindings,omitempty"`
	Binds        []string                        `json:"Binds,omitempty"`
}

// NetworkSettings mirrors the engine's network attachment map.
type NetworkSettings struct {
	Networks map[string]docker.NetworkAttachment `json:"Networks,omitempty"`
}

// StackMetadata is the stack_metadata.json entry of a unified stack artifact.
type StackMetadata struct {
	StackName  string           `json:"stackName"`
	Timestamp  time.Time        `json:"timestamp"`
	Containers []StackContainer `json:"containers"`
}

// StackContainer identifies one member of a stack artifact.
type StackContainer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Service string `json:"service"`
}

// ReadContainerConfig parses the config.json entry of an open artifact.
func (r *Reader) ReadContainerConfig() (*ContainerConfig, error) {
	data, err := r.ReadFile(ConfigEntry)
	if err != nil {
		return nil, err
	}
	var cfg ContainerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigEntry, err)
	}
	return &cfg, nil
}

// ReadStackMetadata parses the stack_metadata.json entry of an open artifact.
func (r *Reader) ReadStackMetadata() (*StackMetadata, error) {
	data, err := r.ReadFile(StackMetadataEntry)
	if err != nil {
		return nil, err
	}
	var meta StackMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", StackMetadataEntry, err)
	}
	return &meta, nil
}
