package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// acceptedComposeFileNames are checked in order when locating a stack's
// manifest on disk.
var acceptedComposeFileNames = []string{
	"compose.yaml",
	"compose.yml",
	"docker-compose.yml",
	"docker-compose.yaml",
}

// ParseError reports an unusable compose manifest: invalid YAML or a
// manifest with no services block.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "compose: " + e.Reason + ": " + e.Err.Error()
	}
	return "compose: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Manifest is the typed view of a compose file that backup planning and
// restore need. Fields the service doesn't act on are not modeled here;
// the rewriter operates on the raw document and preserves them.
type Manifest struct {
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks"`
	Volumes  map[string]any     `yaml:"volumes"`
}

// Service is one compose service entry.
type Service struct {
	Image         string    `yaml:"image"`
	ContainerName string    `yaml:"container_name"`
	Volumes       []Volume  `yaml:"volumes"`
	Environment   EnvMap    `yaml:"environment"`
	Ports         []Port    `yaml:"ports"`
	DependsOn     DependsOn `yaml:"depends_on"`
}

// Network is one top-level network entry.
type Network struct {
	External bool   `yaml:"external"`
	Name     string `yaml:"name"`
}

// Volume is one service volume mount. Both the short string form
// ("host:/target[:mode]" or "/target") and the long map form are accepted.
type Volume struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (v *Volume) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*v = parseShortVolume(s)
		return nil
	}
	var long struct {
		Source   string `yaml:"source"`
		Target   string `yaml:"target"`
		ReadOnly bool   `yaml:"read_only"`
	}
	if err := node.Decode(&long); err != nil {
		return err
	}
	*v = Volume{Source: long.Source, Target: long.Target, ReadOnly: long.ReadOnly}
	return nil
}

// parseShortVolume splits the short volume syntax. Windows-style host
// paths are not handled; the fleet under management is Linux.
func parseShortVolume(s string) Volume {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return Volume{Target: parts[0]}
	case 2:
		return Volume{Source: parts[0], Target: parts[1]}
	default:
		return Volume{
			Source:   parts[0],
			Target:   parts[1],
			ReadOnly: parts[2] == "ro",
		}
	}
}

// EnvMap accepts both the map form and the "KEY=VALUE" list form.
type EnvMap map[string]string

func (e *EnvMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		m := make(map[string]string)
		if err := node.Decode(&m); err != nil {
			return err
		}
		*e = m
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	m := make(map[string]string, len(list))
	for _, entry := range list {
		key, val, _ := strings.Cut(entry, "=")
		m[key] = val
	}
	*e = m
	return nil
}

// Port is one published port. Both the short scalar form ("8080:80",
// "127.0.0.1:8080:80/udp", 80) and the long map form are accepted.
type Port struct {
	HostIP    string
	Published string
	Target    string
	Protocol  string
}

func (p *Port) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*p = parseShortPort(s)
		return nil
	}
	var long struct {
		HostIP    string `yaml:"host_ip"`
		Published string `yaml:"published"`
		Target    string `yaml:"target"`
		Protocol  string `yaml:"protocol"`
	}
	if err := node.Decode(&long); err != nil {
		return err
	}
	*p = Port{HostIP: long.HostIP, Published: long.Published, Target: long.Target, Protocol: long.Protocol}
	return nil
}

func parseShortPort(s string) Port {
	p := Port{}
	if base, proto, ok := strings.Cut(s, "/"); ok {
		p.Protocol = proto
		s = base
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		p.Target = parts[0]
	case 2:
		p.Published = parts[0]
		p.Target = parts[1]
	default:
		p.HostIP = parts[0]
		p.Published = parts[1]
		p.Target = parts[2]
	}
	return p
}

// DependsOn accepts both the list form and the map-with-conditions form.
// Only the service names are retained here.
type DependsOn []string

func (d *DependsOn) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*d = list
		return nil
	}
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return err
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	*d = names
	return nil
}

// Parse decodes a compose manifest. A manifest with no services block is
// rejected: there is nothing to back up or deploy from it.
func Parse(src []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(src, &m); err != nil {
		return nil, &ParseError{Reason: "invalid yaml", Err: err}
	}
	if len(m.Services) == 0 {
		return nil, &ParseError{Reason: "no services defined"}
	}
	return &m, nil
}

// ParseFile reads and decodes a compose manifest from disk.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	return Parse(data)
}

// FindComposeFile locates a stack's manifest under dir, trying the
// accepted file names in order. Returns "" when none exists.
func FindComposeFile(dir string) string {
	for _, name := range acceptedComposeFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
