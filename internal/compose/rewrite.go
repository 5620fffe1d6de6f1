package compose

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dockvault/dockvault/internal/docker"
)

// maxPort is the highest host port the rewriter will assign. 65535 is
// left alone so the search below never wraps.
const maxPort = 65534

// Rewriter adapts a compose manifest for deployment on a host where the
// original stack's resources may already be taken. It strips identity
// fields that would collide, downgrades health-gated dependencies (the
// healthchecks themselves are removed), remaps published ports that are
// in use, and makes sure external networks exist.
//
// Rewriting is idempotent: a manifest that has already been rewritten on
// this host passes through unchanged.
type Rewriter struct {
	eng docker.Engine
	log *slog.Logger

	// probeFree reports whether a host port can be bound. Overridable
	// in tests; defaults to a TCP bind probe.
	probeFree func(port int) bool
}

func NewRewriter(eng docker.Engine, log *slog.Logger) *Rewriter {
	return &Rewriter{eng: eng, log: log, probeFree: ProbeTCP}
}

// ProbeTCP reports whether a host port can be bound and released cleanly.
func ProbeTCP(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Rewrite applies all transforms to a manifest and returns the rewritten
// document plus human-readable remap notes ("web: 8080 -> 8081").
func (r *Rewriter) Rewrite(ctx context.Context, manifest []byte) ([]byte, []string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(manifest, &doc); err != nil {
		return nil, nil, &ParseError{Reason: "invalid yaml", Err: err}
	}
	services, ok := doc["services"].(map[string]any)
	if !ok || len(services) == 0 {
		return nil, nil, &ParseError{Reason: "no services defined"}
	}

	// Ports already published on the host. A listed error degrades the
	// probe to bind-only rather than failing the restore.
	published, err := r.eng.PublishedPorts(ctx)
	if err != nil {
		r.log.Warn("port conflict check degraded to bind probe only", "err", err)
		published = nil
	}
	// Ports assigned during this rewrite, so two services cannot both
	// land on the same free port.
	claimed := make(map[int]bool)
	free := func(port int) bool {
		return !claimed[port] && !published[uint16(port)] && r.probeFree(port)
	}

	var remaps []string

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		svc, ok := services[name].(map[string]any)
		if !ok {
			continue
		}

		// Fixed identity fields collide with the originals still present
		// on the source host.
		delete(svc, "container_name")
		delete(svc, "healthcheck")
		delete(svc, "dns")
		delete(svc, "dns_search")

		// Static addresses belong to the original deployment's subnets.
		if nets, ok := svc["networks"].(map[string]any); ok {
			for _, v := range nets {
				if att, ok := v.(map[string]any); ok {
					delete(att, "ipv4_address")
					delete(att, "ipv6_address")
				}
			}
		}

		// Healthchecks are gone, so health-gated dependencies would
		// never be satisfied.
		if deps, ok := svc["depends_on"].(map[string]any); ok {
			for _, v := range deps {
				if dep, ok := v.(map[string]any); ok {
					if dep["condition"] == "service_healthy" {
						dep["condition"] = "service_started"
					}
				}
			}
		}

		ports, ok := svc["ports"].([]any)
		if !ok {
			continue
		}
		for i, entry := range ports {
			rewritten, note, err := r.rewritePort(name, entry, free, claimed)
			if err != nil {
				return nil, nil, err
			}
			ports[i] = rewritten
			if note != "" {
				remaps = append(remaps, note)
			}
		}
	}

	if err := r.ensureExternalNetworks(ctx, doc); err != nil {
		return nil, nil, err
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal rewritten manifest: %w", err)
	}
	return out, remaps, nil
}

// rewritePort remaps one port entry when its published host port is
// taken. Entries without a published port, and published ranges, pass
// through untouched.
func (r *Rewriter) rewritePort(service string, entry any, free func(int) bool, claimed map[int]bool) (any, string, error) {
	switch v := entry.(type) {
	case string, int:
		p := parseShortPort(fmt.Sprint(v))
		if p.Published == "" || strings.Contains(p.Published, "-") {
			return entry, "", nil
		}
		orig, err := strconv.Atoi(p.Published)
		if err != nil {
			return entry, "", nil
		}
		port, err := r.claimPort(orig, free, claimed)
		if err != nil {
			return nil, "", fmt.Errorf("service %q port %d: %w", service, orig, err)
		}
		if port == orig {
			return entry, "", nil
		}
		p.Published = strconv.Itoa(port)
		return formatShortPort(p), fmt.Sprintf("%s: %d -> %d", service, orig, port), nil

	case map[string]any:
		orig, ok := asInt(v["published"])
		if !ok {
			return entry, "", nil
		}
		port, err := r.claimPort(orig, free, claimed)
		if err != nil {
			return nil, "", fmt.Errorf("service %q port %d: %w", service, orig, err)
		}
		if port == orig {
			return entry, "", nil
		}
		v["published"] = port
		return v, fmt.Sprintf("%s: %d -> %d", service, orig, port), nil
	}
	return entry, "", nil
}

// claimPort returns orig if free, otherwise the next free port in
// (orig, 65534]. Every returned port is claimed for this rewrite.
func (r *Rewriter) claimPort(orig int, free func(int) bool, claimed map[int]bool) (int, error) {
	if free(orig) {
		claimed[orig] = true
		return orig, nil
	}
	for port := orig + 1; port <= maxPort; port++ {
		if free(port) {
			claimed[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free host port in %d..%d", orig+1, maxPort)
}

// ensureExternalNetworks creates any network the manifest declares as
// external but the host does not have yet.
func (r *Rewriter) ensureExternalNetworks(ctx context.Context, doc map[string]any) error {
	networks, ok := doc["networks"].(map[string]any)
	if !ok {
		return nil
	}
	for key, v := range networks {
		def, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name := key
		external := false
		switch ext := def["external"].(type) {
		case bool:
			external = ext
		case string:
			// Scalar form: the string is the network name unless it is a
			// spelled-out boolean.
			if b, err := strconv.ParseBool(ext); err == nil {
				external = b
			} else if ext != "" {
				external = true
				name = ext
			}
		case map[string]any:
			// Legacy "external: {name: ...}" form.
			external = true
			if n, ok := ext["name"].(string); ok && n != "" {
				name = n
			}
		}
		if !external {
			continue
		}
		if n, ok := def["name"].(string); ok && n != "" {
			name = n
		}
		if err := r.eng.EnsureNetwork(ctx, name); err != nil {
			return fmt.Errorf("ensure external network %q: %w", name, err)
		}
	}
	return nil
}

func formatShortPort(p Port) string {
	var sb strings.Builder
	if p.HostIP != "" {
		sb.WriteString(p.HostIP)
		sb.WriteByte(':')
	}
	sb.WriteString(p.Published)
	sb.WriteByte(':')
	sb.WriteString(p.Target)
	if p.Protocol != "" {
		sb.WriteByte('/')
		sb.WriteString(p.Protocol)
	}
	return sb.String()
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
