// Package topology computes the local storage layout from a volume-pattern
// expression and resolves the server bind address. Both happen exactly once
// during bootstrap; a failure in either aborts startup.
package topology

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Topology is the resolved set of local disk paths the storage engine
// operates on.
type Topology struct {
	Disks        []string
	SetCount     int
	DrivesPerSet int
}

// FromVolumes expands a volume-pattern expression into a Topology.
//
// Accepted forms:
//   - a plain path: "./data"
//   - a brace-ellipsis range: "./data/vol{1...8}"
//   - a comma-separated list of either: "/mnt/a,/mnt/b{1...4}"
func FromVolumes(pattern string) (*Topology, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("topology: empty volume pattern")
	}
	var disks []string
	for _, part := range strings.Split(pattern, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		expanded, err := expandPattern(part)
		if err != nil {
			return nil, err
		}
		disks = append(disks, expanded...)
	}
	if len(disks) == 0 {
		return nil, fmt.Errorf("topology: pattern %q expands to no disks", pattern)
	}
	return &Topology{
		Disks:        disks,
		SetCount:     1,
		DrivesPerSet: len(disks),
	}, nil
}

// expandPattern expands a single "prefix{a...b}suffix" expression, or returns
// the path unchanged when it carries no range.
func expandPattern(p string) ([]string, error) {
	open := strings.Index(p, "{")
	if open < 0 {
		if strings.ContainsAny(p, "{}") {
			return nil, fmt.Errorf("topology: malformed pattern %q", p)
		}
		return []string{p}, nil
	}
	clos := strings.Index(p[open:], "}")
	if clos < 0 {
		return nil, fmt.Errorf("topology: unclosed brace in %q", p)
	}
	clos += open

	prefix, suffix := p[:open], p[clos+1:]
	if strings.ContainsAny(suffix, "{}") {
		return nil, fmt.Errorf("topology: multiple ranges in %q are not supported", p)
	}
	bounds := strings.Split(p[open+1:clos], "...")
	if len(bounds) != 2 {
		return nil, fmt.Errorf("topology: range in %q must use the a...b form", p)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
	if err != nil {
		return nil, fmt.Errorf("topology: bad range start in %q: %w", p, err)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
	if err != nil {
		return nil, fmt.Errorf("topology: bad range end in %q: %w", p, err)
	}
	if lo > hi {
		return nil, fmt.Errorf("topology: inverted range %d...%d in %q", lo, hi, p)
	}
	out := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, prefix+strconv.Itoa(i)+suffix)
	}
	return out, nil
}

// ResolveAddress validates and canonicalizes a host:port bind address.
// An unresolvable host is a fatal bootstrap error.
func ResolveAddress(addr string) (string, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("topology: resolve address %q: %w", addr, err)
	}
	if tcp.Port == 0 {
		return "", fmt.Errorf("topology: address %q has no port", addr)
	}
	return tcp.String(), nil
}
