package notify

import (
	"fmt"
	"strings"
)

// TargetID identifies a notification target within the routing table.
type TargetID struct {
	ID   string
	Name string
}

func (t TargetID) String() string {
	return t.ID + ":" + t.Name
}

// ARN is a parsed target ARN of the form
// arn:orbitfs:<service>:<region>:<id>:<name>.
type ARN struct {
	Partition string
	Service   string
	Region    string
	Target    TargetID
}

// ParseARN parses and validates a target ARN string.
func ParseARN(s string) (ARN, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 || parts[0] != "arn" {
		return ARN{}, fmt.Errorf("notify: malformed ARN %q", s)
	}
	if parts[1] == "" || parts[2] == "" {
		return ARN{}, fmt.Errorf("notify: ARN %q missing partition or service", s)
	}
	if parts[4] == "" || parts[5] == "" {
		return ARN{}, fmt.Errorf("notify: ARN %q missing target id or name", s)
	}
	return ARN{
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		Target:    TargetID{ID: parts[4], Name: parts[5]},
	}, nil
}
