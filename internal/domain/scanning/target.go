package scanning

import (
	"fmt"
	"net"
	"strings"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// TargetKind classifies what a scan target identifies.
type TargetKind string

const (
	TargetKindDomain TargetKind = "DOMAIN"
	TargetKindIP     TargetKind = "IP"
	TargetKindCIDR   TargetKind = "CIDR"
)

// Target identifies what a job scans: a domain, a single IP, or a CIDR range.
// Targets may belong to an organization so scheduled jobs can fan out over
// every target the organization owns.
type Target struct {
	id             uuid.UUID
	name           string
	kind           TargetKind
	organizationID uuid.UUID
}

// NewTarget creates a target, classifying the name as domain, IP or CIDR.
func NewTarget(id uuid.UUID, name string, organizationID uuid.UUID) (Target, error) {
	kind, err := classifyTarget(name)
	if err != nil {
		return Target{}, err
	}
	return Target{id: id, name: name, kind: kind, organizationID: organizationID}, nil
}

// ReconstructTarget rebuilds a Target from stored fields without validation.
func ReconstructTarget(id uuid.UUID, name string, kind TargetKind, organizationID uuid.UUID) Target {
	return Target{id: id, name: name, kind: kind, organizationID: organizationID}
}

func (t Target) ID() uuid.UUID             { return t.id }
func (t Target) Name() string              { return t.name }
func (t Target) Kind() TargetKind          { return t.kind }
func (t Target) OrganizationID() uuid.UUID { return t.organizationID }

func classifyTarget(name string) (TargetKind, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("target name is empty")
	}
	if _, _, err := net.ParseCIDR(name); err == nil {
		return TargetKindCIDR, nil
	}
	if ip := net.ParseIP(name); ip != nil {
		return TargetKindIP, nil
	}
	if strings.Contains(name, "/") || strings.Contains(name, " ") {
		return "", fmt.Errorf("target %q is not a valid domain, IP or CIDR", name)
	}
	return TargetKindDomain, nil
}
