package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconwave/reconwave/pkg/common/uuid"
)

func TestNewTargetClassification(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TargetKind
	}{
		{name: "domain", input: "example.com", expected: TargetKindDomain},
		{name: "subdomain", input: "api.staging.example.com", expected: TargetKindDomain},
		{name: "ipv4", input: "192.0.2.10", expected: TargetKindIP},
		{name: "ipv6", input: "2001:db8::1", expected: TargetKindIP},
		{name: "cidr", input: "192.0.2.0/24", expected: TargetKindCIDR},
		{name: "whitespace trimmed", input: "  example.com  ", expected: TargetKindDomain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := NewTarget(uuid.New(), tt.input, uuid.New())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, target.Kind())
		})
	}
}

func TestNewTargetRejectsInvalidNames(t *testing.T) {
	for _, input := range []string{"", "   ", "not a domain", "example.com/path", "10.0.0.0/99"} {
		_, err := NewTarget(uuid.New(), input, uuid.New())
		assert.Error(t, err, "expected %q to be rejected", input)
	}
}
