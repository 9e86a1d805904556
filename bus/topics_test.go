package bus

import "testing"

func TestValidateFamily(t *testing.T) {
	tests := []struct {
		family string
		ok     bool
	}{
		{"planning", true},
		{"vision", true},
		{"background-monitor", true},
		{"a", true},
		{"v2", true},
		{"", false},
		{"results", false},
		{"Planning", false},
		{"has_underscore", false},
		{"has space", false},
		{"dotted.family", false},
		{"-leading", false},
		{"trailing-", false},
	}
	for _, tt := range tests {
		t.Run(tt.family, func(t *testing.T) {
			err := ValidateFamily(tt.family)
			if tt.ok && err != nil {
				t.Errorf("ValidateFamily(%q) = %v, want nil", tt.family, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("ValidateFamily(%q) = nil, want error", tt.family)
			}
		})
	}
}

func TestStreamConfig_SubjectFor(t *testing.T) {
	cfg := DefaultStreamConfig()
	if got := cfg.subjectFor("planning"); got != "tool.planning" {
		t.Errorf("subjectFor = %q, want tool.planning", got)
	}
}
