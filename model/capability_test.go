package model

import "testing"

func TestCapabilitySet_Has_exact(t *testing.T) {
	cs := CapabilitySet{CapSigningView: true}
	if !cs.Has(CapSigningView) {
		t.Error("Has(signing:view) = false, want true")
	}
	if cs.Has(CapSigningManage) {
		t.Error("Has(signing:manage) = true, want false")
	}
}

func TestCapabilitySet_Has_wildcards(t *testing.T) {
	tests := []struct {
		pattern string
		cap     string
		want    bool
	}{
		{"*", CapTemplatesPublish, true},
		{"signing:*", CapSigningManage, true},
		{"signing:*", CapWorkflowsStart, false},
		{"signing", CapSigningManage, false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.cap, func(t *testing.T) {
			cs := CapabilitySet{tt.pattern: true}
			if got := cs.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestCapabilitySet_HasAll(t *testing.T) {
	cs := CapabilitySet{"workflows:*": true}
	if !cs.HasAll(CapWorkflowsStart, CapWorkflowsAct) {
		t.Error("HasAll(workflows) = false, want true")
	}
	if cs.HasAll(CapWorkflowsStart, CapAuditView) {
		t.Error("HasAll with audit:view = true, want false")
	}
}
