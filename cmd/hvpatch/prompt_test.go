package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/larsks/hvpatch/internal/patch"
)

func TestPrompterApprove(t *testing.T) {
	tests := []struct {
		input string
		want  patch.Decision
	}{
		{"y\n", patch.DecisionApply},
		{"YES\n", patch.DecisionApply},
		{"n\n", patch.DecisionAbort},
		{"skip\n", patch.DecisionSkip},
		{"maybe\ns\n", patch.DecisionSkip},
		{"", patch.DecisionAbort},
		{"y", patch.DecisionApply},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			p := &prompter{in: bufio.NewReader(strings.NewReader(tt.input)), out: &out}
			got, err := p.approve("/efi/EFI/OC/config.plist", patch.Inspection{Verdict: patch.VerdictNeedsPatch, Detail: "kern.hv_vmm_present is missing"})
			if err != nil {
				t.Fatalf("approve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("approve(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if !strings.Contains(out.String(), "[y/n/skip]") {
				t.Errorf("prompt not shown: %q", out.String())
			}
		})
	}
}

func TestPrompterRepeats(t *testing.T) {
	var out bytes.Buffer
	p := &prompter{in: bufio.NewReader(strings.NewReader("what\n\nno\n")), out: &out}
	if got, _ := p.approve("config.plist", patch.Inspection{}); got != patch.DecisionAbort {
		t.Errorf("approve() = %v, want abort", got)
	}
	if n := strings.Count(out.String(), "please answer"); n != 2 {
		t.Errorf("reprompted %d times, want 2", n)
	}
}
