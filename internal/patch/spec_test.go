package patch

import (
	"errors"
	"testing"

	"github.com/larsks/hvpatch/internal/plist"
)

func kern(entries ...plist.Entry) *plist.Node {
	return plist.Dict(plist.Entry{Key: "kern", Value: plist.Dict(entries...)})
}

func TestNewSpec(t *testing.T) {
	tests := []struct {
		name    string
		path    []string
		value   *plist.Node
		wantErr bool
	}{
		{"valid", []string{"kern", "hv_vmm_present"}, plist.Integer(0), false},
		{"single key", []string{"hv_vmm_present"}, plist.Bool(false), false},
		{"empty path", nil, plist.Integer(0), true},
		{"empty segment", []string{"kern", ""}, plist.Integer(0), true},
		{"nil value", []string{"kern"}, nil, true},
		{"container value", []string{"kern"}, plist.Dict(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSpec(tt.name, tt.path, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSpec() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpecIsImmutable(t *testing.T) {
	path := []string{"kern", "hv_vmm_present"}
	value := plist.Integer(0)
	s, err := NewSpec("test", path, value)
	if err != nil {
		t.Fatalf("NewSpec() error = %v", err)
	}
	path[0] = "changed"
	s.Path()[1] = "changed"

	if got := s.KeyPath(); got != "kern.hv_vmm_present" {
		t.Errorf("KeyPath() = %s, want kern.hv_vmm_present", got)
	}
}

func TestInspect(t *testing.T) {
	spec := DefaultSpec()

	tests := []struct {
		name string
		root *plist.Node
		want Verdict
	}{
		{"empty document", plist.Dict(), VerdictNeedsPatch},
		{"empty kern", kern(), VerdictNeedsPatch},
		{"different integer", kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Integer(1)}), VerdictNeedsPatch},
		{"already set", kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Integer(0)}), VerdictAlreadyPatched},
		{"string value", kern(plist.Entry{Key: "hv_vmm_present", Value: plist.String("1")}), VerdictConflict},
		{"string zero", kern(plist.Entry{Key: "hv_vmm_present", Value: plist.String("0")}), VerdictConflict},
		{"bool value", kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Bool(false)}), VerdictConflict},
		{"dict value", kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Dict()}), VerdictConflict},
		{"kern is a string", plist.Dict(plist.Entry{Key: "kern", Value: plist.String("x")}), VerdictConflict},
		{"kern is an array", plist.Dict(plist.Entry{Key: "kern", Value: plist.Array()}), VerdictConflict},
		{"root is an array", plist.Array(), VerdictConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := spec.Inspect(tt.root); got.Verdict != tt.want {
				t.Errorf("Inspect() = %v (%s), want %v", got.Verdict, got.Detail, tt.want)
			}
		})
	}
}

func TestApply(t *testing.T) {
	spec := DefaultSpec()

	t.Run("creates intermediate dicts", func(t *testing.T) {
		root := plist.Dict(plist.Entry{Key: "Misc", Value: plist.Dict()})
		if err := spec.Apply(root); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		want := plist.Dict(
			plist.Entry{Key: "Misc", Value: plist.Dict()},
			plist.Entry{Key: "kern", Value: plist.Dict(plist.Entry{Key: "hv_vmm_present", Value: plist.Integer(0)})},
		)
		if !root.Equal(want) {
			t.Error("Apply() produced an unexpected document")
		}
		if root.Entries()[0].Key != "Misc" {
			t.Error("Apply() reordered existing keys")
		}
	})

	t.Run("replaces compatible value", func(t *testing.T) {
		root := kern(plist.Entry{Key: "hv_vmm_present", Value: plist.Integer(1)})
		if err := spec.Apply(root); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if in := spec.Inspect(root); in.Verdict != VerdictAlreadyPatched {
			t.Errorf("Inspect() after Apply() = %v, want already-patched", in.Verdict)
		}
	})

	t.Run("refuses conflict", func(t *testing.T) {
		root := kern(plist.Entry{Key: "hv_vmm_present", Value: plist.String("1")})
		if err := spec.Apply(root); !errors.Is(err, ErrConflict) {
			t.Errorf("Apply() error = %v, want ErrConflict", err)
		}
		v, _ := root.Get("kern")
		cur, _ := v.Get("hv_vmm_present")
		if cur.Kind() != plist.KindString {
			t.Error("Apply() modified a conflicting document")
		}
	})
}
