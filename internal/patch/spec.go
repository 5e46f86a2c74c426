// Package patch decides whether a configuration document carries a
// required key/value setting and applies it as a backed-up, verified
// transaction.
package patch

import (
	"fmt"
	"strings"

	"github.com/larsks/hvpatch/internal/plist"
)

// Verdict is the outcome of evaluating a Spec against a document.
type Verdict int

const (
	VerdictNeedsPatch Verdict = iota + 1
	VerdictAlreadyPatched
	VerdictConflict
)

func (v Verdict) String() string {
	switch v {
	case VerdictNeedsPatch:
		return "needs-patch"
	case VerdictAlreadyPatched:
		return "already-patched"
	case VerdictConflict:
		return "conflict"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Inspection explains a verdict.
type Inspection struct {
	Verdict Verdict
	// Current is the value found at the key path, if any.
	Current *plist.Node
	Detail  string
}

// Spec is an immutable description of one setting: the key path into the
// document and the typed value it must hold.
type Spec struct {
	name  string
	path  []string
	value *plist.Node
}

func NewSpec(name string, path []string, value *plist.Node) (Spec, error) {
	if len(path) == 0 {
		return Spec{}, fmt.Errorf("patch %s: empty key path", name)
	}
	for i, seg := range path {
		if seg == "" {
			return Spec{}, fmt.Errorf("patch %s: empty key at position %d", name, i)
		}
	}
	if value == nil || !value.IsScalar() {
		return Spec{}, fmt.Errorf("patch %s: target value must be a scalar", name)
	}
	return Spec{
		name:  name,
		path:  append([]string(nil), path...),
		value: value.Clone(),
	}, nil
}

// DefaultSpec is kern.hv_vmm_present=0.
func DefaultSpec() Spec {
	s, err := NewSpec("hv_vmm_present", []string{"kern", "hv_vmm_present"}, plist.Integer(0))
	if err != nil {
		panic(err)
	}
	return s
}

func (s Spec) Name() string { return s.name }
func (s Spec) Path() []string { return append([]string(nil), s.path...) }
func (s Spec) Value() *plist.Node { return s.value.Clone() }
func (s Spec) KeyPath() string { return strings.Join(s.path, ".") }
func (s Spec) String() string { return fmt.Sprintf("%s=%s", s.KeyPath(), s.value) }

// Inspect evaluates the spec against root. A missing key (or missing
// intermediate dict) needs patching; a value of the target's kind but a
// different value needs patching; anything else in the way is a conflict.
func (s Spec) Inspect(root *plist.Node) Inspection {
	cur := root
	for i, seg := range s.path {
		if cur.Kind() != plist.KindDict {
			return Inspection{
				Verdict: VerdictConflict,
				Current: cur,
				Detail:  fmt.Sprintf("%s is a %s, not a dict", s.prefix(i), cur.Kind()),
			}
		}
		next, ok := cur.Get(seg)
		if !ok {
			return Inspection{
				Verdict: VerdictNeedsPatch,
				Detail:  fmt.Sprintf("%s is not set", strings.Join(s.path[:i+1], ".")),
			}
		}
		cur = next
	}

	if cur.Kind() != s.value.Kind() {
		return Inspection{
			Verdict: VerdictConflict,
			Current: cur,
			Detail:  fmt.Sprintf("%s holds a %s %s, expected a %s", s.KeyPath(), cur.Kind(), cur, s.value.Kind()),
		}
	}
	if cur.Equal(s.value) {
		return Inspection{
			Verdict: VerdictAlreadyPatched,
			Current: cur,
			Detail:  fmt.Sprintf("%s is already %s", s.KeyPath(), s.value),
		}
	}
	return Inspection{
		Verdict: VerdictNeedsPatch,
		Current: cur,
		Detail:  fmt.Sprintf("%s is %s, want %s", s.KeyPath(), cur, s.value),
	}
}

func (s Spec) prefix(i int) string {
	if i == 0 {
		return "document root"
	}
	return strings.Join(s.path[:i], ".")
}

// Apply sets the target value in root, creating intermediate dicts. It
// refuses to touch a document that Inspect reports as a conflict.
func (s Spec) Apply(root *plist.Node) error {
	if in := s.Inspect(root); in.Verdict == VerdictConflict {
		return fmt.Errorf("%w: %s", ErrConflict, in.Detail)
	}
	cur := root
	for _, seg := range s.path[:len(s.path)-1] {
		next, ok := cur.Get(seg)
		if !ok {
			next = plist.Dict()
			cur.Set(seg, next)
		}
		cur = next
	}
	cur.Set(s.path[len(s.path)-1], s.value.Clone())
	return nil
}
