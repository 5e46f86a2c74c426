// Package plist reads and writes XML property lists as an ordered tree of
// typed nodes. Dictionary entries keep their file order so a document can
// be re-serialized without reshuffling unrelated keys.
package plist

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"
)

type Kind int

const (
	KindDict Kind = iota + 1
	KindArray
	KindBool
	KindString
	KindInteger
	KindReal
	KindData
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindDict:
		return "dict"
	case KindArray:
		return "array"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindData:
		return "data"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry is one key/value pair of a dict.
type Entry struct {
	Key   string
	Value *Node
}

// Node is a property list value. Exactly one payload field is meaningful,
// selected by kind.
type Node struct {
	kind Kind

	entries []Entry
	items   []*Node

	b bool
	s string
	// Integers above math.MaxInt64 are kept in u with unsigned set.
	i        int64
	u        uint64
	unsigned bool
	f        float64
	data     []byte
	t        time.Time
}

func Dict(entries ...Entry) *Node {
	n := &Node{kind: KindDict}
	for _, e := range entries {
		n.Set(e.Key, e.Value)
	}
	return n
}

func Array(items ...*Node) *Node {
	return &Node{kind: KindArray, items: append([]*Node(nil), items...)}
}

func Bool(b bool) *Node { return &Node{kind: KindBool, b: b} }
func String(s string) *Node { return &Node{kind: KindString, s: s} }
func Integer(i int64) *Node { return &Node{kind: KindInteger, i: i} }
func Real(f float64) *Node { return &Node{kind: KindReal, f: f} }
func Data(b []byte) *Node { return &Node{kind: KindData, data: append([]byte(nil), b...)} }
func Date(t time.Time) *Node { return &Node{kind: KindDate, t: t.UTC().Truncate(time.Second)} }
func Unsigned(u uint64) *Node {
	if u <= math.MaxInt64 {
		return Integer(int64(u))
	}
	return &Node{kind: KindInteger, u: u, unsigned: true}
}

func (n *Node) Kind() Kind { return n.kind }

// IsScalar reports whether n is neither a dict nor an array.
func (n *Node) IsScalar() bool {
	return n.kind != KindDict && n.kind != KindArray
}

// Get returns the value stored under key in a dict.
func (n *Node) Get(key string) (*Node, bool) {
	if n.kind != KindDict {
		return nil, false
	}
	for _, e := range n.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set stores value under key. An existing key keeps its position; a new
// key is appended. Set panics if n is not a dict.
func (n *Node) Set(key string, value *Node) {
	if n.kind != KindDict {
		panic(fmt.Sprintf("plist: Set on %s node", n.kind))
	}
	for i := range n.entries {
		if n.entries[i].Key == key {
			n.entries[i].Value = value
			return
		}
	}
	n.entries = append(n.entries, Entry{Key: key, Value: value})
}

// Delete removes key from a dict and reports whether it was present.
func (n *Node) Delete(key string) bool {
	if n.kind != KindDict {
		return false
	}
	for i := range n.entries {
		if n.entries[i].Key == key {
			n.entries = append(n.entries[:i], n.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (n *Node) Entries() []Entry { return n.entries }
func (n *Node) Items() []*Node { return n.items }

// Append adds an item to an array.
func (n *Node) Append(item *Node) {
	if n.kind != KindArray {
		panic(fmt.Sprintf("plist: Append on %s node", n.kind))
	}
	n.items = append(n.items, item)
}

func (n *Node) Len() int {
	switch n.kind {
	case KindDict:
		return len(n.entries)
	case KindArray:
		return len(n.items)
	default:
		return 0
	}
}

func (n *Node) BoolValue() bool { return n.b }
func (n *Node) StringValue() string { return n.s }
func (n *Node) IntegerValue() int64 { return n.i }
func (n *Node) RealValue() float64 { return n.f }
func (n *Node) DataValue() []byte { return n.data }
func (n *Node) DateValue() time.Time { return n.t }

// Equal reports whether two nodes have the same kind and value. Dicts
// compare key sets, ignoring entry order.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.kind != o.kind {
		return false
	}
	switch n.kind {
	case KindDict:
		if len(n.entries) != len(o.entries) {
			return false
		}
		for _, e := range n.entries {
			ov, ok := o.Get(e.Key)
			if !ok || !e.Value.Equal(ov) {
				return false
			}
		}
		return true
	case KindArray:
		if len(n.items) != len(o.items) {
			return false
		}
		for i := range n.items {
			if !n.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindBool:
		return n.b == o.b
	case KindString:
		return n.s == o.s
	case KindInteger:
		return n.unsigned == o.unsigned && n.i == o.i && n.u == o.u
	case KindReal:
		return n.f == o.f || (math.IsNaN(n.f) && math.IsNaN(o.f))
	case KindData:
		return bytes.Equal(n.data, o.data)
	case KindDate:
		return n.t.Equal(o.t)
	}
	return false
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.entries != nil {
		c.entries = make([]Entry, len(n.entries))
		for i, e := range n.entries {
			c.entries[i] = Entry{Key: e.Key, Value: e.Value.Clone()}
		}
	}
	if n.items != nil {
		c.items = make([]*Node, len(n.items))
		for i, item := range n.items {
			c.items[i] = item.Clone()
		}
	}
	if n.data != nil {
		c.data = append([]byte(nil), n.data...)
	}
	return &c
}

// String renders scalars for log messages; containers render as a summary.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.kind {
	case KindDict:
		return fmt.Sprintf("dict(%d)", len(n.entries))
	case KindArray:
		return fmt.Sprintf("array(%d)", len(n.items))
	case KindBool:
		return strconv.FormatBool(n.b)
	case KindString:
		return strconv.Quote(n.s)
	case KindInteger:
		return n.integerText()
	case KindReal:
		return n.realText()
	case KindData:
		return fmt.Sprintf("data(%d bytes)", len(n.data))
	case KindDate:
		return n.t.Format(dateFormat)
	}
	return n.kind.String()
}

func (n *Node) integerText() string {
	if n.unsigned {
		return strconv.FormatUint(n.u, 10)
	}
	return strconv.FormatInt(n.i, 10)
}

func (n *Node) realText() string {
	switch {
	case math.IsInf(n.f, 1):
		return "+infinity"
	case math.IsInf(n.f, -1):
		return "-infinity"
	case math.IsNaN(n.f):
		return "nan"
	}
	return strconv.FormatFloat(n.f, 'g', -1, 64)
}
