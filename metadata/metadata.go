package metadata

import (
	"sync"
	"time"

	"github.com/michael-berlin/grpc/consts"
)

// Context интернирует строки и элементы метаданных.
// Pointer identity of interned values is what makes key routing O(1):
// the call compares *String pointers, never the bytes.
type Context struct {
	mu      sync.Mutex
	strings map[string]*String
	elems   map[elemKey]*Elem
}

type elemKey struct {
	key   *String
	value *String
}

func NewContext() *Context {
	return &Context{
		strings: make(map[string]*String),
		elems:   make(map[elemKey]*Elem),
	}
}

// String is an interned immutable string. Two interned strings are equal
// iff their pointers are equal.
type String struct {
	s string
}

func (s *String) String() string { return s.s }
func (s *String) Len() int       { return len(s.s) }

func (c *Context) InternString(s string) *String {
	c.mu.Lock()
	defer c.mu.Unlock()

	if is, ok := c.strings[s]; ok {
		return is
	}
	is := &String{s: s}
	c.strings[s] = is
	return is
}

// Elem is an interned key/value element. Refcounted: the wire hands
// ownership of one ref to the receiver, which either transfers it into the
// call's owned list or drops it.
type Elem struct {
	ctx   *Context
	Key   *String
	Value *String

	refs     int32
	userData any
}

func (c *Context) FromStrings(key, value string) *Elem {
	k := c.InternString(key)
	v := c.InternString(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	ek := elemKey{k, v}
	if e, ok := c.elems[ek]; ok {
		e.refs++
		return e
	}
	e := &Elem{ctx: c, Key: k, Value: v, refs: 1}
	c.elems[ek] = e
	return e
}

func (e *Elem) Ref() *Elem {
	e.ctx.mu.Lock()
	e.refs++
	e.ctx.mu.Unlock()
	return e
}

func (e *Elem) Unref() {
	e.ctx.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(e.ctx.elems, elemKey{e.Key, e.Value})
	}
	e.ctx.mu.Unlock()
}

// UserData returns the value cached on the element, if any. The cache
// survives as long as the element is interned, so repeated elements (such
// as a status header) are decoded once.
func (e *Elem) UserData() (any, bool) {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	return e.userData, e.userData != nil
}

func (e *Elem) SetUserData(v any) {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	if e.userData == nil {
		e.userData = v
	}
}

// Metadata is one application-visible element.
type Metadata struct {
	Key   string
	Value string
}

// Arr is a growable metadata array handed to the application by swap.
type Arr struct {
	Items []Metadata
}

// Add appends one element, growing capacity max(cap+step, cap*2).
func (a *Arr) Add(md Metadata) {
	if len(a.Items) == cap(a.Items) {
		grown := cap(a.Items) + consts.MetadataGrowthStep
		if doubled := cap(a.Items) * 2; doubled > grown {
			grown = doubled
		}
		items := make([]Metadata, len(a.Items), grown)
		copy(items, a.Items)
		a.Items = items
	}
	a.Items = append(a.Items, md)
}

func (a *Arr) Len() int { return len(a.Items) }

// Batch is the transport-level metadata unit. Deadline is zero when the
// batch carries none.
type Batch struct {
	List     []*Elem
	Deadline time.Time
}
