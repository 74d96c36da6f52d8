package bytebuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	b := New([]byte("ab"), []byte("cd"))
	a.Equal(4, b.Len())
	a.Equal([]byte("abcd"), b.Bytes())

	empty := New()
	a.Equal(0, empty.Len())
	a.Empty(empty.Bytes())
}

func TestQueue(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var q Queue
	a.True(q.Empty())
	a.Nil(q.Pop())

	q.Push(FromBytes([]byte("1")))
	q.Push(FromBytes([]byte("2")))
	a.False(q.Empty())
	a.Equal([]byte("1"), q.Pop().Bytes())
	a.Equal([]byte("2"), q.Pop().Bytes())
	a.True(q.Empty())

	q.Push(FromBytes([]byte("3")))
	q.Flush()
	a.True(q.Empty())
}

func TestSliceBuffer(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var sb SliceBuffer
	sb.Add([]byte("ab"))
	sb.Add([]byte("c"))
	a.Equal(3, sb.Len())
	a.Equal(2, sb.Count())

	b := sb.Take()
	a.Equal([]byte("abc"), b.Bytes())
	a.Equal(0, sb.Len())
	a.Equal(0, sb.Count())

	sb.Add([]byte("next"))
	a.Equal(4, sb.Len())
	sb.Reset()
	a.Equal(0, sb.Len())
}
