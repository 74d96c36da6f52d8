package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/michael-berlin/grpc/consts"
	"github.com/michael-berlin/grpc/metadata"
	"github.com/michael-berlin/grpc/transport"
)

type nopTransport struct{ closed bool }

func (n *nopTransport) StartOp(*transport.Op) {}
func (n *nopTransport) Close() error {
	n.closed = true
	return nil
}

func TestChannelDefaults(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	ch := New(&nopTransport{}, Config{}, zap.NewNop())
	a.Equal(consts.DefaultMaxRecvMessageLength, ch.MaxRecvMessageLength())

	// the status keys are interned in the channel's context, so key
	// routing can compare pointers
	a.Same(ch.MetadataContext().InternString("grpc-status"), ch.StatusKey())
	a.Same(ch.MetadataContext().InternString("grpc-message"), ch.MessageKey())
}

func TestChannelSharedContext(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mdctx := metadata.NewContext()
	ch1 := New(&nopTransport{}, Config{MetadataContext: mdctx}, zap.NewNop())
	ch2 := New(&nopTransport{}, Config{MetadataContext: mdctx}, zap.NewNop())
	a.Same(ch1.StatusKey(), ch2.StatusKey())
}

func TestChannelClose(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &nopTransport{}
	ch := New(tr, DefaultConfig(), zap.NewNop())
	a.NoError(ch.Close())
	a.True(tr.closed)
}
