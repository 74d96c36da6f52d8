package channel

import (
	"io"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/michael-berlin/grpc/consts"
	"github.com/michael-berlin/grpc/metadata"
	"github.com/michael-berlin/grpc/transport"
)

const (
	statusKeyName  = "grpc-status"
	messageKeyName = "grpc-message"
)

type Config struct {
	MaxRecvMessageLength int
	// MetadataContext, when set, is shared with other channels so interned
	// elements keep pointer identity across them. Nil means a fresh one.
	MetadataContext *metadata.Context
}

func DefaultConfig() Config {
	return Config{
		MaxRecvMessageLength: consts.DefaultMaxRecvMessageLength,
	}
}

// Channel owns the transport binding and everything calls borrow from it:
// the metadata interning context, the interned status/message keys and the
// receive size limit.
type Channel struct {
	t     transport.Starter
	mdctx *metadata.Context

	statusKey  *metadata.String
	messageKey *metadata.String

	maxRecvMessageLength int

	refs atomic.Int32
	log  *zap.Logger
}

func New(t transport.Starter, conf Config, log *zap.Logger) *Channel {
	if conf.MaxRecvMessageLength == 0 {
		conf.MaxRecvMessageLength = consts.DefaultMaxRecvMessageLength
	}
	mdctx := conf.MetadataContext
	if mdctx == nil {
		mdctx = metadata.NewContext()
	}
	ch := &Channel{
		t:     t,
		mdctx: mdctx,

		statusKey:  mdctx.InternString(statusKeyName),
		messageKey: mdctx.InternString(messageKeyName),

		maxRecvMessageLength: conf.MaxRecvMessageLength,
		log:                  log.Named("channel"),
	}
	ch.refs.Store(1)
	return ch
}

func (c *Channel) MetadataContext() *metadata.Context { return c.mdctx }
func (c *Channel) StatusKey() *metadata.String        { return c.statusKey }
func (c *Channel) MessageKey() *metadata.String       { return c.messageKey }
func (c *Channel) MaxRecvMessageLength() int          { return c.maxRecvMessageLength }

func (c *Channel) StartOp(op *transport.Op) { c.t.StartOp(op) }

func (c *Channel) InternalRef() {
	c.refs.Add(1)
}

func (c *Channel) InternalUnref() {
	if c.refs.Add(-1) == 0 {
		c.log.Debug("channel destroyed")
	}
}

// Close releases the application's ref and closes the transport if it is
// closable.
func (c *Channel) Close() (err error) {
	if closer, ok := c.t.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	c.InternalUnref()
	return err
}
