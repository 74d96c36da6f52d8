package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/michael-berlin/grpc/bytebuffer"
	"github.com/michael-berlin/grpc/call"
	"github.com/michael-berlin/grpc/channel"
	"github.com/michael-berlin/grpc/completion"
	"github.com/michael-berlin/grpc/metadata"
	"github.com/michael-berlin/grpc/transport/inproc"
)

type BenchCommand struct {
	Count   int  `default:"10000" help:"Round-trips to run."`
	Verbose bool `help:"Verbose output."`
}

func (c *BenchCommand) Run(ctx context.Context) error {
	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}

	msg, err := structpb.NewStruct(map[string]any{
		"method": "echo.Echo/Ping",
		"body":   "ping",
	})
	if err != nil {
		return fmt.Errorf("building payload: %w", err)
	}
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	var totalBytes int64
	begin := time.Now()
	for i := 0; i < c.Count; i++ {
		n, err := runOne(ctx, log, payload)
		if err != nil {
			return fmt.Errorf("round-trip %d: %w", i, err)
		}
		totalBytes += int64(n)
	}
	elapsed := time.Since(begin)

	fmt.Printf(
		"%s round-trips in %s, %s echoed (%s round-trips/s)\n",
		humanize.Comma(int64(c.Count)),
		elapsed.Round(time.Millisecond),
		humanize.Bytes(uint64(totalBytes)),
		humanize.CommafWithDigits(float64(c.Count)/elapsed.Seconds(), 1),
	)
	return nil
}

func waitTag(ctx context.Context, cq *completion.Queue, tag string) error {
	ev, err := cq.Next(ctx)
	if err != nil {
		return err
	}
	if ev.Tag != tag {
		return fmt.Errorf("unexpected completion tag: got %v, want %v", ev.Tag, tag)
	}
	return nil
}

// runOne performs one unary echo round-trip over a fresh in-process pipe
// and returns the number of payload bytes the client got back.
func runOne(ctx context.Context, log *zap.Logger, payload []byte) (int, error) {
	mdctx := metadata.NewContext()
	pipe := inproc.New(log)

	clientCh := channel.New(pipe.Client(), channel.Config{MetadataContext: mdctx}, log)
	serverCh := channel.New(pipe.Server(), channel.Config{MetadataContext: mdctx}, log)
	clientCQ := completion.NewQueue()
	serverCQ := completion.NewQueue()

	client := call.New(clientCh, clientCQ, call.Options{Log: log})
	server := call.New(serverCh, serverCQ, call.Options{
		ServerTransportData: struct{}{},
		Log:                 log,
	})
	defer func() {
		client.Destroy()
		server.Destroy()
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var req *bytebuffer.Buffer
		err := server.StartBatch([]call.Op{
			call.RecvMessage{Message: &req},
		}, "srv-recv")
		if err != nil {
			return err
		}
		if err := waitTag(ctx, serverCQ, "srv-recv"); err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("server got no request message")
		}

		err = server.StartBatch([]call.Op{
			call.SendInitialMetadata{},
			call.SendMessage{Message: bytebuffer.FromBytes(req.Bytes())},
			call.SendStatusFromServer{Code: codes.OK},
		}, "srv-send")
		if err != nil {
			return err
		}
		if err := waitTag(ctx, serverCQ, "srv-send"); err != nil {
			return err
		}

		var cancelled bool
		err = server.StartBatch([]call.Op{
			call.RecvCloseOnServer{Cancelled: &cancelled},
		}, "srv-close")
		if err != nil {
			return err
		}
		return waitTag(ctx, serverCQ, "srv-close")
	})

	var echoed int
	g.Go(func() error {
		var (
			reply      *bytebuffer.Buffer
			code       codes.Code
			details    call.DetailsBuffer
			initialMD  metadata.Arr
			trailingMD metadata.Arr
		)
		err := client.StartBatch([]call.Op{
			call.SendInitialMetadata{},
			call.SendMessage{Message: bytebuffer.FromBytes(payload)},
			call.SendCloseFromClient{},
			call.RecvInitialMetadata{Metadata: &initialMD},
			call.RecvMessage{Message: &reply},
			call.RecvStatusOnClient{Code: &code, Details: &details, TrailingMetadata: &trailingMD},
		}, "rpc")
		if err != nil {
			return err
		}
		if err := waitTag(ctx, clientCQ, "rpc"); err != nil {
			return err
		}
		if code != codes.OK {
			return fmt.Errorf("call failed: %s (%s)", code, details.String())
		}
		if reply == nil {
			return fmt.Errorf("no reply message")
		}
		echoed = reply.Len()
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return echoed, nil
}
