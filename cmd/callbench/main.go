package main

import (
	"context"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
)

var CLI struct {
	Bench BenchCommand      `cmd:"" help:"Run loopback calls and report throughput."`
	Man   mangokong.ManFlag `help:"Write man page." hidden:""`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`loopback benchmark for the call runtime

Drives unary echo round-trips between a client and a server call wired through
the in-process transport, and reports counts, bytes and elapsed time.`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
