// Package main runs a Cadenza engine hosting a trivial echo process, as a
// demonstration of embedding the engine in a daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cadenza-io/cadenza"
	"github.com/cadenza-io/cadenza/fixtures"
	"github.com/cadenza-io/cadenza/persistence/boltpersistence"
	"github.com/cadenza-io/cadenza/process"
	"github.com/cadenza-io/cadenza/runtime"
	"github.com/dogmatiq/dodeca/logging"
)

// newContext returns a cancelable context that is canceled when the process
// receives a SIGTERM or SIGINT.
func newContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
		case <-sig:
			cancel()
		}
	}()

	return ctx, cancel
}

func main() {
	ctx, cancel := newContext()
	defer cancel()

	if err := run(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Println(err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context) error {
	logger := logging.DebugLogger

	engine := cadenza.New(
		cadenza.WithPersistence(
			&boltpersistence.FileProvider{
				Path: "cadenza.boltdb",
			},
		),
		cadenza.WithLogger(logger),
	)

	def := &process.Definition{
		ID: "echo",
		Operations: []process.OperationDecl{
			{
				PartnerLink:    "caller",
				Operation:      "echo",
				TwoWay:         true,
				CreateInstance: true,
			},
		},
		NewInterpreter: func() runtime.Interpreter {
			return &fixtures.Interpreter{
				Program: []fixtures.Step{
					fixtures.Reply("caller", "echo", func(d runtime.Delivery) []byte {
						return d.Body
					}),
					fixtures.Complete(false),
				},
			}
		},
	}

	if err := engine.Deploy(ctx, def); err != nil {
		return err
	}

	go demo(ctx, engine, logger)

	return engine.Run(ctx)
}

// demo sends a single echo request once the engine is running.
func demo(ctx context.Context, engine *cadenza.Engine, logger logging.Logger) {
	x, err := engine.Deliver(
		ctx,
		"echo",
		"caller",
		"echo",
		true,
		fixtures.Body(map[string]interface{}{
			"greeting": "hello",
		}),
	)
	if err != nil {
		logging.Log(logger, "echo request not delivered: %s", err)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-x.Done():
	}

	body, failure, msg, err := x.Result()
	switch {
	case err != nil:
		logging.Log(logger, "echo request not finalized: %s", err)
	case failure != 0:
		logging.Log(logger, "echo request failed: %s (%s)", failure, msg)
	default:
		logging.Log(logger, "echo reply: %s", fixtures.Field(body, "greeting"))
	}
}
