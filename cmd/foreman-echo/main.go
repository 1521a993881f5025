// foreman-echo is the trivial worker-side client: it dials a coordinator,
// greets it, and logs every framed message it receives. Useful for smoke
// testing the listen endpoint and the wire protocol end to end.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/loop"
	"github.com/cuemby/foreman/pkg/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s DESTINATION PORT\n", os.Args[0])
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 3 {
		usage()
		return fmt.Errorf("expected 2 arguments, got %d", len(os.Args)-1)
	}

	port, err := strconv.Atoi(os.Args[2])
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", os.Args[2])
	}

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("echo")
	addr := fmt.Sprintf("%s:%d", os.Args[1], port)

	lp, err := loop.New()
	if err != nil {
		return err
	}
	defer lp.Close()

	parser := wire.NewParser()
	c, err := lp.MakeConnection(addr,
		func(data []byte) (bool, error) {
			if err := parser.Parse(data); err != nil {
				return false, err
			}
			for !parser.Empty() {
				msg := parser.Front()
				logger.Info().
					Str("opcode", msg.OpCode.String()).
					Int("bytes", len(msg.Payload)).
					Msg("message")
				parser.Pop()
			}
			return true, nil
		},
		func() {
			logger.Error().Msg("connection error")
		},
		func() {
			logger.Info().Msg("connection closed")
			os.Exit(0)
		})
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	hey := wire.Message{OpCode: wire.OpHey, Payload: []byte("hey from " + hostname)}
	c.EnqueueWrite(hey.Encode())

	return lp.Run()
}
