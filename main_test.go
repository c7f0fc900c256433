package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCommandsUntilQuit(t *testing.T) {
	var got [][]string
	err := readCommands(context.Background(), strings.NewReader("scan\n\n  connect p1 \nquit\nstats\n"), func(args []string) error {
		got = append(got, args)
		if args[0] == "quit" {
			return errQuit
		}
		return nil
	})

	require.ErrorIs(t, err, errQuit)
	assert.Equal(t, [][]string{{"scan"}, {"connect", "p1"}, {"quit"}}, got)
}

func TestReadCommandsKeepsGoingOnError(t *testing.T) {
	var got []string
	err := readCommands(context.Background(), strings.NewReader("bad\ngood\n"), func(args []string) error {
		got = append(got, args[0])
		if args[0] == "bad" {
			return errors.New("unknown command")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"bad", "good"}, got)
}

func TestReadCommandsReturnsOnCancelWithPendingInput(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- readCommands(ctx, pr, func([]string) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("readCommands did not return after cancel")
	}

	// the reader goroutine consumes this line and exits instead of blocking on the send
	written := make(chan struct{})
	go func() {
		_, _ = pw.Write([]byte("scan\n"))
		close(written)
	}()
	select {
	case <-written:
	case <-time.After(2 * time.Second):
		t.Fatal("pending line was never consumed")
	}
}
