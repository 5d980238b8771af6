package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lockmesh/internal/command"
	"lockmesh/internal/transport"
)

var (
	serverAddr     string
	requestTimeout time.Duration
)

func newClientCommand() *cobra.Command {
	client := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running lock node",
	}
	client.PersistentFlags().StringVar(&serverAddr, "server", "localhost:9000", "node address")
	client.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "request timeout")
	client.AddCommand(
		newAcquireCommand(),
		newReleaseCommand(),
		newWaitCommand(),
		newStatusCommand(),
	)
	return client
}

func newAcquireCommand() *cobra.Command {
	var (
		shared    bool
		timeoutMs int64
	)
	cmd := &cobra.Command{
		Use:   "acquire <lock-id> <requester-id>",
		Short: "Acquire a lock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := command.ModeExclusive
			if shared {
				mode = command.ModeShared
			}
			return withLockClient(func(ctx context.Context, c *transport.LockClient) error {
				resp, err := c.Acquire(ctx, &transport.AcquireRequest{
					LockID:      args[0],
					RequesterID: args[1],
					Mode:        mode,
					TimeoutMs:   timeoutMs,
				})
				if err != nil {
					return err
				}
				printOutcome(resp.Outcome)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&shared, "shared", false, "request shared instead of exclusive mode")
	cmd.Flags().Int64Var(&timeoutMs, "wait-timeout-ms", 0, "how long a queued request may wait before expiring (0 = forever)")
	return cmd
}

func newReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <lock-id> <requester-id>",
		Short: "Release a held lock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLockClient(func(ctx context.Context, c *transport.LockClient) error {
				resp, err := c.Release(ctx, &transport.ReleaseRequest{
					LockID:      args[0],
					RequesterID: args[1],
				})
				if err != nil {
					return err
				}
				printOutcome(resp.Outcome)
				return nil
			})
		},
	}
}

func newWaitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <request-id>",
		Short: "Wait for the outcome of a queued request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLockClient(func(ctx context.Context, c *transport.LockClient) error {
				resp, err := c.Wait(ctx, &transport.WaitRequest{RequestID: args[0]})
				if err != nil {
					return err
				}
				printOutcome(resp.Outcome)
				return nil
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <lock-id>",
		Short: "Show holders and wait queue of a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLockClient(func(ctx context.Context, c *transport.LockClient) error {
				resp, err := c.Status(ctx, &transport.StatusRequest{LockID: args[0]})
				if err != nil {
					return err
				}
				st := resp.Status
				fmt.Printf("lock %s\n", st.LockID)
				if len(st.Holders) == 0 {
					fmt.Println("  holders: none")
				}
				for holder, mode := range st.Holders {
					fmt.Printf("  holder: %s (%s)\n", holder, mode)
				}
				for i, req := range st.WaitQueue {
					fmt.Printf("  queued[%d]: %s by %s (%s) request=%s\n",
						i, req.LockID, req.RequesterID, req.Mode, req.RequestID)
				}
				return nil
			})
		},
	}
}

func withLockClient(fn func(ctx context.Context, c *transport.LockClient) error) error {
	client, err := transport.DialLock(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, client)
}

func printOutcome(out command.Outcome) {
	fmt.Printf("status=%s request=%s lock=%s requester=%s\n",
		out.Status, out.RequestID, out.LockID, out.RequesterID)
}
