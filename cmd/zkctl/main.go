// zkctl is a small operator tool over the client library: read, write
// and watch znodes on a running ensemble.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/moby/zk"
	"github.com/moby/zk/proto"
)

type rootOptions struct {
	servers  string
	chroot   string
	timeout  time.Duration
	logLevel string
}

func main() {
	var (
		opts   rootOptions
		client *zk.Client
	)

	cmd := &cobra.Command{
		Use:           "zkctl",
		Short:         "Inspect and modify znodes on a ZooKeeper ensemble",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := log.SetLevel(opts.logLevel); err != nil {
				return err
			}
			c, err := zk.New(opts.servers,
				zk.WithChroot(opts.chroot),
				zk.WithSessionTimeout(opts.timeout),
			)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := c.Start(ctx); err != nil {
				return err
			}
			client = c
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if client == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
			defer cancel()
			return client.Close(ctx)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.servers, "servers", "s", "127.0.0.1:2181", "comma-separated ensemble members")
	flags.StringVar(&opts.chroot, "chroot", "", "prefix applied to every path")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "session timeout")
	flags.StringVar(&opts.logLevel, "log-level", "warn", `logging level ("debug"|"info"|"warn"|"error")`)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get PATH",
			Short: "Print a znode's data",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, stat, err := client.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
				fmt.Fprintf(cmd.ErrOrStderr(), "version=%d mzxid=%d\n", stat.Version, stat.LastModifiedZxid)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set PATH DATA",
			Short: "Write a znode's data",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client.SetData(cmd.Context(), args[0], []byte(args[1]), true)
			},
		},
		newCreateCommand(&client),
		&cobra.Command{
			Use:   "delete PATH",
			Short: "Delete a znode",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client.Delete(cmd.Context(), args[0], true)
			},
		},
		&cobra.Command{
			Use:   "ls PATH",
			Short: "List a znode's children",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				children, err := client.GetChildren(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, child := range children {
					fmt.Fprintln(cmd.OutOrStdout(), child)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "exists PATH",
			Short: "Report whether a znode exists",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := client.Exists(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			},
		},
		newWatchCommand(&client),
	)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCreateCommand(client **zk.Client) *cobra.Command {
	var (
		ephemeral  bool
		sequential bool
		data       string
	)
	cmd := &cobra.Command{
		Use:   "create PATH",
		Short: "Create a znode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flags proto.CreateFlags
			if ephemeral {
				flags |= proto.FlagEphemeral
			}
			if sequential {
				flags |= proto.FlagSequential
			}
			created, err := (*client).Create(cmd.Context(), args[0], []byte(data), nil, flags)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&ephemeral, "ephemeral", "e", false, "delete the znode when the session ends")
	cmd.Flags().BoolVarP(&sequential, "sequential", "q", false, "append a server-assigned sequence number")
	cmd.Flags().StringVarP(&data, "data", "d", "", "initial data")
	return cmd
}

func newWatchCommand(client **zk.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch PATH",
		Short: "Block until the znode's data changes or it is deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *client
			waiter := c.WaitForEvents(args[0], proto.EventDataChanged, proto.EventDeleted, proto.EventCreated)
			if _, err := c.ExistsW(cmd.Context(), args[0]); err != nil {
				waiter.Cancel()
				return err
			}
			return waiter.Wait(cmd.Context())
		},
	}
}
