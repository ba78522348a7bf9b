package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i-melnichenko/confraft/internal/agent"
	"github.com/i-melnichenko/confraft/internal/docstore"
	"github.com/i-melnichenko/confraft/internal/transport/replgrpc"
)

var (
	flagAddr    string
	flagTimeout time.Duration
	flagTxID    string

	rootCmd = &cobra.Command{
		Use:   "confctl",
		Short: "Client for the replicated configuration store",
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagAddr, "addr", "localhost:9090", "Agent gRPC address")
	pf.DurationVar(&flagTimeout, "timeout", 5*time.Second, "Request timeout")

	setCmd.Flags().StringVar(&flagTxID, "tx", "", "Transaction id recoverable through inquire")

	rootCmd.AddCommand(getCmd, setCmd, delCmd, pollCmd, inquireCmd, waitCmd, stateCmd)
}

func withClient(fn func(ctx context.Context, c *replgrpc.Client) error) error {
	c, err := replgrpc.Dial(flagAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var getCmd = &cobra.Command{
	Use:   "get <path>...",
	Short: "Read paths from the committed store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *replgrpc.Client) error {
			res, err := c.Read(ctx, args)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("not leader, try %q", res.LeaderHint)
			}
			for i, qr := range res.Results {
				if !qr.OK {
					fmt.Printf("%s: <not found>\n", args[i])
					continue
				}
				fmt.Printf("%s: %s\n", args[i], qr.Value)
			}
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <path> <json-value> [<path> <json-value>...]",
	Short: "Write document values",
	Args: func(_ *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%2 != 0 {
			return fmt.Errorf("expected path/value pairs")
		}
		return nil
	},
	RunE: func(_ *cobra.Command, args []string) error {
		ops := make([]docstore.Operation, 0, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			if !json.Valid([]byte(args[i+1])) {
				return fmt.Errorf("value for %s is not valid JSON", args[i])
			}
			ops = append(ops, docstore.Operation{
				Op:    docstore.OpSet,
				Path:  args[i],
				Value: json.RawMessage(args[i+1]),
			})
		}
		return withClient(func(ctx context.Context, c *replgrpc.Client) error {
			res, err := c.Write(ctx, flagTxID, ops)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("not leader, try %q", res.LeaderHint)
			}
			return printJSON(res)
		})
	},
}

var delCmd = &cobra.Command{
	Use:   "del <path>...",
	Short: "Delete documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ops := make([]docstore.Operation, 0, len(args))
		for _, p := range args {
			ops = append(ops, docstore.Operation{Op: docstore.OpDelete, Path: p})
		}
		return withClient(func(ctx context.Context, c *replgrpc.Client) error {
			res, err := c.Write(ctx, "", ops)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("not leader, try %q", res.LeaderHint)
			}
			return printJSON(res)
		})
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll [threshold]",
	Short: "Long-poll the replication feed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var threshold uint64
		if len(args) == 1 {
			n, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return err
			}
			threshold = n
		}
		return withClient(func(ctx context.Context, c *replgrpc.Client) error {
			res, err := c.Poll(ctx, threshold, flagTimeout)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var inquireCmd = &cobra.Command{
	Use:   "inquire <tx-id>...",
	Short: "Resolve transaction ids to log indices",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *replgrpc.Client) error {
			indices, err := c.Inquire(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(indices)
		})
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <index>",
	Short: "Wait for the commit index to reach an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		index, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *replgrpc.Client) error {
			st, err := c.WaitForIndex(ctx, index, flagTimeout)
			if err != nil {
				return err
			}
			fmt.Println(st)
			if st != agent.WaitOK.String() {
				os.Exit(1)
			}
			return nil
		})
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the agent's diagnostic state",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, c *replgrpc.Client) error {
			st, err := c.State(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}
