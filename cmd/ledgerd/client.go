package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/pbft-ledger/client"
	"github.com/ahwlsqja/pbft-ledger/node"
)

var clientFlags struct {
	config  string
	id      string
	timeout time.Duration
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Send signed requests to the ledger",
}

var transferCmd = &cobra.Command{
	Use:   "transfer <destination> <amount>",
	Short: "Transfer amount from the client's account to destination",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		return runClient(cmd.Context(), func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Transfer(ctx, args[0], amount)
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [account]",
	Short: "Read the balance of account (default: the client's own)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := clientFlags.id
		if len(args) == 1 {
			account = args[0]
		}
		return runClient(cmd.Context(), func(ctx context.Context, c *client.Client) (*client.Result, error) {
			return c.Balance(ctx, account)
		})
	},
}

func runClient(ctx context.Context, call func(context.Context, *client.Client) (*client.Result, error)) error {
	cfg, err := node.LoadConfig(clientFlags.config)
	if err != nil {
		return err
	}
	logger, closer, err := node.NewLogger(clientFlags.id, cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	c, link, err := node.NewClient(cfg, clientFlags.id, nil, logger)
	if err != nil {
		return err
	}
	defer link.Close()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = c.Listen(listenCtx) }()

	callCtx, cancelCall := context.WithTimeout(ctx, clientFlags.timeout)
	defer cancelCall()
	res, err := call(callCtx, c)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func init() {
	clientCmd.PersistentFlags().StringVar(&clientFlags.config, "config", "ledger.yaml", "configuration file")
	clientCmd.PersistentFlags().StringVar(&clientFlags.id, "id", "", "id of this client in the configuration")
	clientCmd.PersistentFlags().DurationVar(&clientFlags.timeout, "timeout", 30*time.Second, "how long to wait for a quorum of answers")
	_ = clientCmd.MarkPersistentFlagRequired("id")

	clientCmd.AddCommand(transferCmd)
	clientCmd.AddCommand(balanceCmd)
}
