package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/pbft-ledger/node"
)

var nodeFlags struct {
	config string
	id     string
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a ledger node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := node.LoadConfig(nodeFlags.config)
		if err != nil {
			return err
		}
		n, err := node.New(cfg, nodeFlags.id)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := n.Start(ctx); err != nil {
			_ = n.Stop()
			return err
		}

		// 시그널 또는 CRASH_AFTER_FIXED_TIME 에 의한 종료를 기다림
		select {
		case <-ctx.Done():
		case <-n.Done():
		}
		if err := n.Stop(); err != nil {
			return err
		}
		return n.Wait()
	},
}

func init() {
	nodeCmd.Flags().StringVar(&nodeFlags.config, "config", "ledger.yaml", "configuration file")
	nodeCmd.Flags().StringVar(&nodeFlags.id, "id", "", "id of this node in the configuration")
	_ = nodeCmd.MarkFlagRequired("id")
}
