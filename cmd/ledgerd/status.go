package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	ledgerv1 "github.com/ahwlsqja/pbft-ledger/api/ledger/v1"
	"github.com/ahwlsqja/pbft-ledger/transport"
)

var statusFlags struct {
	addr     string
	instance int64
	account  string
	block    int64
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the status service of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := transport.Dial(statusFlags.addr)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var out any
		switch {
		case statusFlags.instance > 0:
			out, err = c.GetInstance(ctx, &ledgerv1.GetInstanceRequest{Instance: statusFlags.instance})
		case statusFlags.block > 0:
			out, err = c.GetBlock(ctx, &ledgerv1.GetBlockRequest{Instance: statusFlags.block})
		case statusFlags.account != "":
			out, err = c.GetBalance(ctx, &ledgerv1.GetBalanceRequest{AccountId: statusFlags.account})
		default:
			out, err = c.GetStatus(ctx, &ledgerv1.GetStatusRequest{})
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.addr, "addr", "127.0.0.1:26670", "status service address")
	statusCmd.Flags().Int64Var(&statusFlags.instance, "instance", 0, "show one consensus instance")
	statusCmd.Flags().Int64Var(&statusFlags.block, "block", 0, "show the decided block of an instance")
	statusCmd.Flags().StringVar(&statusFlags.account, "account", "", "show the local balance of an account")
}
