package main

import (
	"context"
	"fmt"
	"time"

	"dpn/pkg/types"
	"dpn/pkg/utils"

	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

func ingestCmd() *cobra.Command {
	var objectType string

	cmd := &cobra.Command{
		Use:   "ingest <object-id> <bag-path>",
		Short: "Add a bag to the local repository",
		Long:  `Copy a packaged bag into the repository, compute its fixity and register this node as its first node.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			kind, err := types.ParseObjectType(objectType)
			if err != nil {
				return err
			}
			n, err := openNode(logger)
			if err != nil {
				return err
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			entry, err := n.Ingest(ctx, types.ObjectID(args[0]), args[1], kind)
			if err != nil {
				return err
			}
			fmt.Printf("Ingested %s (%s, %s %s)\n",
				entry.ObjectID, utils.FormatDataSize(entry.BagSize), entry.FixityAlgorithm, entry.FixityValue)
			return nil
		},
	}
	cmd.Flags().StringVarP(&objectType, "type", "t", string(types.ObjectData), "object type (data, rights, brightening, interpretive)")
	return cmd
}

func replicateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replicate <object-id>",
		Short: "Offer a registered object to the federation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(logger)
			if err != nil {
				return err
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			correlation, err := n.Replicate(ctx, types.ObjectID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("Replication started: %s\n", correlation)
			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <object-id>",
		Short: "Fetch a fresh copy of an object from a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(logger)
			if err != nil {
				return err
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			correlation, err := n.Recover(ctx, types.ObjectID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("Recovery started: %s\n", correlation)
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <correlation-id> <peer>",
		Short: "Re-send the failed step of a transfer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(logger)
			if err != nil {
				return err
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := n.Retry(ctx, types.CorrelationID(args[0]), types.NodeID(args[1])); err != nil {
				return err
			}
			fmt.Printf("Retried %s with %s\n", args[0], args[1])
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Ask peers for their registry entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(logger)
			if err != nil {
				return err
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			correlation, err := n.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Registry sync requested: %s\n", correlation)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Reconcile the local registry with collected peer snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(logger)
			if err != nil {
				return err
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			count, err := n.Resolve(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Reconciled %d entries\n", count)
			return nil
		},
	}
}
