package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmalmi/hashtree-go/internal/logging"
	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/mmalmi/hashtree-go/pkg/nhash"
	"github.com/mmalmi/hashtree-go/pkg/store"
	"github.com/mmalmi/hashtree-go/pkg/tree"
)

var printCID bool

var idCmd = &cobra.Command{
	Use:   "id <file>",
	Short: "Write a file into the local store and print its nhash identifier",
	Args:  cobra.ExactArgs(1),
	RunE:  runID,
}

func init() {
	idCmd.Flags().BoolVar(&printCID, "cid", false, "also print an IPFS-tooling-compatible CIDv1 form of the hash")
}

func runID(cmd *cobra.Command, args []string) error {
	log := logging.NewLogrus(cfg.Logging.Level, cfg.Logging.File)

	blockStore, err := store.New(cfg.Hashtree.StoreDir, cfg.Hashtree.GCSoftCapBytes, log)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	fileTree := tree.New(blockStore, cfg.Hashtree.ChunkThreshold, cfg.Hashtree.ChunkSize)
	c, err := fileTree.WriteFile(context.Background(), data, nil)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), nhash.Encode(c))

	if printCID {
		cidStr, err := block.ExportCID(c.Hash)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cidStr)
	}
	return nil
}
