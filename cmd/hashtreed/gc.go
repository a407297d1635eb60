package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmalmi/hashtree-go/internal/logging"
	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/mmalmi/hashtree-go/pkg/nhash"
	"github.com/mmalmi/hashtree-go/pkg/store"
)

var gcCmd = &cobra.Command{
	Use:   "gc <root-nhash>...",
	Short: "Sweep every block not reachable from the given root identifiers",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGC,
}

func runGC(cmd *cobra.Command, args []string) error {
	log := logging.NewLogrus(cfg.Logging.Level, cfg.Logging.File)

	roots := make([]block.CID, 0, len(args))
	for _, a := range args {
		c, err := nhash.Decode(a)
		if err != nil {
			return fmt.Errorf("parse root %q: %w", a, err)
		}
		roots = append(roots, c)
	}

	blockStore, err := store.New(cfg.Hashtree.StoreDir, 0, log)
	if err != nil {
		return err
	}

	reaped, err := blockStore.GC(context.Background(), roots...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reaped %d unreachable block(s)\n", reaped)
	return nil
}
