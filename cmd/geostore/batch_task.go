package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/geostore/pkg/importer"
	"github.com/ethpandaops/geostore/pkg/storage"
)

var batchKind string

var batchTaskCmd = &cobra.Command{
	Use:   "batch-task",
	Short: "Run one batch copy invocation read from stdin",
	Long: `Reads a batch invocation JSON document on stdin, copies every task's
object into the canonical bucket and writes the batch response to stdout.`,
	RunE: runBatchTask,
}

func init() {
	batchTaskCmd.Flags().StringVar(&batchKind, "kind", "", "import kind (DATA or METADATA)")
	_ = batchTaskCmd.MarkFlagRequired("kind")

	rootCmd.AddCommand(batchTaskCmd)
}

func runBatchTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	provider, err := storage.NewProvider(ctx, log, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating storage provider: %w", err)
	}

	handler, err := importer.NewHandler(log, provider, importer.Kind(strings.ToUpper(batchKind)))
	if err != nil {
		return err
	}

	var inv importer.BatchInvocation
	if err := json.NewDecoder(os.Stdin).Decode(&inv); err != nil {
		return fmt.Errorf("decoding batch invocation: %w", err)
	}

	resp := handler.Handle(ctx, &inv)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("encoding batch response: %w", err)
	}

	return nil
}
