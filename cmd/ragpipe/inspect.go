package main

import (
	"fmt"
	"os"

	"github.com/aihub/rag-pipeline/internal/knowledge"
	"github.com/aihub/rag-pipeline/internal/services"
	"github.com/spf13/cobra"
)

// extract 与 chunk 只在本地运行，不连接任何外部服务

func newExtractCommand() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Print the plain text extracted from a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := knowledge.NewTextExtractor().Extract(args[0], format)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
				return err
			}
			return os.WriteFile(output, []byte(text), 0o644)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "declared format, defaults to the file extension")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the text to a file instead of stdout")
	return cmd
}

func newChunkCommand() *cobra.Command {
	var chunking chunkFlags
	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "Show how a document would be chunked without storing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var in services.PipelineInput
			chunking.apply(cmd, &in)
			opts, err := services.ResolveChunkOptions(services.ChunkDefaults(cfg.Knowledge.Chunking), in)
			if err != nil {
				return err
			}

			text, err := knowledge.NewTextExtractor().Extract(args[0], in.Format)
			if err != nil {
				return err
			}
			chunker := knowledge.NewChunker(
				knowledge.NewTokenCounter(cfg.Knowledge.Chunking.Encoding),
				knowledge.NewSentenceSplitter(),
			)
			chunks, err := chunker.Split(text, opts)
			if err != nil {
				return err
			}
			return printJSON(chunks)
		},
	}
	chunking.register(cmd)
	return cmd
}
