package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/aihub/rag-pipeline/internal/kafka"
	"github.com/aihub/rag-pipeline/internal/services"
	"github.com/spf13/cobra"
)

type chunkFlags struct {
	format   string
	strategy string
	size     int
	overlap  int
	reset    bool
}

func (f *chunkFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.format, "format", "", "declared format, defaults to the file extension")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "chunking strategy: size, tokens, sentences, paragraphs")
	cmd.Flags().IntVar(&f.size, "chunk-size", 0, "chunk size in characters or tokens")
	cmd.Flags().IntVar(&f.overlap, "chunk-overlap", 0, "overlap between consecutive chunks")
	cmd.Flags().BoolVar(&f.reset, "reset", false, "delete previous chunks of the document first")
}

// apply 只覆盖命令行上显式给出的参数
func (f *chunkFlags) apply(cmd *cobra.Command, in *services.PipelineInput) {
	in.Format = f.format
	in.Strategy = f.strategy
	in.ChunkSize = f.size
	in.Reset = f.reset
	if cmd.Flags().Changed("chunk-overlap") {
		overlap := f.overlap
		in.ChunkOverlap = &overlap
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newIngestCommand() *cobra.Command {
	var (
		projectID  uint
		documentID uint
		objectKey  string
		chunking   chunkFlags
	)
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Extract, chunk, embed and index a single document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := services.PipelineInput{
				ProjectID:  projectID,
				DocumentID: documentID,
				ObjectKey:  objectKey,
			}
			if len(args) == 1 {
				in.FilePath = args[0]
			}
			if in.FilePath == "" && in.ObjectKey == "" {
				return fmt.Errorf("either a file or --object is required")
			}
			chunking.apply(cmd, &in)

			ctx, cancel := signalContext()
			defer cancel()
			return withContainer(func(o *services.PipelineOrchestrator) error {
				result := o.Process(ctx, in)
				if err := printJSON(result); err != nil {
					return err
				}
				if !result.Succeeded() {
					return fmt.Errorf("document %d failed at %s: %s", result.DocumentID, result.FailedStage, result.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().UintVarP(&projectID, "project", "p", 0, "project id")
	cmd.Flags().UintVarP(&documentID, "document", "d", 0, "document id")
	cmd.Flags().StringVar(&objectKey, "object", "", "object storage key instead of a local file")
	chunking.register(cmd)
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newBatchCommand() *cobra.Command {
	var (
		projectID uint
		firstID   uint
		async     bool
		chunking  chunkFlags
	)
	cmd := &cobra.Command{
		Use:   "batch <file|dir>...",
		Short: "Process several documents of one project with bounded parallelism",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files found")
			}

			inputs := make([]services.PipelineInput, len(files))
			for i, path := range files {
				inputs[i] = services.PipelineInput{
					ProjectID:  projectID,
					DocumentID: firstID + uint(i),
					FilePath:   path,
				}
				chunking.apply(cmd, &inputs[i])
			}

			ctx, cancel := signalContext()
			defer cancel()

			if async {
				return withContainer(func(producer *kafka.JobProducer) error {
					taskIDs := make(map[string]string, len(inputs))
					for _, in := range inputs {
						taskID, err := producer.Publish(ctx, in)
						if err != nil {
							return err
						}
						taskIDs[in.FilePath] = taskID
					}
					return printJSON(taskIDs)
				})
			}

			return withContainer(func(o *services.PipelineOrchestrator) error {
				summary := o.ProcessBatch(ctx, projectID, inputs)
				if err := printJSON(summary); err != nil {
					return err
				}
				if summary.Failed > 0 {
					return fmt.Errorf("%d of %d documents failed", summary.Failed, summary.TotalDocuments)
				}
				return nil
			})
		},
	}
	cmd.Flags().UintVarP(&projectID, "project", "p", 0, "project id")
	cmd.Flags().UintVar(&firstID, "first-document", 1, "document id assigned to the first file, the rest are numbered consecutively")
	cmd.Flags().BoolVar(&async, "async", false, "publish jobs to kafka instead of processing them here")
	chunking.register(cmd)
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// collectFiles 展开目录（不递归），结果按路径排序保证编号稳定
func collectFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}
