package main

import (
	"strings"

	"github.com/aihub/rag-pipeline/internal/config"
	"github.com/aihub/rag-pipeline/internal/knowledge"
	"github.com/aihub/rag-pipeline/internal/services"
	"github.com/spf13/cobra"
)

type queryFlags struct {
	projectID uint
	nResults  int
	threshold float64
	rerank    bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().UintVarP(&f.projectID, "project", "p", 0, "project id")
	cmd.Flags().IntVarP(&f.nResults, "results", "n", 0, "number of results, defaults to the configured value")
	cmd.Flags().Float64Var(&f.threshold, "threshold", 0, "minimum similarity score in [0,1]")
	cmd.Flags().BoolVar(&f.rerank, "rerank", false, "rerank the retrieved chunks")
	_ = cmd.MarkFlagRequired("project")
}

func (f *queryFlags) thresholdPtr(cmd *cobra.Command) *float64 {
	if !cmd.Flags().Changed("threshold") {
		return nil
	}
	t := f.threshold
	return &t
}

func newSearchCommand() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the chunks most similar to a query within a project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := knowledge.SearchRequest{
				ProjectScopeID: flags.projectID,
				Query:          strings.Join(args, " "),
				NResults:       flags.nResults,
				Threshold:      flags.thresholdPtr(cmd),
			}
			return withContainer(func(cfg *config.Config, rag *services.RAGService) error {
				rerank := cfg.Knowledge.Rerank.Enabled
				if cmd.Flags().Changed("rerank") {
					rerank = flags.rerank
				}
				results, err := rag.Search(cmd.Context(), req, rerank)
				if err != nil {
					return err
				}
				return printJSON(results)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRerankCommand() *cobra.Command {
	var (
		query  string
		method string
	)
	cmd := &cobra.Command{
		Use:   "rerank <document>...",
		Short: "Score documents against a query and return them in relevance order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := knowledge.ParseRerankMethod(method)
			if err != nil {
				return err
			}
			return withContainer(func(reranker *knowledge.Reranker) error {
				results, err := reranker.Rerank(cmd.Context(), query, args, m)
				if err != nil {
					return err
				}
				return printJSON(results)
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "query text")
	cmd.Flags().StringVar(&method, "method", "similarity", "rerank method")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func newAskCommand() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the retrieved chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := services.AskRequest{
				ProjectID: flags.projectID,
				Question:  strings.Join(args, " "),
				NResults:  flags.nResults,
				Threshold: flags.thresholdPtr(cmd),
			}
			if cmd.Flags().Changed("rerank") {
				rerank := flags.rerank
				req.Rerank = &rerank
			}
			return withContainer(func(rag *services.RAGService) error {
				result, err := rag.Ask(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	flags.register(cmd)
	return cmd
}
