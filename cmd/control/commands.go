package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/control/internal/diagram"
	"github.com/rendis/control/internal/discovery"
	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/internal/loader"
	"github.com/rendis/control/internal/logging"
	"github.com/rendis/control/internal/output"
	"github.com/rendis/control/pkg/schema"
)

// newValidateCmd checks that every graph parses, passes the document schema
// and builds against the discovered node types, without running anything.
func newValidateCmd(configPath *string, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate graph files against the discovered node types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, os.LookupEnv, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.requireGraphs(); err != nil {
				return err
			}

			ld, err := loader.New(nil)
			if err != nil {
				return err
			}
			graphs, err := ld.LoadFiles(cfg.Graphs...)
			if err != nil {
				return err
			}
			reg, err := discovery.Registry(discovery.Options{Directories: cfg.Nodes, Plugins: cfg.Plugins})
			if err != nil {
				return err
			}

			for _, g := range graphs {
				built, err := engine.FromConfig(reg, g, engine.WithLogger(logging.Discard()))
				if err != nil {
					return err
				}
				built.Close()
				fmt.Fprintf(stdout, "ok  %s (%d nodes, %d edges)\n", g.DisplayName(), len(g.Nodes), len(g.Edges))
			}
			return nil
		},
	}
}

// newNodesCmd lists the node types available to graphs.
func newNodesCmd(configPath *string, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the available node types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, os.LookupEnv, cmd.Flags())
			if err != nil {
				return err
			}
			reg, err := discovery.Registry(discovery.Options{Directories: cfg.Nodes, Plugins: cfg.Plugins})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tMODE\tDESCRIPTION")
			for _, info := range reg.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Tag, info.Mode, info.Description)
			}
			return tw.Flush()
		},
	}
}

// newDiagramCmd draws every graph, optionally coloured with the node states
// of a results file written by --output.
func newDiagramCmd(configPath *string, stdout io.Writer) *cobra.Command {
	var format, resultsPath string

	cmd := &cobra.Command{
		Use:   "diagram",
		Short: "Draw graphs as Mermaid flowcharts or ASCII",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, os.LookupEnv, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.requireGraphs(); err != nil {
				return err
			}
			ld, err := loader.New(nil)
			if err != nil {
				return err
			}
			graphs, err := ld.LoadFiles(cfg.Graphs...)
			if err != nil {
				return err
			}
			reg, err := discovery.Registry(discovery.Options{Directories: cfg.Nodes, Plugins: cfg.Plugins})
			if err != nil {
				return err
			}
			results, err := readResults(resultsPath)
			if err != nil {
				return err
			}

			for i, g := range graphs {
				built, err := engine.FromConfig(reg, g, engine.WithLogger(logging.Discard()))
				if err != nil {
					return err
				}
				var states map[string]schema.NodeState
				if r, ok := results[g.ID]; ok {
					ids := make([]string, len(g.Nodes))
					for j, n := range g.Nodes {
						ids[j] = n.ID
					}
					states = diagram.Overlay(ids, diagram.Outcome{OutputStack: r.OutputStack, Error: r.Error})
				}
				out, err := diagram.Render(diagram.Build(g, built, states), format)
				built.Close()
				if err != nil {
					return err
				}
				if i > 0 {
					fmt.Fprintln(stdout)
				}
				fmt.Fprint(stdout, out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", diagram.FormatMermaid, "Diagram format: mermaid or ascii")
	cmd.Flags().StringVar(&resultsPath, "results", "", "Results file written by --output; colours nodes with the last run of each graph")
	return cmd
}

// readResults indexes the last result of every graph in a results file.
func readResults(path string) (map[string]output.Result, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "cannot read results file %s", path).WithCause(err)
	}
	var list []output.Result
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot parse results file %s", path).WithCause(err)
	}
	byGraph := make(map[string]output.Result, len(list))
	for _, r := range list {
		byGraph[r.GraphID] = r
	}
	return byGraph, nil
}
