package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rulesift/rulesift/adapters"
	"github.com/rulesift/rulesift/adapters/files"
	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/runtime"
)

type evalOptions struct {
	ruleFile string
	rule     string
}

func newEvalCommand(a *app) *cobra.Command {
	opts := &evalOptions{}

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a rule against a records file",
		Long: `Evaluate one rule offline and print the matching records as JSON.

The rule is either a JSON expression file (.json) or rule text such as
"(age > 30) AND (department = 'Sales')". Records are read from a JSON, YAML
or Parquet file.

Examples:
  rulesiftd eval --rule-file rule.json --records-file users.yaml
  rulesiftd eval --rule "salary >= 50000 OR experience > 5" --records-file users.parquet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ruleFile, "rule-file", "", "file holding a JSON expression or rule text")
	cmd.Flags().StringVar(&opts.rule, "rule", "", "rule text")
	cmd.MarkFlagsMutuallyExclusive("rule-file", "rule")
	cmd.MarkFlagsOneRequired("rule-file", "rule")

	return cmd
}

func runEval(cmd *cobra.Command, a *app, opts *evalOptions) error {
	expr, err := loadRule(opts)
	if err != nil {
		return err
	}

	// --records-file lands in the seed file or the files source options
	// depending on the configured record source.
	path := a.config.Records.SeedFile
	if path == "" {
		if p, ok := a.config.Records.Options["path"].(string); ok {
			path = p
		}
	}
	if path == "" {
		return errors.New("no records file: pass --records-file")
	}

	src, err := files.NewSource(&files.Config{Path: adapters.ResolvePath(a.config.Dir(), path)}, a.logger)
	if err != nil {
		return err
	}
	defer src.Close()

	service := runtime.NewService(src, nil,
		runtime.WithLogger(a.logger),
		runtime.WithStrictValidation(a.config.Evaluation.Strict),
	)
	res, err := service.EvaluateRule(cmd.Context(), expr)
	if err != nil {
		return err
	}

	return writeIndented(cmd.OutOrStdout(), evaluateResponse{
		Message:     "Rule evaluated successfully",
		ValidUsers:  res.Matches,
		Diagnostics: res.Diagnostics,
		Scanned:     res.Scanned,
	})
}

func loadRule(opts *evalOptions) (ast.Expr, error) {
	if opts.rule != "" {
		return ast.ParseText(opts.rule)
	}

	data, err := os.ReadFile(opts.ruleFile)
	if err != nil {
		return nil, fmt.Errorf("reading rule: %w", err)
	}
	if strings.EqualFold(filepath.Ext(opts.ruleFile), ".json") {
		var req evaluateRequest
		// Accept both a bare expression and the {"rules": ...} request body.
		if err := json.Unmarshal(data, &req); err == nil && len(req.Rules) > 0 {
			return ast.ParseJSON(req.Rules)
		}
		return ast.ParseJSON(data)
	}
	return ast.ParseText(string(data))
}

func writeIndented(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
