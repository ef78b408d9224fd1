package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"redaction-pipeline/internal/bootstrap"
	"redaction-pipeline/internal/document"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/pipeline"
	"redaction-pipeline/internal/rules"
)

// Runner executes the pipeline for one document.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input, hooks pipeline.Hooks) (pipeline.Output, error)
}

var (
	fileTemplate     string
	fileTemplatePath string
	fileOut          string
)

var fileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Redact a local image or ZIP page bundle",
	Long: `Redact a local document and write the redacted artifact.

The report is printed to stdout as JSON.

Examples:
  redact file scan.png --template minimal-pii --out scan-redacted.png
  redact file pages.zip --template-file my-template.json --out redacted.zip`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tmpl, err := loadTemplate(fileTemplate, fileTemplatePath)
		if err != nil {
			return err
		}
		pipe, err := bootstrap.Pipeline(cfg, logger)
		if err != nil {
			return err
		}
		return redactFile(cmd.Context(), pipe, args[0], tmpl, fileOut, cmd.OutOrStdout())
	},
}

func init() {
	fileCmd.Flags().StringVarP(&fileTemplate, "template", "t", "pharma-default", "built-in template id")
	fileCmd.Flags().StringVar(&fileTemplatePath, "template-file", "", "JSON template file (overrides --template)")
	fileCmd.Flags().StringVarP(&fileOut, "out", "o", "", "output path (default: <path>.redacted.<ext>)")
	rootCmd.AddCommand(fileCmd)
}

// loadTemplate resolves a built-in template id or reads a JSON template file.
func loadTemplate(id, path string) (models.RedactionTemplate, error) {
	if path == "" {
		tmpl, ok := rules.BuiltinByID(id)
		if !ok {
			return models.RedactionTemplate{}, fmt.Errorf("unknown template %q", id)
		}
		return tmpl, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.RedactionTemplate{}, fmt.Errorf("read template: %w", err)
	}
	var tmpl models.RedactionTemplate
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return models.RedactionTemplate{}, fmt.Errorf("parse template: %w", err)
	}
	if err := rules.ValidateTemplate(tmpl); err != nil {
		return models.RedactionTemplate{}, err
	}
	return tmpl, nil
}

func redactFile(ctx context.Context, runner Runner, path string, tmpl models.RedactionTemplate, out string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if _, ok := document.Sniff(data); !ok {
		return document.ErrUnsupported
	}

	res, err := runner.Run(ctx, pipeline.Input{Key: path, Data: data, Template: tmpl}, pipeline.Hooks{})
	if err != nil {
		return err
	}

	if out == "" {
		out = path + ".redacted" + document.Extension(res.Artifact.ContentType)
	}
	if err := os.WriteFile(out, res.Artifact.Data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Output string                 `json:"output"`
		Report models.RedactionReport `json:"report"`
	}{out, res.Report})
}
