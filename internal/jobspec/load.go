// Package jobspec loads and validates the HCL file describing a forecasting
// job: workspace, compute cluster, dataset, model-search settings, and the
// optional rolling-origin evaluation.
package jobspec

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/forecastgrid/internal/ctxlog"
	"github.com/vk/forecastgrid/internal/fsutil"
)

// envFunc exposes env("NAME") to job files so credentials and ids stay out
// of version control.
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

// Load reads the job file (or every .hcl file under a directory, merged),
// decodes it, and validates it. The returned Spec has its defaults applied.
func Load(ctx context.Context, path string) (*Spec, error) {
	logger := ctxlog.FromContext(ctx)

	paths, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("failed to locate job files: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .hcl job files found at %q", path)
	}
	logger.Debug("Job files located.", "count", len(paths))

	parser := hclparse.NewParser()
	var files []*hcl.File
	for _, p := range paths {
		file, diags := parser.ParseHCLFile(p)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %w", p, diags)
		}
		files = append(files, file)
	}

	spec := &Spec{}
	if diags := gohcl.DecodeBody(hcl.MergeFiles(files), evalContext(), spec); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode job spec: %w", diags)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("Job spec loaded and validated.", "workspace", spec.Workspace.Name, "dataset", spec.Dataset.Name)
	return spec, nil
}

// Parse decodes a job spec from raw HCL source. Used by tests and by callers
// that already hold the file contents.
func Parse(src []byte, filename string) (*Spec, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, diags)
	}

	spec := &Spec{}
	if diags := gohcl.DecodeBody(file.Body, evalContext(), spec); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode job spec: %w", diags)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
