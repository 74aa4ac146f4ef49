// Command sigma-rulectl validates and re-exports Sigma rule files, the
// streaming engine's equivalent of the teacher's config-export tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/boogy/sigma-stream/pkg/event"
	"github.com/boogy/sigma-stream/pkg/rule"
	"github.com/boogy/sigma-stream/pkg/utils"
)

// supportedFormats are the export formats rule.Rule.Export understands.
var supportedFormats = []string{"json", "yaml", "yml"}

func main() {
	var (
		inputFile   = flag.String("input", "rule-example.yaml", "Input Sigma rule YAML file")
		outputFile  = flag.String("output", "", "Output file (if empty, prints to stdout)")
		format      = flag.String("format", "json", "Output format: json or yaml")
		dryRun      = flag.Bool("validate-only", false, "Only validate the rule, do not export it")
		sampleEvent = flag.String("sample-event", "", "Path to a JSON sample event to test the compiled rule against")
	)
	flag.Parse()

	if !*dryRun && !utils.ContainsString(supportedFormats, *format) {
		fmt.Fprintf(os.Stderr, "Unsupported format %q (want one of %v)\n", *format, supportedFormats)
		os.Exit(1)
	}

	rawRule, err := os.ReadFile(*inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input file: %v\n", err)
		os.Exit(1)
	}

	r, err := rule.FromYAML(rawRule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing rule: %v\n", err)
		os.Exit(1)
	}

	if err := r.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Rule validation failed: %v\n", err)
		os.Exit(1)
	}

	handle := rule.NewHandle(r, *inputFile)
	compiled, err := handle.Compile(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rule compilation failed: %v\n", err)
		os.Exit(1)
	}

	if *sampleEvent != "" {
		raw := utils.ReadTestEvents(*sampleEvent)
		evt, err := event.New(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading sample event: %v\n", err)
			os.Exit(1)
		}
		res := compiled.Eval(evt)
		fmt.Printf("Rule %q (%s) against %s: matched=%t applicable=%t\n", r.Title, r.ID, *sampleEvent, res.Matched, res.Applicable)
	}

	if *dryRun {
		fmt.Printf("Rule %q (%s) is valid\n", r.Title, r.ID)
		return
	}

	output, err := r.Export(*format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting rule: %v\n", err)
		os.Exit(1)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, output, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Rule exported to %s\n", *outputFile)
	} else {
		fmt.Print(string(output))
	}
}
