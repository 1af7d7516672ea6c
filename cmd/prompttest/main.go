package main

// Run one analysis in-process against local files, without a database or
// queue:
//   go run ./cmd/prompttest -instructions "Summarize the claims" a.pdf b.docx

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"caseanalysis-backend/internal/analyses"
	"caseanalysis-backend/internal/bootstrap"
	"caseanalysis-backend/internal/documents"
	"caseanalysis-backend/internal/runs"
	"caseanalysis-backend/internal/shared/config"
)

func main() {
	cfg := config.Load()

	instructions := flag.String("instructions", "", "Analysis instructions, or @file")
	provider := flag.String("provider", cfg.DefaultProvider, "Inference provider")
	strategy := flag.String("strategy", "", "auto, refine or batch")
	extended := flag.Bool("extended-reasoning", false, "Request extended reasoning")
	outPath := flag.String("out", "", "Path to write the final analysis (optional)")
	flag.Parse()

	if strings.TrimSpace(*instructions) == "" {
		exitErr("instructions are required")
	}
	if flag.NArg() == 0 {
		exitErr("at least one document path is required")
	}
	text := *instructions
	if strings.HasPrefix(text, "@") {
		raw, err := os.ReadFile(strings.TrimPrefix(text, "@"))
		if err != nil {
			exitErr(fmt.Sprintf("read instructions: %v", err))
		}
		text = string(raw)
	}

	root, docs, err := describeFiles(flag.Args())
	if err != nil {
		exitErr(err.Error())
	}

	cfg.Env = "local"
	cfg.DatabaseURL = ""
	cfg.QueueURL = ""
	cfg.ObjectStoreType = "local"
	cfg.LocalStoreDir = root

	ctx := context.Background()
	app, err := bootstrap.Build(ctx, cfg, bootstrap.RoleAPI)
	if err != nil {
		exitErr(fmt.Sprintf("bootstrap: %v", err))
	}

	run, err := app.AnalysesService.Submit(ctx, analyses.SubmitInput{
		OwnerID:           "prompttest",
		Documents:         docs,
		Instructions:      text,
		Provider:          *provider,
		ExtendedReasoning: *extended,
		Strategy:          *strategy,
	})
	if err != nil {
		exitErr(fmt.Sprintf("submit: %v", err))
	}
	app.AnalysesService.Wait()

	view, err := app.AnalysesService.GetStatus(ctx, run.ID)
	if err != nil {
		exitErr(fmt.Sprintf("status: %v", err))
	}
	if view.Status != runs.StatusCompleted {
		exitErr(fmt.Sprintf("run %s ended %s: %s", view.RunID, view.Status, view.Error))
	}

	if view.Usage != nil {
		_, _ = fmt.Fprintf(os.Stderr, "strategy=%s calls=%d\n", view.Strategy, view.Usage.CallCount)
	}
	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(view.Result), 0o644); err != nil {
			exitErr(fmt.Sprintf("write output: %v", err))
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, view.Result)
}

// describeFiles maps paths onto keys of a local store rooted at their common
// directory.
func describeFiles(paths []string) (string, []documents.Descriptor, error) {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return "", nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		if _, err := os.Stat(a); err != nil {
			return "", nil, fmt.Errorf("stat %s: %w", p, err)
		}
		abs = append(abs, a)
	}

	root := filepath.Dir(abs[0])
	for _, a := range abs[1:] {
		for !strings.HasPrefix(a, root+string(filepath.Separator)) && root != filepath.Dir(root) {
			root = filepath.Dir(root)
		}
	}

	docs := make([]documents.Descriptor, 0, len(abs))
	for i, a := range abs {
		rel, err := filepath.Rel(root, a)
		if err != nil {
			return "", nil, err
		}
		docs = append(docs, documents.Descriptor{
			ID:            fmt.Sprintf("doc-%d", i+1),
			SourceLocator: filepath.ToSlash(rel),
			FileName:      filepath.Base(a),
			Description:   filepath.Base(a),
		})
	}
	return root, docs, nil
}

func exitErr(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
