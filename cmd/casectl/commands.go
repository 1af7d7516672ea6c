package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type rootOptions struct {
	server string
	userID string
	output string
}

func (o *rootOptions) client() *Client {
	return NewClient(o.server, o.userID)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "casectl",
		Short: "Submit and follow document-set analyses",
		Long: `casectl calls a running analysis API over HTTP.

Examples:
  casectl submit --doc id=d1,locator=store://cases/d1.pdf --instructions "Summarize the claims"
  casectl status <run-id> --watch
  casectl list --limit 10`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CASECTL_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&opts.userID, "user", os.Getenv("CASECTL_USER"), "principal sent as X-User-Id")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputYAML, "output format: yaml or json")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newResumeCmd(opts),
		newListCmd(opts),
	)
	return root
}

type documentEntry struct {
	ID            string `json:"id" yaml:"id"`
	MimeType      string `json:"mimeType,omitempty" yaml:"mimeType"`
	SourceLocator string `json:"sourceLocator" yaml:"sourceLocator"`
	Description   string `json:"description,omitempty" yaml:"description"`
	FileName      string `json:"fileName,omitempty" yaml:"fileName"`
}

type submitBody struct {
	GroupKey          string         `json:"groupKey,omitempty"`
	Documents         []documentEntry `json:"documents"`
	Instructions      string         `json:"instructions"`
	Provider          string         `json:"provider,omitempty"`
	ExtendedReasoning bool           `json:"extendedReasoning,omitempty"`
	Strategy          string         `json:"strategy,omitempty"`
}

type acceptedResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		body         submitBody
		docs         []string
		docsFile     string
		instructions string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a document set for analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.HasPrefix(instructions, "@") {
				raw, err := os.ReadFile(strings.TrimPrefix(instructions, "@"))
				if err != nil {
					return fmt.Errorf("read instructions: %w", err)
				}
				instructions = string(raw)
			}
			body.Instructions = instructions

			if docsFile != "" {
				fromFile, err := loadDocuments(docsFile)
				if err != nil {
					return err
				}
				body.Documents = append(body.Documents, fromFile...)
			}
			for _, raw := range docs {
				d, err := parseDocumentFlag(raw)
				if err != nil {
					return err
				}
				body.Documents = append(body.Documents, d)
			}
			if len(body.Documents) == 0 {
				return errors.New("at least one --doc or --documents entry is required")
			}

			var resp acceptedResponse
			if err := opts.client().Post(cmd.Context(), "/api/v1/runs", body, &resp); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, resp)
		},
	}
	cmd.Flags().StringArrayVar(&docs, "doc", nil, "document as id=..,locator=..[,mime=..,desc=..,name=..]; repeatable")
	cmd.Flags().StringVar(&docsFile, "documents", "", "YAML or JSON file listing documents")
	cmd.Flags().StringVar(&instructions, "instructions", "", "analysis instructions, or @file")
	cmd.Flags().StringVar(&body.Provider, "provider", "", "inference provider (openai, anthropic, gemini)")
	cmd.Flags().StringVar(&body.Strategy, "strategy", "", "strategy: auto, refine or batch")
	cmd.Flags().StringVar(&body.GroupKey, "group", "", "grouping key for the run")
	cmd.Flags().BoolVar(&body.ExtendedReasoning, "extended-reasoning", false, "request extended reasoning from the provider")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			if !watch {
				view, err := fetchStatus(cmd.Context(), client, args[0])
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), opts.output, view)
			}
			view, err := watchStatus(cmd.Context(), client, args[0], interval, func(v map[string]any) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%v %v%% %v\n", v["status"], v["percent"], v["progressMessage"])
			})
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, view)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "poll until the run reaches a terminal state")
	cmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "poll interval with --watch")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view map[string]any
			if err := opts.client().Post(cmd.Context(), runPath(args[0])+"/cancel", nil, &view); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, view)
		},
	}
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a failed run from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp acceptedResponse
			if err := opts.client().Post(cmd.Context(), runPath(args[0])+"/resume", nil, &resp); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, resp)
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs of the principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/api/v1/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var views []map[string]any
			if err := opts.client().Get(cmd.Context(), path, &views); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, views)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default 20, max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func runPath(id string) string {
	return "/api/v1/runs/" + url.PathEscape(id)
}

func fetchStatus(ctx context.Context, client *Client, id string) (map[string]any, error) {
	var view map[string]any
	if err := client.Get(ctx, runPath(id), &view); err != nil {
		return nil, err
	}
	return view, nil
}

// watchStatus polls until the run is completed, failed or cancelled.
func watchStatus(ctx context.Context, client *Client, id string, interval time.Duration, progress func(map[string]any)) (map[string]any, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	for {
		view, err := fetchStatus(ctx, client, id)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(view)
		}
		switch view["status"] {
		case "completed", "failed", "cancelled":
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// parseDocumentFlag reads id=..,locator=.. pairs.
func parseDocumentFlag(raw string) (documentEntry, error) {
	var d documentEntry
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return documentEntry{}, fmt.Errorf("invalid --doc entry %q", part)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "id":
			d.ID = value
		case "locator", "source":
			d.SourceLocator = value
		case "mime", "type":
			d.MimeType = value
		case "desc", "description":
			d.Description = value
		case "name", "file":
			d.FileName = value
		default:
			return documentEntry{}, fmt.Errorf("unknown --doc key %q", key)
		}
	}
	if d.ID == "" || d.SourceLocator == "" {
		return documentEntry{}, fmt.Errorf("--doc %q needs id and locator", raw)
	}
	return d, nil
}

// loadDocuments reads a document list. JSON input parses as YAML.
func loadDocuments(path string) ([]documentEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	var docs []documentEntry
	if err := yaml.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("parse documents %s: %w", path, err)
	}
	return docs, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
