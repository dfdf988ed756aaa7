package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"content-publisher/internal/app"
	"content-publisher/internal/config"
	"content-publisher/internal/logging"
)

func main() {
	if err := newRootCmd(config.Load()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	var (
		apiURL string
		tenant string
	)
	root := &cobra.Command{
		Use:           "publishctl",
		Short:         "Operate the content publishing queue",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&apiURL, "api", cfg.APIBaseURL, "publisher API base URL")
	root.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant id sent as X-Tenant-ID")

	client := func() *apiClient { return newAPIClient(apiURL, tenant) }
	root.AddCommand(newJobCmd(client), newDLQCmd(client), newMigrateCmd(cfg))
	return root
}

func newJobCmd(client func() *apiClient) *cobra.Command {
	var brand string
	job := &cobra.Command{Use: "job", Short: "Inspect and control publishing jobs"}
	job.PersistentFlags().StringVar(&brand, "brand", "", "brand id owning the job")

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			q := url.Values{}
			if brand != "" {
				q.Set("brand_id", brand)
			}
			if err := client().do(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(args[0]), q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	var (
		status, platform string
		limit, offset    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List a brand's jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if brand == "" {
				return fmt.Errorf("--brand is required")
			}
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if platform != "" {
				q.Set("platform", platform)
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			var out json.RawMessage
			if err := client().do(cmd.Context(), http.MethodGet, "/brands/"+url.PathEscape(brand)+"/jobs", q, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&platform, "platform", "", "filter by platform")
	list.Flags().IntVar(&limit, "limit", 20, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-enter a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return action(cmd, client(), "/jobs/"+url.PathEscape(args[0])+"/retry")
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a scheduled or pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return action(cmd, client(), "/jobs/"+url.PathEscape(args[0])+"/cancel")
		},
	}

	reschedule := &cobra.Command{
		Use:   "reschedule <job-id> <RFC3339 time>",
		Short: "Move a scheduled or pending job to a new time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, args[1])
			if err != nil {
				return fmt.Errorf("parse time: %w", err)
			}
			body := map[string]any{"brand_id": brand, "scheduled_at": at.UTC()}
			var out json.RawMessage
			if err := client().do(cmd.Context(), http.MethodPatch, "/jobs/"+url.PathEscape(args[0])+"/schedule", nil, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	job.AddCommand(get, list, retry, cancel, reschedule)
	return job
}

func newDLQCmd(client func() *apiClient) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered job ids, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Items []string `json:"items"`
			}
			q := url.Values{"count": {strconv.Itoa(count)}}
			if err := client().do(cmd.Context(), http.MethodGet, "/dlq", q, nil, &out); err != nil {
				return err
			}
			for _, id := range out.Items {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 50, "number of ids to show")
	return cmd
}

func newMigrateCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply job store migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			_, closeStore, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			closeStore()
			logging.New("publishctl", cfg.LogLevel, cfg.LogFormat).WithField("driver", cfg.StoreDriver).Info("migrations applied")
			return nil
		},
	}
}

func action(cmd *cobra.Command, c *apiClient, path string) error {
	var out map[string]string
	if err := c.do(cmd.Context(), http.MethodPost, path, nil, nil, &out); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out["status"])
	return nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
