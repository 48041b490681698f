package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/flownode/pkg/config"
	"github.com/cuemby/flownode/pkg/storage"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	Long: `List the most recent jobs this node ran, newest first.

By default the local job history is read directly. The database is opened
read-only, so this works while the node is stopped or, with --addr, through
the health server of a running node.

Examples:
  # Read the local history
  flownode jobs --limit 20

  # Ask a running node
  flownode jobs --addr 127.0.0.1:8090`,
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().Int("limit", 50, "Maximum number of jobs to list")
	jobsCmd.Flags().String("addr", "", "Health server address of a running node")
	jobsCmd.Flags().Bool("json", false, "Print the reports as JSON")

	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	addr, _ := cmd.Flags().GetString("addr")
	asJSON, _ := cmd.Flags().GetBool("json")

	var (
		reports []*types.JobReport
		err     error
	)
	if addr != "" {
		reports, err = fetchJobs(addr, limit)
	} else {
		reports, err = readJobs(cmd, limit)
	}
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	printJobs(os.Stdout, reports)
	return nil
}

func readJobs(cmd *cobra.Command, limit int) ([]*types.JobReport, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}
	if changed(cmd.Flags(), "data-dir") {
		cfg.Node.DataDir, _ = cmd.Flags().GetString("data-dir")
	}

	store, err := storage.NewBoltStore(cfg.Node.DataDir, storage.Options{
		ReadOnly: true,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job history in %s: %w", cfg.Node.DataDir, err)
	}
	defer store.Close()

	return store.ListJobReports(limit)
}

func fetchJobs(addr string, limit int) ([]*types.JobReport, error) {
	u := url.URL{
		Scheme:   "http",
		Host:     addr,
		Path:     "/jobs",
		RawQuery: url.Values{"limit": {strconv.Itoa(limit)}}.Encode(),
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("node returned %s: %s", resp.Status, body)
	}

	var reports []*types.JobReport
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return reports, nil
}

func printJobs(w io.Writer, reports []*types.JobReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No jobs recorded")
		return
	}

	fmt.Fprintf(w, "%-36s  %-20s  %-8s  %-10s  %s\n", "JOB", "STATUS", "EXIT", "DURATION", "FILE")
	for _, r := range reports {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		status := r.Status.String()
		if !r.Success && r.Reason != "" {
			status = r.Reason
		}
		fmt.Fprintf(w, "%-36s  %-20s  %-8s  %-10s  %s\n",
			r.JobUID, status, exit, r.Duration.Round(time.Second), r.FilePath)
	}
}
