package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/condo/pkg/config"
	"github.com/cuemby/condo/pkg/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent deploys",
	Long: `Show recent deploys, newest first.

With --addr the history is fetched from a running agent's metrics address.
Otherwise the database file is opened directly, which only works while no
agent holds it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		addr, _ := cmd.Flags().GetString("addr")
		db, _ := cmd.Flags().GetString("db")
		asJSON, _ := cmd.Flags().GetBool("json")

		var (
			records []*storage.DeployRecord
			err     error
		)
		if addr != "" {
			records, err = fetchHistory(addr, limit)
		} else {
			records, err = readHistory(db, limit)
		}
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		printHistory(cmd.OutOrStdout(), records)
		return nil
	},
}

func init() {
	historyCmd.Flags().String("db", config.DefaultHistoryPath(), "History database path")
	historyCmd.Flags().String("addr", "", "Metrics address of a running agent")
	historyCmd.Flags().Int("limit", 20, "Number of deploys to show (0 for all)")
	historyCmd.Flags().Bool("json", false, "Print JSON")
}

func readHistory(path string, limit int) ([]*storage.DeployRecord, error) {
	store, err := storage.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListDeploys(limit)
}

func fetchHistory(addr string, limit int) ([]*storage.DeployRecord, error) {
	u := url.URL{
		Scheme:   "http",
		Host:     addr,
		Path:     "/history",
		RawQuery: url.Values{"limit": {strconv.Itoa(limit)}}.Encode(),
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, body)
	}

	var records []*storage.DeployRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return records, nil
}

func printHistory(out io.Writer, records []*storage.DeployRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No deploys recorded")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tGEN\tIMAGE\tSTATUS\tSTARTED\tSTABLE AFTER\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			time.Unix(0, r.Session).Format(time.DateTime),
			r.Generation,
			r.Image,
			r.Status(),
			formatTime(r.StartedAt),
			stableAfter(r),
			r.Error,
		)
	}
	w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func stableAfter(r *storage.DeployRecord) string {
	if r.StableAt.IsZero() || r.StartedAt.IsZero() {
		return "-"
	}
	return r.StableAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
