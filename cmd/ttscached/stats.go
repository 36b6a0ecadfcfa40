package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meigma/ttscache"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics from a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

// statsPayload mirrors the daemon's /v1/cache/stats response.
type statsPayload struct {
	ttscache.Stats
	HitRate      float64 `json:"hit_rate"`
	Utilization  float64 `json:"utilization"`
	SizeHuman    string  `json:"size_human"`
	MaxSizeHuman string  `json:"max_size_human"`
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	url := statsURL(cfg.Addr)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("reach daemon at %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon answered %s", resp.Status)
	}

	var st statsPayload
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Entries\t%s\n", humanize.Comma(int64(st.Entries)))
	fmt.Fprintf(w, "Size\t%s of %s (%.1f%%)\n", st.SizeHuman, st.MaxSizeHuman, st.Utilization)
	fmt.Fprintf(w, "Hits\t%s\n", humanize.Comma(st.Hits))
	fmt.Fprintf(w, "Misses\t%s\n", humanize.Comma(st.Misses))
	fmt.Fprintf(w, "Hit rate\t%.1f%%\n", st.HitRate*100)
	fmt.Fprintf(w, "Evictions\t%s\n", humanize.Comma(st.Evictions))
	fmt.Fprintf(w, "Expirations\t%s\n", humanize.Comma(st.Expirations))
	fmt.Fprintf(w, "Prefetched\t%s (%s later served)\n",
		humanize.Comma(st.PrefetchCount), humanize.Comma(st.PrefetchHits))
	for _, provider := range slices.Sorted(maps.Keys(st.EntriesByProvider)) {
		fmt.Fprintf(w, "  %s\t%s entries\n", provider, humanize.Comma(int64(st.EntriesByProvider[provider])))
	}
	return w.Flush()
}

// statsURL turns a listen address into the stats endpoint URL. A bare
// or wildcard host targets localhost.
func statsURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/v1/cache/stats"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/v1/cache/stats"
}
