// ns-query lists recorded anomalies, either through the ns-detector HTTP API
// or directly from ClickHouse.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"NetAnomaly/internal/config"
	"NetAnomaly/internal/model"
	"NetAnomaly/internal/query"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to query ClickHouse directly.")
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file (direct mode)")
	apiURL := flag.String("api", "http://localhost:8080", "Base URL of the ns-detector API (api mode)")
	since := flag.Duration("since", time.Hour, "Look back this far")
	src := flag.String("src", "", "Only anomalies from this source address")
	limit := flag.Int("limit", 20, "Maximum number of anomalies")
	top := flag.Bool("top", false, "Rank source addresses instead of listing anomalies")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	from := time.Now().UTC().Add(-*since)
	log.Printf("Running in '%s' mode.", *mode)

	var err error
	switch *mode {
	case "api":
		err = queryViaAPI(ctx, *apiURL, from, *src, *limit, *top)
	case "direct":
		err = queryDirect(ctx, *configPath, from, *src, *limit, *top)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
}

func queryViaAPI(ctx context.Context, base string, since time.Time, src string, limit int, top bool) error {
	params := url.Values{}
	params.Set("since", since.Format(time.RFC3339))
	params.Set("limit", strconv.Itoa(limit))
	path := "/api/v1/anomalies"
	if top {
		path = "/api/v1/anomalies/top"
	} else if src != "" {
		params.Set("src", src)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned %s: %s", resp.Status, body)
	}

	if top {
		var body struct {
			Sources []query.SourceSummary `json:"sources"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		printSources(body.Sources)
		return nil
	}
	var body struct {
		Anomalies []model.Anomaly `json:"anomalies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	printAnomalies(body.Anomalies)
	return nil
}

func queryDirect(ctx context.Context, configPath string, since time.Time, src string, limit int, top bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := query.NewStore(cfg.ClickHouse)
	if err != nil {
		return err
	}
	defer store.Close()

	if top {
		sources, err := store.TopSources(ctx, since, limit)
		if err != nil {
			return err
		}
		printSources(sources)
		return nil
	}
	anomalies, err := store.ListAnomalies(ctx, query.AnomalyFilter{Since: since, SrcAddr: src, Limit: limit})
	if err != nil {
		return err
	}
	printAnomalies(anomalies)
	return nil
}

func printAnomalies(anomalies []model.Anomaly) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DETECTED\tFLOW\tBYTES\tPACKETS\tSCORE")
	for _, a := range anomalies {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.6f\n", a.DetectedAt.Format(time.RFC3339), a.Flow,
			a.BytesSent+a.BytesReceived, a.PacketsSent+a.PacketsReceived, a.Score)
	}
	w.Flush()
	log.Printf("%d anomalies", len(anomalies))
}

func printSources(sources []query.SourceSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tANOMALIES\tMAX SCORE\tLAST SEEN")
	for _, s := range sources {
		fmt.Fprintf(w, "%s\t%d\t%.6f\t%s\n", s.SrcAddr, s.Anomalies, s.MaxScore, s.LastSeen.Format(time.RFC3339))
	}
	w.Flush()
}
