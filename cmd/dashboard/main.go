package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"offlinegate/internal/dashboard"
	"offlinegate/internal/logging"
	"offlinegate/internal/upstream"
)

func main() {
	backend := flag.String("backend", envOr("DASHBOARD_BACKEND_URL", "http://localhost:8000"), "backend base URL")
	sortBy := flag.String("sort", "deadline", "project order: deadline or progress")
	query := flag.String("q", "", "only show projects whose title or tags contain this")
	userID := flag.String("user", "demo-user-id", "user whose notifications are shown")
	format := flag.String("format", "text", "output format: text, json or yaml")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := logging.New(*logLevel)
	hc := &http.Client{
		Transport: upstream.NewTransport(upstream.TransportOptions{}),
		Timeout:   *timeout,
	}
	client, err := dashboard.NewClient(*backend, hc, logger)
	if err != nil {
		log.Fatalf("dashboard client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap := client.Snapshot(ctx, dashboard.ParseSort(*sortBy), *userID)
	snap.Projects = dashboard.FilterProjects(snap.Projects, *query)

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(snap)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		err = enc.Encode(snap)
		if err == nil {
			err = enc.Close()
		}
	default:
		err = printText(snap)
	}
	if err != nil {
		log.Fatalf("write output: %v", err)
	}
}

func printText(s dashboard.Snapshot) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPROGRESS\tPRIORITY\tTAGS")
	for _, p := range s.Projects {
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%v\n", p.ID, p.Title, math.Round(p.Progress), p.Priority, p.Tags)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nparts: %d\n", len(s.Parts))

	fmt.Println("\nnotifications:")
	if len(s.Notifications) == 0 {
		fmt.Println("  -")
	}
	for _, n := range s.Notifications {
		fmt.Printf("  %s: %s\n", n.Title, n.Body)
	}

	fmt.Printf("\ninsights: %s\n", s.Insights.Summary)
	for _, id := range s.Insights.Approaching {
		fmt.Printf("  approaching: %s\n", id)
	}
	for _, u := range s.Insights.Overloaded {
		fmt.Printf("  overloaded: %s %d/%d\n", u.UserID, u.Active, u.Capacity)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
