package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync/atomic"
	"time"
)

type project struct {
	ID          string   `json:"_id"`
	Title       string   `json:"title"`
	Tags        []string `json:"tags"`
	Progress    int      `json:"progress"`
	Priority    string   `json:"priority"`
	Description string   `json:"description"`
	deadline    time.Time
}

var projects = []project{
	{ID: "p-100", Title: "Harbour bridge", Tags: []string{"steel", "civil"}, Progress: 62, Priority: "high", Description: "Deck and cabling", deadline: time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC)},
	{ID: "p-101", Title: "Library annex", Tags: []string{"timber"}, Progress: 15, Priority: "medium", Description: "Foundations poured", deadline: time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)},
	{ID: "p-102", Title: "Metro depot", Tags: []string{"rail", "civil"}, Progress: 88, Priority: "low", Description: "Fit-out", deadline: time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC)},
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	// Bumped on every request to /index.html so refreshes are visible.
	var build atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body><h1>dashboard shell</h1><p>build %d</p></body></html>\n", build.Add(1))
	})
	mux.HandleFunc("/manifest.webmanifest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		fmt.Fprintln(w, `{"name":"Orchestrator","start_url":"/","display":"standalone"}`)
	})
	mux.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		out := append([]project(nil), projects...)
		if r.URL.Query().Get("sort") == "progress" {
			sort.Slice(out, func(i, j int) bool { return out[i].Progress > out[j].Progress })
		} else {
			sort.Slice(out, func(i, j int) bool { return out[i].deadline.Before(out[j].deadline) })
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("/parts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"_id": "part-1", "project": "p-100", "name": "cable stay", "done": false},
			{"_id": "part-2", "project": "p-102", "name": "signal room", "done": true},
		})
	})
	mux.HandleFunc("/notifications/{userId}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]string{
			{"title": "Deadline approaching", "body": "Metro depot is due " + projects[2].deadline.Format("2 Jan")},
			{"title": "Hello " + r.PathValue("userId"), "body": "You have 2 open parts"},
		})
	})
	mux.HandleFunc("/insights/system", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"summary":     "3 projects in flight, 1 due this month",
			"overloaded":  []map[string]any{{"user_id": "demo-user-id", "active": 6, "capacity": 4}},
			"approaching": []string{"p-102"},
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	log.Printf("demo-origin listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode: %v", err)
	}
}
