// Package dashboard reads the project dashboard backend. Every read is best
// effort: transport failures, non-2xx statuses and malformed bodies yield
// an empty result and a warning, never an error.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"offlinegate/internal/logging"
)

type Sort string

const (
	SortDeadline Sort = "deadline"
	SortProgress Sort = "progress"
)

// ParseSort maps unknown values to SortDeadline.
func ParseSort(s string) Sort {
	switch Sort(strings.ToLower(strings.TrimSpace(s))) {
	case SortProgress:
		return SortProgress
	default:
		return SortDeadline
	}
}

// Text decodes a JSON string, number or boolean as its text. Null decodes
// as the empty string.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	if string(b) == "true" || string(b) == "false" {
		*t = Text(b)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("dashboard: cannot decode %s as text", b)
	}
	*t = Text(b)
	return nil
}

type Project struct {
	ID          Text     `json:"_id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	Tags        []string `json:"tags" yaml:"tags"`
	Progress    float64  `json:"progress" yaml:"progress"`
	Priority    Text     `json:"priority" yaml:"priority"`
	Description string   `json:"description" yaml:"description"`
}

type Notification struct {
	Title string `json:"title" yaml:"title"`
	Body  string `json:"body" yaml:"body"`
}

type UserLoad struct {
	UserID   Text   `json:"user_id" yaml:"userId"`
	Active   int    `json:"active" yaml:"active"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}

type Insights struct {
	Summary     string     `json:"summary" yaml:"summary"`
	Overloaded  []UserLoad `json:"overloaded" yaml:"overloaded"`
	Approaching []Text     `json:"approaching" yaml:"approaching"`
}

// Snapshot is everything the dashboard shows at once.
type Snapshot struct {
	Projects      []Project         `json:"projects" yaml:"projects"`
	Parts         []json.RawMessage `json:"parts" yaml:"-"`
	Notifications []Notification    `json:"notifications" yaml:"notifications"`
	Insights      Insights          `json:"insights" yaml:"insights"`
}

type Client struct {
	base   *url.URL
	http   *http.Client
	logger logging.Logger
}

func NewClient(base string, hc *http.Client, logger logging.Logger) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse backend url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", base)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Client{base: u, http: hc, logger: logger}, nil
}

func (c *Client) Projects(ctx context.Context, sort Sort) []Project {
	var out []Project
	if !c.getJSON(ctx, "/projects", url.Values{"sort": {string(sort)}}, &out) {
		return []Project{}
	}
	return nonNil(out)
}

// Parts is returned undecoded; the backend does not fix its shape.
func (c *Client) Parts(ctx context.Context) []json.RawMessage {
	var out []json.RawMessage
	if !c.getJSON(ctx, "/parts", nil, &out) {
		return []json.RawMessage{}
	}
	return nonNil(out)
}

func (c *Client) Notifications(ctx context.Context, userID string) []Notification {
	var out []Notification
	if !c.getJSON(ctx, "/notifications/"+url.PathEscape(userID), nil, &out) {
		return []Notification{}
	}
	return nonNil(out)
}

func (c *Client) Insights(ctx context.Context) Insights {
	var out Insights
	if !c.getJSON(ctx, "/insights/system", nil, &out) {
		return Insights{Overloaded: []UserLoad{}, Approaching: []Text{}}
	}
	out.Overloaded = nonNil(out.Overloaded)
	out.Approaching = nonNil(out.Approaching)
	return out
}

// Snapshot reads all four endpoints concurrently.
func (c *Client) Snapshot(ctx context.Context, sort Sort, userID string) Snapshot {
	var s Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.Projects = c.Projects(gctx, sort); return nil })
	g.Go(func() error { s.Parts = c.Parts(gctx); return nil })
	g.Go(func() error { s.Notifications = c.Notifications(gctx, userID); return nil })
	g.Go(func() error { s.Insights = c.Insights(gctx); return nil })
	_ = g.Wait()
	return s
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dst any) bool {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + path
	u.RawQuery = query.Encode()

	log := c.logger.With("url", u.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		log.Warn("build backend request", "error", err)
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn("backend request failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		log.Warn("backend returned non-2xx", "status", resp.StatusCode)
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		log.Warn("decode backend response", "error", err)
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// FilterProjects keeps projects whose title or any tag contains query,
// ignoring case. The query is not trimmed. An empty query keeps everything.
func FilterProjects(projects []Project, query string) []Project {
	q := strings.ToLower(query)
	out := make([]Project, 0, len(projects))
	for _, p := range projects {
		if q == "" || matches(p, q) {
			out = append(out, p)
		}
	}
	return out
}

func matches(p Project, q string) bool {
	if strings.Contains(strings.ToLower(p.Title), q) {
		return true
	}
	for _, t := range p.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}
