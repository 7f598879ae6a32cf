package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/whep-bench/whepbench/internal/bench"
)

type Quantiles struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

type Reason struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Summary is the end-of-run report.
type Summary struct {
	RunID     string     `json:"runId"`
	Target    string     `json:"target"`
	Plan      bench.Plan `json:"plan"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   time.Time  `json:"endedAt"`
	Duration  string     `json:"duration"`

	Sessions    int            `json:"sessions"`
	Connected   int            `json:"connected"`
	ConnectRate float64        `json:"connectRatePct"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	Active      int            `json:"active"`
	Failures    map[string]int `json:"failures,omitempty"`
	TopReasons  []Reason       `json:"topReasons,omitempty"`

	ConnectMs Quantiles `json:"timeToConnectMs"`
	RecvKbps  Quantiles `json:"recvKbps"`
	SendKbps  Quantiles `json:"sendKbps"`
	RttMs     Quantiles `json:"rttMs"`
	LossPct   Quantiles `json:"lossPct"`
}

// Markdown renders the summary as a Markdown document.
func (s Summary) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# whep-bench report\n\n")
	fmt.Fprintf(&b, "Run `%s` against `%s`\n\n", s.RunID, s.Target)
	fmt.Fprintf(&b, "Plan: %d sessions, %s apart (ramp %s), %s lifetime. Ran for %s.\n\n",
		s.Plan.Count, s.Plan.Interval, s.Plan.RampDuration(), s.Plan.Lifetime, s.Duration)

	b.WriteString("## Sessions\n\n")
	b.WriteString("| started | connected | connect rate | completed | failed | active |\n")
	b.WriteString("|---:|---:|---:|---:|---:|---:|\n")
	fmt.Fprintf(&b, "| %d | %d | %.1f%% | %d | %d | %d |\n\n",
		s.Sessions, s.Connected, s.ConnectRate, s.Completed, s.Failed, s.Active)

	b.WriteString("## Measurements\n\n")
	b.WriteString("| metric | samples | mean | p50 | p90 | p99 | max |\n")
	b.WriteString("|---|---:|---:|---:|---:|---:|---:|\n")
	writeRow(&b, "time to connect (ms)", s.ConnectMs)
	writeRow(&b, "recv (kbps)", s.RecvKbps)
	writeRow(&b, "send (kbps)", s.SendKbps)
	writeRow(&b, "rtt (ms)", s.RttMs)
	writeRow(&b, "loss (%)", s.LossPct)
	b.WriteString("\n")

	if len(s.Failures) > 0 {
		b.WriteString("## Failures\n\n")
		classes := make([]string, 0, len(s.Failures))
		for c := range s.Failures {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		for _, c := range classes {
			fmt.Fprintf(&b, "- **%s**: %d\n", c, s.Failures[c])
		}
		b.WriteString("\n")
		for _, r := range s.TopReasons {
			fmt.Fprintf(&b, "- %d× `%s`\n", r.Count, r.Message)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeRow(b *strings.Builder, name string, q Quantiles) {
	if q.Count == 0 {
		fmt.Fprintf(b, "| %s | 0 | - | - | - | - | - |\n", name)
		return
	}
	fmt.Fprintf(b, "| %s | %d | %.1f | %.1f | %.1f | %.1f | %.1f |\n",
		name, q.Count, q.Mean, q.P50, q.P90, q.P99, q.Max)
}

// Render formats the Markdown report for a terminal. An empty style picks
// one based on the terminal background.
func (s Summary) Render(style string, width int) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	return r.Render(s.Markdown())
}

// WriteJSON writes the summary to path, replacing any existing file.
func (s Summary) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
