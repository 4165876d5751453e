package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/protocol"
)

type benchOptions struct {
	baseURL        string
	userID         string
	turns          int
	texts          []string
	pageFile       string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	reset          bool
}

var defaultBenchQuestions = []string{
	"Reply in three words: what is this page about?",
	"Reply in three words: who wrote it?",
	"Reply in three words: main takeaway?",
	"Reply in three words: anything missing?",
}

type turnTiming struct {
	Turn        int
	Status      string
	FirstRender time.Duration
	Done        time.Duration
	Renders     int
	Chars       int
}

var (
	benchOpts     benchOptions
	benchTextsRaw string
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Replay chat turns against a running server and report latency",
	Long: `Create a session on a running server, replay questions through the
streamed chat endpoint and report time to first render and time to done per
turn, followed by the server's own stage latency window.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return benchOpts.normalize(benchTextsRaw)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
		defer cancel()
		return runBench(ctx, &http.Client{Timeout: 2 * time.Minute}, benchOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchOpts.baseURL, "base-url", "http://127.0.0.1:8787", "server base URL")
	f.StringVar(&benchOpts.userID, "user", "perf-replay", "user id for the synthetic session")
	f.IntVar(&benchOpts.turns, "turns", 8, "number of turns to replay")
	f.StringVar(&benchTextsRaw, "texts", "", "questions separated by '|' (optional)")
	f.StringVar(&benchOpts.pageFile, "page", "", "text file loaded as page content before the first turn")
	f.DurationVar(&benchOpts.interTurnDelay, "inter-turn", 200*time.Millisecond, "delay between turns")
	f.DurationVar(&benchOpts.turnTimeout, "turn-timeout", 30*time.Second, "timeout per turn")
	f.BoolVar(&benchOpts.reset, "reset", true, "reset the server latency window before replaying")
}

func (o *benchOptions) normalize(textsRaw string) error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return errors.New("base-url is required")
	}
	if o.turns <= 0 {
		return errors.New("turns must be > 0")
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	if o.interTurnDelay < 0 {
		o.interTurnDelay = 0
	}
	o.texts = nil
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			o.texts = append(o.texts, t)
		}
	}
	if len(o.texts) == 0 {
		if strings.TrimSpace(textsRaw) != "" {
			return errors.New("texts produced no non-empty questions")
		}
		o.texts = append([]string(nil), defaultBenchQuestions...)
	}
	return nil
}

func runBench(ctx context.Context, client *http.Client, opts benchOptions, out io.Writer) error {
	if opts.reset {
		if _, err := fetchLatency(ctx, client, opts.baseURL, true); err != nil {
			return fmt.Errorf("reset latency window: %w", err)
		}
	}
	sessionID, err := createBenchSession(ctx, client, opts)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endBenchSession(context.Background(), client, opts.baseURL, sessionID)
	}()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("bench session=%s turns=%d", sessionID, opts.turns)))

	if opts.pageFile != "" {
		raw, err := os.ReadFile(opts.pageFile)
		if err != nil {
			return fmt.Errorf("read page: %w", err)
		}
		if err := putBenchPage(ctx, client, opts.baseURL, sessionID, string(raw)); err != nil {
			return fmt.Errorf("load page: %w", err)
		}
	}

	timings := make([]turnTiming, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		turnCtx, cancel := context.WithTimeout(ctx, opts.turnTimeout)
		timing, err := replayTurn(turnCtx, client, opts.baseURL, sessionID, text)
		cancel()
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timing.Turn = i + 1
		timings = append(timings, timing)
		fmt.Fprintf(out, "turn %d/%d %s first_render=%s done=%s renders=%d chars=%d\n",
			timing.Turn, opts.turns, timing.Status,
			formatMS(timing.FirstRender), formatMS(timing.Done), timing.Renders, timing.Chars)
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}

	printTimingSummary(out, timings)
	snap, err := fetchLatency(ctx, client, opts.baseURL, false)
	if err != nil {
		fmt.Fprintln(out, errorStyle.Render("server latency window unavailable: "+err.Error()))
		return nil
	}
	printStageSnapshot(out, snap)
	return nil
}

// replayTurn posts one question and reads the event stream until done or error.
func replayTurn(ctx context.Context, client *http.Client, baseURL, sessionID, text string) (turnTiming, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return turnTiming{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL(baseURL, sessionID, "chat"), bytes.NewReader(payload))
	if err != nil {
		return turnTiming{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	started := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return turnTiming{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return turnTiming{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return readTurnEvents(res.Body, started)
}

type benchEvent struct {
	Type   protocol.MessageType `json:"type"`
	Text   string               `json:"text"`
	Status string               `json:"status"`
	Code   string               `json:"code"`
	Detail string               `json:"detail"`
}

func readTurnEvents(body io.Reader, started time.Time) (turnTiming, error) {
	var timing turnTiming
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev benchEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			return timing, fmt.Errorf("decode event: %w", err)
		}
		switch ev.Type {
		case protocol.TypeRender:
			if timing.Renders == 0 {
				timing.FirstRender = time.Since(started)
			}
			timing.Renders++
			timing.Chars = len(ev.Text)
		case protocol.TypeDone:
			timing.Done = time.Since(started)
			timing.Status = ev.Status
			if ev.Text != "" {
				timing.Chars = len(ev.Text)
			}
			return timing, nil
		case protocol.TypeErrorEvent:
			return timing, fmt.Errorf("%s: %s", ev.Code, ev.Detail)
		}
	}
	if err := scanner.Err(); err != nil {
		return timing, err
	}
	return timing, errors.New("stream ended before done")
}

func createBenchSession(ctx context.Context, client *http.Client, opts benchOptions) (string, error) {
	payload, err := json.Marshal(map[string]string{"user_id": opts.userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	body, status, err := doRequest(client, req)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", errors.New("missing session_id in response")
	}
	return out.SessionID, nil
}

func putBenchPage(ctx context.Context, client *http.Client, baseURL, sessionID, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL(baseURL, sessionID, "page"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	body, status, err := doRequest(client, req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

func endBenchSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL(baseURL, sessionID, "end"), nil)
	if err != nil {
		return err
	}
	_, _, err = doRequest(client, req)
	return err
}

func fetchLatency(ctx context.Context, client *http.Client, baseURL string, reset bool) (observability.TurnStageSnapshot, error) {
	target := baseURL + "/v1/perf/latency"
	if reset {
		target += "?reset=1"
	}
	var snap observability.TurnStageSnapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return snap, err
	}
	body, status, err := doRequest(client, req)
	if err != nil {
		return snap, err
	}
	if status != http.StatusOK {
		return snap, fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	err = json.Unmarshal(body, &snap)
	return snap, err
}

func doRequest(client *http.Client, req *http.Request) ([]byte, int, error) {
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return body, res.StatusCode, err
}

func sessionURL(baseURL, sessionID, action string) string {
	return baseURL + "/v1/sessions/" + url.PathEscape(sessionID) + "/" + action
}

func printTimingSummary(out io.Writer, timings []turnTiming) {
	if len(timings) == 0 {
		return
	}
	first := make([]time.Duration, 0, len(timings))
	done := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		if t.Renders > 0 {
			first = append(first, t.FirstRender)
		}
		done = append(done, t.Done)
	}
	fmt.Fprintln(out, headerStyle.Render("client timings"))
	printField(out, "first render p50", formatMS(percentile(first, 0.50)))
	printField(out, "first render p95", formatMS(percentile(first, 0.95)))
	printField(out, "done p50", formatMS(percentile(done, 0.50)))
	printField(out, "done p95", formatMS(percentile(done, 0.95)))
}

func printStageSnapshot(out io.Writer, snap observability.TurnStageSnapshot) {
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("server stages (window %d)", snap.WindowSize)))
	for _, st := range snap.Stages {
		line := fmt.Sprintf("n=%d p50=%.0fms p95=%.0fms", st.Samples, st.P50MS, st.P95MS)
		if st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS {
			line = errorStyle.Render(line + fmt.Sprintf(" (target %.0fms)", st.TargetP95MS))
		} else if st.TargetP95MS > 0 {
			line = successStyle.Render(line)
		}
		printField(out, st.Stage, line)
	}
	for _, ind := range snap.Indicators {
		printField(out, ind.Name, fmt.Sprintf("%d", ind.Count))
	}
}

// percentile uses nearest rank over a sorted copy.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted)) + 0.5)
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}

func formatMS(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
