package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rmax-ai/crmseed/pkg/api"
	"github.com/rmax-ai/crmseed/pkg/client"
	"github.com/rmax-ai/crmseed/pkg/engine"
	"github.com/rmax-ai/crmseed/pkg/replay"
	"github.com/rmax-ai/crmseed/pkg/store"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage: crmseed [-addr URL] [-token TOKEN] [-json] <command> [args]

Commands:
  run create -f spec.yaml [-start]
  run get <id>
  run list [-status queued,running] [-limit N]
  run start <id>
  run abort <id>
  run override <id> -f spec.yaml
  run reset-claims <id>
  run schedule <id> [-limit N]
  run preview -f spec.yaml [-limit N]
  dlq list [-run ID] [-category auth,timeout] [-all] [-limit N]
  replay <run-id> [-category ...] [-ids a,b] [-strategy oldest|newest|random] [-limit N] [-full-retry] [-seed N] [-confirm]
  audits [-run ID] [-limit N]
  report <dlq|replays> [-run ID] [-since 24h]
  health
  version
`

// cli carries the global flags into every command.
type cli struct {
	client *client.Client
	out    io.Writer
	json   bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		var apiErr *client.Error
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "Error: %s (%s)\n", apiErr.Code, apiErr.Reason)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("crmseed", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	addr := fs.String("addr", envOr("CRMSEED_URL", "http://127.0.0.1:8090"), "daemon URL")
	token := fs.String("token", os.Getenv("CRMSEED_TOKEN"), "operator bearer token")
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	c := &cli{
		client: client.NewClient(*addr, client.Options{Token: *token, Retries: 2}),
		out:    out,
		json:   *asJSON,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch rest[0] {
	case "run":
		if len(rest) < 2 {
			return errors.New("usage: crmseed run <create|get|list|start|abort|override|reset-claims|schedule|preview>")
		}
		return c.runCommand(ctx, rest[1], rest[2:])
	case "dlq":
		if len(rest) < 2 || rest[1] != "list" {
			return errors.New("usage: crmseed dlq list [flags]")
		}
		return c.dlqList(ctx, rest[2:])
	case "replay":
		return c.replay(ctx, rest[1:])
	case "audits":
		return c.audits(ctx, rest[1:])
	case "report":
		return c.report(ctx, rest[1:])
	case "health":
		h, err := c.client.Health(ctx)
		if h.Status != "" {
			c.print(h, func(w io.Writer) { fmt.Fprintf(w, "status: %s\nleader: %t\nepoch: %d\n", h.Status, h.Leader, h.Epoch) })
		}
		return err
	case "version":
		fmt.Fprintf(out, "crmseed %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return nil
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", rest[0])
}

func (c *cli) runCommand(ctx context.Context, sub string, args []string) error {
	switch sub {
	case "create":
		fs := flag.NewFlagSet("run create", flag.ContinueOnError)
		file := fs.String("f", "", "run spec YAML")
		start := fs.Bool("start", false, "start right after creation")
		if err := fs.Parse(args); err != nil {
			return err
		}
		req, err := requestFromFile(*file)
		if err != nil {
			return err
		}
		req.StartNow = *start
		resp, err := c.client.CreateRun(ctx, req)
		if err != nil {
			return err
		}
		c.printRun(resp)
		return nil

	case "get", "start", "abort", "reset-claims":
		id, err := oneArg(sub, args)
		if err != nil {
			return err
		}
		if sub == "reset-claims" {
			n, err := c.client.ResetClaims(ctx, id)
			if err != nil {
				return err
			}
			c.print(api.ResetClaimsResponse{RunID: id, Released: n}, func(w io.Writer) { fmt.Fprintf(w, "released %d claims of run %s\n", n, id) })
			return nil
		}
		var resp *api.RunResponse
		switch sub {
		case "get":
			resp, err = c.client.GetRun(ctx, id)
		case "start":
			resp, err = c.client.StartRun(ctx, id)
		case "abort":
			resp, err = c.client.AbortRun(ctx, id)
		}
		if err != nil {
			return err
		}
		c.printRun(resp)
		return nil

	case "list":
		fs := flag.NewFlagSet("run list", flag.ContinueOnError)
		status := fs.String("status", "", "comma-separated statuses")
		limit := fs.Int("limit", 50, "maximum runs")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var statuses []store.RunStatus
		for _, s := range splitList(*status) {
			statuses = append(statuses, store.RunStatus(s))
		}
		runs, err := c.client.ListRuns(ctx, *limit, statuses...)
		if err != nil {
			return err
		}
		c.print(runs, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tVERSION\tSHAPE\tSUCCEEDED\tSKIPPED\tDEAD\tTOTAL")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\n", r.ID, r.Status, r.OverrideVersion, r.Config.Shape, r.Succeeded, r.Skipped, r.Dead, r.TotalItems)
			}
			tw.Flush()
		})
		return nil

	case "override":
		if len(args) < 1 {
			return errors.New("usage: crmseed run override <id> -f spec.yaml")
		}
		id := args[0]
		fs := flag.NewFlagSet("run override", flag.ContinueOnError)
		file := fs.String("f", "", "run spec YAML with the fields to change")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		req, err := requestFromFile(*file)
		if err != nil {
			return err
		}
		resp, err := c.client.OverrideRun(ctx, id, req)
		if err != nil {
			return err
		}
		c.printRun(resp)
		return nil

	case "schedule":
		if len(args) < 1 {
			return errors.New("usage: crmseed run schedule <id> [-limit N]")
		}
		id := args[0]
		fs := flag.NewFlagSet("run schedule", flag.ContinueOnError)
		limit := fs.Int("limit", 20, "maximum items")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		sched, err := c.client.Schedule(ctx, id, *limit)
		if err != nil {
			return err
		}
		c.print(sched, func(w io.Writer) { writeSchedule(w, sched) })
		return nil

	case "preview":
		fs := flag.NewFlagSet("run preview", flag.ContinueOnError)
		file := fs.String("f", "", "run spec YAML")
		limit := fs.Int("limit", 20, "maximum items")
		if err := fs.Parse(args); err != nil {
			return err
		}
		sched, err := preview(*file, *limit)
		if err != nil {
			return err
		}
		c.print(sched, func(w io.Writer) { writeSchedule(w, sched) })
		return nil
	}
	return fmt.Errorf("unknown run command %q", sub)
}

func (c *cli) dlqList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dlq list", flag.ContinueOnError)
	runID := fs.String("run", "", "run ID")
	category := fs.String("category", "", "comma-separated failure categories")
	all := fs.Bool("all", false, "include replayed entries")
	limit := fs.Int("limit", 100, "maximum entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := c.client.ListDLQ(ctx, client.DLQOptions{
		RunID:           *runID,
		Categories:      splitList(*category),
		IncludeReplayed: *all,
		Limit:           *limit,
	})
	if err != nil {
		return err
	}
	c.print(entries, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tRUN\tSEQ\tKIND\tCATEGORY\tRETRIES\tREPLAYED\tERROR")
		for _, e := range entries {
			replayed := "-"
			if e.ReplayedAt != nil {
				replayed = e.ReplayedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n", e.ID, e.RunID, e.Sequence, e.Payload.Kind, e.Category, e.RetryCount, replayed, e.LastError)
		}
		tw.Flush()
	})
	return nil
}

func (c *cli) replay(ctx context.Context, args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: crmseed replay <run-id> [flags]")
	}
	req := replay.Request{RunID: args[0]}
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	category := fs.String("category", "", "comma-separated failure categories")
	ids := fs.String("ids", "", "comma-separated dead letter IDs")
	fs.StringVar(&req.Strategy, "strategy", "", "oldest, newest or random")
	fs.IntVar(&req.Limit, "limit", 0, "maximum entries (0 means all)")
	fs.BoolVar(&req.UseFullRetry, "full-retry", false, "give replayed items the run's full retry budget")
	seed := fs.Int64("seed", 0, "seed for the random strategy")
	confirm := fs.Bool("confirm", false, "re-inject; without it the replay is a dry run")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	req.Categories = splitList(*category)
	req.JobIDs = splitList(*ids)
	req.DryRun = !*confirm
	req.Meta = map[string]any{"source": "cli"}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			req.Seed = seed
		}
	})

	audit, err := c.client.Replay(ctx, req)
	if err != nil {
		return err
	}
	c.print(audit, func(w io.Writer) {
		verb := "replayed"
		if audit.DryRun {
			verb = "would replay"
		}
		fmt.Fprintf(w, "%s %d of %d candidates (selected %d, strategy %s, audit %s)\n",
			verb, audit.ReplayedCount, audit.CandidateCount, audit.SelectedCount, audit.Strategy, audit.ID)
		if audit.DryRun {
			fmt.Fprintln(w, "re-run with -confirm to re-inject")
		}
	})
	return nil
}

func (c *cli) audits(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audits", flag.ContinueOnError)
	runID := fs.String("run", "", "run ID")
	limit := fs.Int("limit", 50, "maximum audits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	audits, err := c.client.ListReplays(ctx, *runID, *limit)
	if err != nil {
		return err
	}
	c.print(audits, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tRUN\tWHEN\tACTOR\tDRY RUN\tSTRATEGY\tCANDIDATES\tREPLAYED")
		for _, a := range audits {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%d\t%d\n", a.ID, a.RunID, a.CreatedAt.Format(time.RFC3339), a.Actor, a.DryRun, a.Strategy, a.CandidateCount, a.ReplayedCount)
		}
		tw.Flush()
	})
	return nil
}

func (c *cli) report(ctx context.Context, args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: crmseed report <dlq|replays> [flags]")
	}
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	runID := fs.String("run", "", "run ID")
	since := fs.Duration("since", 0, "only rows newer than this")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	var from time.Time
	if *since > 0 {
		from = time.Now().Add(-*since)
	}
	data, err := c.client.Report(ctx, args[0], *runID, from)
	if err != nil {
		return err
	}
	_, err = c.out.Write(data)
	return err
}

func (c *cli) print(v any, text func(io.Writer)) {
	if c.json {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	text(c.out)
}

func (c *cli) printRun(r *api.RunResponse) {
	c.print(r, func(w io.Writer) {
		fmt.Fprintf(w, "run %s\n", r.ID)
		fmt.Fprintf(w, "  owner:     %s\n", r.Owner)
		fmt.Fprintf(w, "  status:    %s (version %d)\n", r.Status, r.OverrideVersion)
		fmt.Fprintf(w, "  window:    %s, %s from %s\n", r.Config.Shape, r.Config.Duration, r.Config.Start.Format(time.RFC3339))
		fmt.Fprintf(w, "  progress:  %d/%d processed, %d succeeded, %d skipped, %d dead\n",
			r.ProcessedItems, r.TotalItems, r.Succeeded, r.Skipped, r.Dead)
		fmt.Fprintf(w, "  dlq:       %d pending\n", r.DLQPending)
		if r.Live != nil {
			fmt.Fprintf(w, "  live:      %d in flight, %d queued\n", r.Live.InFlight, r.Live.Pending)
		}
	})
}

func writeSchedule(w io.Writer, s *api.ScheduleResponse) {
	fmt.Fprintf(w, "%d items, showing %d\n", s.Total, len(s.Items))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tKIND")
	for _, it := range s.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", it.Sequence, it.ScheduledAt.Format(time.RFC3339Nano), it.Kind)
	}
	tw.Flush()
}

// preview schedules a spec locally without contacting the daemon.
func preview(path string, limit int) (*api.ScheduleResponse, error) {
	spec, err := loadSpec(path)
	if err != nil {
		return nil, err
	}
	cfg, err := spec.Config()
	if err != nil {
		return nil, err
	}
	items, err := engine.Items(&store.Run{ID: "preview", OverrideVersion: 1, Config: cfg})
	if err != nil {
		return nil, err
	}
	resp := &api.ScheduleResponse{RunID: "preview", OverrideVersion: 1, Total: len(items)}
	for i, it := range items {
		if limit > 0 && i >= limit {
			break
		}
		resp.Items = append(resp.Items, api.ScheduleItem{Sequence: it.Sequence, ScheduledAt: it.ScheduledAt, Kind: it.Payload.Kind})
	}
	return resp, nil
}

func loadSpec(path string) (*engine.RunSpec, error) {
	if path == "" {
		return nil, errors.New("-f is required")
	}
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		return engine.ParseRunSpec(data)
	}
	return engine.LoadRunSpec(path)
}

func requestFromFile(path string) (api.RunRequest, error) {
	spec, err := loadSpec(path)
	if err != nil {
		return api.RunRequest{}, err
	}
	req := api.RunRequest{
		Owner:       spec.Owner,
		Shape:       spec.Shape,
		Total:       spec.Total,
		Start:       spec.Start,
		JitterPct:   spec.JitterPct,
		Seed:        spec.Seed,
		Mix:         spec.Mix,
		Credential:  spec.Credential,
		Concurrency: spec.Concurrency,
		MaxRetries:  spec.MaxRetries,
	}
	if spec.Duration > 0 {
		req.Duration = spec.Duration.String()
	}
	return req, nil
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: crmseed run %s <id>", cmd)
	}
	return args[0], nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
