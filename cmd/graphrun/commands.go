package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"

	"github.com/rendis/graphrun/internal/diagram"
	"github.com/rendis/graphrun/internal/engine"
	"github.com/rendis/graphrun/internal/graph"
	"github.com/rendis/graphrun/internal/logging"
	"github.com/rendis/graphrun/internal/runner"
	"github.com/rendis/graphrun/internal/scheduler"
	"github.com/rendis/graphrun/internal/webhook"
	"github.com/rendis/graphrun/pkg/schema"
)

// parseArgs parses flags that may appear before or after positional
// arguments and returns the positionals.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return pos, nil
		}
		pos = append(pos, rest[0])
		args = rest[1:]
	}
}

// parseInputs decodes a JSON object given inline or as @file.
func parseInputs(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "@") {
		data, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, fmt.Errorf("read inputs: %w", err)
		}
		s = string(data)
	}
	var m map[string]any
	if err := sonic.UnmarshalString(s, &m); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object: %w", err)
	}
	return m, nil
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

func setup() (*app, int) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fail(err)
	}
	a, err := openApp(context.Background(), cfg)
	if err != nil {
		return nil, fail(err)
	}
	return a, 0
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	inputsFlag := fs.String("inputs", "", "run inputs as a JSON object, or @file")
	user := fs.String("user", defaultUser(), "user that owns the run")
	workflow := fs.String("workflow", "", "workflow id (default: graph file name)")
	diagramOut := fs.String("diagram", "", "write a Mermaid diagram of the run to this file")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "run: expected exactly one graph file")
		return 2
	}

	gcfg, err := graph.ReadFile(pos[0])
	if err != nil {
		return fail(err)
	}
	inputs, err := parseInputs(*inputsFlag)
	if err != nil {
		return fail(err)
	}
	if *workflow == "" {
		*workflow = strings.TrimSuffix(filepath.Base(pos[0]), filepath.Ext(pos[0]))
	}

	a, code := setup()
	if a == nil {
		return code
	}
	defer a.close(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := a.svc.Run(ctx, runner.RunRequest{
		Graph:  gcfg,
		Inputs: inputs,
		Exec: runner.ExecutionContext{
			UserID:     *user,
			WorkflowID: *workflow,
			InvokeFrom: "cli",
		},
	})
	if err != nil {
		return fail(err)
	}
	events := a.follow(ctx, runID, *user)
	if *diagramOut != "" {
		if err := writeRunDiagram(*diagramOut, gcfg, *workflow, events); err != nil {
			return fail(err)
		}
	}
	return a.exitCode(runID)
}

func runResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	action := fs.String("action", "", "human-input action to take")
	inputsFlag := fs.String("inputs", "", "form values as a JSON object, or @file")
	user := fs.String("user", defaultUser(), "user that owns the run")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 2 {
		fmt.Fprintln(os.Stderr, "resume: expected <run-id> <form-id>")
		return 2
	}
	inputs, err := parseInputs(*inputsFlag)
	if err != nil {
		return fail(err)
	}

	a, code := setup()
	if a == nil {
		return code
	}
	defer a.close(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := a.svc.Resume(ctx, pos[0], schema.ResumePayload{
		FormID: pos[1],
		Action: *action,
		Inputs: inputs,
	})
	if err != nil {
		return fail(err)
	}
	if runID == "" {
		fmt.Fprintf(os.Stderr, "run %s is not paused\n", pos[0])
		return 0
	}
	a.follow(ctx, runID, *user)
	return a.exitCode(runID)
}

func runSweep(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	if _, err := parseArgs(fs, args); err != nil {
		return 2
	}
	a, code := setup()
	if a == nil {
		return code
	}
	defer a.close(context.Background())

	sw := scheduler.NewSweeper(a.repo, a.svc, a.logger, scheduler.WithSchedule(a.cfg.SweepSchedule))
	n, err := sw.Sweep(context.Background())
	a.svc.Wait()
	if err != nil {
		return fail(err)
	}
	fmt.Printf("expired %d paused run(s)\n", n)
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":4200", "listen address for webhook callbacks")
	prefix := fs.String("prefix", "/hooks", "route prefix of the callback URLs")
	if _, err := parseArgs(fs, args); err != nil {
		return 2
	}
	a, code := setup()
	if a == nil {
		return code
	}
	defer a.close(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &watcher{svc: a.svc, logger: a.logger}
	sw := scheduler.NewSweeper(a.repo, w, a.logger, scheduler.WithSchedule(a.cfg.SweepSchedule))
	if err := sw.Start(ctx); err != nil {
		return fail(err)
	}
	defer func() { _ = sw.Stop() }()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           webhook.Handler(w, *prefix, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("serving webhook callbacks", slog.String("addr", *addr), slog.String("prefix", *prefix))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fail(err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return 0
}

func runDiagram(args []string) int {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	format := fs.String("format", "mermaid", "output format: mermaid, png or svg")
	out := fs.String("o", "", "output file (default: stdout)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "diagram: expected exactly one graph file")
		return 2
	}
	gcfg, err := graph.ReadFile(pos[0])
	if err != nil {
		return fail(err)
	}
	g, err := graph.Parse(gcfg)
	if err != nil {
		return fail(err)
	}
	m := diagram.Build(g, strings.TrimSuffix(filepath.Base(pos[0]), filepath.Ext(pos[0])), nil)

	var data []byte
	if *format == "mermaid" {
		data = []byte(diagram.RenderMermaid(m))
	} else {
		data, err = diagram.RenderImage(context.Background(), m, diagram.ImageFormat(*format))
		if err != nil {
			return fail(err)
		}
	}
	if *out == "" {
		_, _ = os.Stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fail(err)
	}
	return 0
}

// follow prints a run's events as JSON lines until the stream ends. An
// interrupt asks the run to stop instead of abandoning it.
func (a *app) follow(ctx context.Context, runID, user string) []schema.Event {
	events, err := a.svc.Subscribe(context.Background(), runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return nil
	}
	enc := sonic.ConfigDefault.NewEncoder(os.Stdout)
	var seen []schema.Event
	interrupted := ctx.Done()
loop:
	for {
		select {
		case <-interrupted:
			interrupted = nil
			if err := a.svc.RequestStop(context.Background(), runID, user); err != nil {
				a.logger.Warn("stop request rejected", slog.String("run_id", runID), slog.String("error", err.Error()))
			}
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if ev.Type == schema.EventPing {
				continue
			}
			seen = append(seen, ev)
			if err := enc.Encode(ev); err != nil {
				a.logger.Warn("write event", slog.String("error", err.Error()))
			}
		}
	}
	a.svc.Wait()
	return seen
}

func (a *app) exitCode(runID string) int {
	out, ok := a.svc.Outcome(runID)
	if !ok {
		return 1
	}
	switch out.Status {
	case engine.OutcomeSucceeded:
		return 0
	case engine.OutcomePaused:
		for _, p := range out.Pauses {
			fmt.Fprintf(os.Stderr, "paused at %s: graphrun resume %s %s\n", p.NodeID, runID, p.FormID)
		}
		return 0
	case engine.OutcomeStopped:
		return 130
	default:
		return 1
	}
}

func writeRunDiagram(path string, gcfg schema.GraphConfig, title string, events []schema.Event) error {
	g, err := graph.Parse(gcfg)
	if err != nil {
		return err
	}
	m := diagram.Build(g, title, diagram.FromEvents(events))
	return os.WriteFile(path, []byte(diagram.RenderMermaid(m)), 0o644)
}

// watcher resumes runs for the webhook handler and the sweeper, then logs
// each resumed run until it ends, since no terminal is attached in serve mode.
type watcher struct {
	svc    *runner.Service
	logger *slog.Logger
}

func (w *watcher) ResumeForm(ctx context.Context, payload schema.ResumePayload) (string, error) {
	runID, err := w.svc.ResumeForm(ctx, payload)
	if err == nil {
		w.watch(runID)
	}
	return runID, err
}

func (w *watcher) Resume(ctx context.Context, runID string, payload schema.ResumePayload) (string, error) {
	resumed, err := w.svc.Resume(ctx, runID, payload)
	if err == nil && resumed != "" {
		w.watch(resumed)
	}
	return resumed, err
}

func (w *watcher) watch(runID string) {
	events, err := w.svc.Subscribe(context.Background(), runID)
	if err != nil {
		return
	}
	go func() {
		ctx := logging.WithRunID(context.Background(), runID)
		for ev := range events {
			switch {
			case ev.Type == schema.EventNodeFailed && ev.Error != nil:
				w.logger.WarnContext(ctx, "node failed",
					slog.String("node_id", ev.NodeID),
					slog.String("error", ev.Error.Error()),
				)
			case ev.Type == schema.EventPaused && ev.Pause != nil:
				w.logger.InfoContext(ctx, "run paused", slog.String("form_id", ev.Pause.FormID))
			case ev.Type.IsTerminal():
				w.logger.InfoContext(ctx, "run ended", slog.String("status", string(ev.Type)))
			}
		}
	}()
}
