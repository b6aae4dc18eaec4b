package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/overseer-dev/overseer/internal/approval"
	"github.com/overseer-dev/overseer/internal/delegation"
	"github.com/overseer-dev/overseer/internal/events"
	"github.com/overseer-dev/overseer/internal/lock"
	"github.com/overseer-dev/overseer/internal/memory"
	"github.com/overseer-dev/overseer/internal/model"
	"github.com/overseer-dev/overseer/internal/notify"
	"github.com/overseer-dev/overseer/internal/planner"
	"github.com/overseer-dev/overseer/internal/session"
	"github.com/overseer-dev/overseer/internal/setup"
	"github.com/overseer-dev/overseer/internal/store"
	"github.com/overseer-dev/overseer/internal/supervisor"
	"github.com/overseer-dev/overseer/internal/verify"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "sessions":
		runSessions(os.Args[2:])
	case "approvals":
		runApprovals(os.Args[2:])
	case "memory":
		runMemory(os.Args[2:])
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("overseer %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	paths, err := setup.Init(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	abs, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s in %s\n", setup.DirName, abs)
	fmt.Printf("Config: %s\n", paths.Config)
}

func runPlan(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: overseer plan <new|show|list|history> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "new":
		runPlanNew(args[1:])
	case "show":
		runPlanShow(args[1:])
	case "list":
		runPlanList(args[1:])
	case "history":
		runPlanHistory(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown plan subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: overseer plan <new|show|list|history> [options]")
		os.Exit(1)
	}
}

// runPlanNew walks the staged Q&A on stdin, generates a draft and, on
// confirmation, persists it as version 1 of an approved plan.
func runPlanNew(args []string) {
	var project, goal string
	auto := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--project requires a value")
				os.Exit(1)
			}
			i++
			project = args[i]
		case "--goal":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--goal requires a value")
				os.Exit(1)
			}
			i++
			goal = args[i]
		case "--auto":
			auto = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: overseer plan new --project <name> --goal <text> [--auto]\n", args[i])
			os.Exit(1)
		}
	}
	if project == "" || goal == "" {
		fmt.Fprintln(os.Stderr, "usage: overseer plan new --project <name> --goal <text> [--auto]")
		os.Exit(1)
	}

	paths, cfg := mustLoad()

	st, err := store.Open(paths.DB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	attachAudit(bus, paths)

	logger := log.New(os.Stderr, "[planner] ", log.LstdFlags)
	drafts := planner.NewWorkerDrafts(cfg.Worker.Command, logger)
	pl := planner.New(st, drafts, bus, logger)

	sess := pl.StartSession(project, goal)
	fmt.Printf("Planning session %s\n", sess.ID)
	fmt.Printf("Goal: %s\n\n", goal)

	reader := bufio.NewReader(os.Stdin)
	for {
		current, err := pl.Session(sess.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "plan new: %v\n", err)
			os.Exit(1)
		}
		pending := current.Pending()
		if len(pending) == 0 {
			break
		}
		q := pending[0]
		fmt.Printf("[%s] %s\n> ", q.Category, q.Question)
		answer, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "read answer: %v\n", err)
			os.Exit(1)
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			answer = "No preference"
		}
		if _, err := pl.ProcessAnswer(sess.ID, q.ID, answer); err != nil {
			fmt.Fprintf(os.Stderr, "plan new: %v\n", err)
			os.Exit(1)
		}
	}

	current, err := pl.Session(sess.ID)
	if err != nil || current.Draft == nil {
		fmt.Fprintln(os.Stderr, "plan new: no draft was generated")
		os.Exit(1)
	}

	fmt.Println("\n--- Draft plan ---")
	fmt.Println(current.Draft.Markdown())

	if !auto {
		fmt.Print("Approve this plan? [y/N] ")
		confirm, _ := reader.ReadString('\n')
		if answer := strings.ToLower(strings.TrimSpace(confirm)); answer != "y" && answer != "yes" {
			pl.EndSession(sess.ID)
			fmt.Println("Discarded.")
			return
		}
	}

	result, err := pl.Approve(sess.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "approve: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Approved plan %s (%d phases, %d tasks)\n", result.PlanID, result.PhaseCount, result.TaskCount)
}

func runPlanShow(args []string) {
	var planID, project string
	planVersion := 0
	jsonOutput := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				os.Exit(1)
			}
			i++
			planID = args[i]
		case "--project":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--project requires a value")
				os.Exit(1)
			}
			i++
			project = args[i]
		case "--version":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--version requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --version value: %s\n", args[i])
				os.Exit(1)
			}
			planVersion = n
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: overseer plan show [--plan <id> | --project <name>] [--version <n>] [--json]\n", args[i])
			os.Exit(1)
		}
	}
	if planID == "" && project == "" {
		fmt.Fprintln(os.Stderr, "usage: overseer plan show [--plan <id> | --project <name>] [--version <n>] [--json]")
		os.Exit(1)
	}

	paths, _ := mustLoad()
	st, err := store.Open(paths.DB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	var plan *model.Plan
	if planID != "" {
		plan, err = st.Get(planID, planVersion)
	} else {
		plan, err = st.GetCurrent(project)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan show: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(plan)
		return
	}
	fmt.Println(plan.Markdown())
	progress := plan.Progress()
	fmt.Printf("Progress: %d/%d tasks (%.0f%%)\n", progress.CompletedTasks, progress.TotalTasks, progress.PercentComplete)
}

func runPlanList(args []string) {
	var project string
	jsonOutput := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--project":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--project requires a value")
				os.Exit(1)
			}
			i++
			project = args[i]
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: overseer plan list [--project <name>] [--json]\n", args[i])
			os.Exit(1)
		}
	}

	paths, _ := mustLoad()
	st, err := store.Open(paths.DB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	plans, err := st.Search(store.SearchFilter{Project: project, CurrentOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan list: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(plans)
		return
	}
	if len(plans) == 0 {
		fmt.Println("No plans.")
		return
	}
	for _, p := range plans {
		progress := p.Progress()
		fmt.Printf("%s  v%d  %-12s  %-20s  %d/%d tasks\n",
			p.ID, p.Version, p.Status, p.Project, progress.CompletedTasks, progress.TotalTasks)
	}
}

func runPlanHistory(args []string) {
	var planID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				os.Exit(1)
			}
			i++
			planID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: overseer plan history --plan <id>\n", args[i])
			os.Exit(1)
		}
	}
	if planID == "" {
		fmt.Fprintln(os.Stderr, "usage: overseer plan history --plan <id>")
		os.Exit(1)
	}

	paths, _ := mustLoad()
	st, err := store.Open(paths.DB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	history, err := st.History(planID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan history: %v\n", err)
		os.Exit(1)
	}
	for _, p := range history {
		marker := " "
		if p.Status == model.PlanStatusApproved || p.Status == model.PlanStatusInProgress {
			marker = "*"
		}
		fmt.Printf("%s v%-3d %-12s updated %s\n", marker, p.Version, p.Status, p.UpdatedAt)
	}
}

// runRun executes a plan: workers are started per task, each task is
// delegated under file locks, the worker is prompted with the built
// context, and the result is verified before it counts as done.
func runRun(args []string) {
	var planID, phaseID string
	parallel := false
	gate := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				os.Exit(1)
			}
			i++
			planID = args[i]
		case "--phase":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--phase requires a value")
				os.Exit(1)
			}
			i++
			phaseID = args[i]
		case "--parallel":
			parallel = true
		case "--gate":
			gate = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: overseer run --plan <id> [--phase <id>] [--parallel] [--gate]\n", args[i])
			os.Exit(1)
		}
	}
	if planID == "" {
		fmt.Fprintln(os.Stderr, "usage: overseer run --plan <id> [--phase <id>] [--parallel] [--gate]")
		os.Exit(1)
	}

	paths, cfg := mustLoad()

	fl := lock.NewFileLock(paths.LockFile)
	if err := fl.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	defer fl.Unlock()

	st, err := store.Open(paths.DB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewBus(64)
	defer bus.Close()
	attachAudit(bus, paths)

	plan, err := st.Get(planID, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch, err := newOrchestrator(ctx, paths, cfg, st, bus, gate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	defer orch.close()

	phases := plan.Phases
	if phaseID != "" {
		phase := plan.FindPhase(phaseID)
		if phase == nil {
			fmt.Fprintf(os.Stderr, "run: phase %s not found in plan %s\n", phaseID, planID)
			os.Exit(1)
		}
		phases = []model.Phase{*phase}
	}

	failed := 0
	for _, phase := range phases {
		if phase.Status == model.TaskStatusCompleted {
			continue
		}
		fmt.Printf("=== Phase %s: %s ===\n", phase.ID, phase.Name)
		n, err := orch.runPhase(ctx, planID, phase.ID, parallel)
		failed += n
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			os.Exit(1)
		}
		if n > 0 && !parallel {
			break
		}
	}

	final, err := st.Get(planID, 0)
	if err == nil {
		progress := final.Progress()
		fmt.Printf("Done: %d/%d tasks complete (%.0f%%)\n", progress.CompletedTasks, progress.TotalTasks, progress.PercentComplete)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d task(s) did not complete\n", failed)
		os.Exit(1)
	}
}

// orchestrator bundles the long-lived pieces of one run.
type orchestrator struct {
	cfg      model.Config
	projects string

	store     *store.Store
	delegator *delegation.Delegator
	sup       *supervisor.Supervisor
	sessions  *session.Manager
	verifier  *verify.Verifier
	journal   *memory.Memory
	logger    *log.Logger
}

func newOrchestrator(ctx context.Context, paths setup.Paths, cfg model.Config, st *store.Store, bus *events.Bus, gate bool) (*orchestrator, error) {
	logger := log.New(os.Stderr, "[overseer] ", log.LstdFlags)

	projectRoot := cfg.Project.Root
	if projectRoot == "" {
		projectRoot = filepath.Dir(paths.Root)
	}

	builder := delegation.NewBuilder(cfg.Context.MaxTokens)
	delegator := delegation.NewDelegator(builder, st, bus)

	sup := supervisor.New(delegator, bus, logger)
	sup.MonitorInterval = time.Duration(cfg.Supervisor.MonitorIntervalSec) * time.Second
	sup.CheckpointInterval = time.Duration(cfg.Supervisor.CheckpointIntervalSec) * time.Second

	if gate {
		inbox, err := approval.NewInbox(paths.Approvals)
		if err != nil {
			return nil, fmt.Errorf("open approval inbox: %w", err)
		}
		sup.OnApproval = func(taskID string, req supervisor.ApprovalRequest) (bool, error) {
			id := fmt.Sprintf("%s-%d", taskID, time.Now().UnixNano())
			submit := approval.Request{
				ID:        id,
				TaskID:    taskID,
				Action:    req.Action,
				Details:   req.Details,
				CreatedAt: time.Now().Format(time.RFC3339),
			}
			if err := inbox.Submit(submit); err != nil {
				return false, err
			}
			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			answer, err := inbox.Await(waitCtx, id)
			if err != nil {
				return false, fmt.Errorf("approval %s unanswered: %w", id, err)
			}
			return answer.Approved, nil
		}
	}

	mgr := session.NewManager(cfg.Sessions, cfg.Worker, st, bus, logger)
	mgr.StartHealthLoop()

	journal, err := memory.Open(paths.Memory)
	if err != nil {
		return nil, fmt.Errorf("open project memory: %w", err)
	}

	return &orchestrator{
		cfg:       cfg,
		projects:  projectRoot,
		store:     st,
		delegator: delegator,
		sup:       sup,
		sessions:  mgr,
		verifier:  verify.NewVerifier(projectRoot, time.Duration(cfg.Verify.TimeoutSec)*time.Second),
		journal:   journal,
		logger:    logger,
	}, nil
}

func (o *orchestrator) close() {
	o.sup.Close()
	if err := o.sessions.Close(); err != nil {
		o.logger.Printf("stop sessions: %v", err)
	}
}

// runPhase executes every pending task of one phase and returns how many
// did not complete. The plan is re-read per task so completions recorded
// by earlier tasks are visible to later ones.
func (o *orchestrator) runPhase(ctx context.Context, planID, phaseID string, parallel bool) (int, error) {
	plan, err := o.store.Get(planID, 0)
	if err != nil {
		return 0, err
	}
	phase := plan.FindPhase(phaseID)
	if phase == nil {
		return 0, fmt.Errorf("phase %s not found", phaseID)
	}

	var pending []model.Task
	for _, t := range phase.Tasks {
		if t.Status == model.TaskStatusPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if !parallel {
		failed := 0
		for _, task := range pending {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			if err := o.runTask(ctx, planID, phaseID, task); err != nil {
				o.logger.Printf("task %s failed: %v", task.ID, err)
				failed++
			}
		}
		return failed, nil
	}

	var mu sync.Mutex
	failed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Sessions.MaxConcurrent)
	for _, task := range pending {
		task := task
		g.Go(func() error {
			if err := o.runTask(gctx, planID, phaseID, task); err != nil {
				o.logger.Printf("task %s failed: %v", task.ID, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed, err
	}
	return failed, nil
}

// runTask delegates one task, drives a worker through it and verifies the
// result. Failures go to the supervisor, which decides between another
// attempt and escalation.
func (o *orchestrator) runTask(ctx context.Context, planID, phaseID string, task model.Task) error {
	for {
		plan, err := o.store.Get(planID, 0)
		if err != nil {
			return err
		}

		del, err := o.delegator.Delegate(plan, phaseID, task, nil, nil)
		if err != nil {
			return err
		}
		fmt.Printf("--> %s: %s\n", task.ID, task.Description)

		attemptErr := o.attempt(ctx, task, del)
		if attemptErr == nil {
			o.sup.Stop(task.ID)
			if err := o.journal.Append(memory.KindNote, fmt.Sprintf("completed %s: %s", task.ID, task.Description)); err != nil {
				o.logger.Printf("memory: %v", err)
			}
			return nil
		}

		canRetry := !isVerifyError(attemptErr)
		if err := o.delegator.MarkFailed(task.ID, attemptErr.Error()); err != nil {
			o.logger.Printf("mark failed %s: %v", task.ID, err)
		}
		decision := o.sup.HandleFailure(task.ID, attemptErr.Error(), canRetry)
		switch decision.Action {
		case supervisor.ActionRetry:
			o.logger.Printf("retrying %s (attempt %d/%d)", task.ID, decision.RetryCount+1, decision.MaxRetries)
			continue
		case supervisor.ActionEscalate:
			return fmt.Errorf("task %s escalated after %d retries: %w", task.ID, decision.RetryCount, attemptErr)
		default:
			return fmt.Errorf("task %s aborted: %w", task.ID, attemptErr)
		}
	}
}

// attempt runs one delegation: a fresh worker session, one prompt, then
// the verification battery.
func (o *orchestrator) attempt(ctx context.Context, task model.Task, del *delegation.Delegation) error {
	sessionID, err := o.sessions.Start(ctx, o.projects, "")
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		if err := o.sessions.Stop(sessionID); err != nil {
			o.logger.Printf("stop session %s: %v", sessionID, err)
		}
	}()

	o.sup.Start(task.ID, sessionID, o.cfg.Supervisor.MaxRetries)
	if err := o.delegator.MarkInProgress(task.ID, sessionID); err != nil {
		return err
	}

	response, err := o.sessions.Prompt(ctx, sessionID, del.Context.Prompt())
	if err != nil {
		return fmt.Errorf("worker prompt: %w", err)
	}

	result := o.verifier.Verify(ctx, verifyChecks(o.cfg, task), task.Files)
	o.sup.SaveCheckpoint(task.ID, map[string]string{
		"verification": result.Summary,
	}, task.Files, firstLine(response))

	if !result.Passed {
		err := fmt.Errorf("verification failed: %s", result.Summary)
		if !result.CanRetry {
			return &verifyError{err}
		}
		return err
	}

	return o.delegator.MarkCompleted(task.ID, result.Summary)
}

// verifyError marks a failure the verifier says is not retryable.
type verifyError struct{ err error }

func (e *verifyError) Error() string { return e.err.Error() }
func (e *verifyError) Unwrap() error { return e.err }

func isVerifyError(err error) bool {
	_, ok := err.(*verifyError)
	return ok
}

func verifyChecks(cfg model.Config, task model.Task) []string {
	if len(task.Verification) > 0 {
		return task.Verification
	}
	return cfg.Verify.Checks
}

func runVerify(args []string) {
	var checks []string
	var custom string
	jsonOutput := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--check":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--check requires a value")
				os.Exit(1)
			}
			i++
			checks = append(checks, args[i])
		case "--custom":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--custom requires a value")
				os.Exit(1)
			}
			i++
			custom = args[i]
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: overseer verify [--check <name>]... [--custom <command>] [--json]\n", args[i])
			os.Exit(1)
		}
	}

	_, cfg := mustLoad()
	projectRoot := cfg.Project.Root
	if projectRoot == "" {
		projectRoot, _ = os.Getwd()
	}
	verifier := verify.NewVerifier(projectRoot, time.Duration(cfg.Verify.TimeoutSec)*time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if custom != "" {
		result := verifier.RunCustom(ctx, custom, "custom")
		if jsonOutput {
			printJSON(result)
		} else {
			fmt.Printf("%-12s %s\n", result.Name, result.Status)
			if result.Output != "" {
				fmt.Println(result.Output)
			}
		}
		if result.Status != verify.CheckPassed {
			os.Exit(1)
		}
		return
	}

	if len(checks) == 0 {
		checks = cfg.Verify.Checks
	}
	result := verifier.Verify(ctx, checks, nil)
	if jsonOutput {
		printJSON(result)
	} else {
		for _, c := range result.Checks {
			fmt.Printf("%-12s %-8s %s\n", c.Name, c.Status, c.Duration.Round(time.Millisecond))
		}
		fmt.Println(result.Summary)
	}
	if !result.Passed {
		os.Exit(1)
	}
}

func runSessions(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: overseer sessions [--json]\n", a)
			os.Exit(1)
		}
	}

	paths, _ := mustLoad()
	st, err := store.Open(paths.DB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	records, err := st.ListSessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessions: %v\n", err)
		os.Exit(1)
	}
	if jsonOutput {
		printJSON(records)
		return
	}
	if len(records) == 0 {
		fmt.Println("No recorded sessions.")
		return
	}
	for _, r := range records {
		fmt.Printf("%-10s %-8s pid=%-7d %-20s %s\n", r.ID, r.State, r.PID, r.ProjectName, r.LastActivity)
	}
}

func runApprovals(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: overseer approvals <list|answer> [options]")
		os.Exit(1)
	}
	paths, _ := mustLoad()
	inbox, err := approval.NewInbox(paths.Approvals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "approvals: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		pending, err := inbox.Pending()
		if err != nil {
			fmt.Fprintf(os.Stderr, "approvals: %v\n", err)
			os.Exit(1)
		}
		if len(pending) == 0 {
			fmt.Println("No pending approvals.")
			return
		}
		for _, r := range pending {
			fmt.Printf("%s  task=%s  %s\n", r.ID, r.TaskID, r.Action)
			if r.Details != "" {
				fmt.Printf("    %s\n", r.Details)
			}
		}
	case "answer":
		var id, comment string
		approved := false
		denied := false
		rest := args[1:]
		for i := 0; i < len(rest); i++ {
			switch rest[i] {
			case "--id":
				if i+1 >= len(rest) {
					fmt.Fprintln(os.Stderr, "--id requires a value")
					os.Exit(1)
				}
				i++
				id = rest[i]
			case "--approve":
				approved = true
			case "--deny":
				denied = true
			case "--comment":
				if i+1 >= len(rest) {
					fmt.Fprintln(os.Stderr, "--comment requires a value")
					os.Exit(1)
				}
				i++
				comment = rest[i]
			default:
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: overseer approvals answer --id <id> (--approve | --deny) [--comment <text>]\n", rest[i])
				os.Exit(1)
			}
		}
		if id == "" || approved == denied {
			fmt.Fprintln(os.Stderr, "usage: overseer approvals answer --id <id> (--approve | --deny) [--comment <text>]")
			os.Exit(1)
		}
		if err := inbox.Answer(approval.Answer{ID: id, Approved: approved, Comment: comment}); err != nil {
			fmt.Fprintf(os.Stderr, "approvals: %v\n", err)
			os.Exit(1)
		}
		verdict := "approved"
		if denied {
			verdict = "denied"
		}
		fmt.Printf("%s %s\n", id, verdict)
	default:
		fmt.Fprintf(os.Stderr, "unknown approvals subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: overseer approvals <list|answer> [options]")
		os.Exit(1)
	}
}

func runMemory(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: overseer memory <add|show> [options]")
		os.Exit(1)
	}
	paths, _ := mustLoad()
	journal, err := memory.Open(paths.Memory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memory: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "add":
		kind := memory.KindNote
		rest := args[1:]
		var text []string
		for i := 0; i < len(rest); i++ {
			switch rest[i] {
			case "--kind":
				if i+1 >= len(rest) {
					fmt.Fprintln(os.Stderr, "--kind requires a value")
					os.Exit(1)
				}
				i++
				switch rest[i] {
				case "decision":
					kind = memory.KindDecision
				case "gotcha":
					kind = memory.KindGotcha
				case "note":
					kind = memory.KindNote
				default:
					fmt.Fprintf(os.Stderr, "unknown kind: %s (decision, gotcha, note)\n", rest[i])
					os.Exit(1)
				}
			default:
				text = append(text, rest[i])
			}
		}
		if len(text) == 0 {
			fmt.Fprintln(os.Stderr, "usage: overseer memory add [--kind <decision|gotcha|note>] <text>")
			os.Exit(1)
		}
		if err := journal.Append(kind, strings.Join(text, " ")); err != nil {
			fmt.Fprintf(os.Stderr, "memory: %v\n", err)
			os.Exit(1)
		}
	case "show":
		content, err := journal.Read()
		if err != nil {
			fmt.Fprintf(os.Stderr, "memory: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(content)
	default:
		fmt.Fprintf(os.Stderr, "unknown memory subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: overseer memory <add|show> [options]")
		os.Exit(1)
	}
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: overseer notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.Send(args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

// attachAudit wires the event bus into the JSONL audit trail. Audit
// failures are not fatal; the run continues without the trail.
func attachAudit(bus *events.Bus, paths setup.Paths) {
	audit, err := events.NewAuditLogger(paths.AuditLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit log disabled: %v\n", err)
		return
	}
	audit.Attach(bus,
		events.EventPlanApproved,
		events.EventDelegated,
		events.EventTaskCompleted,
		events.EventCheckpoint,
		events.EventEscalated,
		events.EventSessionStarted,
		events.EventSessionDied,
	)
}

// findProjectRoot searches for the state directory in the current
// directory and its ancestors.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if setup.IsInitialized(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustLoad() (setup.Paths, model.Config) {
	root := findProjectRoot()
	if root == "" {
		fmt.Fprintf(os.Stderr, "error: %s directory not found. Run 'overseer init' first.\n", setup.DirName)
		os.Exit(1)
	}
	paths := setup.ProjectPaths(root)
	cfg, err := setup.LoadConfig(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return paths, cfg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `overseer %s — plan, delegate and verify agent work

Usage: overseer <command> [options]

Setup:
  init [dir]                 Initialize %s in a project

Planning:
  plan new --project <name> --goal <text> [--auto]
                             Interactive Q&A, draft and approve a plan
  plan show [--plan <id> | --project <name>] [--version <n>] [--json]
  plan list [--project <name>] [--json]
  plan history --plan <id>

Execution:
  run --plan <id> [--phase <id>] [--parallel] [--gate]
                             Execute a plan with worker sessions
  verify [--check <name>]... [--custom <command>] [--json]
                             Run the verification battery in the project

Inspection:
  sessions [--json]          List recorded worker sessions
  approvals list             Show pending approval requests
  approvals answer --id <id> (--approve | --deny) [--comment <text>]
  memory add [--kind <k>] <text>
  memory show

Utilities:
  notify <title> <message>   Desktop notification
  version                    Show version
  help                       Show this help

`, version, setup.DirName)
}
