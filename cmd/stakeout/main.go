package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stakeout-mail/stakeout/internal/config"
	"github.com/stakeout-mail/stakeout/internal/email"
	"github.com/stakeout-mail/stakeout/internal/engine"
	"github.com/stakeout-mail/stakeout/internal/llm"
	"github.com/stakeout-mail/stakeout/internal/notify"
	"github.com/stakeout-mail/stakeout/internal/scenario"
	"github.com/stakeout-mail/stakeout/internal/schedule"
	"github.com/stakeout-mail/stakeout/internal/store"
	"github.com/stakeout-mail/stakeout/internal/web"
)

var cfgFile string

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "stakeout",
		Short: "Stakeout - Automated sting email conversations",
		Long: `Stakeout runs buyer-persona email conversations against project
mailboxes. Inbound replies are scored against per-project keyword
weights, checked against scenario criteria, and answered automatically
with delayed, human-paced replies until a thread crosses the escalation
threshold and is handed over to operators.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stakeout/config.yaml)")

	// Add commands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(addProjectCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(threadsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(unarchiveCmd())
	rootCmd.AddCommand(manualCmd())
	rootCmd.AddCommand(resumeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with LLM credentials and operator notification settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func addProjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-project",
		Short: "Register a project mailbox interactively",
		Long:  "Add a project: mailbox credentials, persona, keyword weights, thresholds and scenario criteria.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAddProject()
		},
	}
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List configured projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjects()
		},
	}
}

func threadsCmd() *cobra.Command {
	var project string
	var state string

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List conversation threads for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreads(project, state)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project mailbox address (required)")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (automated/manual/archive)")
	cmd.MarkFlagRequired("project")

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show thread counts per project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func pollCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run a single polling cycle",
		Long:  "Fetch recent inbound mail for every project (or one project), score it and act on it once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(project)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "poll only this project mailbox")

	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the polling loop and operator API",
		Long:  "Start the background mail poller together with the local operator HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8820, "port for the operator API")

	return cmd
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <thread-id>",
		Short: "Archive a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetState(args[0], store.StateArchive)
		},
	}
}

func unarchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unarchive <thread-id>",
		Short: "Return an archived thread to automated handling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetState(args[0], store.StateAutomated)
		},
		Args: cobra.ExactArgs(1),
	}
}

func manualCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manual <thread-id>",
		Short: "Switch a thread to manual operator handling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetState(args[0], store.StateManual)
		},
	}
}

func resumeCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "resume <thread-id>",
		Short: "Return a manual thread to automated handling",
		Long:  "Reset the thread score below the escalation band and schedule a reply to the latest inbound message.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(project, args[0])
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project mailbox address (required)")
	cmd.MarkFlagRequired("project")

	return cmd
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("🕵️  Stakeout Configuration Setup")
	fmt.Println("================================")
	fmt.Println()

	cfg := &config.Config{}

	fmt.Println("🤖 Completion Service")
	fmt.Println()
	cfg.LLM.APIKey = prompt(reader, "API key: ")
	model := prompt(reader, "Model [gpt-4o-mini]: ")
	if model != "" {
		cfg.LLM.Model = model
	}
	cfg.LLM.BaseURL = prompt(reader, "Base URL override (optional): ")

	fmt.Println()
	fmt.Println("📣 Operator Notifications")
	fmt.Println()

	provider := prompt(reader, "Provider (smtp/sendgrid/resend) [smtp]: ")
	if provider == "" {
		provider = "smtp"
	}
	cfg.Notify.Provider = provider
	cfg.Notify.From = prompt(reader, "From address: ")

	switch provider {
	case "sendgrid":
		cfg.Notify.SendGridAPIKey = prompt(reader, "  SendGrid API key: ")
	case "resend":
		cfg.Notify.ResendAPIKey = prompt(reader, "  Resend API key: ")
	default:
		fmt.Println()
		fmt.Println("SMTP Configuration:")
		fmt.Println("  (For Gmail, see https://support.google.com/accounts/answer/185833 for app password setup)")
		fmt.Println()
		cfg.Notify.SMTP.Host = promptDefault(reader, "  Host [smtp.gmail.com]: ", "smtp.gmail.com")
		cfg.Notify.SMTP.Port = promptInt(reader, "  Port [465]: ", 465)
		cfg.Notify.SMTP.UseTLS = true
		cfg.Notify.SMTP.Username = prompt(reader, "  Username: ")
		cfg.Notify.SMTP.Password = prompt(reader, "  App password: ")
	}

	fmt.Println()
	fmt.Println("⚙️  Polling")
	fmt.Println()
	cfg.Poller.IntervalMinutes = promptInt(reader, "Poll interval in minutes [20]: ", 20)
	cfg.Poller.WindowDays = promptInt(reader, "Fetch window in days [30]: ", 30)
	cfg.Poller.Timezone = promptDefault(reader, "Default timezone [America/New_York]: ", "America/New_York")

	configPath := resolveConfigPath()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Configuration saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run 'stakeout add-project' to register a project mailbox")
	fmt.Println("  2. Run 'stakeout poll' to process mail once")
	fmt.Println("  3. Run 'stakeout serve' to start the polling loop and operator API")

	return nil
}

func runAddProject() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("➕ Add Project")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	p := &store.Project{Timezone: cfg.Poller.Timezone}

	fmt.Println("📬 Mailbox")
	fmt.Println()
	p.Email = prompt(reader, "Project email address: ")
	p.Name = prompt(reader, "Project name: ")
	p.AppPassword = prompt(reader, "App password: ")
	p.IMAPHost = promptDefault(reader, "IMAP host [imap.gmail.com]: ", "imap.gmail.com")
	p.IMAPPort = promptInt(reader, "IMAP port [993]: ", 993)
	p.SMTPHost = promptDefault(reader, "SMTP host [smtp.gmail.com]: ", "smtp.gmail.com")
	p.SMTPPort = promptInt(reader, "SMTP port [465]: ", 465)

	fmt.Println()
	fmt.Println("🎭 Persona")
	fmt.Println()
	p.PersonaName = prompt(reader, "Persona name: ")
	p.PersonaAge = promptInt(reader, "Persona age: ", 0)
	p.PersonaSex = prompt(reader, "Persona sex: ")
	p.PersonaLocation = prompt(reader, "Persona location: ")
	p.Prompt = prompt(reader, "Scenario briefing (one line): ")

	fmt.Println()
	fmt.Println("🔑 Keyword Weights")
	fmt.Println("  (Enter one per line as keyword:weight, blank line to finish)")
	fmt.Println()
	p.Keywords = map[string]int{}
	for {
		line := prompt(reader, "  keyword:weight: ")
		if line == "" {
			break
		}
		keyword, weight, err := parseKeyword(line)
		if err != nil {
			fmt.Printf("  ⚠️  %v\n", err)
			continue
		}
		p.Keywords[keyword] = weight
	}

	fmt.Println()
	fmt.Println("📏 Thresholds and Pacing")
	fmt.Println()
	p.LowerThreshold = promptFloat(reader, "Lower score threshold [20]: ", 20)
	p.UpperThreshold = promptFloat(reader, "Upper score threshold [75]: ", 75)
	p.ResponseFrequency = promptInt(reader, "Reply delay in minutes [30]: ", 30)
	p.ActiveStart = promptInt(reader, "Active hours start (0-23) [8]: ", 8)
	p.ActiveEnd = promptInt(reader, "Active hours end (1-24) [22]: ", 22)
	tz := prompt(reader, fmt.Sprintf("Timezone [%s]: ", p.Timezone))
	if tz != "" {
		p.Timezone = tz
	}

	fmt.Println()
	fmt.Println("🚨 Escalation")
	fmt.Println()
	if operators := prompt(reader, "Operator emails (comma-separated): "); operators != "" {
		for _, op := range strings.Split(operators, ",") {
			if op = strings.TrimSpace(op); op != "" {
				p.Operators = append(p.Operators, op)
			}
		}
	}
	fmt.Println("Scenario criteria that force manual takeover (blank line to finish):")
	for {
		criterion := prompt(reader, "  criterion: ")
		if criterion == "" {
			break
		}
		p.Criteria = append(p.Criteria, criterion)
	}

	if err := st.SaveProject(p); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Project %s saved (%d keywords, %d criteria)\n", p.Email, len(p.Keywords), len(p.Criteria))

	return nil
}

func runProjects() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	if len(projects) == 0 {
		fmt.Println("No projects configured. Run 'stakeout add-project' to add one.")
		return nil
	}

	fmt.Printf("📋 Projects (%d)\n", len(projects))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, p := range projects {
		fmt.Printf("• %s (%s)\n", p.Email, p.Name)
		fmt.Printf("  persona: %s, %d, %s, %s\n", p.PersonaName, p.PersonaAge, p.PersonaSex, p.PersonaLocation)
		fmt.Printf("  thresholds: %.1f–%.1f, reply delay %dm, active %02d:00–%02d:00 %s\n",
			p.LowerThreshold, p.UpperThreshold, p.ResponseFrequency, p.ActiveStart, p.ActiveEnd, p.Timezone)
		fmt.Printf("  keywords: %d, criteria: %d, operators: %d\n", len(p.Keywords), len(p.Criteria), len(p.Operators))
	}

	return nil
}

func runThreads(projectEmail, state string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	threads, err := st.ListThreads(projectEmail)
	if err != nil {
		return fmt.Errorf("failed to list threads: %w", err)
	}

	fmt.Printf("🧵 Threads for %s\n", projectEmail)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	shown := 0
	for _, t := range threads {
		if state != "" && string(t.State) != state {
			continue
		}
		shown++
		marker := "🤖"
		switch t.State {
		case store.StateManual:
			marker = "🚨"
		case store.StateArchive:
			marker = "📦"
		}
		fmt.Printf("%s %-9s score %6.2f  updated %s  %s\n",
			marker, t.State, t.Score, t.LastUpdated.Format("2006-01-02 15:04"), t.ID)
	}

	if shown == 0 {
		fmt.Println("No threads found.")
	}

	return nil
}

func runStatus() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	fmt.Println("📊 Stakeout Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	for _, p := range projects {
		stats, err := st.ThreadStats(p.Email)
		if err != nil {
			return fmt.Errorf("failed to get stats for %s: %w", p.Email, err)
		}
		fmt.Println()
		fmt.Printf("%s (%s)\n", p.Email, p.Name)
		fmt.Printf("  🤖 Automated: %d\n", stats[store.StateAutomated])
		fmt.Printf("  🚨 Manual: %d\n", stats[store.StateManual])
		fmt.Printf("  📦 Archived: %d\n", stats[store.StateArchive])
	}

	if len(projects) == 0 {
		fmt.Println("No projects configured.")
	}

	return nil
}

func runPoll(projectEmail string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()

	if projectEmail != "" {
		p, err := rt.store.GetProject(projectEmail)
		if err != nil {
			return fmt.Errorf("failed to load project: %w", err)
		}
		if p == nil {
			return fmt.Errorf("unknown project %s", projectEmail)
		}
		fmt.Printf("📥 Polling %s...\n", projectEmail)
		if err := rt.poller.PollProject(ctx, p); err != nil {
			return fmt.Errorf("poll failed: %w", err)
		}
	} else {
		fmt.Println("📥 Polling all projects...")
		rt.poller.PollAll(ctx)
	}

	// Let any immediately-due replies fire before tearing down.
	waitForPending(rt.scheduler, 30*time.Second)
	if n := rt.scheduler.PendingCount(); n > 0 {
		fmt.Printf("⚠️  %d replies still waiting on their send window; run 'stakeout serve' to keep the scheduler alive\n", n)
	}

	fmt.Println("✅ Poll cycle complete")
	return nil
}

func runServe(port int) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	server := web.NewServer(port, rt.store, rt.orchestrator, rt.poller, engine.IMAPSource{}, rt.cfg.Poller.WindowDays)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := rt.poller.Run(ctx); err != nil && err != context.Canceled {
			fmt.Printf("⚠️  Poller stopped: %v\n", err)
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("🕵️  Stakeout running: polling every %dm, operator API on http://127.0.0.1:%d\n",
		rt.cfg.Poller.IntervalMinutes, port)

	return server.Start()
}

func runSetState(threadID string, to store.ThreadState) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// Manual threads go back to automation through resume, which also
	// resets the score below the escalation band.
	if to == store.StateAutomated {
		state, err := st.GetThreadState(threadID)
		if err != nil {
			return err
		}
		if state == store.StateManual {
			return fmt.Errorf("thread %s is in manual handling; use 'stakeout resume' instead", threadID)
		}
	}

	if err := st.SetThreadState(threadID, to); err != nil {
		return err
	}

	fmt.Printf("✅ Thread %s is now %s\n", threadID, to)
	return nil
}

func runResume(projectEmail, threadID string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := rt.store.GetProject(projectEmail)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	if p == nil {
		return fmt.Errorf("unknown project %s", projectEmail)
	}

	ctx := context.Background()

	source := engine.IMAPSource{}
	msgs, err := source.Fetch(ctx, p, rt.cfg.Poller.WindowDays)
	if err != nil {
		return fmt.Errorf("failed to fetch mail: %w", err)
	}

	if err := rt.orchestrator.Resume(ctx, p, threadID, engine.GroupByThread(msgs)[threadID]); err != nil {
		return err
	}

	fmt.Printf("✅ Thread %s resumed: score reset, automation re-enabled\n", threadID)

	waitForPending(rt.scheduler, 30*time.Second)
	if rt.scheduler.PendingCount() > 0 {
		fmt.Println("⚠️  Reply scheduled inside the send window; run 'stakeout serve' to keep the scheduler alive")
	}
	return nil
}

// runtime bundles the long-lived pieces every mail-processing command needs.
type runtime struct {
	cfg          *config.Config
	store        *store.Store
	scheduler    *schedule.Scheduler
	orchestrator *engine.Orchestrator
	poller       *engine.Poller
}

func (r *runtime) Close() {
	r.scheduler.Stop()
	r.store.Close()
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	completer, err := llm.NewClient(cfg.LLM)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}

	evaluator, err := scenario.NewEvaluator(completer)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load scenario templates: %w", err)
	}

	notifySender, err := email.NewNotifySender(cfg.Notify)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create notification sender: %w", err)
	}

	senderFor := func(p *store.Project) email.Sender {
		return email.NewProjectSender(p.SMTPHost, p.SMTPPort, p.Email, p.AppPassword)
	}

	scheduler := schedule.New()
	orch := engine.NewOrchestrator(st, evaluator, scheduler, notify.New(notifySender), senderFor)
	poller := engine.NewPoller(st, orch, engine.IMAPSource{},
		time.Duration(cfg.Poller.IntervalMinutes)*time.Minute, cfg.Poller.WindowDays)

	return &runtime{
		cfg:          cfg,
		store:        st,
		scheduler:    scheduler,
		orchestrator: orch,
		poller:       poller,
	}, nil
}

// openStore opens the database without the rest of the stack, for
// read-only and state-change commands that never touch mail.
func openStore() (*store.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// waitForPending blocks until scheduled replies have fired or the
// deadline passes. One-shot commands would otherwise exit before a
// reply due immediately gets sent.
func waitForPending(s *schedule.Scheduler, max time.Duration) {
	deadline := time.Now().Add(max)
	for s.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)
	}
}

func parseKeyword(line string) (string, int, error) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("expected keyword:weight, got %q", line)
	}
	keyword := strings.ToLower(strings.TrimSpace(parts[0]))
	weight, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || weight <= 0 {
		return "", 0, fmt.Errorf("weight must be a positive integer, got %q", parts[1])
	}
	return keyword, weight, nil
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(input)
}

func promptDefault(reader *bufio.Reader, message, fallback string) string {
	if v := prompt(reader, message); v != "" {
		return v
	}
	return fallback
}

func promptInt(reader *bufio.Reader, message string, fallback int) int {
	v := prompt(reader, message)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Printf("  ⚠️  Not a number, using %d\n", fallback)
		return fallback
	}
	return n
}

func promptFloat(reader *bufio.Reader, message string, fallback float64) float64 {
	v := prompt(reader, message)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fmt.Printf("  ⚠️  Not a number, using %g\n", fallback)
		return fallback
	}
	return f
}
