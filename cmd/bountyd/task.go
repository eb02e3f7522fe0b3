package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/bountyd/internal/content"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage bounty tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Post a new task with an escrowed reward",
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskApplyCmd = &cobra.Command{
	Use:   "apply [task-id]",
	Short: "Apply to solve a task (occupies a claim slot)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskApply,
}

var taskAppsCmd = &cobra.Command{
	Use:   "apps [task-id]",
	Short: "List applications for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskApps,
}

var taskDecideCmd = &cobra.Command{
	Use:   "decide [task-id] [application-id]",
	Short: "Approve or reject an application (creator only)",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskDecide,
}

var taskAdvanceCmd = &cobra.Command{
	Use:   "advance [task-id] [status]",
	Short: "Advance working status (researching, in_progress, reviewing)",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskAdvance,
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [task-id]",
	Short: "Submit work for review",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskSubmit,
}

var taskLedgerCmd = &cobra.Command{
	Use:   "ledger [task-id]",
	Short: "Show the ledger command history for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLedger,
}

var taskReviewCmd = &cobra.Command{
	Use:   "review [task-id]",
	Short: "Review a submission (creator only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskReview,
}

var (
	taskTitle    string
	taskDesc     string
	taskDeadline string
	taskReward   int64
	taskStatus   string
	taskCreator  string
	taskSolver   string
	taskVersion  int64

	approveApp bool

	submitRef  string
	submitFile string
	pinHost    string
	pinKey     string

	reviewDecision string
	reviewNote     string
	reviewDeadline string
)

func init() {
	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskApplyCmd,
		taskAppsCmd, taskDecideCmd, taskAdvanceCmd, taskSubmitCmd, taskReviewCmd, taskLedgerCmd)

	taskCreateCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskCreateCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskCreateCmd.Flags().StringVar(&taskDeadline, "deadline", "", "Deadline, RFC3339 (required)")
	taskCreateCmd.Flags().Int64Var(&taskReward, "reward", 0, "Reward in base units (required)")
	taskCreateCmd.MarkFlagRequired("title")
	taskCreateCmd.MarkFlagRequired("deadline")
	taskCreateCmd.MarkFlagRequired("reward")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status, comma-separated")
	taskListCmd.Flags().StringVar(&taskCreator, "creator", "", "Filter by creator address")
	taskListCmd.Flags().StringVar(&taskSolver, "solver", "", "Filter by solver address")

	taskDecideCmd.Flags().BoolVar(&approveApp, "approve", false, "Approve the application (default rejects)")
	taskDecideCmd.Flags().Int64Var(&taskVersion, "version", 0, "Task version the decision was made against (required)")
	taskDecideCmd.MarkFlagRequired("version")

	taskAdvanceCmd.Flags().Int64Var(&taskVersion, "version", 0, "Task version (required)")
	taskAdvanceCmd.MarkFlagRequired("version")

	taskSubmitCmd.Flags().StringVar(&submitRef, "ref", "", "Content reference of the completed work")
	taskSubmitCmd.Flags().StringVar(&submitFile, "file", "", "Pin a local file to the content host and submit its reference")
	taskSubmitCmd.Flags().StringVar(&pinHost, "content-host", os.Getenv("BOUNTYD_CONTENT_HOST"), "Content host endpoint for --file")
	taskSubmitCmd.Flags().StringVar(&pinKey, "content-key", os.Getenv("BOUNTYD_CONTENT_KEY"), "Content host API key for --file")
	taskSubmitCmd.Flags().Int64Var(&taskVersion, "version", 0, "Task version (required)")
	taskSubmitCmd.MarkFlagRequired("version")

	taskReviewCmd.Flags().StringVar(&reviewDecision, "decision", "", "approve, request_modification, or reject (required)")
	taskReviewCmd.Flags().StringVar(&reviewNote, "note", "", "Modification note (required for request_modification)")
	taskReviewCmd.Flags().StringVar(&reviewDeadline, "deadline", "", "New deadline, RFC3339 (required for request_modification and reject)")
	taskReviewCmd.Flags().Int64Var(&taskVersion, "version", 0, "Task version (required)")
	taskReviewCmd.MarkFlagRequired("decision")
	taskReviewCmd.MarkFlagRequired("version")
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	deadline, err := time.Parse(time.RFC3339, taskDeadline)
	if err != nil {
		return fmt.Errorf("invalid --deadline: %w", err)
	}

	body := map[string]interface{}{
		"title":       taskTitle,
		"description": taskDesc,
		"deadline":    deadline,
		"reward":      taskReward,
	}

	resp, err := apiPost("/api/v1/tasks", body)
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Created task: %s (reward %v escrowed)\n", task["id"], task["reward"])
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskCreator != "" {
		q.Set("creator", taskCreator)
	}
	if taskSolver != "" {
		q.Set("solver", taskSolver)
	}
	path := "/api/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []map[string]interface{}
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tREWARD\tSOLVER\tDEADLINE")
	for _, t := range tasks {
		id := truncateID(t["id"].(string))
		title := truncate(t["title"].(string), 40)
		status := t["status"].(string)
		if missed, ok := t["missed"].(bool); ok && missed {
			status += " (missed)"
		}
		solver := ""
		if sv, ok := t["solver"].(string); ok {
			solver = sv
		}
		deadline := ""
		if d, ok := t["deadline"].(string); ok {
			deadline = d
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n", id, title, status, t["reward"], solver, deadline)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/v1/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", task["id"])
	fmt.Printf("Title:       %s\n", task["title"])
	fmt.Printf("Status:      %s\n", task["status"])
	fmt.Printf("Reward:      %v\n", task["reward"])
	fmt.Printf("Creator:     %s\n", task["creator"])
	if solver, ok := task["solver"].(string); ok && solver != "" {
		fmt.Printf("Solver:      %s\n", solver)
	}
	fmt.Printf("Deadline:    %s\n", task["deadline"])
	if missed, ok := task["missed"].(bool); ok && missed {
		fmt.Println("Missed:      yes")
	}
	fmt.Printf("Version:     %v\n", task["version"])
	if note, ok := task["modification_note"].(string); ok && note != "" {
		fmt.Printf("Mod note:    %s\n", note)
	}
	if desc, ok := task["description"].(string); ok && desc != "" {
		fmt.Printf("Description: %s\n", desc)
	}
	if subs, ok := task["submissions"].([]interface{}); ok && len(subs) > 0 {
		fmt.Println("Submissions:")
		for i, raw := range subs {
			sub := raw.(map[string]interface{})
			fmt.Printf("  %d. %s (%s)\n", i+1, sub["content_ref"], sub["submitted_at"])
		}
	}
	return nil
}

func runTaskApply(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/v1/tasks/"+args[0]+"/apply", nil)
	if err != nil {
		return err
	}

	var app map[string]interface{}
	if err := json.Unmarshal(resp, &app); err != nil {
		return err
	}

	fmt.Printf("Applied: %s (slot held until the creator decides)\n", app["id"])
	return nil
}

func runTaskApps(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/v1/tasks/" + args[0] + "/applications")
	if err != nil {
		return err
	}

	var apps []map[string]interface{}
	if err := json.Unmarshal(resp, &apps); err != nil {
		return err
	}

	if len(apps) == 0 {
		fmt.Println("No applications found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOLVER\tSTATUS\tAPPLIED")
	for _, a := range apps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncateID(a["id"].(string)), a["solver"], a["status"], a["created_at"])
	}
	w.Flush()
	return nil
}

func runTaskDecide(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"approve": approveApp,
		"version": taskVersion,
	}

	resp, err := apiPost("/api/v1/tasks/"+args[0]+"/applications/"+args[1]+"/decision", body)
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	if approveApp {
		fmt.Printf("Approved: task assigned to %s\n", task["solver"])
	} else {
		fmt.Println("Application rejected")
	}
	return nil
}

func runTaskAdvance(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"status":  args[1],
		"version": taskVersion,
	}

	resp, err := apiPost("/api/v1/tasks/"+args[0]+"/advance", body)
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Task %s is now %s\n", truncateID(args[0]), task["status"])
	return nil
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	ref := submitRef
	if submitFile != "" {
		if pinHost == "" {
			return fmt.Errorf("--content-host is required with --file")
		}
		f, err := os.Open(submitFile)
		if err != nil {
			return err
		}
		defer f.Close()

		pinned, err := content.NewClient(pinHost, pinKey).Pin(cmd.Context(), submitFile, f)
		if err != nil {
			return fmt.Errorf("pin %s: %w", submitFile, err)
		}
		fmt.Printf("Pinned %s as %s\n", submitFile, pinned)
		ref = pinned
	}
	if ref == "" {
		return fmt.Errorf("one of --ref or --file is required")
	}

	body := map[string]interface{}{
		"content_ref": ref,
		"version":     taskVersion,
	}

	resp, err := apiPost("/api/v1/tasks/"+args[0]+"/submissions", body)
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Submitted: task is now %s\n", task["status"])
	return nil
}

func runTaskReview(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"decision": reviewDecision,
		"version":  taskVersion,
	}
	if reviewNote != "" {
		body["note"] = reviewNote
	}
	if reviewDeadline != "" {
		deadline, err := time.Parse(time.RFC3339, reviewDeadline)
		if err != nil {
			return fmt.Errorf("invalid --deadline: %w", err)
		}
		body["new_deadline"] = deadline
	}

	resp, err := apiPost("/api/v1/tasks/"+args[0]+"/review", body)
	if err != nil {
		return err
	}

	var task map[string]interface{}
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Review recorded: task is now %s\n", task["status"])
	return nil
}

func runTaskLedger(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/v1/tasks/" + args[0] + "/ledger")
	if err != nil {
		return err
	}

	var ops []map[string]interface{}
	if err := json.Unmarshal(resp, &ops); err != nil {
		return err
	}

	if len(ops) == 0 {
		fmt.Println("No ledger commands recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OP\tTARGET\tAMOUNT\tOK\tAT")
	for _, op := range ops {
		target := ""
		if tg, ok := op["target"].(string); ok {
			target = tg
		}
		ok := "yes"
		if okVal, isBool := op["ok"].(bool); isBool && !okVal {
			ok = "NO"
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", op["op"], target, op["amount"], ok, op["created_at"])
	}
	w.Flush()
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
