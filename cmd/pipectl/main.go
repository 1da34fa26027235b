package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://localhost:8080"

type cliConfig struct {
	server     string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server)
	ctx := context.Background()

	switch command {
	case "upload":
		err = runUpload(ctx, client, cfg, args)
	case "documents":
		err = runDocuments(ctx, client, cfg, args)
	case "document":
		err = runDocument(ctx, client, cfg, args)
	case "run":
		err = runRun(ctx, client, cfg, args)
	case "batch":
		err = runBatch(ctx, client, cfg, args)
	case "status":
		err = runStatus(ctx, client, cfg, args)
	case "resume":
		err = runResume(ctx, client, cfg, args)
	case "cancel-retry":
		err = runCancelRetry(ctx, client, cfg, args)
	case "errors":
		err = runErrors(ctx, client, cfg, args)
	case "baseline":
		err = runBaseline(ctx, client, cfg, args)
	case "version":
		fmt.Printf("pipectl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:     os.Getenv("PIPELINE_SERVER"),
		jsonOutput: false,
	}
	if cfg.server == "" {
		cfg.server = defaultServer
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: pipectl [--server <url>] [--json] <command>

Commands:
  upload <file> [--name <name>] [--content-type <type>]
                            Register a document and upload its source
  documents                 List registered documents
  document <id>             Show document details and stage statuses
  run <id> [--mode full|smart|single|multiple] [--stages <a,b>]
      [--continue-on-error] Execute the pipeline for a document
  batch <id> [<id>...] [--mode full|smart]
                            Execute the pipeline for several documents
  status <id>               Show per-stage status for a document
  resume <id>               Resume a document in smart mode
  cancel-retry <error-id>   Cancel a scheduled async retry
  errors [--document <id>] [--stage <name>] [--status <s>] [--limit <n>]
                            List recorded pipeline errors
  baseline <test> <document> <revision> [--force]
                            Store the run result on stdin as a baseline
`)
}

func runUpload(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pipectl upload <file> [--name <name>] [--content-type <type>]")
	}
	path := args[0]
	name := ""
	contentType := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case "--content-type":
			if i+1 >= len(args) {
				return fmt.Errorf("--content-type requires a value")
			}
			contentType = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	doc, err := client.UploadDocument(ctx, name, contentType, data)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, doc)
	}

	fmt.Printf("ID: %s\n", doc.ID)
	fmt.Printf("Name: %s\n", doc.Name)
	fmt.Printf("Content Type: %s\n", doc.ContentType)
	fmt.Printf("Checksum: %s\n", doc.SourceChecksum)
	fmt.Printf("Source Key: %s\n", doc.SourceKey)
	return nil
}

func runDocuments(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: pipectl documents")
	}

	docs, err := client.Documents(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, docs)
	}

	headers := []string{"ID", "NAME", "CONTENT TYPE", "CREATED"}
	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, []string{
			d.ID,
			Truncate(d.Name, 32),
			Truncate(d.ContentType, 24),
			FormatTimeOrDash(d.CreatedAt),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d documents\n", len(docs))
	return nil
}

func runDocument(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pipectl document <id>")
	}

	doc, err := client.Document(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, doc)
	}

	fmt.Printf("ID: %s\n", doc.ID)
	fmt.Printf("Name: %s\n", doc.Name)
	fmt.Printf("Content Type: %s\n", doc.ContentType)
	fmt.Printf("Checksum: %s\n", doc.SourceChecksum)
	fmt.Printf("Source Key: %s\n", doc.SourceKey)
	fmt.Printf("Created: %s\n", FormatTimeOrDash(doc.CreatedAt))
	fmt.Printf("Updated: %s\n", FormatTimeOrDash(doc.UpdatedAt))
	fmt.Println()
	printStageStatus(doc.StageStatus)
	return nil
}

func runRun(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pipectl run <id> [--mode <mode>] [--stages <a,b>] [--continue-on-error]")
	}
	id := args[0]
	payload := RunPayload{}
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--mode":
			if i+1 >= len(args) {
				return fmt.Errorf("--mode requires a value")
			}
			payload.Mode = args[i+1]
			i++
		case "--stages":
			if i+1 >= len(args) {
				return fmt.Errorf("--stages requires a value")
			}
			payload.Stages = splitList(args[i+1])
			i++
		case "--continue-on-error":
			v := false
			payload.StopOnError = &v
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	res, err := client.Run(ctx, id, payload)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, res)
	}
	printRunResult(res)
	return nil
}

func runBatch(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	payload := BatchPayload{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mode":
			if i+1 >= len(args) {
				return fmt.Errorf("--mode requires a value")
			}
			payload.Mode = args[i+1]
			i++
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			payload.DocumentIDs = append(payload.DocumentIDs, args[i])
		}
	}
	if len(payload.DocumentIDs) == 0 {
		return fmt.Errorf("usage: pipectl batch <id> [<id>...] [--mode full|smart]")
	}

	res, err := client.RunBatch(ctx, payload)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, res)
	}

	headers := []string{"DOCUMENT", "OUTCOME", "SUCCESS", "DURATION"}
	ids := make([]string, 0, len(res.Results))
	for id := range res.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		r := res.Results[id]
		rows = append(rows, []string{
			id,
			ColorStatus(r.Outcome),
			fmt.Sprintf("%.1f%%", r.SuccessRate*100),
			fmt.Sprintf("%.0f ms", r.DurationMS),
		})
	}
	RenderTable(os.Stdout, headers, rows)

	if len(res.Errors) > 0 {
		fmt.Println("\nFailed documents:")
		failed := make([]string, 0, len(res.Errors))
		for id := range res.Errors {
			failed = append(failed, id)
		}
		sort.Strings(failed)
		for _, id := range failed {
			fmt.Fprintf(os.Stdout, "- %s: %s\n", id, res.Errors[id])
		}
	}
	return nil
}

func runStatus(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pipectl status <id>")
	}

	status, err := client.Status(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, status)
	}

	fmt.Printf("Document: %s\n\n", status.DocumentID)
	printStageStatus(status.StageStatus)
	return nil
}

func runResume(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pipectl resume <id>")
	}

	res, err := client.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, res)
	}
	printRunResult(res)
	return nil
}

func runCancelRetry(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pipectl cancel-retry <error-id>")
	}

	out, err := client.CancelRetry(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, out)
	}

	fmt.Printf("Error ID: %s\n", out["error_id"])
	fmt.Printf("Status: %s\n", out["status"])
	return nil
}

func runErrors(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	documentID := ""
	stageName := ""
	status := ""
	limit := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--document":
			if i+1 >= len(args) {
				return fmt.Errorf("--document requires a value")
			}
			documentID = args[i+1]
			i++
		case "--stage":
			if i+1 >= len(args) {
				return fmt.Errorf("--stage requires a value")
			}
			stageName = args[i+1]
			i++
		case "--status":
			if i+1 >= len(args) {
				return fmt.Errorf("--status requires a value")
			}
			status = args[i+1]
			i++
		case "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("--limit must be a positive integer")
			}
			limit = n
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	resp, err := client.Errors(ctx, documentID, stageName, status, limit)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	headers := []string{"ERROR ID", "DOCUMENT", "STAGE", "TYPE", "STATUS", "RETRIES", "NEXT RETRY", "CREATED"}
	rows := make([][]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		rows = append(rows, []string{
			Truncate(e.ErrorID, 12),
			Truncate(e.DocumentID, 12),
			e.StageName,
			e.ErrorType,
			ColorStatus(e.Status),
			strconv.Itoa(e.RetryCount),
			FormatTimePtrOrDash(e.NextRetryAt),
			FormatTimeOrDash(e.CreatedAt),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d errors\n", resp.Count)
	return nil
}

// runBaseline stores the run result piped on stdin as a performance
// baseline, so `pipectl --json run ... | pipectl baseline ...` composes.
func runBaseline(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	force := false
	positional := make([]string, 0, 3)
	for _, arg := range args {
		if arg == "--force" {
			force = true
			continue
		}
		if strings.HasPrefix(arg, "-") {
			return fmt.Errorf("unknown flag: %s", arg)
		}
		positional = append(positional, arg)
	}
	if len(positional) != 3 {
		return fmt.Errorf("usage: pipectl baseline <test> <document> <revision> [--force] < run-result.json")
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	var res RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("parse run result: %w", err)
	}
	if len(res.Metrics) == 0 {
		return fmt.Errorf("run result carries no metrics")
	}

	out, err := client.StoreBaseline(ctx, BaselinePayload{
		TestName:     positional[0],
		DocumentName: positional[1],
		RevisionID:   positional[2],
		Metrics:      res.Metrics,
		Force:        force,
	})
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, out)
	}

	fmt.Printf("Test: %s\n", out["test_name"])
	fmt.Printf("Document: %s\n", out["document_name"])
	fmt.Printf("Revision: %s\n", out["revision_id"])
	fmt.Printf("Status: %s\n", out["status"])
	return nil
}

func printRunResult(res *RunResult) {
	fmt.Printf("Request: %s\n", res.RequestID)
	fmt.Printf("Document: %s\n", res.DocumentID)
	fmt.Printf("Mode: %s\n", res.Mode)
	fmt.Printf("Outcome: %s (%.1f%% success)\n", ColorStatus(res.Outcome), res.SuccessRate*100)
	fmt.Printf("Duration: %.0f ms\n\n", res.DurationMS)

	names := make([]string, 0, len(res.Stages))
	for name := range res.Stages {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := []string{"STAGE", "STATUS", "ATTEMPT", "DURATION", "ERROR"}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		sr := res.Stages[name]
		rows = append(rows, []string{
			name,
			ColorStatus(sr.Status),
			strconv.Itoa(sr.Attempt),
			fmt.Sprintf("%.0f ms", sr.DurationMS),
			Truncate(sr.Error, 48),
		})
	}
	RenderTable(os.Stdout, headers, rows)
}

func printStageStatus(statuses map[string]string) {
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := []string{"STAGE", "STATUS"}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, ColorStatus(statuses[name])})
	}
	RenderTable(os.Stdout, headers, rows)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
