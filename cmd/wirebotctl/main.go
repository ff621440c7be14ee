package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/wirebot-io/wirebot/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "status":
		cmdStatus()
	case "sweeps":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: wirebotctl sweeps <list|outcomes|run>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdSweepsList(os.Args[3:])
		case "outcomes":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: wirebotctl sweeps outcomes <id>")
				os.Exit(1)
			}
			cmdSweepOutcomes(os.Args[3])
		case "run":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: wirebotctl sweeps run <ticket_sweep|worklist>")
				os.Exit(1)
			}
			cmdSweepRun(os.Args[3])
		default:
			fmt.Fprintf(os.Stderr, "unknown sweeps subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "logs":
		cmdLogs(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: wirebotctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdStatus() {
	body, err := apiGet("/api/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdSweepsList(args []string) {
	fs := flag.NewFlagSet("sweeps list", flag.ExitOnError)
	kind := fs.String("kind", "", "Filter by kind (ticket_sweep|worklist)")
	limit := fs.Int("limit", 20, "Max results")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *kind != "" {
		query += "&kind=" + *kind
	}

	body, err := apiGet("/api/sweeps" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var sweeps []map[string]any
	json.Unmarshal(body, &sweeps)
	for _, s := range sweeps {
		finished := "running"
		if _, ok := s["finished_at"]; ok {
			finished = fmt.Sprintf("processed=%v closed=%v assigned=%v skipped=%v failed=%v",
				s["processed"], s["closed"], s["assigned"], s["skipped"], s["failed"])
		}
		fmt.Printf("%-6v %-14v %-22v %s\n", s["id"], s["kind"], s["started_at"], finished)
	}
}

func cmdSweepOutcomes(id string) {
	body, err := apiGet("/api/sweeps/" + id + "/outcomes")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var outcomes []map[string]any
	json.Unmarshal(body, &outcomes)
	for _, o := range outcomes {
		line := fmt.Sprintf("%-10v %-12v %v", o["item_id"], o["action"], o["subscriber"])
		if r, ok := o["reason"]; ok && r != "" {
			line += fmt.Sprintf("  (%v)", r)
		}
		fmt.Println(line)
	}
}

func cmdSweepRun(kind string) {
	body, err := apiPost("/api/sweeps", fmt.Sprintf(`{"kind":%q}`, kind))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.String("level", "", "Minimum level (info|warn|error)")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *level != "" {
		query += "&level=" + *level
	}

	body, err := apiGet("/api/logs" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var entries []map[string]any
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		line := fmt.Sprintf("%v %-5v %v", e["time"], e["level"], e["message"])
		if f, ok := e["fields"].(map[string]any); ok && len(f) > 0 {
			pairs := make([]string, 0, len(f))
			for k, v := range f {
				pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
			}
			line += "  " + strings.Join(pairs, " ")
		}
		fmt.Println(line)
	}
}

func cmdConfigValidate(path string) {
	_, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiDo("GET", path, "")
}

func apiPost(path, body string) ([]byte, error) {
	return apiDo("POST", path, body)
}

func apiDo(method, path, body string) ([]byte, error) {
	base := envOr("WIREBOT_API_URL", "http://localhost:8080")
	url := base + path

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("WIREBOT_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(out))
	}
	return out, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("wirebotctl - wirebot daemon CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                    Check daemon health")
	fmt.Println("  status                    Show session and scheduler status")
	fmt.Println("  sweeps list               List recent sweeps (--kind, --limit)")
	fmt.Println("  sweeps outcomes <id>      Show item outcomes of one sweep")
	fmt.Println("  sweeps run <kind>         Trigger a sweep (ticket_sweep|worklist)")
	fmt.Println("  logs                      Show captured logs (--level, --limit)")
	fmt.Println("  config validate <path>    Validate a config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  WIREBOT_API_URL  Daemon URL (default: http://localhost:8080)")
	fmt.Println("  WIREBOT_API_KEY  API key for authentication")
}
