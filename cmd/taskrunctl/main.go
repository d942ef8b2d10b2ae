// Command taskrunctl is the control plane's admin CLI. Its only
// responsibility today is issuing one-shot worker enrollment tokens by
// calling a running control plane's admin endpoint (spec.md §4.6's
// "supplemented" admin surface).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	issueCmd := flag.NewFlagSet("issue-token", flag.ExitOnError)
	apiAddr := issueCmd.String("api", "http://localhost:50052", "control plane HTTP API base URL")
	ttl := issueCmd.Duration("ttl", time.Hour, "bootstrap token validity")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: taskrunctl issue-token [flags]")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "issue-token":
		_ = issueCmd.Parse(os.Args[2:])
		runIssueToken(*apiAddr, *ttl)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runIssueToken(apiAddr string, ttl time.Duration) {
	body, _ := json.Marshal(map[string]int{"ttl_seconds": int(ttl.Seconds())})

	resp, err := http.Post(apiAddr+"/v1/admin/bootstrap-tokens", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reach control plane: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read response: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "control plane returned %d: %s\n", resp.StatusCode, raw)
		os.Exit(1)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("bootstrap token (shown once, expires %s): %s\n", out.ExpiresAt, out.Token)
}
