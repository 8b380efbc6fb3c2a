// Package main is a post-deployment smoke test. It calls the unauthenticated
// probe endpoints of a running identity server and exits non-zero if any of
// them does not answer 200. The base URL defaults to http://localhost:8080 and
// can be overridden with the first argument.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	base := "http://localhost:8080"
	if len(os.Args) > 1 {
		base = strings.TrimRight(os.Args[1], "/")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	failed := false
	for _, path := range []string{"/health", "/ready", "/version"} {
		status, body, err := get(client, base+path)
		if err != nil {
			fmt.Printf("%-10s error: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%-10s %d %s\n", path, status, strings.TrimSpace(body))
		if status != http.StatusOK {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func get(client *http.Client, url string) (int, string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("reading body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}
