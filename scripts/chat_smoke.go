//go:build ignore
// +build ignore

// chat_smoke is a manual smoke test for the chat stream. It sends one turn
// on the chatdemo channel and prints the SSE events as they arrive.
// NOT executed during CI (go test ./...).
//
// Usage:
//
//	go run scripts/chat_smoke.go -company demo-co -message "What do you sell?"
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:28080", "aiservice base URL")
		company = flag.String("company", "demo-co", "company id")
		session = flag.String("session", "", "session id to continue a conversation")
		message = flag.String("message", "Hello! What can you help me with?", "user message")
	)
	flag.Parse()

	body, err := json.Marshal(map[string]any{
		"message":    *message,
		"company_id": *company,
		"channel":    "chatdemo",
		"session_id": *session,
	})
	if err != nil {
		log.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodPost, *baseURL+"/api/unified/chat-stream", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		log.Fatalf("status %d: %s", resp.StatusCode, buf.String())
	}

	started := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fmt.Printf("%7.2fs  %s\n", time.Since(started).Seconds(), line)
	}
	if err := scanner.Err(); err != nil {
		log.Fatal(err)
	}
}
