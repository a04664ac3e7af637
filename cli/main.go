// Package main provides a simple CLI client for driving a terminal session
// through the ingress WebSocket server.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/xiaot623/termgate/internal/protocol"
	"github.com/xiaot623/termgate/pkg/client"
)

func printMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.TermScreenMessage:
		fmt.Printf("\n--- screen (%dx%d, cursor %d,%d) ---\n%s\n",
			m.Meta.Cols, m.Meta.Rows, m.Meta.CursorRow, m.Meta.CursorCol, m.Payload)
	case *protocol.TaskProgressMessage:
		fmt.Printf("\n[progress] %s %d/%d (%d%%) item=%s status=%s\n",
			m.Meta.TaskName, m.Meta.Current, m.Meta.Total, m.Meta.Percent,
			m.Meta.CurrentItem, m.Meta.ItemStatus)
	case *protocol.TaskStatusMessage:
		fmt.Printf("\n[task] %s %s: %s\n", m.Meta.TaskName, m.Meta.Status, m.Meta.Message)
	case *protocol.ErrorMessage:
		fmt.Printf("\n[error] %s: %s\n", m.Meta.Code, m.Payload)
	default:
		formatted, _ := json.MarshalIndent(msg, "", "  ")
		fmt.Printf("\n[%s] Received:\n%s\n", msg.Common().Type, string(formatted))
	}
}

func runCommand(c *client.Client, input string) error {
	switch {
	case input == "/create":
		return c.CreateSession(nil)
	case input == "/destroy":
		return c.DestroySession()
	case input == "/ping":
		return c.Ping()
	case strings.HasPrefix(input, "/run "):
		// /run login USER00001 USER00002 ...
		parts := strings.Fields(strings.TrimPrefix(input, "/run "))
		if len(parts) < 2 {
			return fmt.Errorf("usage: /run <task> <item> [item...]")
		}
		items := make([]any, 0, len(parts)-1)
		for _, item := range parts[1:] {
			items = append(items, item)
		}
		return c.RunTask(parts[0], map[string]any{"items": items})
	case input == "/pause":
		return c.ControlTask(protocol.ActionPause)
	case input == "/resume":
		return c.ControlTask(protocol.ActionResume)
	case input == "/cancel":
		return c.ControlTask(protocol.ActionCancel)
	case input == "/observe":
		// The live stream is already printed in the background; this just
		// recovers the durable snapshot after a reconnect.
		execution, err := c.ActiveExecution(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Active execution %s (%s): %d/%d processed, %d failed, %d skipped\n",
			execution.ExecutionID, execution.Status, execution.Processed(),
			execution.ItemCount, execution.FailedCount, execution.SkippedCount)
		return nil
	default:
		// Anything else is keystrokes for the host.
		return c.SendData(input + "\r")
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "WebSocket server address")
	apiURL := flag.String("api", "http://localhost:8092", "Gateway query API base URL")
	token := flag.String("token", "", "API token for authentication")
	session := flag.String("session", "", "Session ID (generated when empty)")
	flag.Parse()

	log.SetFlags(log.Ltime)

	fmt.Printf("Connecting to %s...\n", *addr)

	c, err := client.Dial(client.Options{
		URL:       *addr,
		APIURL:    *apiURL,
		Token:     *token,
		SessionID: *session,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	fmt.Printf("Session established: %s\n", c.SessionID())
	fmt.Println("\nType input for the host and press Enter to send.")
	fmt.Println("Commands: /create /destroy /run <task> <items...> /pause /resume /cancel /observe /ping /quit")
	fmt.Println()

	// Print server traffic in background
	go func() {
		for msg := range c.Messages() {
			printMessage(msg)
		}
	}()
	go func() {
		if err := <-c.Errors(); err != nil {
			log.Fatalf("Connection lost: %v", err)
		}
	}()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// Read user input
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}

			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}

			if input == "/quit" {
				fmt.Println("Bye!")
				return
			}

			if err := runCommand(c, input); err != nil {
				log.Printf("Command error: %v", err)
			}
		}
	}
}
