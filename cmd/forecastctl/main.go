// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command forecastctl is a terminal client for the forecast chat assistant.
//
// Usage:
//
//	forecastctl chat                        # interactive session over WebSocket
//	forecastctl chat "show me April 2025"   # one-shot question
//	forecastctl confirm <conversation> <token>
//	forecastctl confirm --cancel <conversation> <token>
//
// The server address defaults to localhost:8080 and can be overridden with
// --server or the FORECAST_CHAT_SERVER environment variable.
package main

import (
	"bufio"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/stratumops/forecast-chat/services/assistant"
	"github.com/stratumops/forecast-chat/services/forecast"
)

var (
	serverAddr    string
	cancelPending bool
)

func main() {
	root := &cobra.Command{
		Use:   "forecastctl",
		Short: "Terminal client for the forecast chat assistant",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", defaultServer(),
		"forecast-chat server address (host:port)")

	chatCmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the assistant over WebSocket",
		Run:   runChatCommand,
	}

	confirmCmd := &cobra.Command{
		Use:   "confirm <conversation-id> <token>",
		Short: "Confirm or cancel a staged forecast edit",
		Args:  cobra.ExactArgs(2),
		Run:   runConfirmCommand,
	}
	confirmCmd.Flags().BoolVar(&cancelPending, "cancel", false, "cancel the staged edit instead of applying it")

	root.AddCommand(chatCmd, confirmCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultServer() string {
	if v := os.Getenv("FORECAST_CHAT_SERVER"); v != "" {
		return v
	}
	return "localhost:8080"
}

func dial() *websocket.Conn {
	u := url.URL{Scheme: "ws", Host: serverAddr, Path: "/v1/chat/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("cannot reach forecast-chat server at %s: %v", serverAddr, err)
	}
	return conn
}

func runChatCommand(_ *cobra.Command, args []string) {
	conn := dial()
	defer conn.Close()

	oneShot := strings.TrimSpace(strings.Join(args, " "))
	scanner := bufio.NewScanner(os.Stdin)
	conversationID := ""

	if oneShot == "" {
		fmt.Println("Connected. Ask about forecast reports; type '/clear' to reset context, 'exit' to quit.")
	}

	for {
		message := oneShot
		if message == "" {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			message = strings.TrimSpace(scanner.Text())
			if message == "" {
				continue
			}
			if message == "exit" || message == "quit" || message == "q" {
				fmt.Println("Goodbye.")
				break
			}
			if strings.HasPrefix(message, "/") {
				conversationID = runControl(conn, conversationID, message)
				continue
			}
		}

		resp := sendTurn(conn, conversationID, message)
		if resp == nil {
			break
		}
		conversationID = resp.ConversationID
		printTurn(resp)

		if oneShot != "" {
			break
		}
	}
}

// runControl handles the in-session slash commands and returns the id the
// session should continue under.
func runControl(conn *websocket.Conn, conversationID, command string) string {
	if conversationID == "" {
		fmt.Println("No conversation yet; ask something first.")
		return conversationID
	}

	var out assistant.WSMessage
	switch command {
	case "/clear", "/reset":
		out = assistant.WSMessage{
			Type:    "clear",
			Control: &assistant.ControlRequest{ConversationID: conversationID},
		}
	case "/clear-keep-period":
		out = assistant.WSMessage{
			Type:    "clear",
			Control: &assistant.ControlRequest{ConversationID: conversationID, KeepPeriod: true},
		}
	case "/new":
		out = assistant.WSMessage{
			Type:    "new_conversation",
			Control: &assistant.ControlRequest{ConversationID: conversationID},
		}
	default:
		fmt.Println("Commands: /clear, /clear-keep-period, /new, exit")
		return conversationID
	}

	if err := conn.WriteJSON(out); err != nil {
		log.Fatalf("send failed: %v", err)
	}
	var in assistant.WSMessage
	if err := conn.ReadJSON(&in); err != nil {
		log.Fatalf("connection lost: %v", err)
	}

	switch {
	case in.Error != nil:
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", in.Error.Code, in.Error.Error)
	case in.NewConversation != nil:
		fmt.Printf("Started a new conversation (%s). The old context is archived.\n",
			in.NewConversation.ConversationID)
		return in.NewConversation.ConversationID
	case in.Context != nil:
		fmt.Println("Context cleared.")
	default:
		fmt.Fprintf(os.Stderr, "Unexpected message type %q from server\n", in.Type)
	}
	return conversationID
}

func sendTurn(conn *websocket.Conn, conversationID, message string) *assistant.TurnResponse {
	out := assistant.WSMessage{
		Type: "turn",
		Turn: &assistant.TurnRequest{ConversationID: conversationID, Message: message},
	}
	if err := conn.WriteJSON(out); err != nil {
		log.Fatalf("send failed: %v", err)
	}

	var in assistant.WSMessage
	if err := conn.ReadJSON(&in); err != nil {
		log.Fatalf("connection lost: %v", err)
	}

	if in.Error != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", in.Error.Code, in.Error.Error)
		return nil
	}
	if in.Response == nil {
		fmt.Fprintf(os.Stderr, "Unexpected message type %q from server\n", in.Type)
		return nil
	}
	return in.Response
}

func printTurn(resp *assistant.TurnResponse) {
	fmt.Printf("\n%s\n", resp.Reply)

	if resp.Validation != nil {
		for _, o := range resp.Validation.PendingConfirmations {
			fmt.Printf("  ? %s: did you mean %q for %q?\n", o.Field, o.Corrected, o.RawValue)
		}
		for _, o := range resp.Validation.Rejections {
			if len(o.Suggestions) > 0 {
				fmt.Printf("  ✗ %s: %q not recognized (try: %s)\n",
					o.Field, o.RawValue, strings.Join(o.Suggestions, ", "))
			} else {
				fmt.Printf("  ✗ %s: %q not recognized\n", o.Field, o.RawValue)
			}
		}
	}

	if resp.Data != nil {
		printDataset(resp.Data)
	}

	if len(resp.Reports) > 0 {
		fmt.Println("\n  Available periods:")
		for _, r := range resp.Reports {
			fmt.Printf("    %02d-%d (%d records)\n", r.Month, r.Year, r.RecordCount)
		}
	}

	if resp.Pending != nil {
		fmt.Printf("\n  Staged change: %s -> %v on %s (expires %s)\n",
			resp.Pending.Field, resp.Pending.NewValue, resp.Pending.RecordKey,
			resp.Pending.ExpiresAt.Format("15:04:05"))
		fmt.Printf("  Apply with: forecastctl confirm %s %s\n", resp.ConversationID, resp.Pending.Token)
	}

	fmt.Println()
}

func printDataset(ds *forecast.Dataset) {
	if len(ds.Totals) > 0 {
		fmt.Println("\n  Totals:")
		for name, v := range ds.Totals {
			fmt.Printf("    %s: %.2f\n", name, v)
		}
	}
	if ds.RecordCount > 0 {
		fmt.Printf("  %d records match.\n", ds.RecordCount)
	}
}

func runConfirmCommand(_ *cobra.Command, args []string) {
	conn := dial()
	defer conn.Close()

	out := assistant.WSMessage{
		Type: "confirm",
		Confirm: &assistant.ConfirmRequest{
			ConversationID: args[0],
			Token:          args[1],
			Confirm:        !cancelPending,
		},
	}
	if err := conn.WriteJSON(out); err != nil {
		log.Fatalf("send failed: %v", err)
	}

	var in assistant.WSMessage
	if err := conn.ReadJSON(&in); err != nil {
		log.Fatalf("connection lost: %v", err)
	}

	if in.Error != nil {
		log.Fatalf("confirm failed [%s]: %s", in.Error.Code, in.Error.Error)
	}
	if in.Confirmation == nil {
		log.Fatalf("unexpected message type %q from server", in.Type)
	}

	if in.Confirmation.Applied {
		fmt.Printf("Change applied (token %s).\n", in.Confirmation.Token)
	} else {
		fmt.Printf("Change %s (token %s). Nothing was written.\n",
			in.Confirmation.State, in.Confirmation.Token)
	}
}
