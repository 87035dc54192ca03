// Command client is a minimal terminal client for the coordinator. It keeps
// a registered session alive through the recovery agent and sends each
// stdin line as a chat message to the chosen partner.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/beaconlabs/beacon/internal/client"
	"github.com/beaconlabs/beacon/internal/user"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "coordinator base URL")
	identity := flag.String("identity", "", "user identity (required)")
	displayName := flag.String("name", "", "display name")
	partner := flag.String("partner", "", "conversation partner to send stdin lines to")
	heartbeat := flag.Duration("heartbeat", 25*time.Second, "keep-alive interval")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *identity == "" {
		fmt.Fprintln(os.Stderr, "usage: client -identity <id> [-partner <id>] [-server <url>]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := client.New(client.Config{
		ServerURL:         *serverURL,
		Identity:          user.ID(*identity),
		DisplayName:       *displayName,
		HeartbeatInterval: *heartbeat,
		Handler:           printEvent,
	}, log)
	if err != nil {
		log.Error("client init failed", "err", err)
		os.Exit(1)
	}
	if *partner != "" {
		agent.SetActiveConversation(user.ID(*partner))
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- agent.Run(ctx)
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if *partner == "" {
				fmt.Fprintln(os.Stderr, "no -partner configured; message dropped")
				continue
			}
			if err := agent.SendMessage(ctx, user.ID(*partner), text); err != nil {
				log.Warn("send failed", "err", err)
			}
		}
	}()

	if err := <-runErr; err != nil {
		log.Error("session ended", "err", err)
		os.Exit(1)
	}
}

func printEvent(ev client.Event) {
	var pretty map[string]any
	if err := json.Unmarshal(ev.Data, &pretty); err != nil {
		fmt.Printf("<- %s\n", ev.Type)
		return
	}
	fmt.Printf("<- %s %v\n", ev.Type, pretty)
}
