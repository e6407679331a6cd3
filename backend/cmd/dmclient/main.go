// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// dmclient is a terminal client for one direct message conversation.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"

	"github.com/efchatnet/efdm/backend/client"
	"github.com/efchatnet/efdm/backend/models"
)

type Config struct {
	Server string `envconfig:"DMCLIENT_SERVER" default:"http://localhost:8081"`
	// DMCLIENT_TOKEN is a JWT issued for the viewer
	Token        string        `envconfig:"DMCLIENT_TOKEN" required:"true"`
	Viewer       string        `envconfig:"DMCLIENT_VIEWER" required:"true"`
	PollInterval time.Duration `envconfig:"DMCLIENT_POLL_INTERVAL" default:"5s"`
	// DMCLIENT_COLOURS enables colorized output
	Colours bool `envconfig:"DMCLIENT_COLOURS" default:"true"`
}

func main() {
	list := flag.Bool("list", false, "list conversations and exit")
	name := flag.String("name", "", "register or update your display name first")
	flag.Parse()

	if err := run(*list, *name, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(list bool, name, counterpart string) error {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	color.NoColor = color.NoColor || !cfg.Colours

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(cfg.Server, cfg.Token)

	if name != "" {
		if _, err := api.RegisterProfile(ctx, name, ""); err != nil {
			return fmt.Errorf("registering profile: %w", err)
		}
	}

	if list {
		return listConversations(ctx, api)
	}
	if counterpart == "" {
		return errors.New("usage: dmclient [-list] [-name NAME] <participant-id>")
	}
	return chat(ctx, api, cfg, counterpart)
}

func listConversations(ctx context.Context, api *client.Client) error {
	conversations, err := api.ListConversations(ctx)
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		fmt.Println("No conversations yet")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"With", "Unread", "Last activity", "Key"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")

	for _, c := range conversations {
		table.Append([]string{
			c.CounterpartID,
			strconv.Itoa(c.UnreadCount),
			c.LastActivity().Local().Format(time.DateTime),
			c.Key.String(),
		})
	}
	table.Render()
	return nil
}

func chat(ctx context.Context, api *client.Client, cfg Config, counterpart string) error {
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	session, err := client.NewSession(api, client.SessionConfig{
		ViewerID:      cfg.Viewer,
		CounterpartID: counterpart,
		PollInterval:  cfg.PollInterval,
	})
	if err != nil {
		return err
	}
	if err := session.Open(ctx); err != nil {
		return err
	}
	defer session.Close()

	peer := session.Counterpart()
	fmt.Printf("Conversation with %s (%s)\n", color.CyanString(peer.Username), peer.ID)
	if session.Polling() {
		yellow.Printf("Live delivery unavailable, polling every %s\n", cfg.PollInterval)
	}
	gray.Println("Commands: /retry, /discard, /quit")
	fmt.Println()

	shown := make(map[string]bool)
	printNew := func() {
		for _, e := range session.Entries() {
			switch {
			case e.Failed:
				if !shown["failed:"+e.LocalID] {
					shown["failed:"+e.LocalID] = true
					red.Printf("[not sent] %s (%v)\n", e.Body, e.Err)
				}
			case e.Confirmed() && !shown[e.ID]:
				shown[e.ID] = true
				printMessage(e.Message, cfg.Viewer, peer)
			}
		}
	}
	printNew()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Updates():
			printNew()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleInput(ctx, session, line); done {
				return nil
			}
			printNew()
		}
	}
}

func handleInput(ctx context.Context, session *client.Session, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit", "/exit", "/q":
		return true
	case "/retry", "/discard":
		for _, e := range session.Entries() {
			if !e.Failed {
				continue
			}
			if line == "/discard" {
				session.Discard(e.LocalID)
				continue
			}
			if _, err := session.Retry(ctx, e.LocalID); err != nil {
				color.Red("[error] %v", err)
			}
		}
		return false
	}

	if _, err := session.Send(ctx, line); err != nil && errors.Is(err, models.ErrInvalidMessage) {
		color.Red("[error] %v", err)
	}
	return false
}

func printMessage(m models.Message, viewer string, peer models.Participant) {
	ts := color.HiBlackString(m.CreatedAt.Local().Format(time.TimeOnly))
	if m.SenderID == viewer {
		fmt.Printf("%s %s %s\n", ts, color.GreenString("you:"), m.Body)
		return
	}
	fmt.Printf("%s %s %s\n", ts, color.CyanString(peer.Username+":"), m.Body)
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
