package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/coolbuoy/matchbot/internal/config"
)

var (
	styleGood  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleLabel = lipgloss.NewStyle().Width(16)
)

func runStatusCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: matchbot status [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	code, body, err := fetchLocal(ctx, healthURL(cfg, "/bot-status"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v (is the bot running?)\n", err)
		return 1
	}
	if code != 200 {
		fmt.Fprintf(os.Stderr, "status endpoint returned HTTP %d\n", code)
		os.Stderr.Write(body)
		return 1
	}

	if jsonOutput || !isatty.IsTerminal(os.Stdout.Fd()) {
		os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			fmt.Println()
		}
		return 0
	}

	var st struct {
		BotRunning       bool   `json:"bot_running"`
		UptimeSeconds    int64  `json:"uptime_seconds"`
		RestartCount     int    `json:"restart_count"`
		LastSessionError string `json:"last_session_error"`
		InstanceID       string `json:"instance_id"`
		Database         struct {
			Connected bool   `json:"connected"`
			LastError string `json:"last_error"`
		} `json:"database"`
		Workers []struct {
			Index int    `json:"index"`
			Role  string `json:"role"`
			Alive bool   `json:"alive"`
		} `json:"workers"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Fprintf(os.Stderr, "parse status: %v\n", err)
		return 1
	}

	printRow := func(label, value string) {
		fmt.Printf("%s %s\n", styleLabel.Render(label), value)
	}

	if st.BotRunning {
		printRow("Bot session", styleGood.Render("running"))
		printRow("Uptime", (time.Duration(st.UptimeSeconds) * time.Second).String())
	} else {
		printRow("Bot session", styleBad.Render("down"))
	}
	if st.Database.Connected {
		printRow("Database", styleGood.Render("connected"))
	} else {
		printRow("Database", styleBad.Render("disconnected"))
		if st.Database.LastError != "" {
			printRow("", styleDim.Render(st.Database.LastError))
		}
	}
	printRow("Restarts", fmt.Sprintf("%d", st.RestartCount))
	if st.LastSessionError != "" {
		printRow("Last error", styleWarn.Render(st.LastSessionError))
	}
	printRow("Instance", styleDim.Render(st.InstanceID))

	for _, w := range st.Workers {
		mark := styleGood.Render("alive")
		if !w.Alive {
			mark = styleBad.Render("stale")
		}
		printRow(fmt.Sprintf("Worker %d", w.Index), fmt.Sprintf("%-8s %s", w.Role, mark))
	}
	return 0
}
