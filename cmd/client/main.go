package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/arqam66/chatbot-openai/internal/services"
	"github.com/arqam66/chatbot-openai/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
)

const defaultRelayURL = "http://localhost:8080/api/chat"

func main() {
	relayURL := flag.String("url", "", "relay endpoint (default: $RELAY_URL or "+defaultRelayURL+")")
	logPath := flag.String("log", "", "write logs to this file")
	maxRows := flag.Int("rows", tui.DefaultMaxInputRows, "maximum height of the input, in rows")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env file: %w", err))
	}

	if *relayURL == "" {
		*relayURL = os.Getenv("RELAY_URL")
	}
	if *relayURL == "" {
		*relayURL = defaultRelayURL
	}

	// The terminal belongs to the UI, so logs only go to a file when asked.
	var logOut io.Writer = io.Discard
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Fatal(fmt.Errorf("error opening log file: %w", err))
		}
		defer f.Close()
		logOut = f
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	relay := services.NewRelayClient(*relayURL, logger)
	m := tui.New(relay, tui.WithLogger(logger), tui.WithMaxInputRows(*maxRows))

	logger.Info("Client starting", slog.String("url", *relayURL))
	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run(); err != nil {
		logger.Error("Program failed", slog.String("err", err.Error()))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
