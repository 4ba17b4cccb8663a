package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lunarc/aika/internal/backend"
	"github.com/lunarc/aika/internal/chat"
	"github.com/lunarc/aika/internal/classify"
	"github.com/lunarc/aika/internal/config"
	"github.com/lunarc/aika/internal/health"
	"github.com/lunarc/aika/internal/lockfile"
	"github.com/lunarc/aika/internal/logger"
	"github.com/lunarc/aika/internal/store"
	"github.com/lunarc/aika/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	threadID := flag.String("thread", "", "thread to continue (default: new thread)")
	logLevel := flag.String("log-level", "", "override configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return err
	}
	defer logger.Global().Close()

	// One instance per database; a second client would interleave messages
	lock := lockfile.New(cfg.DatabasePath + ".lock")
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	var thread *store.Thread
	if *threadID != "" {
		thread, err = st.GetThread(ctx, *threadID)
	} else {
		thread, err = st.CreateThread(ctx)
	}
	if err != nil {
		return err
	}

	be := backend.NewClient(cfg.BackendURL)

	dataset := health.NewDataset()
	if err := dataset.Refresh(ctx, st); err != nil {
		logger.Warn("Failed to load health dataset: %v", err)
	}

	conn := transport.NewConnection(transport.DefaultConfig(cfg.WebSocketURL))
	if err := conn.Connect(); err != nil {
		logger.Warn("Streaming connection unavailable, using fallback: %v", err)
	}
	defer conn.Close()

	router := transport.NewRouter(conn)

	controller := chat.NewController(conn, router, st, be, be)
	controller.PersonaID = cfg.PersonaID
	controller.UserID = cfg.UserID
	controller.VoiceEnabled = cfg.VoiceEnabled
	controller.Flags = cfg.Flags
	controller.HealthContext = func() map[string]string {
		data := make(map[string]string)
		if s, ok := dataset.LastWeight(); ok {
			data["last_weight"] = health.FormatWeight(s)
		}
		if s, ok := dataset.LastBloodPressure(false); ok {
			data["last_blood_pressure"] = health.FormatBloodPressure(s)
		}
		return data
	}

	controller.SetRenameCallback(func(threadID, name string) {
		logger.Info("Thread %s renamed to %q", threadID, name)
	})
	controller.SetErrorCallback(func(terr *chat.TurnError) {
		fmt.Printf("\n[%s] %s %s\n", terr.Category, terr.Message, terr.Remedy)
	})

	classifier := classify.New(classify.Options{
		Dataset:      dataset,
		Parser:       be,
		Store:        st,
		Speaker:      be,
		VoiceEnabled: cfg.VoiceEnabled,
		OnMemorySaved: func(mem *store.MemoryRecord) {
			logger.Info("Saved memory %q", mem.Name)
		},
	})

	fmt.Printf("aika: thread %s (%s)\n", thread.ID, thread.Name)
	fmt.Println(`Type a message, "/cancel" to stop a reply, "/quit" to exit.`)

	return chatLoop(ctx, controller, classifier, thread.ID, os.Stdin, os.Stdout)
}

// chatLoop routes each input line through the classifier. Stdin is read on
// its own goroutine so /cancel is seen while a reply is still streaming.
func chatLoop(ctx context.Context, controller *chat.Controller, classifier *classify.Classifier, threadID string, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	fmt.Fprint(out, "> ")
	for line := range lines {
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/cancel":
			controller.Cancel(controller.ActiveTurn())
		default:
			if quit := handleInput(ctx, controller, classifier, threadID, line, lines, out); quit {
				return nil
			}
		}
		fmt.Fprint(out, "> ")
	}
	return <-scanErr
}

// handleInput runs one classified input. For chat turns it waits for the
// terminal state while watching the input stream for /cancel and /quit.
// Returns true when the user asked to quit mid-turn.
func handleInput(ctx context.Context, controller *chat.Controller, classifier *classify.Classifier, threadID, line string, lines <-chan string, out io.Writer) bool {
	result := classifier.Classify(ctx, line)
	if result.Kind != classify.KindChat {
		fmt.Fprintln(out, result.Reply)
		return false
	}

	var printed int

	controller.SetUpdateCallback(func(msg *chat.VisibleMessage) {
		if len(msg.Text) > printed {
			fmt.Fprint(out, msg.Text[printed:])
			printed = len(msg.Text)
		}
	})

	turn, err := controller.Submit(ctx, threadID, line)
	if err != nil {
		if errors.Is(err, chat.ErrTurnActive) {
			fmt.Fprintln(out, "Still working on the previous message; /cancel to stop it.")
			return false
		}
		fmt.Fprintf(out, "Error: %v\n", err)
		return false
	}

	for {
		select {
		case <-turn.Done():
			fmt.Fprintln(out)
			return false
		case next, ok := <-lines:
			switch {
			case !ok:
				controller.Cancel(turn)
				return true
			case next == "/cancel":
				controller.Cancel(turn)
			case next == "/quit":
				controller.Cancel(turn)
				return true
			case next != "":
				fmt.Fprintln(out, "Still working on the previous message; /cancel to stop it.")
			}
		}
	}
}
