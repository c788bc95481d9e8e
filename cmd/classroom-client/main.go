// Package main is a terminal classroom client. It keeps a local view of one room over
// the connection manager and reads commands from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lowband-classroom/backend/config"
	"github.com/lowband-classroom/backend/internal/connection"
	"github.com/lowband-classroom/backend/internal/models"
	"github.com/lowband-classroom/backend/internal/recordings"
	"github.com/lowband-classroom/backend/internal/roomview"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		roomID = flag.String("room", "", "room to join")
		id     = flag.String("id", "", "participant id")
		role   = flag.String("role", "student", "teacher or student")
		name   = flag.String("name", "", "display name")
		server = flag.String("server", cfg.Client.ServerURL, "gateway base URL")
		debug  = flag.Bool("debug", false, "log connection details to stderr")
	)
	flag.Parse()

	r, ok := models.ParseRole(*role)
	if *roomID == "" || *id == "" || !ok {
		flag.Usage()
		os.Exit(2)
	}
	logger := newLogger(*debug)
	defer logger.Sync()

	identity := connection.Identity{ParticipantID: *id, Role: r, DisplayName: *name}
	dialers, err := buildDialers(cfg.Client, *server, identity, logger)
	if err != nil {
		logger.Fatal("transports", zap.Error(err))
	}
	opts := cfg.Client.ReconnectOptions()
	opts.Dialers = dialers
	opts.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := &session{
		roomID: *roomID,
		role:   r,
		mgr:    connection.New(opts),
		view:   roomview.New(*roomID),
		recs:   recordings.NewClient(*server),
		out:    bufio.NewWriter(os.Stdout),
	}
	s.wire(ctx)
	if err := s.mgr.Start(ctx); err != nil {
		logger.Fatal("start connection", zap.Error(err))
	}
	defer s.mgr.Close()

	s.printf("connecting to %s as %s (%s); /help for commands", *server, *id, r)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := s.handle(ctx, line); quit {
				return
			}
		}
	}
}

func buildDialers(c config.ClientConfig, server string, id connection.Identity, logger *zap.Logger) ([]connection.Dialer, error) {
	server = strings.TrimRight(server, "/")
	var dialers []connection.Dialer
	for _, t := range c.Transports {
		switch t {
		case "websocket":
			wsURL := "ws" + strings.TrimPrefix(server, "http") + "/ws"
			dialers = append(dialers, &connection.WebSocketDialer{URL: wsURL, Identity: id, Logger: logger})
		case "polling":
			dialers = append(dialers, &connection.PollingDialer{BaseURL: server, Identity: id, Wait: c.PollWait, Logger: logger})
		default:
			return nil, fmt.Errorf("unknown transport %q", t)
		}
	}
	if len(dialers) == 0 {
		return nil, errors.New("no transports configured")
	}
	return dialers, nil
}

type session struct {
	roomID string
	role   models.Role
	mgr    *connection.Manager
	recs   *recordings.Client

	mu     sync.Mutex
	view   *roomview.View
	out    *bufio.Writer
	joined sync.Once
}

func (s *session) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printLocked(format, args...)
}

func (s *session) printLocked(format string, args ...interface{}) {
	fmt.Fprintf(s.out, "%s  %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	_ = s.out.Flush()
}

func (s *session) wire(ctx context.Context) {
	s.mgr.OnPhase(func(st connection.State) {
		switch st.Phase {
		case connection.PhaseConnected:
			s.printf("connected via %s", st.Transport)
			s.joined.Do(func() {
				if err := s.mgr.JoinRoom(s.roomID); err != nil {
					s.printf("join failed: %v", err)
				}
			})
		case connection.PhaseReconnecting:
			s.printf("connection lost, reconnecting (attempt %d)", st.RetryCount+1)
		case connection.PhaseFailed:
			s.printf("could not reconnect: %v\ntype /retry to try again", st.Cause)
		}
	})
	s.mgr.OnSnapshot(func(snap models.Snapshot) {
		if snap.RoomID != s.roomID {
			return
		}
		s.mu.Lock()
		s.view.Reset(snap)
		s.printLocked("room %s is %s with %d members (seq %d)", snap.RoomID, snap.State, len(snap.Members), snap.Seq)
		s.mu.Unlock()
	})
	s.mgr.OnEvent(func(ev models.Event) {
		if ev.RoomID != s.roomID {
			return
		}
		s.mu.Lock()
		applied, err := s.view.Apply(ev)
		if err == nil && applied {
			s.printLocked("%s", s.describe(ev))
		}
		s.mu.Unlock()
		if errors.Is(err, roomview.ErrGap) {
			_ = s.mgr.RequestReplay(s.roomID)
			return
		}
		if applied && roomview.ShouldRefreshRecordings(s.role, ev) {
			go s.listRecordings(ctx)
		}
	})
	s.mgr.OnError(func(e *models.Error) {
		s.printf("error %s: %s", e.Code, e.Message)
	})
}

// describe renders an applied event. Callers hold s.mu.
func (s *session) describe(ev models.Event) string {
	who := ev.ParticipantID
	if m, ok := s.view.Members[who]; ok {
		who = m.Name()
	}
	switch ev.Kind {
	case models.EventJoined:
		return fmt.Sprintf("%s joined (%d present)", who, s.view.MemberCount())
	case models.EventLeft:
		return fmt.Sprintf("%s left (%d present)", ev.ParticipantID, s.view.MemberCount())
	case models.EventChat:
		line := s.view.Chat[len(s.view.Chat)-1]
		return fmt.Sprintf("<%s> %s", who, line.Text)
	case models.EventSessionStarted:
		return "session started"
	case models.EventSessionEnded:
		return "session ended"
	case models.EventPollCreated:
		if p := s.view.Poll; p != nil {
			opts := make([]string, len(p.Options))
			for i, o := range p.Options {
				opts[i] = strconv.Itoa(i+1) + ") " + o
			}
			return fmt.Sprintf("poll: %s  %s", p.Question, strings.Join(opts, "  "))
		}
	case models.EventPollVote:
		return fmt.Sprintf("vote received, tally %v", s.view.CurrentTally())
	case models.EventPollClosed:
		if p := s.view.LastPoll; p != nil {
			return fmt.Sprintf("poll closed: %v", p.Tally.ByOption(p.Options))
		}
	case models.EventRecordingStarted:
		return "recording started"
	case models.EventRecordingStopped:
		return "recording stopped"
	}
	return string(ev.Kind)
}

func (s *session) listRecordings(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	items, err := s.recs.List(ctx, s.roomID)
	if err != nil {
		s.printf("recordings: %v", err)
		return
	}
	if len(items) == 0 {
		s.printf("no recordings yet")
		return
	}
	for _, it := range items {
		s.printf("recording %q %s", it.Title, it.URL)
	}
}

func (s *session) members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.view.Members))
	for _, m := range s.view.Members {
		label := m.ID
		if m.DisplayName != "" {
			label = m.DisplayName + " (" + m.ID + ")"
		}
		if m.IsTeacher() {
			label += " *teacher"
		}
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// handle runs one input line. It reports true when the client should exit.
func (s *session) handle(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		if strings.TrimSpace(line) != "" {
			s.printf("%v", err)
		}
		return false
	}
	room := s.roomID
	switch cmd.name {
	case "chat":
		err = s.mgr.PostChat(room, cmd.text)
	case "start":
		err = s.mgr.StartSession(room)
	case "end":
		err = s.mgr.EndSession(room)
	case "poll":
		err = s.mgr.CreatePoll(room, cmd.args[0], cmd.args[1:])
	case "vote":
		n, _ := strconv.Atoi(cmd.args[0])
		err = s.mgr.Vote(room, "", n)
	case "close":
		err = s.mgr.ClosePoll(room)
	case "rec":
		err = s.mgr.StartRecording(room, cmd.text)
	case "stop":
		err = s.mgr.StopRecording(room, cmd.args[0], cmd.args[1])
	case "recordings":
		go s.listRecordings(ctx)
	case "who":
		s.printf("%s", strings.Join(s.members(), ", "))
	case "retry":
		err = s.mgr.Retry(ctx)
	case "help":
		s.printf("%s", usage)
	case "quit":
		_ = s.mgr.LeaveRoom(room)
		return true
	}
	if err != nil {
		s.printf("%v", err)
	}
	return false
}

func newLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, _ := config.Build()
	return logger
}
