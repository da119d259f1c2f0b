package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"quizlive/internal/app"
	"quizlive/internal/config"
	"quizlive/internal/discovery"
	"quizlive/internal/domain"
	"quizlive/internal/transport/ws"
	"quizlive/internal/wire"
)

type joinOptions struct {
	url      string
	code     string
	nickname string
	avatar   string
}

// NewJoinCmd joins a hosted session from the terminal.
func NewJoinCmd(configPath *string) *cobra.Command {
	var opts joinOptions
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a quiz hosted on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "manual join link (ws://host:port/ws?token=...)")
	cmd.Flags().StringVar(&opts.code, "code", "", "join code of the session to pick when browsing")
	cmd.Flags().StringVar(&opts.nickname, "nickname", "", "display name")
	cmd.Flags().StringVar(&opts.avatar, "avatar", "", "avatar reference")
	return cmd
}

func clientConfig(cfg config.Config) ws.ClientConfig {
	def := ws.DefaultClientConfig()
	maxReconnects := cfg.Client.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = def.MaxReconnects
	}
	return ws.ClientConfig{
		HandshakeTimeout: config.Duration(cfg.Client.HandshakeTimeout, def.HandshakeTimeout),
		ReadTimeout:      config.Duration(cfg.Client.ReadTimeout, def.ReadTimeout),
		MaxReconnects:    maxReconnects,
		InitialBackoff:   config.Duration(cfg.Client.InitialBackoff, def.InitialBackoff),
		MaxBackoff:       config.Duration(cfg.Client.MaxBackoff, def.MaxBackoff),
	}
}

func resolveHost(ctx context.Context, cfg config.Config, opts joinOptions) (discovery.Descriptor, error) {
	if opts.url != "" {
		return discovery.ParseJoinURL(opts.url)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	browser := discovery.NewBrowser(cfg.Discovery.Service, cfg.Discovery.Domain)
	for ev := range browser.Discover(ctx, config.Duration(cfg.Discovery.BrowseTimeout, 10*time.Second)) {
		switch ev.Kind {
		case discovery.EventFound:
			if opts.code == "" || ev.Service.JoinCode() == opts.code {
				return ev.Service, nil
			}
		case discovery.EventTimedOut:
			return discovery.Descriptor{}, errors.New("no quiz host found on the network; try --url")
		case discovery.EventFailed:
			return discovery.Descriptor{}, ev.Err
		}
	}
	return discovery.Descriptor{}, ctx.Err()
}

func runJoin(ctx context.Context, cfg config.Config, opts joinOptions, in io.Reader, out io.Writer) error {
	desc, err := resolveHost(ctx, cfg, opts)
	if err != nil {
		return err
	}

	client, err := ws.Connect(ctx, desc, wire.Hello{
		JoinCode: opts.code,
		Nickname: opts.nickname,
		Avatar:   opts.avatar,
	}, clientConfig(cfg))
	if reason, ok := app.IsRejection(err); ok {
		return fmt.Errorf("join refused: %s", reason)
	}
	if err != nil {
		return err
	}
	defer client.Close()

	ack := client.JoinAck()
	if teacher := desc.TeacherName(); teacher != "" {
		fmt.Fprintf(out, "joined %s's session as %s\n", teacher, ack.DisplayName)
	} else {
		fmt.Fprintf(out, "joined session %s as %s\n", ack.SessionID, ack.DisplayName)
	}

	answers := make(chan []string)
	go readAnswers(ctx, in, answers)

	p := &player{out: out, client: client}
	for {
		select {
		case <-ctx.Done():
			return nil
		case keys := <-answers:
			p.answer(keys)
		case ev, ok := <-client.Events():
			if !ok {
				return nil
			}
			done, err := p.handle(ev)
			if done || err != nil {
				return err
			}
		}
	}
}

func readAnswers(ctx context.Context, in io.Reader, answers chan<- []string) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		var keys []string
		for _, k := range strings.Split(scanner.Text(), ",") {
			if k = strings.ToUpper(strings.TrimSpace(k)); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			continue
		}
		select {
		case answers <- keys:
		case <-ctx.Done():
			return
		}
	}
}

// player renders session events for a terminal participant.
type player struct {
	out      io.Writer
	client   *ws.Client
	status   domain.Status
	active   string
	index    int
	total    int
	openedAt time.Time
	revealed bool
	timeUp   bool
}

func (p *player) answer(keys []string) {
	if p.active == "" || p.status != domain.StatusLive {
		fmt.Fprintln(p.out, "no question is open")
		return
	}
	sent := p.client.SendAttempt(domain.AttemptSubmission{
		QuestionID: p.active,
		Selected:   keys,
		TimeMs:     time.Since(p.openedAt).Milliseconds(),
	})
	if !sent {
		fmt.Fprintln(p.out, "not connected, answer not sent")
	}
}

func (p *player) handle(ev ws.Event) (done bool, err error) {
	switch ev.Kind {
	case ws.EventSnapshot:
		p.snapshot(ev.Snapshot)
		return ev.Snapshot.Status == domain.StatusEnded, nil
	case ws.EventAttemptAck:
		switch {
		case ev.Ack.Duplicate:
			fmt.Fprintln(p.out, "answer already recorded")
		case ev.Ack.Accepted:
			fmt.Fprintln(p.out, "answer locked in")
		default:
			fmt.Fprintf(p.out, "answer %s\n", ev.Ack.Reason)
		}
	case ws.EventError:
		fmt.Fprintf(p.out, "host error: %s\n", ev.Error.Message)
	case ws.EventReconnecting:
		fmt.Fprintf(p.out, "connection dropped, reconnecting (attempt %d)...\n", ev.Attempt)
	case ws.EventReconnected:
		fmt.Fprintln(p.out, "reconnected")
	case ws.EventKicked:
		return true, errors.New("removed from the session by the host")
	case ws.EventConnectionLost:
		return true, fmt.Errorf("connection lost: %w", ev.Err)
	}
	return false, nil
}

func (p *player) snapshot(s domain.Snapshot) {
	p.status = s.Status
	p.index, p.total = s.CurrentIndex, s.QuestionCount
	if s.ActiveQuestionID != p.active {
		p.active = s.ActiveQuestionID
		p.openedAt = time.Now()
		p.revealed = false
		p.timeUp = false
		if p.active != "" {
			fmt.Fprintf(p.out, "question %d/%d is open, type your answer keys (e.g. A or A,C)\n", p.index+1, p.total)
		}
	}
	if s.Status == domain.StatusLive && !s.AcceptingAnswers && p.active != "" && !p.timeUp {
		p.timeUp = true
		fmt.Fprintln(p.out, "time is up")
	}
	if s.Revealed && !p.revealed {
		p.revealed = true
		fmt.Fprintf(p.out, "correct answer: %s\n", strings.Join(s.CorrectKeys, ","))
		printLeaderboard(p.out, s.Leaderboard, 5)
	}
	if s.Status == domain.StatusEnded {
		fmt.Fprintln(p.out, "session ended, final standings:")
		printLeaderboard(p.out, s.Leaderboard, len(s.Leaderboard))
	}
}

func printLeaderboard(out io.Writer, entries []domain.LeaderboardEntry, limit int) {
	for i, e := range entries {
		if i >= limit {
			break
		}
		fmt.Fprintf(out, "%3d. %-20s %6d\n", e.Rank, e.Nickname, e.TotalPoints)
	}
}
