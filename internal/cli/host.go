package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quizlive/internal/app"
	"quizlive/internal/config"
	"quizlive/internal/discovery"
	"quizlive/internal/domain"
	"quizlive/internal/infra/memory"
	"quizlive/internal/oplog"
	transport "quizlive/internal/transport/http"
	"quizlive/internal/transport/ws"
)

// NewHostCmd builds the CLI subcommand that hosts live sessions.
func NewHostCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Host a live quiz session on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), *configPath, *port)
		},
	}
}

// syncingQueue nudges the syncer whenever a mutation is queued.
type syncingQueue struct {
	*oplog.Queue
	syncer *oplog.Syncer
}

func (q syncingQueue) Enqueue(ctx context.Context, opType string, payload any) (oplog.Entry, error) {
	entry, err := q.Queue.Enqueue(ctx, opType, payload)
	if err == nil && q.syncer != nil {
		q.syncer.Trigger()
	}
	return entry, err
}

// currentSession remembers the session being advertised.
type currentSession struct {
	mu   sync.Mutex
	info domain.SessionInfo
}

func (c *currentSession) set(info domain.SessionInfo) {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}

func (c *currentSession) get() domain.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// withdrawer is the part of discovery.Advertiser an ended session needs.
type withdrawer interface {
	Stop()
}

// withdrawOnEnd stops advertising once the advertised session ends, since
// its join code is released.
func withdrawOnEnd(current *currentSession, adv *discovery.Advertiser) func(context.Context, domain.SessionInfo) {
	if adv == nil {
		return nil
	}
	return endedWithdrawal(current, adv)
}

func endedWithdrawal(current *currentSession, adv withdrawer) func(context.Context, domain.SessionInfo) {
	return func(_ context.Context, info domain.SessionInfo) {
		if current.get().ID != info.ID {
			return
		}
		adv.Stop()
		log.Info().Str("session_id", info.ID).Msg("session ended, discovery record withdrawn")
	}
}

func runHost(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}
	portNum, err := strconv.Atoi(finalPort)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", finalPort, err)
	}

	if cfg.Sync.Remote == "postgres" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	b, err := openHostBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	syncer := b.syncer()

	var advertiser *discovery.Advertiser
	if cfg.Discovery.Enabled {
		advertiser = discovery.NewAdvertiser(cfg.Discovery.Service, cfg.Discovery.Domain)
		defer advertiser.Stop()
	}
	current := &currentSession{}

	service := app.NewHostService(
		memory.NewRegistry(),
		b.quizzes,
		b.codes,
		syncingQueue{Queue: oplog.NewQueue(b.opStore, b.clock), syncer: syncer},
		app.WithClock(b.clock),
		app.WithEndedHook(withdrawOnEnd(current, advertiser)),
		app.WithSessionOptions(app.SessionOptions{
			MaxParticipants:          cfg.Host.MaxParticipants,
			LockedAfterFirstQuestion: cfg.Host.LockedAfterFirstQuestion,
			AutoReveal:               cfg.Host.AutoReveal,
		}),
	)

	announce := func(_ context.Context, info domain.SessionInfo) {
		current.set(info)
		log.Info().
			Str("session_id", info.ID).
			Str("join_code", info.JoinCode).
			Str("token_fp", discovery.Fingerprint(info.Token)).
			Str("join_url", discovery.JoinURL(localIP(), portNum, info.Token, info.JoinCode)).
			Msg("session open")
		if advertiser == nil {
			return
		}
		attrs := map[string]string{
			discovery.AttrToken:       info.Token,
			discovery.AttrJoinCode:    info.JoinCode,
			discovery.AttrTeacherName: info.TeacherName,
			discovery.AttrFingerprint: discovery.Fingerprint(info.Token),
		}
		name := fmt.Sprintf("%s %s", info.TeacherName, info.JoinCode)
		if err := advertiser.Advertise(name, portNum, attrs); err != nil {
			// Manual join by URL still works without mDNS.
			log.Warn().Err(err).Msg("continuing without network discovery")
		}
	}

	if cfg.Host.QuizID != "" {
		info, err := service.CreateSession(ctx, app.CreateRequest{
			QuizID:      cfg.Host.QuizID,
			HostID:      cfg.Host.HostID,
			TeacherName: cfg.Host.TeacherName,
			ClassroomID: cfg.Host.ClassroomID,
			JoinCode:    cfg.Host.JoinCode,
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		announce(ctx, info)
	}

	def := ws.DefaultConfig()
	wsServer := ws.NewServer(service, ws.Config{
		WriteTimeout:   config.Duration(cfg.Server.WriteTimeout, def.WriteTimeout),
		ReadTimeout:    config.Duration(cfg.Server.ReadTimeout, def.ReadTimeout),
		PingInterval:   config.Duration(cfg.Server.PingInterval, def.PingInterval),
		HelloTimeout:   config.Duration(cfg.Server.HelloTimeout, def.HelloTimeout),
		MaxMessageSize: cfg.Server.MaxMessageSize,
		SendQueueSize:  cfg.Server.SendQueue,
	})

	var apiOpts []transport.Option
	apiOpts = append(apiOpts, transport.WithSessionHook(announce))
	if len(cfg.Server.AllowedOrigins) > 0 {
		apiOpts = append(apiOpts, transport.WithAllowedOrigins(cfg.Server.AllowedOrigins))
	}
	if cfg.Server.AdminKey == "" {
		log.Warn().Msg("server.admin_key is empty; host control endpoints are disabled")
	}
	api := transport.NewAPI(service, cfg.Server.AdminKey, apiOpts...)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           api.Handler(http.HandlerFunc(wsServer.ServeWS)),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("starting quiz host")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down host...")
		if advertiser != nil {
			advertiser.Stop()
		}
		wsServer.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if syncer != nil {
		g.Go(func() error { return syncer.Run(gctx) })
	}
	err = g.Wait()

	finishHost(service, syncer, current.get())
	return err
}

// finishHost ends the open session so its result is queued durably, then
// makes one last attempt to reach the remote.
func finishHost(service *app.HostService, syncer *oplog.Syncer, info domain.SessionInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if info.ID != "" {
		if err := service.End(ctx, info.ID); err != nil && !domain.IsTransitionError(err) && !errors.Is(err, domain.ErrSessionNotFound) {
			log.Error().Err(err).Str("session_id", info.ID).Msg("end session on shutdown")
		}
		service.Close(ctx, info.ID)
	}
	if syncer == nil {
		return
	}
	if _, err := syncer.SyncOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("final sync failed; results stay queued")
	}
}

// localIP picks the first non-loopback IPv4 address for join links.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "localhost"
}
