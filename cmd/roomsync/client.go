package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diagramsync/collab/crdtpubsub"
	"diagramsync/internal/config"
	"diagramsync/internal/projection"
	"diagramsync/internal/repository/snapshot"
	"diagramsync/internal/session"
)

const activeTimeout = 15 * time.Second

func newClientCmd(root *rootOptions) *cobra.Command {
	var room, name, relayURL, transport string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Join a room and edit the diagram from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &root.cfg
			if cmd.Flags().Changed("room") {
				cfg.Client.Room = room
			}
			if cmd.Flags().Changed("name") {
				cfg.Client.Name = name
			}
			if cmd.Flags().Changed("relay") {
				cfg.Client.RelayURL = relayURL
			}
			if cmd.Flags().Changed("transport") {
				cfg.Client.Transport = transport
			}
			// the terminal belongs to the prompt
			if !cmd.Flags().Changed("log-level") && cfg.Log.Level == "info" {
				cfg.Log.Level = "warn"
			}
			if err := root.setupLogger(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, *cfg, root.logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&room, "room", "", "room to join")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay websocket url")
	cmd.Flags().StringVar(&transport, "transport", "", "room channel: websocket, redis or libp2p")
	return cmd
}

func runClient(ctx context.Context, cfg config.Config, logger *zap.Logger, in io.Reader, out io.Writer) error {
	channel, err := openChannel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer channel.Close()

	deps := session.Deps{
		Channel: channel,
		Users:   session.StaticUser{Name: cfg.Client.Name, Color: cfg.Client.Color},
		Logger:  logger,
	}
	if base := snapshotURL(cfg.Client); base != "" {
		deps.Store = snapshot.NewHTTPStore(base, nil)
	}

	ctrl := session.NewController(sessionConfig(cfg.Session), deps)
	defer ctrl.Exit(context.Background())

	s, err := ctrl.Enter(ctx, cfg.Client.Room)
	if err != nil {
		return err
	}
	if err := waitActive(ctx, s); err != nil {
		return err
	}
	fmt.Fprintf(out, "joined %s, type help for commands\n", cfg.Client.Room)

	return repl(ctx, &executor{ctrl: ctrl, out: out}, in, out)
}

func repl(ctx context.Context, exec *executor, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var unwatch func()
	defer func() {
		if unwatch != nil {
			unwatch()
		}
	}()
	var watched *session.Session

	for {
		if s := exec.ctrl.Current(); s != nil && s != watched {
			if unwatch != nil {
				unwatch()
			}
			unwatch = watchRemote(s, out)
			watched = s
		}

		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := exec.run(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// watchRemote reports diagram changes as they arrive.
func watchRemote(s *session.Session, out io.Writer) func() {
	var last uint64
	return s.Projection().Subscribe(func(snap projection.Snapshot) {
		if snap.ContentRevision == last {
			return
		}
		last = snap.ContentRevision
		fmt.Fprintf(out, "\n[%s] %d nodes, %d edges, %d peers\n> ", s.RoomID(), len(snap.Nodes), len(snap.Edges), len(snap.Presence))
	})
}

func waitActive(ctx context.Context, s *session.Session) error {
	waitCtx, cancel := context.WithTimeout(ctx, activeTimeout)
	defer cancel()
	if err := s.WaitActive(waitCtx); err != nil {
		return errors.Wrapf(err, "room %s did not become active", s.RoomID())
	}
	return nil
}

func openChannel(ctx context.Context, cfg config.Config, logger *zap.Logger) (crdtpubsub.PubSub, error) {
	switch cfg.Client.Transport {
	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ps, err := crdtpubsub.NewRedisPubSub(client, logger.Named("redis"))
		if err != nil {
			client.Close()
			return nil, err
		}
		return ps, nil

	case config.TransportLibp2p:
		return crdtpubsub.NewLibp2pPubSub(ctx, crdtpubsub.Libp2pOptions{
			ListenAddrs:    cfg.Client.ListenAddrs,
			BootstrapPeers: cfg.Client.BootstrapPeers,
			Logger:         logger.Named("libp2p"),
		})

	default:
		return crdtpubsub.DialWebSocket(ctx, crdtpubsub.WebSocketOptions{
			URL:    cfg.Client.RelayURL,
			Logger: logger.Named("relay"),
		})
	}
}

// snapshotURL returns the snapshot API base. Without an explicit url it is
// derived from a websocket relay url: ws://host:8080/ws becomes http://host:8080.
func snapshotURL(cfg config.ClientConfig) string {
	if cfg.SnapshotURL != "" {
		return cfg.SnapshotURL
	}
	if cfg.Transport != config.TransportWebSocket || cfg.RelayURL == "" {
		return ""
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/")
}
