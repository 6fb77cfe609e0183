package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamcast/internal/client/channel"
	"streamcast/internal/client/roomclient"
	"streamcast/internal/core/domain"
	"streamcast/pkg/config"
	"streamcast/pkg/logger"
)

func main() {
	var (
		serverURL  = flag.String("url", "ws://localhost:8081/ws", "coordinator signaling url")
		id         = flag.String("id", "", "participant id (assigned by server when empty)")
		role       = flag.String("role", "browse", "browse, stream or view")
		room       = flag.String("room", "", "room id to create or join")
		chat       = flag.String("chat", "", "chat line to send after entering a room")
		configPath = flag.String("config", "configs/coordinator.yaml", "path to configuration file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	ch, err := channel.Dial(ctx, *serverURL, domain.ParticipantID(*id), log)
	cancel()
	if err != nil {
		log.Fatalw("failed to connect", "url", *serverURL, "error", err)
	}
	defer ch.Close()

	log.Infow("connected", "participant_id", ch.ParticipantID())

	client := roomclient.New(cfg, ch, log)
	defer client.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch *role {
	case "stream":
		assigned, err := client.GoLive(ctx, domain.RoomID(*room))
		if err != nil {
			log.Fatalw("failed to go live", "error", err)
		}
		log.Infow("live", "room_id", assigned)

	case "view":
		if *room == "" {
			log.Fatal("view requires -room")
		}
		if err := client.Join(ctx, domain.RoomID(*room)); err != nil {
			log.Fatalw("failed to join", "room_id", *room, "error", err)
		}
		log.Infow("viewing", "room_id", *room)

	case "browse":
		// Stay connected and print announced rooms on exit.

	default:
		log.Fatalw("unknown role", "role", *role)
	}

	if *chat != "" && client.Phase() != roomclient.PhaseBrowsing {
		if err := client.SendChat(*chat); err != nil {
			log.Warnw("failed to send chat", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ch.Done():
		log.Warn("connection lost")
	}

	if client.Phase() != roomclient.PhaseBrowsing {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		if err := client.Leave(leaveCtx); err != nil {
			log.Warnw("failed to leave cleanly", "error", err)
		}
	}

	for _, roomID := range client.LiveRooms() {
		fmt.Printf("live: %s\n", roomID)
	}
}
