// This app runs the link-layer chat and file-transfer engine on one
// network interface until interrupted.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hollowpine/linkchat/internal/config"
	"github.com/hollowpine/linkchat/internal/dispatch"
	"github.com/hollowpine/linkchat/internal/engine"
	"github.com/hollowpine/linkchat/internal/logging"
	"github.com/hollowpine/linkchat/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	logger.Infow("opening raw link-layer socket", "interface", cfg.Interface)
	tr, err := transport.Open(cfg.Interface)
	if err != nil {
		logger.Fatalf("failed to open transport: %v", err)
	}

	eng := engine.New(*cfg, logger, tr)
	eng.On(dispatch.PeerUp, func(ev dispatch.Event) { logger.Infow("peer up", "event", ev.Payload) })
	eng.On(dispatch.PeerDown, func(ev dispatch.Event) { logger.Infow("peer down", "event", ev.Payload) })
	eng.On(dispatch.MessageReceived, func(ev dispatch.Event) { logger.Infow("message received", "event", ev.Payload) })
	eng.On(dispatch.FileOffered, func(ev dispatch.Event) { logger.Infow("file offered", "event", ev.Payload) })
	eng.On(dispatch.FileReceived, func(ev dispatch.Event) { logger.Infow("file received", "event", ev.Payload) })
	eng.On(dispatch.FileSendDone, func(ev dispatch.Event) { logger.Infow("file send done", "event", ev.Payload) })
	eng.On(dispatch.FileSendFailed, func(ev dispatch.Event) { logger.Warnw("file send failed", "event", ev.Payload) })
	eng.On(dispatch.TransportError, func(ev dispatch.Event) { logger.Errorw("transport error", "event", ev.Payload) })

	eng.Start()
	go eng.Run()

	logger.Infow("engine started", "local_mac", eng.LocalMAC().String(), "display_name", cfg.DisplayName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("signal received, shutting down", "signal", sig.String())

	eng.Stop()
	logger.Info("engine stopped cleanly")
}
