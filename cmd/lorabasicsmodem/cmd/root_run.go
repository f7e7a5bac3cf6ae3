package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/YKMeIz/lorabasicsmodem/internal/band"
	"github.com/YKMeIz/lorabasicsmodem/internal/config"
	"github.com/YKMeIz/lorabasicsmodem/internal/logging"
	"github.com/YKMeIz/lorabasicsmodem/internal/mac"
	"github.com/YKMeIz/lorabasicsmodem/internal/monitoring"
	"github.com/YKMeIz/lorabasicsmodem/internal/radio"
	"github.com/YKMeIz/lorabasicsmodem/internal/storage"
)

var (
	session   *mac.Session
	scheduler *radio.Simulator
	clock     wallClock
)

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		setupBand,
		printStartMessage,
		setupMonitoring,
		setupSession,
		startEngineLoop,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	exitChan := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	go func() {
		log.Warning("stopping lorabasicsmodem")
		exitChan <- struct{}{}
	}()
	select {
	case <-exitChan:
	case s := <-sigChan:
		log.WithField("signal", s).Info("signal received, stopping immediately")
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func setupBand() error {
	if err := band.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup band error")
	}
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version": version,
		"band":    config.C.Modem.Band.Name,
		"dev_eui": config.C.Modem.DevEUI,
	}).Info("starting LoRa Basics Modem")
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setupSession() error {
	store := storage.NewFileStore(config.C.Modem.Storage.Path)
	scheduler = radio.NewSimulator()

	var err error
	session, err = mac.NewSession(mac.SessionConfig{
		DevEUI:        config.C.Modem.DevEUI,
		JoinEUI:       config.C.Modem.JoinEUI,
		AppKey:        config.C.Modem.AppKey,
		ADREnabled:    config.C.Modem.ADREnabled,
		Scheduler:     scheduler,
		Clock:         clock,
		Store:         store,
		ClockAccuracy: config.C.Modem.Radio.ClockAccuracy,
		BoardDelayMs:  config.C.Modem.Radio.BoardDelayMs,
	})
	if err != nil {
		return errors.Wrap(err, "new session error")
	}
	return nil
}

// startEngineLoop drives the MAC engine: on every tick the due radio
// completions are delivered to the engine, then the controller runs and join
// attempts continue until a session is established.
func startEngineLoop() error {
	interval := config.C.Modem.CycleInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			ctx, err := logging.NewContext(context.Background())
			if err != nil {
				log.WithError(err).Error("new logging context error")
				continue
			}

			for {
				timestampMs, status, ok := scheduler.CompleteNext(clock.NowMs())
				if !ok {
					break
				}
				session.OnRadioEvent(timestampMs, status, 0, 0)
				if err := session.Update(ctx); err != nil {
					log.WithError(err).Error("mac update error")
				}
			}

			if !session.Joined() && !session.Busy() {
				if err := session.Join(); err != nil && errors.Cause(err) != mac.ErrJoinBackoff {
					log.WithError(err).Error("join error")
				}
			}

			if err := session.Update(ctx); err != nil {
				log.WithError(err).Error("mac update error")
			}
		}
	}()

	return nil
}

// wallClock implements the engine clock on the host monotonic clock.
type wallClock struct{}

var clockEpoch = time.Now()

func (wallClock) NowMs() uint32 {
	return uint32(time.Since(clockEpoch) / time.Millisecond)
}

func (wallClock) NowS() uint32 {
	return uint32(time.Since(clockEpoch) / time.Second)
}
