// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/tendonstat/pkg/actuator"
	"github.com/Thermoquad/tendonstat/pkg/engine"
	"github.com/Thermoquad/tendonstat/pkg/sim"
	"github.com/Thermoquad/tendonstat/pkg/telemetry"
)

var (
	simListen       string
	simPath         string
	simMetrics      bool
	simCalibrate    bool
	simSaveProfiles string
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a simulated tendon board",
	Long: `Run a simulated board that answers the tendon protocol.

The board simulates every actuator's motor, gearbox and encoder with
stiction and end stops, and runs the same command dispatch and control loop
as the firmware. Serve it on a serial port (--port, e.g. one end of a virtual
null-modem pair) or over WebSocket (--listen), one transport per board.

With --calibrate every actuator runs the minimum drive and travel limit
calibration in simulated time before the board goes live. --save-profiles
writes the resulting profiles so later runs can load them via board.profiles.

Prometheus metrics are served when metrics.enable is set (or --metrics), and
actuator snapshots are published over MQTT when mqtt.enable is set.`,
	RunE: runSim,
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringVar(&simListen, "listen", "", "WebSocket listen address (overrides sim.listen)")
	simCmd.Flags().StringVar(&simPath, "path", "/tendon", "WebSocket endpoint path")
	simCmd.Flags().BoolVar(&simMetrics, "metrics", false, "Serve Prometheus metrics (overrides metrics.enable)")
	simCmd.Flags().BoolVar(&simCalibrate, "calibrate", false, "Calibrate every actuator before serving")
	simCmd.Flags().StringVar(&simSaveProfiles, "save-profiles", "", "Write actuator profiles to this file (.yaml or .cbor) before serving")
}

func runSim(cmd *cobra.Command, args []string) error {
	listen, err := simTransport(portName, simListen, cfg.Sim.Listen)
	if err != nil {
		return err
	}
	simListen = listen

	board := sim.New(cfg.Board.Actuators, cfg.Sim.Plant)
	registry := actuator.NewRegistry(cfg.Board.ActuatorConfigs(), board)
	board.Attach(registry)

	if cfg.Board.Profiles != "" {
		profiles, err := actuator.LoadProfiles(cfg.Board.Profiles)
		if err != nil {
			return err
		}
		if err := registry.ApplyProfiles(profiles); err != nil {
			return fmt.Errorf("failed to apply %s: %w", cfg.Board.Profiles, err)
		}
		logger.Info("profiles applied", zap.String("file", cfg.Board.Profiles), zap.Int("count", len(profiles)))
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	if simCalibrate {
		if err := calibrateBoard(ctx, board, registry); err != nil {
			return err
		}
	}
	if simSaveProfiles != "" {
		if err := actuator.SaveProfiles(simSaveProfiles, registry.Profiles()); err != nil {
			return err
		}
		logger.Info("profiles saved", zap.String("file", simSaveProfiles))
	}

	opts := []engine.Option{
		engine.WithLogger(logger.Named("engine")),
		engine.WithClock(board),
		engine.WithControlPeriod(cfg.Board.ControlPeriod),
	}

	g, ctx := errgroup.WithContext(ctx)

	if simMetrics || cfg.Metrics.Enable {
		reg := engine.NewRegistry()
		opts = append(opts, engine.WithMetrics(engine.NewMetrics(reg)))
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, engine.Handler(reg))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serveHTTP(ctx, srv, "metrics") })
	}

	eng := engine.New(registry, opts...)

	if cfg.MQTT.Enable {
		pub, err := telemetry.DialMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, cfg.MQTT.QoS)
		if err != nil {
			return err
		}
		defer pub.Close()
		rep := telemetry.NewReporter(registry.Snapshot, pub, telemetry.BoardID(), cfg.MQTT.Interval, logger.Named("telemetry"))
		logger.Info("publishing telemetry", zap.String("broker", cfg.MQTT.Broker), zap.String("topic", cfg.MQTT.Topic))
		g.Go(func() error { return rep.Run(ctx) })
	}

	g.Go(func() error { return board.Run(ctx) })

	if portName != "" {
		g.Go(func() error { return serveSerial(ctx, eng) })
	}
	if simListen != "" {
		srv := &http.Server{
			Addr:              simListen,
			Handler:           websocketHandler(ctx, eng),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serveHTTP(ctx, srv, "websocket") })
	}

	fmt.Printf("Tendonstat - Simulated Board\n")
	fmt.Printf("Actuators: %d\n", registry.Len())
	if portName != "" {
		fmt.Printf("Serial: %s @ %d baud\n", portName, baudRate)
	}
	if simListen != "" {
		fmt.Printf("WebSocket: ws://%s%s\n", simListen, simPath)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// simTransport picks the single transport the board serves on. Each Serve
// loop runs its own control ticker, so serial and WebSocket are exclusive.
// sim.listen from the settings applies only when no --port is given.
func simTransport(port, listenFlag, listenCfg string) (string, error) {
	switch {
	case port != "" && listenFlag != "":
		return "", errors.New("--port and --listen cannot be used together")
	case port != "":
		return "", nil
	case listenFlag != "":
		return listenFlag, nil
	case listenCfg != "":
		return listenCfg, nil
	}
	return "", errors.New("either --port or --listen must be specified")
}

// calibrateBoard runs both calibrations on every actuator. The board is not
// live yet, so the delays advance simulated time.
func calibrateBoard(ctx context.Context, board *sim.Board, registry *actuator.Registry) error {
	opts := actuator.CalibrationOptions{}
	for _, a := range registry.All() {
		log := logger.With(zap.Int("id", a.Index()), zap.String("name", a.Name()))

		cal, err := a.CalibrateMinDrive(ctx, board, opts)
		if err != nil {
			return fmt.Errorf("%s: min drive calibration: %w", a.Name(), err)
		}
		limits, err := a.CalibrateLimits(ctx, board, opts)
		if err != nil {
			return fmt.Errorf("%s: limit calibration: %w", a.Name(), err)
		}
		log.Info("calibrated",
			zap.Uint16("min_forward", cal.MinForward),
			zap.Uint16("min_reverse", cal.MinReverse),
			zap.Float64("span", limits.Span),
			zap.Float64("max_angle", limits.MaxAngle))
	}
	return nil
}

// serveSerial serves the board on the serial port, reopening it after
// transport errors until ctx is done
func serveSerial(ctx context.Context, eng *engine.Engine) error {
	for {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return err
		}
		err = eng.Serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("serial transport lost, reopening", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  256,
	WriteBufferSize: 256,
}

// websocketHandler serves the board to one WebSocket client at a time
func websocketHandler(ctx context.Context, eng *engine.Engine) http.Handler {
	busy := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(simPath, func(w http.ResponseWriter, r *http.Request) {
		select {
		case busy <- struct{}{}:
			defer func() { <-busy }()
		default:
			http.Error(w, "board busy", http.StatusConflict)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := &WebSocketConnection{conn: ws}
		defer conn.Close()

		log := logger.With(zap.String("remote", r.RemoteAddr))
		log.Info("client connected")
		err = eng.Serve(ctx, conn)
		log.Info("client disconnected", zap.Error(err))
	})
	return mux
}

// serveHTTP runs srv until ctx is done
func serveHTTP(ctx context.Context, srv *http.Server, name string) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
