// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/callcore/internal/api"
	"firestige.xyz/callcore/internal/cdr"
	"firestige.xyz/callcore/internal/channel"
	"firestige.xyz/callcore/internal/command"
	"firestige.xyz/callcore/internal/config"
	"firestige.xyz/callcore/internal/eventbus"
	logpkg "firestige.xyz/callcore/internal/log"
	"firestige.xyz/callcore/internal/metrics"
	"firestige.xyz/callcore/internal/msrp"
)

// Daemon manages the callcore process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	bus           *eventbus.InMemoryEventBus
	channels      *channel.Registry
	engine        *msrp.Engine               // nil if both MSRP listeners are disabled
	exporter      *eventbus.KafkaExporter    // nil if event export disabled
	cdrWriter     *cdr.Writer                // nil if CDR disabled
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if remote commands disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New loads the configuration and creates a daemon. Empty socketPath or
// pidFile fall back to the control section of the config.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting callcore daemon",
		"version", command.Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Event bus and channel registry
	d.bus = eventbus.NewInMemoryEventBus(d.config.Events.Partitions, d.config.Events.QueueSize)
	d.channels = channel.NewRegistry(channel.Options{
		MaxStateHandlers: d.config.Channel.MaxStateHandlers,
		DTMFQueueSize:    d.config.Channel.DTMFQueueSize,
		Globals:          d.config.Channel.Globals,
		Sink:             eventbus.NewChannelSink(d.bus),
	})

	// 4. Event consumers
	if err := d.startExporter(); err != nil {
		return fmt.Errorf("failed to start event exporter: %w", err)
	}
	if err := d.startCDR(); err != nil {
		return fmt.Errorf("failed to start cdr writer: %w", err)
	}

	// 5. MSRP engine
	if err := d.startMSRP(); err != nil {
		return fmt.Errorf("failed to start msrp engine: %w", err)
	}

	// 6. Metrics server with the admin API mounted on it
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 7. Command handler and UDS server for CLI control
	d.cmdHandler = command.NewCommandHandler(d.channels, d.engine, d)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("uds server failed", "error", err)
		}
	}()

	// 8. Kafka command consumer (if enabled)
	if d.config.Control.Kafka.Enabled {
		if err := d.startKafkaConsumer(); err != nil {
			// Non-fatal: daemon can still run with UDS-only control
			slog.Error("failed to start kafka consumer", "error", err)
		}
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. Safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. No new remote commands
	if d.kafkaConsumer != nil {
		if err := d.kafkaConsumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
	}

	// 2. Hang up every live channel so CDRs and hangup events are produced
	if d.channels != nil {
		if n := d.channels.HangupAll(channel.CauseSystemShutdown); n > 0 {
			slog.Info("hung up channels on shutdown", "count", n)
		}
	}
	if d.cmdHandler != nil {
		d.cmdHandler.Close()
	}

	// 3. MSRP engine
	if d.engine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.engine.Shutdown(shutdownCtx); err != nil {
			slog.Error("error stopping msrp engine", "error", err)
		}
		cancel()
	}

	// 4. UDS server
	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	// 5. Metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}

	// 6. Drain the bus before closing its consumers
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			slog.Error("error closing event bus", "error", err)
		}
	}
	if d.cdrWriter != nil {
		if err := d.cdrWriter.Close(); err != nil {
			slog.Error("error closing cdr sinks", "error", err)
		}
	}
	if d.exporter != nil {
		if err := d.exporter.Close(); err != nil {
			slog.Error("error closing kafka exporter", "error", err)
		}
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
	logpkg.Flush()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format, channel globals, msrp debug.
// Cold (requires restart): listen addresses, buffer sizes, sinks.
// Implements ConfigReloader interface for CommandHandler.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	oldConfig := d.config
	d.config = newConfig
	d.mu.Unlock()

	hotReloaded := []string{}

	// 1. Logging
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log.Level != oldConfig.Log.Level || newConfig.Log.Format != oldConfig.Log.Format {
		hotReloaded = append(hotReloaded, "log")
	}

	// 2. Process-wide channel variables
	if d.channels != nil {
		d.channels.ReplaceGlobals(newConfig.Channel.Globals)
		hotReloaded = append(hotReloaded, "channel.globals")
	}

	// 3. MSRP wire trace
	if d.engine != nil && newConfig.MSRP.Debug != oldConfig.MSRP.Debug {
		d.engine.SetDebug(newConfig.MSRP.Debug)
		hotReloaded = append(hotReloaded, "msrp.debug")
	}

	requiresRestart := coldChanges(oldConfig, newConfig)

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// coldChanges lists settings that differ but only take effect on restart.
func coldChanges(oldCfg, newCfg *config.GlobalConfig) []string {
	var out []string
	if newCfg.Node.Hostname != oldCfg.Node.Hostname {
		out = append(out, "node.hostname")
	}
	if newCfg.Metrics.Listen != oldCfg.Metrics.Listen {
		out = append(out, "metrics.listen")
	}
	if newCfg.MSRP.ListenIP != oldCfg.MSRP.ListenIP ||
		newCfg.MSRP.ListenPort != oldCfg.MSRP.ListenPort ||
		newCfg.MSRP.ListenSSLPort != oldCfg.MSRP.ListenSSLPort {
		out = append(out, "msrp.listen")
	}
	if newCfg.Control.Socket != oldCfg.Control.Socket {
		out = append(out, "control.socket")
	}
	if newCfg.CDR.Enabled != oldCfg.CDR.Enabled || newCfg.Events.Kafka.Enabled != oldCfg.Events.Kafka.Enabled {
		out = append(out, "sinks")
	}
	return out
}

// TriggerShutdown asks Run to stop. Further calls are no-ops.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// Channels returns the channel registry, nil before Start.
func (d *Daemon) Channels() *channel.Registry { return d.channels }

// Engine returns the MSRP engine, nil when MSRP is disabled.
func (d *Daemon) Engine() *msrp.Engine { return d.engine }

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.SetDefault(logpkg.Get())
	slog.Debug("logging initialized", "level", d.config.Log.Level, "format", d.config.Log.Format)
	return nil
}

// msrpEngineConfig maps the file config onto the engine. Port 0 in the file
// disables a listener, while the engine reads 0 as an ephemeral port.
func msrpEngineConfig(c config.MSRPConfig) msrp.Config {
	port := func(p int) int {
		if p == 0 {
			return -1
		}
		return p
	}
	return msrp.Config{
		ListenIP:            c.ListenIP,
		ListenPort:          port(c.ListenPort),
		ListenSSLPort:       port(c.ListenSSLPort),
		CertFile:            c.SecureCert,
		KeyFile:             c.SecureKey,
		MessageBufferSize:   c.MessageBufferSize,
		SendBufferSize:      c.SendBufferSize,
		FrameBufferSize:     c.BufferSize,
		MaxConnections:      c.MaxConnections,
		SessionWaitRetries:  c.SessionWaitRetries,
		SessionWaitInterval: c.SessionWaitInterval,
		DestroyRetries:      c.DestroyRetries,
		DestroyInterval:     c.DestroyInterval,
		TransactionTimeout:  c.TransactionTimeout,
		HandshakeTimeout:    c.HandshakeTimeout,
		Debug:               c.Debug,
	}
}

func (d *Daemon) startMSRP() error {
	if d.config.MSRP.ListenPort == 0 && d.config.MSRP.ListenSSLPort == 0 {
		slog.Info("msrp disabled")
		return nil
	}
	engine, err := msrp.NewEngine(msrpEngineConfig(d.config.MSRP))
	if err != nil {
		return err
	}
	if err := engine.Start(d.ctx); err != nil {
		return err
	}
	d.engine = engine
	return nil
}

func (d *Daemon) startExporter() error {
	if !d.config.Events.Kafka.Enabled {
		return nil
	}
	exporter, err := eventbus.NewKafkaExporter(d.config.Events.Kafka)
	if err != nil {
		return err
	}
	if err := exporter.Attach(d.bus); err != nil {
		exporter.Close()
		return err
	}
	d.exporter = exporter
	slog.Info("channel events exported to kafka",
		"brokers", d.config.Events.Kafka.Brokers,
		"topic", d.config.Events.Kafka.Topic,
	)
	return nil
}

func (d *Daemon) startCDR() error {
	cfg := d.config.CDR
	if !cfg.Enabled {
		return nil
	}

	var sinks []cdr.Sink
	if cfg.MySQL.Enabled {
		s, err := cdr.NewMySQLSink(d.ctx, cfg.MySQL.DSN, cfg.MySQL.Table)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}
	if cfg.S3.Enabled {
		s, err := cdr.NewS3Sink(d.ctx, cfg.S3.BucketURI, cfg.S3.Region)
		if err != nil {
			for _, prev := range sinks {
				prev.Close()
			}
			return err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		slog.Warn("cdr enabled without any sink")
		return nil
	}

	w := cdr.NewWriter(sinks...)
	if err := w.Attach(d.bus); err != nil {
		w.Close()
		return err
	}
	d.cdrWriter = w
	return nil
}

// startKafkaConsumer starts the Kafka command consumer in background.
func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(d.config.Control.Kafka, d.config.Node.Hostname, d.cmdHandler)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer

	go func() {
		if err := consumer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
	}()
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	api.New(d.channels, d.engine).Mount(d.metricsServer.Router())
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
