// Command relay-demo wires the relay event bus and broadcast router end to
// end and walks a scripted agent run through them. With no configuration it
// records deliveries in memory and prints them; point it at Redis to publish
// into Pulse streams instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	pulsetransport "goa.design/relay/features/transport/pulse"
	pulseclient "goa.design/relay/features/transport/pulse/clients/pulse"
	"goa.design/relay/relay/bus"
	"goa.design/relay/relay/chat"
	"goa.design/relay/relay/recipients"
	"goa.design/relay/relay/router"
	"goa.design/relay/relay/runctx"
	"goa.design/relay/relay/telemetry"
	"goa.design/relay/relay/transport"
	"goa.design/relay/relay/transport/inmem"
)

type (
	// config holds the demo settings loaded from YAML.
	config struct {
		// Verbosity is the agent-default tool verbosity (off, partial, full).
		Verbosity string `yaml:"verbosity"`
		// HeartbeatsVisible surfaces heartbeat-triggered runs in global chat.
		HeartbeatsVisible bool `yaml:"heartbeats_visible"`
		// DeltaInterval is the minimum time between chat deltas per run,
		// as a Go duration string (e.g. "150ms").
		DeltaInterval string `yaml:"delta_interval"`
		// Redis configures the optional Pulse transport.
		Redis redisConfig `yaml:"redis"`
	}

	redisConfig struct {
		// Addr enables the Pulse transport when non-empty (e.g. "localhost:6379").
		Addr string `yaml:"addr"`
		// StreamMaxLen bounds the number of entries kept per Pulse stream.
		StreamMaxLen int `yaml:"stream_max_len"`
	}
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		redisF  = flag.String("redis", "", "Redis address (overrides config, enables Pulse transport)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load config %q", *configF)
	}
	if *redisF != "" {
		cfg.Redis.Addr = *redisF
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "demo failed")
	}
}

// loadConfig reads the YAML configuration at path. An empty path yields
// defaults.
func loadConfig(path string) (config, error) {
	cfg := config{Verbosity: string(runctx.VerbosityPartial)}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config) error {
	var deltaInterval time.Duration
	if cfg.DeltaInterval != "" {
		d, err := time.ParseDuration(cfg.DeltaInterval)
		if err != nil {
			return fmt.Errorf("parse delta_interval: %w", err)
		}
		deltaInterval = d
	}

	var (
		contexts = runctx.NewRegistry()
		chatRuns = chat.NewRuns()
		recips   = recipients.NewRegistry(recipients.Options{})
	)

	// Record deliveries in memory unless Redis is configured, in which case
	// publish into Pulse streams.
	var (
		caster   transport.Broadcaster
		sessions transport.SessionSender
		recorder *inmem.Transport
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pc, err := pulseclient.New(pulseclient.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return err
		}
		pt, err := pulsetransport.New(pulsetransport.Options{Client: pc})
		if err != nil {
			return err
		}
		defer pt.Close(ctx)
		caster, sessions = pt, pt
		log.Print(ctx, log.KV{K: "transport", V: "pulse"}, log.KV{K: "redis", V: cfg.Redis.Addr})
	} else {
		recorder = inmem.New()
		caster, sessions = recorder, recorder
		log.Print(ctx, log.KV{K: "transport", V: "inmem"})
	}

	rtr, err := router.New(router.Config{
		Contexts:          contexts,
		ChatRuns:          chatRuns,
		Recipients:        recips,
		Broadcaster:       caster,
		Sessions:          sessions,
		DefaultVerbosity:  runctx.Verbosity(cfg.Verbosity),
		HeartbeatsVisible: cfg.HeartbeatsVisible,
		DeltaInterval:     deltaInterval,
		Logger:            telemetry.NewClueLogger(),
		Metrics:           telemetry.NewOTelMetrics(),
	})
	if err != nil {
		return err
	}

	b, err := bus.New(bus.Options{
		Contexts: contexts,
		Logger:   telemetry.NewClueLogger(),
		Metrics:  telemetry.NewOTelMetrics(),
	})
	if err != nil {
		return err
	}
	sub, err := b.Register(bus.SubscriberFunc(rtr.HandleEvent))
	if err != nil {
		return err
	}
	defer sub.Close()

	// Script a single chat-originated run: register the chat link and run
	// context up front the way a channel adapter would, then emit the run's
	// event stream.
	var (
		runID       = uuid.NewString()
		clientRunID = uuid.NewString()
		sessionKey  = "demo-session"
		connID      = "demo-conn"
	)
	chatRuns.Add(sessionKey, chat.Entry{SessionKey: sessionKey, ClientRunID: clientRunID})
	contexts.Register(runID, runctx.Context{SessionKey: sessionKey})
	recips.Add(runID, connID)

	emit := func(stream bus.Stream, data map[string]any) {
		if _, ok := b.Emit(ctx, bus.EventInput{RunID: runID, Stream: stream, Data: data}); !ok {
			log.Printf(ctx, "event rejected: stream=%s", stream)
		}
	}

	emit(bus.StreamLifecycle, map[string]any{"phase": bus.PhaseStart})
	emit(bus.StreamAssistant, map[string]any{"text": "Thinking"})
	emit(bus.StreamTool, map[string]any{
		"name":   "search",
		"phase":  bus.PhaseStart,
		"input":  map[string]any{"query": "weather"},
		"result": map[string]any{"hits": 3},
	})
	emit(bus.StreamAssistant, map[string]any{"text": "Thinking about the weather"})
	emit(bus.StreamAssistant, map[string]any{"text": "It is sunny today."})
	emit(bus.StreamLifecycle, map[string]any{"phase": bus.PhaseEnd})

	log.Print(ctx, log.KV{K: "run_id", V: runID}, log.KV{K: "client_run_id", V: clientRunID})

	if recorder != nil {
		printDeliveries(recorder.Deliveries())
	}
	return nil
}

// printDeliveries renders recorded deliveries as JSON lines, one per
// delivery, so the scripted run's output can be inspected.
func printDeliveries(ds []inmem.Delivery) {
	for i, d := range ds {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			payload = []byte(fmt.Sprintf("%v", d.Payload))
		}
		target := string(d.Kind)
		switch d.Kind {
		case inmem.KindConnections:
			target = fmt.Sprintf("connections%v", d.ConnIDs)
		case inmem.KindSession:
			target = "session:" + d.SessionKey
		}
		fmt.Printf("%2d %-6s %-24s %s\n", i+1, d.Event, target, payload)
	}
}
