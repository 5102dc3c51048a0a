package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/arbiter/internal/audit"
	"github.com/KafClaw/arbiter/internal/bus"
	"github.com/KafClaw/arbiter/internal/config"
	"github.com/KafClaw/arbiter/internal/engine"
	"github.com/KafClaw/arbiter/internal/router"
	"github.com/KafClaw/arbiter/internal/store"
)

// runtime is everything a command needs to talk to the engine.
type runtime struct {
	cfg    *config.Config
	engine *engine.Engine
	store  *store.SQLiteStore
	bus    *bus.MessageBus
	kafka  *bus.KafkaSink
}

// openRuntime loads config, configures logging and opens the state database.
// Callers must Close the result.
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log, cmd.ErrOrStderr())

	st, err := store.NewSQLiteStore(cfg.Paths.DBPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, store: st, bus: bus.NewMessageBus(cfg.Events.BusBuffer)}
	rt.bus.Subscribe("", func(ev *bus.Event) {
		slog.Debug("Event", "type", ev.Type, "resource", ev.Resource, "decision", ev.DecisionID)
	})

	ledger, err := audit.NewSQLiteLedger(st.DB())
	if err != nil {
		rt.Close()
		return nil, err
	}

	sinks := bus.MultiSink{rt.bus}
	if cfg.Events.Brokers != "" {
		k, err := bus.NewKafkaSink(cfg.Events.Brokers, cfg.Events.Topic, cfg.Events.Timeout)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		rt.kafka = k
		sinks = append(sinks, k)
	}

	lex, err := cfg.Lexicon()
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load lexicon: %w", err)
	}

	deps := engine.Deps{
		Store:    st,
		Ledger:   ledger,
		Sink:     sinks,
		Registry: router.NewStaticRegistry(cfg.Agents),
		Lexicon:  lex,
	}
	if hasCommands(cfg.Agents) {
		deps.Executor = engine.NewCommandExecutor(cfg.Agents, cfg.Retry.CommandTimeout)
	}
	rt.engine, err = engine.New(cfg.Engine(), deps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close flushes queued events and releases the database and Kafka writer.
func (rt *runtime) Close() {
	rt.bus.Drain()
	if rt.kafka != nil {
		if err := rt.kafka.Close(); err != nil {
			slog.Warn("Failed to close kafka sink", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		slog.Warn("Failed to close state db", "error", err)
	}
}

func hasCommands(agents []router.AgentInfo) bool {
	for _, a := range agents {
		if a.Command != "" {
			return true
		}
	}
	return false
}

func setupLogging(cfg config.LogConfig, w io.Writer) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// splitList parses a comma-separated flag value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
