// Command cluvio-agent runs the connection agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"net/http/pprof"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cluvio/agent/pkg/agent"
	"github.com/cluvio/agent/pkg/sealedbox"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Config     string
	Version    bool
	Log        string
	JSON       bool
	GenKeypair bool
	Help       bool
}

func init() {
	pflag.StringVarP(&opt.Config, "config", "c", "", "Path to configuration file")
	pflag.BoolVar(&opt.Version, "version", false, "Show version information")
	pflag.StringVarP(&opt.Log, "log", "l", "agent=info", "Log filter (level, or comma-separated component=level)")
	pflag.BoolVarP(&opt.JSON, "json", "j", false, "Use json format for log messages")
	pflag.BoolVar(&opt.GenKeypair, "gen-keypair", false, "Generate a new keypair and exit")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config overrides from the environment are ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	if opt.Version {
		fmt.Println(agent.VersionString())
		return
	}

	if opt.GenKeypair {
		if err := printKeypair(); err != nil {
			fmt.Fprintf(os.Stderr, "error: generate keypair: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log, err := configureLogging(opt.Log, opt.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(1)
	}

	environ := os.Environ()
	if pflag.NArg() == 1 {
		e, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		environ = e
	}

	path := opt.Config
	if path == "" {
		if path = agent.FindConfig(); path == "" {
			fmt.Fprintf(os.Stderr, "error: config file not found; see `%s --help` for details\n", os.Args[0])
			os.Exit(1)
		}
	}
	log.Info().Str("path", path).Msg("configuration")

	cfg, err := agent.ReadConfig(path, environ)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: config: %v\n", err)
		os.Exit(1)
	}

	a, err := agent.New(cfg, log.With().Str("component", "agent").Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: agent: %v\n", err)
		os.Exit(1)
	}

	if dbgAddr, ok := lookupEnv("CLUVIO_AGENT_INSECURE_DEBUG_ADDR", environ); ok && dbgAddr != "" {
		go runDebugServer(dbgAddr, a)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reason, err := a.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: run agent: %v\n", err)
		os.Exit(1)
	}
	log.Info().Stringer("reason", reason).Msg("agent was terminated by gateway")
}

// printKeypair writes a freshly generated keypair to stdout.
func printKeypair() error {
	sk, err := sealedbox.NewSecretKey()
	if err != nil {
		return err
	}
	pk := sk.PublicKey()
	fmt.Printf("public-key: %s\nsecret-key: %s\n", pk.Base64(), sk.Base64())
	return nil
}

// configureLogging builds the root logger from the log filter. The filter is
// either a bare level ("debug") or a comma-separated list of component=level
// pairs; the "agent" component selects the root level.
func configureLogging(filter string, json bool) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	for _, part := range strings.Split(filter, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			name, val = "agent", name
		}
		if name != "agent" {
			continue
		}
		l, err := zerolog.ParseLevel(val)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log filter %q: %w", filter, err)
		}
		level = l
	}

	var out = os.Stderr
	var l zerolog.Logger
	if json {
		l = zerolog.New(out)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return l.Level(level).With().Timestamp().Logger(), nil
}

// runDebugServer serves pprof and metrics on addr. Never expose this beyond
// localhost.
func runDebugServer(addr string, a *agent.Agent) {
	fmt.Fprintf(os.Stderr, "warning: running insecure debug server on %q\n", addr)

	dbg := http.NewServeMux()
	dbg.HandleFunc("/debug/pprof/", pprof.Index)
	dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
	dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
	dbg.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WriteProcessMetrics(w)
		a.WritePrometheus(w)
	})

	if err := http.ListenAndServe(addr, dbg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to start debug server: %v\n", err)
	}
}

func lookupEnv(key string, environ []string) (string, bool) {
	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
