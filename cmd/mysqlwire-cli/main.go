// Command mysqlwire-cli is a small example binary that loads a YAML
// config, builds a ConnPool against one MySQL DSN, serves the diagnostics
// HTTP routes, and runs SQL given on the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mysqlwire/mysqlwire"
	"github.com/mysqlwire/mysqlwire/config"
	"github.com/mysqlwire/mysqlwire/internal/diagnostics"
	"github.com/mysqlwire/mysqlwire/metrics"
	"github.com/mysqlwire/mysqlwire/pool"
)

func main() {
	configPath := flag.String("config", "configs/mysqlwire.yaml", "path to configuration file")
	query := flag.String("query", "", "SQL to run once at startup; prints the first result set, then exits if -serve=false")
	serve := flag.Bool("serve", true, "keep running and serve the diagnostics HTTP routes until a shutdown signal arrives")
	flag.Parse()

	slog.Info("mysqlwire-cli starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "host", cfg.Database.Host, "dbname", cfg.Database.DBName)

	opts := mysqlwire.DefaultOptions()
	opts.Host = cfg.Database.Host
	opts.Port = cfg.Database.Port
	opts.DB = cfg.Database.DBName
	opts.User = cfg.Database.Username
	opts.Passwd = cfg.Database.Password
	if cfg.Database.Charset != "" {
		opts.Charset = cfg.Database.Charset
	}

	m := metrics.New()

	p := pool.New(pool.Config{
		Options:        opts,
		MinConns:       cfg.Pool.MinConnections,
		MaxConns:       cfg.Pool.MaxConnections,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		MaxLifetime:    cfg.Pool.MaxLifetime,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	})
	p.SetOnPoolExhausted(func() {
		m.PoolExhausted("default")
	})

	stopStatsLoop := startStatsLoop(p, m, 5*time.Second)
	defer stopStatsLoop()

	if *query != "" {
		if err := runQuery(p, *query); err != nil {
			slog.Error("query failed", "err", err)
			os.Exit(1)
		}
	}

	if !*serve {
		p.Close()
		return
	}

	diag := diagnostics.NewServer(p, m, cfg.Listen)
	if err := diag.Start(cfg.Listen.APIPort); err != nil {
		slog.Error("failed to start diagnostics server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("config file reloaded; the running pool keeps its original settings")
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("mysqlwire-cli ready", "api_port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	diag.Stop()
	p.Close()

	slog.Info("mysqlwire-cli stopped")
}

// runQuery acquires a connection, runs sql, and prints the first result
// set (if any) to stdout as tab-separated rows.
func runQuery(p *pool.ConnPool, sql string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pc, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer pc.Return()

	res, err := pc.Conn().Query(ctx, sql)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if !res.HasResult {
		fmt.Printf("OK: %d rows affected\n", res.AffectedRows)
		return nil
	}

	cols := make([]string, len(res.Description))
	for i, d := range res.Description {
		cols[i] = d[0]
	}
	fmt.Println(strings.Join(cols, "\t"))

	for {
		row, ok := res.Fetchone()
		if !ok {
			break
		}
		vals := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				vals[i] = "NULL"
			} else {
				vals[i] = *v
			}
		}
		fmt.Println(strings.Join(vals, "\t"))
	}
	return nil
}

// startStatsLoop polls p.Stats() into m on a ticker and returns a stop
// function, mirroring the donor's pool.StartStatsLoop reporting pattern.
func startStatsLoop(p *pool.ConnPool, m *metrics.Collector, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s := p.Stats()
				m.UpdatePoolStats("default", s.Active, s.Idle, s.Total, s.Waiting)
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
