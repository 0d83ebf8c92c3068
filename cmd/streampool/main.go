// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command streampool replays the abandoned-iteration scenarios against a
// pool and reports what happened to the pool.
//
// Usage:
//
//	streampool [-driver wire] [-dsn addr] [-config pool.yaml] [-scenario abandon|drain|desync]
//
// Without -dsn and with the wire driver an in-process server is started.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weiwenchen2022/streampool"
	"github.com/weiwenchen2022/streampool/driver"
	_ "github.com/weiwenchen2022/streampool/sqldriver"
	"github.com/weiwenchen2022/streampool/wire"
)

var (
	configPath    = flag.String("config", "", "pool settings file (.yaml, .yml or .toml)")
	driverName    = flag.String("driver", "wire", "driver name: wire, sqlite3, mysql or pgx")
	dsn           = flag.String("dsn", "", "data source name; pool parameters may be given as query parameters")
	serve         = flag.Bool("serve", false, "start an in-process wire server even if -dsn is set")
	scenario      = flag.String("scenario", "abandon", "scenario to run: abandon, drain or desync")
	checkOnReturn = flag.Bool("check-on-return", false, "validate sessions when they are released")
	verbose       = flag.Bool("v", false, "log pool events")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	if err := run(log); err != nil {
		log.WithError(err).Error("streampool failed")
		os.Exit(1)
	}
}

func run(log *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	address, cfg, err := streampool.ParseDSN(*dsn)
	if err != nil {
		return err
	}
	if *configPath != "" {
		if cfg, err = streampool.LoadConfig(*configPath); err != nil {
			return err
		}
	} else if *dsn == "" {
		cfg.ConnectionsMin, cfg.ConnectionsMax = 1, 1
	}
	cfg.CheckOnReturn = cfg.CheckOnReturn || *checkOnReturn
	cfg.DrainOnClose = cfg.DrainOnClose || *scenario == "drain"
	cfg.Logger = log

	if *serve || (*dsn == "" && *driverName == "wire") {
		srv := wire.NewServer(wire.NewMemoryHandler())
		srv.Logger = log
		addr, err := srv.Listen("127.0.0.1:0")
		if err != nil {
			return err
		}
		defer srv.Close()
		address = addr.String()
		log.WithField("addr", address).Info("wire server started")
	}

	p, err := streampool.OpenConfig(ctx, *driverName, address, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := seed(ctx, p); err != nil {
		log.WithError(err).Warn("seeding authors failed; assuming the table exists")
	}

	fmt.Printf("pool: connections_min=%d connections_max=%d check_on_return=%t drain_on_close=%t\n",
		cfg.ConnectionsMin, cfg.ConnectionsMax, cfg.CheckOnReturn, cfg.DrainOnClose)
	fmt.Printf("size before: %d\n", p.Size())

	switch *scenario {
	case "abandon", "drain":
		err = abandon(ctx, p)
	case "desync":
		err = desync(ctx, p)
	default:
		return fmt.Errorf("unknown scenario %q", *scenario)
	}
	if err != nil {
		return err
	}

	st := p.Stats()
	fmt.Printf("size after: %d (open=%d poisoned=%d invalid=%d)\n",
		p.Size(), st.OpenConnections, st.PoisonedClosed, st.InvalidClosed)
	return nil
}

func seed(ctx context.Context, p *streampool.Pool) error {
	if err := p.Exec(ctx, "CREATE TABLE authors (id INTEGER, name TEXT)"); err != nil {
		return err
	}
	return p.Exec(ctx, "INSERT INTO authors VALUES (1, 'a1'), (2, 'a2'), (3, 'a3')")
}

// abandon reads one row of a multi-row result, then stops.
// With -scenario drain the stream is closed explicitly, which cancels it.
func abandon(ctx context.Context, p *streampool.Pool) error {
	err := p.WithConn(ctx, func(c *streampool.Conn) error {
		rows, err := c.Execute(ctx, "SELECT * FROM authors")
		if err != nil {
			return err
		}
		defer rows.Close()

		for row, err := range rows.All() {
			if err != nil {
				return err
			}
			fmt.Printf("first row: %v\n", row)
			break
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("size after interrupted iteration: %d\n", p.Size())

	return printAuthor(ctx, p, 1)
}

// desync reads one row behind the pool's back, so the session goes back
// to the pool with unread frames, and queries it again.
func desync(ctx context.Context, p *streampool.Pool) error {
	c, err := p.Conn(ctx)
	if err != nil {
		return err
	}
	err = c.Raw(func(s driver.Session) error {
		rs, err := s.Execute(ctx, "SELECT * FROM authors")
		if err != nil {
			return err
		}
		_, err = rs.Next()
		return err
	})
	c.Close()
	if err != nil {
		return err
	}
	fmt.Printf("size after untracked iteration: %d\n", p.Size())

	err = printAuthor(ctx, p, 1)
	if err == nil {
		fmt.Println("query succeeded; the driver cancelled the abandoned result")
		return nil
	}

	fmt.Println("query failed:")
	for i, e := range streampool.Chain(err) {
		fmt.Printf("  %d: %T: %v\n", i, e, e)
	}
	if errors.Is(err, driver.ErrStreamDesync) {
		fmt.Println("root cause is a desynchronized result stream")
	}
	return nil
}

func printAuthor(ctx context.Context, p *streampool.Pool, id int) error {
	return p.WithConn(ctx, func(c *streampool.Conn) error {
		rows, err := c.Execute(ctx, fmt.Sprintf("SELECT * FROM authors WHERE id = %d", id))
		if err != nil {
			return err
		}
		for row, err := range rows.All() {
			if err != nil {
				return err
			}
			fmt.Printf("author %d: %v\n", id, row)
		}
		return nil
	})
}
