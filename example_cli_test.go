// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool_test

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/weiwenchen2022/streampool"
	_ "github.com/weiwenchen2022/streampool/wire"
)

var pool *streampool.Pool // connection pool.

func Example_openPoolCLI() {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Lmicroseconds)

	interval := flag.Duration("interval", 1*time.Second, "poll interval")
	address := flag.String("address", os.Getenv("ADDRESS"), "wire server address")
	flag.Parse()

	if len(*address) == 0 {
		log.Fatal("missing address flag")
	}

	cfg := streampool.DefaultConfig()
	cfg.ConnectionsMax = 3
	cfg.CheckOnReturn = true

	var err error
	pool, err = streampool.OpenConfig(context.Background(), "wire", *address, cfg)
	if err != nil {
		log.Fatal("unable to use address ", err)
	}
	defer pool.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	appSignal := make(chan os.Signal, 3)
	signal.Notify(appSignal, os.Interrupt)

	go func() {
		<-appSignal
		stop()
	}()

	Ping(ctx)
	Query(ctx, *interval)
}

// Ping the server to verify the address provided by the user is valid and the
// server accessible. If the ping fails exit the program with an error.
func Ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		log.Fatalf("unable to connect to server: %v", err)
	}
}

// Query polls the server every d and prints the first row of each result.
// A connection whose stream failed is replaced by a fresh one.
func Query(ctx context.Context, d time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := pool.Conn(ctx)
	if err != nil {
		log.Fatal("unable to execute query ", err)
	}
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err = pool.Conn(ctx)
			if err != nil {
				log.Println("unable to execute query", err)
				time.Sleep(1 * time.Second)
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := conn.Execute(ctx, "SELECT * FROM numbers(3)")
			if err != nil {
				log.Println("unable to execute query", err)
				conn.Close()
				conn = nil
				continue
			}

			// Only the first row is wanted; the rest must still be read
			// for the connection to stay usable.
			var first []any
			for rows.Next() {
				if first == nil {
					first = rows.Row()
				}
			}
			if err := rows.Err(); err != nil {
				log.Println("unable to read result", err)
				conn.Close()
				conn = nil
				continue
			}

			log.Printf("first row %v", first)
		}
	}
}
