// Command perspectivectl is a thin, out-of-process admin stub: it performs
// the §6 client handshake against a running perspectived and dumps the
// resulting revision stream as JSON lines to stdout. It deliberately does
// not manage peers, rules, or credentials — those remain operator-owned
// configuration (spec.md §1 Non-goals), so this stub is a debugging probe,
// not an administration console.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/Netsend/PerspectiveDB-sub000/internal/wire"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:27020", "perspectived address")
		network    = flag.String("network", "tcp", "tcp or unix")
		username   = flag.String("user", "", "wire username")
		password   = flag.String("password", "", "wire password")
		db         = flag.String("db", "", "db (auth realm)")
		collection = flag.String("collection", "", "collection to stream")
		offset     = flag.Int64("offset", 0, "resume from this offset")
		timeout    = flag.Duration("timeout", 10*time.Second, "dial timeout")
	)
	flag.Parse()

	if *username == "" || *db == "" || *collection == "" {
		fmt.Fprintln(os.Stderr, "perspectivectl: -user, -db, and -collection are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, *network, *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "perspectivectl: dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	line, err := json.Marshal(wire.AuthLine{
		Username: *username, Password: *password,
		DB: *db, Collection: *collection, Offset: *offset,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "perspectivectl: encode auth line:", err)
		os.Exit(1)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		fmt.Fprintln(os.Stderr, "perspectivectl: write auth line:", err)
		os.Exit(1)
	}

	r := bufio.NewReader(conn)
	enc := json.NewEncoder(os.Stdout)
	for {
		rev, err := wire.ReadRevision(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintln(os.Stderr, "perspectivectl: stream ended:", err)
			}
			return
		}
		if err := enc.Encode(rev); err != nil {
			fmt.Fprintln(os.Stderr, "perspectivectl: encode revision:", err)
			return
		}
	}
}
