// Command perspectived is the supervisor binary an operator starts per
// node (spec.md §9 Design Notes): it owns the set of versioned
// collections, tails their oplogs, and serves the §6 wire protocol to
// peers. The concrete durable store is an external collaborator (§1
// Non-goals); this reference wiring runs against the in-memory store.Store
// test double, the same one internal/supervisor's own tests use, since no
// production storage adapter ships in this module.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Netsend/PerspectiveDB-sub000/internal/auth"
	"github.com/Netsend/PerspectiveDB-sub000/internal/merge"
	"github.com/Netsend/PerspectiveDB-sub000/internal/replconf"
	"github.com/Netsend/PerspectiveDB-sub000/internal/shakeutil"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store"
	"github.com/Netsend/PerspectiveDB-sub000/internal/store/memstore"
	"github.com/Netsend/PerspectiveDB-sub000/internal/supervisor"
	LOG "github.com/vinllen/log4go"
)

func main() {
	var (
		listenAddr = flag.String("listen", ":27020", "address the wire protocol listens on")
		network    = flag.String("network", "tcp", "listen network: tcp or unix")
		chrootPath = flag.String("chroot", "", "chroot to this path before accepting connections (unix only)")
		runAs      = flag.String("user", "", "drop privileges to this user after chroot")
		collsFlag  = flag.String("collections", "", "comma-separated db.collection list to supervise")
		logFile    = flag.String("log-file", "", "log file path (stderr only if empty)")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	if err := shakeutil.SetupLogging(shakeutil.LogConfig{File: *logFile, Level: *logLevel}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	configs, err := parseVCConfigs(*collsFlag)
	if err != nil {
		LOG.Crashf("perspectived: %v", err)
	}
	if len(configs) == 0 {
		LOG.Crashf("perspectived: -collections must name at least one db.collection")
	}

	st := memstore.New()
	verifier := auth.Static{}
	replCfg := replconf.Config{}

	sys := supervisor.New(st, verifier, replCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := sys.InitVCs(ctx, configs); err != nil {
		LOG.Crashf("perspectived: init vcs: %v", err)
	}
	if err := sys.Listen(ctx, *runAs, *chrootPath, *network, *listenAddr); err != nil {
		LOG.Crashf("perspectived: listen: %v", err)
	}
	LOG.Info("perspectived: listening on %s://%s", *network, *listenAddr)

	sig := shakeutil.WaitForShutdown()
	LOG.Info("perspectived: received %v, shutting down", sig)
	cancel()
	if err := sys.Stop(nil); err != nil {
		LOG.Warn("perspectived: stop: %v", err)
	}
}

// parseVCConfigs turns "db1.coll1,db2.coll2" into the minimal VCConfig set
// this reference wiring needs to start supervising them.
func parseVCConfigs(flagVal string) ([]supervisor.VCConfig, error) {
	var out []supervisor.VCConfig
	for _, pair := range strings.Split(flagVal, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ".", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid db.collection %q", pair)
		}
		db, coll := parts[0], parts[1]
		out = append(out, supervisor.VCConfig{
			DB:         db,
			Collection: coll,
			SizeBytes:  256 << 20,
			Policy:     merge.PolicyEditWins,
			Batch:      64,
			OplogNS:    store.NS{DB: db, Collection: "oplog." + coll},
		})
	}
	return out, nil
}
