// Command colfamd boots one shard's Database: the configured column
// families, the admin HTTP surface, and (when configured) a ZooKeeper-based
// topology resolver gating streamed writes.
//
// Startup uses a signal.NotifyContext for SIGINT/SIGTERM, reads required
// settings from the environment with an os.Exit(1) on anything missing,
// and runs a defer-chained shutdown sequence ending in a block on
// <-ctx.Done().
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cassandane/colfam/internal/adminhttp"
	"github.com/cassandane/colfam/pkg/config"
	"github.com/cassandane/colfam/pkg/database"
	"github.com/cassandane/colfam/pkg/topology"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(envOrDefault("COLFAM_CONFIG", "colfam.yaml"))
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	dataDir := os.Getenv("COLFAM_DATA_DIR")
	if dataDir == "" {
		fmt.Println("COLFAM_DATA_DIR is not set")
		os.Exit(1)
	}

	tablesEnv := os.Getenv("COLFAM_TABLES")
	if tablesEnv == "" {
		fmt.Println("COLFAM_TABLES is not set (expected \"keyspace.name,keyspace.name\")")
		os.Exit(1)
	}

	shard, err := parseShard(os.Getenv("COLFAM_SHARD"))
	if err != nil {
		fmt.Printf("malformed COLFAM_SHARD: %v\n", err)
		os.Exit(1)
	}

	db := database.New(dataDir, shard, cfg)

	for _, table := range strings.Split(tablesEnv, ",") {
		keyspace, name, err := splitTable(table)
		if err != nil {
			fmt.Printf("malformed COLFAM_TABLES entry %q: %v\n", table, err)
			os.Exit(1)
		}
		schemaName := name
		if _, err := db.OpenColumnFamily(ctx, keyspace, name, func() string { return schemaName }); err != nil {
			fmt.Printf("failed to open column family %s.%s: %v\n", keyspace, name, err)
			os.Exit(1)
		}
		fmt.Printf("opened column family %s.%s\n", keyspace, name)
	}

	var topo *topology.Resolver
	if zkServersEnv := os.Getenv("COLFAM_ZK_SERVERS"); zkServersEnv != "" {
		zkPath := envOrDefault("COLFAM_ZK_PATH", "/colfam/ranges")
		topo, err = topology.NewResolver(strings.Split(zkServersEnv, ","), zkPath)
		if err != nil {
			fmt.Printf("failed to connect to ZooKeeper: %v\n", err)
			os.Exit(1)
		}
		db.SetTopology(topo)
		go topo.Watch(ctx)
		fmt.Println("topology resolver watching", zkPath)
	}

	admin := adminhttp.New(db, envOrDefault("COLFAM_ADMIN_ADDR", ":8090"))
	if err := admin.Start(); err != nil {
		fmt.Printf("failed to start admin HTTP server: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("colfamd running, shard", shard)
	fmt.Println("press Ctrl+C to stop...")

	<-ctx.Done()

	if err := admin.Stop(); err != nil {
		fmt.Printf("error stopping admin HTTP server: %v\n", err)
	}
	if topo != nil {
		if err := topo.Close(); err != nil {
			fmt.Printf("error closing topology resolver: %v\n", err)
		}
	}
	if err := db.Close(); err != nil {
		fmt.Printf("error closing database: %v\n", err)
	}

	fmt.Println("colfamd stopped")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseShard(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func splitTable(s string) (keyspace, name string, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected \"keyspace.name\"")
	}
	return parts[0], parts[1], nil
}
