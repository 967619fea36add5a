/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rowsync/rowsync/conf"
	"github.com/rowsync/rowsync/replication"
	"github.com/rowsync/rowsync/storage"
	"github.com/rowsync/rowsync/utils"
	"github.com/rowsync/rowsync/utils/log"
)

const name = `repliconctl`
const desc = `repliconctl runs a single replicon replication node`

var (
	configFile  string
	metricsAddr string
	showVersion bool
)

var (
	version = "dev"
	commit  = "unknown"
)

func init() {
	flag.StringVar(&configFile, "config", "./config.yaml", "Config file path")
	flag.StringVar(&metricsAddr, "metrics", "", "Address to expose Prometheus metrics on, empty disables it")
	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "\n%s\n\n", desc)
		fmt.Fprintf(os.Stderr, "Usage: %s [arguments]\n", name)
		flag.PrintDefaults()
	}
}

func main() {
	log.SetLevel(log.InfoLevel)
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (%s) %s/%s %s\n", name, version, commit, runtime.GOOS, runtime.GOARCH, runtime.Version())
		os.Exit(0)
	}

	cfg, err := conf.LoadConfig(configFile)
	if err != nil {
		log.WithField("config", configFile).WithError(err).Fatal("load config failed")
	}
	conf.GConf = cfg

	log.Infof("%s starting as peer %d, version %s commit %s", name, cfg.ThisPeerID, version, commit)

	db, err := openDatabase(cfg)
	if err != nil {
		log.WithError(err).Fatal("open database failed")
	}
	defer db.Close()

	node, err := replication.New(cfg, db)
	if err != nil {
		log.WithError(err).Fatal("construct replication node failed")
	}

	if metricsAddr != "" {
		serveMetrics(metricsAddr, node.Metrics)
	}

	dialKnownPeers(node, cfg)

	if cfg.ListenAddr != "" {
		serveIncomingPeers(node, cfg.ListenAddr)
	}

	node.Start()
	defer node.Stop()

	log.Info("node running, press Ctrl+C to stop")
	<-utils.WaitForExit()
	log.Info("node stopped")
}

// openDatabase opens the node's SQLite file through replication's
// engine driver, which has keep_last registered on every connection.
// busy_timeout is set so concurrent debounced-merge and local-write
// transactions back off instead of failing with SQLITE_BUSY.
func openDatabase(cfg *conf.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.WorkingRoot, 0755); err != nil {
		return nil, err
	}
	dsn, err := storage.NewDSN(filepath.Join(cfg.WorkingRoot, "replicon.db3"))
	if err != nil {
		return nil, err
	}
	dsn.AddParam("_busy_timeout", "5000")
	dsn.AddParam("_journal_mode", "WAL")
	return sql.Open(replication.EngineDriver(), dsn.Format())
}

// serveMetrics starts a background HTTP server exposing node's
// Prometheus collector at /metrics.
func serveMetrics(addr string, collector prometheus.Collector) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		log.WithError(err).Error("register metrics collector failed")
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.Infof("metrics listening on %s", addr)
}

// serveIncomingPeers starts the transport listener that accepts
// connections from peers dialing this node instead of the other way
// around, identifying the caller from its "peer" query parameter.
func serveIncomingPeers(node *replication.Node, addr string) {
	server := &replication.WebsocketServer{
		Addr: addr,
		Mux:  node.Mux,
		IdentifyPeer: func(r *http.Request) (uint64, bool) {
			return parsePeerQueryParam(r.URL.Query().Get("peer"))
		},
	}
	go func() {
		if err := server.Serve(); err != nil {
			log.WithError(err).Error("peer listener stopped")
		}
	}()
	log.Infof("listening for peer connections on %s", addr)
}

func parsePeerQueryParam(s string) (uint64, bool) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// dialKnownPeers opens an outbound websocket to every peer named in
// config, logging and continuing past any that can't be reached yet
// ("skip socket, log, continue").
func dialKnownPeers(node *replication.Node, cfg *conf.Config) {
	for _, peer := range cfg.KnownPeers {
		if err := replication.DialWebsocket(node.Mux, peer.PeerID, peer.Addr); err != nil {
			log.WithError(err).Warnf("dial peer %d at %s failed, will rely on it calling back", peer.PeerID, peer.Addr)
			continue
		}
		log.Infof("connected to peer %d at %s", peer.PeerID, peer.Addr)
	}
}
