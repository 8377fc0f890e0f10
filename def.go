package main

/*
	Type and flag definations

	This file contains all the type and flag definations
*/

import (
	"flag"
	"time"

	"github.com/sidcorp-team/pingwall/mod/dynamicproxy"
	"github.com/sidcorp-team/pingwall/mod/pwconfig"
	"github.com/sidcorp-team/pingwall/mod/pwlog"
	"github.com/sidcorp-team/pingwall/mod/pwmetrics"
)

const (
	/* Build Constants */
	SYSTEM_NAME    = "pingwall"
	SYSTEM_VERSION = "1.0.0"

	/* System Constants */
	LOG_PREFIX             = "pw"
	LOG_EXTENSION          = ".log"
	DEFAULT_METRICS_PORT   = 9090
	DEFAULT_SWEEP_INTERVAL = 60 * time.Second
)

/* System Startup Flags */
var (
	configPath = flag.String("config", "", "Path to the pingwall YAML configuration file")
	showver    = flag.Bool("version", false, "Show version of this server")
	logDir     = flag.String("log", "", "Log folder path, leave empty to log to stdout only")
)

/* Global Variables and Handlers */
var (
	bootTime = time.Now().Unix()

	SystemWideLogger *pwlog.Logger

	activeConfig *pwconfig.Snapshot
	router       *dynamicproxy.Router
	metricsSink  *pwmetrics.Sink

	shutdownChan = make(chan struct{})
)
