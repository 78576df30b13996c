package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codingpa-ws/siprtmp/bridge"
	"github.com/codingpa-ws/siprtmp/config"
	"github.com/codingpa-ws/siprtmp/metrics"
	"github.com/codingpa-ws/siprtmp/rtmfp"
	"github.com/codingpa-ws/siprtmp/rtmp"
	"github.com/codingpa-ws/siprtmp/sip"
)

// sipFactory is installed by builds that link a concrete signaling stack.
// Without one the bridge application rejects its connections and the two
// protocol engines still run.
var sipFactory sip.Factory

func main() {
	var (
		configPath  = flag.String("config", "", "path to the YAML configuration file")
		host        = flag.String("host", "", "listening address for the streaming engine")
		port        = flag.Int("port", 0, "listening port (default 1935)")
		intIP       = flag.String("int-ip", "", "bind address for signaling and media sockets")
		extIP       = flag.String("ext-ip", "", "address advertised inside session descriptions")
		noRTMP      = flag.Bool("no-rtmp", false, "disable the streaming engine")
		middle      = flag.Bool("middle", false, "enable man-in-middle rendezvous mode")
		freqManage  = flag.Int("freq-manage", 0, "session-manager sweep interval in seconds")
		metricsAddr = flag.String("metrics", "", "serve prometheus metrics on this address")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *intIP != "" {
		cfg.IntIP = *intIP
	}
	if *extIP != "" {
		cfg.ExtIP = *extIP
	}
	if *noRTMP {
		cfg.NoRTMP = true
	}
	if *middle {
		cfg.Middle = true
	}
	if *freqManage != 0 {
		cfg.FreqManage = *freqManage
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("validating configuration", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	if *metricsAddr != "" {
		go func() {
			handler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
			if err := http.ListenAndServe(*metricsAddr, handler); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	rendezvous := &rtmfp.Server{
		Logger:          logger,
		Addr:            addr,
		Middle:          cfg.Middle,
		KeepAliveServer: uint32(cfg.KeepAliveServer),
		KeepAlivePeer:   uint32(cfg.KeepAlivePeer),
		FreqManage:      time.Duration(cfg.FreqManage) * time.Second,
	}
	errs := make(chan error, 2)
	go func() { errs <- rendezvous.Listen() }()

	if !cfg.NoRTMP {
		gateway := &bridge.Gateway{
			Logger:  logger,
			Factory: sipFactory,
			IntIP:   cfg.IntIP,
			ExtIP:   cfg.ExtIP,
		}
		streaming := &rtmp.Server{Addr: addr, Logger: logger}
		streaming.RegisterApp("sip", func(string) rtmp.App { return gateway })
		go func() { errs <- streaming.Listen() }()
	}

	logger.Fatal("server stopped", zap.Error(<-errs))
}
