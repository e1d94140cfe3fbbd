// Command corestack runs the SIP transaction layer and the TURN relay
// server side by side, wired the way cmd/proxysip/main.go wires its SIP
// proxy: zerolog console logging promoted to slog for the library
// packages, a /metrics Prometheus endpoint, statsviz's live profiling
// dashboard, and a bare-bones SIP UAS that answers every INVITE with a
// synthesised decline so the transaction layer has something to drive.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	slogzerolog "github.com/samber/slog-zerolog/v2"

	"log/slog"

	"github.com/sipsorcery-go/corestack/message"
	"github.com/sipsorcery-go/corestack/transaction"
	"github.com/sipsorcery-go/corestack/transport"
	"github.com/sipsorcery-go/corestack/turn"
)

func main() {
	sipAddr := flag.String("sip", "127.0.0.1:5060", "SIP UDP listen address")
	turnAddr := flag.String("turn-ip", "127.0.0.1", "TURN server listen address")
	turnPort := flag.Int("turn-port", 3478, "TURN server listen port")
	turnRealm := flag.String("turn-realm", "corestack.local", "TURN long-term credential realm")
	turnUser := flag.String("turn-user", "corestack", "TURN username")
	turnPass := flag.String("turn-pass", "", "TURN password")
	httpAddr := flag.String("http", ":8080", "metrics/debug http listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(level)

	// Library packages take a *slog.Logger; bridge it onto the same
	// zerolog sink so every component lands in one stream.
	logger := slog.New(slogzerolog.Option{Level: slogLevel(level), Logger: &log.Logger}.NewZerologHandler())

	log.Info().Int("cpus", runtime.NumCPU()).Msg("starting corestack")

	reg := prometheus.NewRegistry()
	go runHTTP(*httpAddr, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sipLayer := transport.NewLayer(logger)
	if _, err := sipLayer.ListenUDP(ctx, *sipAddr); err != nil {
		log.Fatal().Err(err).Msg("listen sip udp")
	}

	engine := transaction.NewEngine(transaction.DefaultConfig(), sipLayer, logger)
	if err := engine.Metrics().Register(reg); err != nil {
		log.Error().Err(err).Msg("register transaction metrics")
	}
	sipLayer.OnMessage(engine.HandleMessage)
	engine.OnNewCall(declineEveryCall)
	go engine.Run(ctx)
	log.Info().Str("addr", *sipAddr).Msg("sip transaction layer listening")

	turnMetrics := turn.NewMetrics()
	if err := turnMetrics.Register(reg); err != nil {
		log.Error().Err(err).Msg("register turn metrics")
	}
	turnCfg := turn.DefaultServerConfig()
	turnCfg.ListenAddress = *turnAddr
	turnCfg.Port = *turnPort
	turnCfg.Realm = *turnRealm
	turnCfg.Username = *turnUser
	turnCfg.Password = *turnPass
	turnCfg.Metrics = turnMetrics

	turnSrv := turn.NewServer(turnCfg, logger)
	if err := turnSrv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("start turn server")
	}
	log.Info().Str("addr", turnCfg.ListenAddress).Int("port", turnCfg.Port).Msg("turn server listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	cancel()
	engine.Shutdown()
	turnSrv.Close()
}

func runHTTP(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if err := statsviz.Register(mux); err != nil {
		log.Error().Err(err).Msg("register statsviz")
	}
	log.Info().Str("addr", addr).Msg("http server started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("http server stopped")
	}
}

// declineEveryCall synthesises the 603 Decline spec.md §4.1 describes
// for an INVITE server transaction with no registered call handling.
func declineEveryCall(tx *transaction.Transaction, req *message.Request) {
	resp := message.NewResponseFromRequest(req, 603, "Decline")
	if err := tx.Respond(resp); err != nil {
		log.Error().Err(err).Msg("respond decline")
	}
}

func slogLevel(l zerolog.Level) slog.Level {
	switch l {
	case zerolog.DebugLevel:
		return slog.LevelDebug
	case zerolog.WarnLevel:
		return slog.LevelWarn
	case zerolog.ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
