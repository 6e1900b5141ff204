/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-23
 *
 * rtc-server - 独立运行 STUN / TURN 服务和 websocket 信令中继
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maiguangyang/peer_core/pkg/server"
	"github.com/maiguangyang/peer_core/pkg/signaling"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/spf13/pflag"
)

type options struct {
	stunBind   string
	turnBind   string
	relayIP    string
	realm      string
	authFile   string
	signalAddr string
	logLevel   string

	authUser     string
	authPassword string
}

func parseCmdline() *options {
	o := &options{}

	// STUN / TURN
	pflag.StringVarP(&o.stunBind, "stun", "s", "", "Bind address of the STUN server (ip or ip:port, default port 3478)")
	pflag.StringVarP(&o.turnBind, "turn", "t", "", "Bind address of the TURN server (ip or ip:port)")
	pflag.StringVarP(&o.relayIP, "relay-ip", "r", "", "Public IP advertised in TURN relay addresses")
	pflag.StringVar(&o.realm, "realm", "peer_core", "TURN realm")
	pflag.StringVarP(&o.authFile, "auth-file", "a", "", "TURN users, one username=HA1hex per line")

	// 信令中继
	pflag.StringVar(&o.signalAddr, "signal", "", "Listen address of the websocket signaling relay, e.g. :8080")

	// 生成 auth 文件的一行后退出
	pflag.StringVar(&o.authUser, "gen-user", "", "Print an auth file line for this user and exit (needs --gen-password)")
	pflag.StringVar(&o.authPassword, "gen-password", "", "Password used with --gen-user")

	pflag.StringVarP(&o.logLevel, "log-level", "l", "info", "Log level: trace, debug, info, warn, error")
	pflag.Parse()
	return o
}

func parseLevel(s string) (utils.LogLevel, error) {
	for _, l := range []utils.LogLevel{utils.LogLevelTrace, utils.LogLevelDebug, utils.LogLevelInfo, utils.LogLevelWarn, utils.LogLevelError} {
		if strings.EqualFold(l.String(), s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func run(ctx context.Context, o *options) error {
	log := utils.GetLogger()
	config := server.Config{Logger: log}

	var servers []*server.Server
	defer func() {
		for _, s := range servers {
			if err := s.Close(); err != nil {
				log.Warn("close %s: %v", s.Kind(), err)
			}
		}
	}()

	if o.stunBind != "" {
		s, err := server.RunSTUNServer(o.stunBind, config)
		if err != nil {
			return fmt.Errorf("stun: %w", err)
		}
		servers = append(servers, s)
	}
	if o.turnBind != "" {
		s, err := server.RunTURNServer(server.TURNConfig{
			Bind:     o.turnBind,
			RelayIP:  o.relayIP,
			Realm:    o.realm,
			AuthFile: o.authFile,
		}, config)
		if err != nil {
			return fmt.Errorf("turn: %w", err)
		}
		servers = append(servers, s)
	}

	var httpServer *http.Server
	errCh := make(chan error, 1)
	if o.signalAddr != "" {
		relay := signaling.NewServer(log)
		defer relay.Close()
		mux := http.NewServeMux()
		mux.Handle("/ws", relay)
		httpServer = &http.Server{Addr: o.signalAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("signaling: %w", err)
			}
		}()
		go func() { _ = relay.ServePairs(ctx) }()
		log.Info("signaling relay listening on %s/ws", o.signalAddr)
	}

	if len(servers) == 0 && httpServer == nil {
		return errors.New("nothing to run, use --stun, --turn or --signal")
	}
	for _, s := range servers {
		log.Info("%s server listening on %s", s.Kind(), s.Addr())
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return err
}

func main() {
	o := parseCmdline()

	if o.authUser != "" {
		if o.authPassword == "" {
			fmt.Fprintln(os.Stderr, "--gen-user needs --gen-password")
			os.Exit(2)
		}
		fmt.Println(server.AuthLine(o.authUser, o.realm, o.authPassword))
		return
	}

	level, err := parseLevel(o.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	utils.SetLevel(level)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		utils.Error("%v", err)
		os.Exit(1)
	}
}
