package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"deltatabs/capture"
	"deltatabs/config"
	"deltatabs/keys"
	"deltatabs/logging"
	"deltatabs/master"
	"deltatabs/session"
	"deltatabs/tabs"
)

var (
	settingsPath string
	envPath      string

	region      string
	mode        string
	partyToken  string
	serverToken string
	privateName string
	address     string
	nick        string
	spectate    string
	multibox    bool
	doDebug     bool

	pcapPath    string
	realtime    bool
	recordPath  string
	listRegions bool
	versionsURL string
)

func main() {
	flag.StringVar(&settingsPath, "config", "settings.json", "settings file")
	flag.StringVar(&envPath, "env", ".env", "environment file with DELTA_* overrides")
	flag.StringVar(&region, "region", "", "region code, e.g. EU-London")
	flag.StringVar(&mode, "mode", "", "game mode, e.g. :party or :ffa")
	flag.StringVar(&partyToken, "party", "", "join an existing party by token")
	flag.StringVar(&serverToken, "server", "", "connect straight to a server token")
	flag.StringVar(&privateName, "private", "", "connect to a named private server")
	flag.StringVar(&address, "addr", "", "connect to a raw wss:// address")
	flag.StringVar(&nick, "nick", "", "player nick")
	flag.StringVar(&spectate, "spectate", "", "spectator mode: Disabled, Top one or Full map")
	flag.BoolVar(&multibox, "multibox", false, "connect a second player tab")
	flag.BoolVar(&doDebug, "debug", false, "verbose/debug logging")
	flag.StringVar(&pcapPath, "pcap", "", "replay inbound frames from a .pcap/.pcapng file")
	flag.BoolVar(&realtime, "realtime", false, "replay -pcap with the recorded timing")
	flag.StringVar(&recordPath, "record", "", "record inbound frames to a .pcap file")
	flag.BoolVar(&listRegions, "regions", false, "list regions with player counts and exit")
	flag.StringVar(&versionsURL, "versions", "", "refresh client versions from a game script URL")
	flag.Parse()

	cfg, err := loadSettings()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Setup(cfg.Debug, cfg.LogDir)
	if cfg.BlakeRevision > 0 {
		keys.Register(keys.Blake{Revision: cfg.BlakeRevision})
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("panic: %v\n%s", r, debug.Stack())
			panic(r)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}

// loadSettings reads the settings file, applies the environment and then
// the command line, and saves the merged result back.
func loadSettings() (config.Settings, error) {
	cfg, err := config.Load(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v, using defaults\n", err)
	}
	if err := config.ApplyEnv(&cfg, envPath); err != nil {
		return cfg, err
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if region != "" {
		cfg.Region = region
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if address != "" {
		cfg.Address = address
	}
	if nick != "" {
		cfg.Nick = nick
	}
	if spectate != "" {
		cfg.SpectatorMode = spectate
	}
	if set["multibox"] {
		cfg.Multibox = multibox
	}
	if set["debug"] {
		cfg.Debug = doDebug
	}
	if err := config.Save(settingsPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "save settings: %v\n", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Settings) error {
	protocol := uint32(cfg.ProtocolVersion)
	mc := master.New(cfg.MasterURL, cfg.Origin, protocol, cfg.ClientVersion)

	if versionsURL != "" {
		if err := mc.RefreshVersions(ctx, versionsURL); err != nil {
			logging.Warnf("versions: %v", err)
		}
	}
	if listRegions {
		return printRegions(ctx, mc)
	}

	con := newConsole(os.Stdin, os.Stdout)
	bridge := newConsoleBridge(con.out)
	sess := session.New(cfg, bridge)
	con.stats = sess.Stats

	if recordPath != "" {
		rec, err := capture.Create(recordPath)
		if err != nil {
			return err
		}
		sess.Capture = rec
		defer func() {
			if n := rec.Skipped(); n > 0 {
				logging.Warnf("record: %d oversized frames skipped", n)
			}
			if err := rec.Close(); err != nil {
				logging.Warnf("record: %v", err)
			}
		}()
	}
	defer func() { fmt.Fprint(con.out, sess.Stats.Summary()) }()

	if pcapPath != "" {
		return sess.Run(ctx, cfg.FPS, func(ctx context.Context) error {
			return replay(ctx, sess, pcapPath, realtime)
		})
	}

	orch := tabs.New(sess, tabs.Options{
		Captcha: con.captcha,
		Team:    teamLog{out: con.out},
	})
	defer orch.DisconnectAll()

	target, err := resolveTarget(ctx, mc, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(con.out, "Connecting to %s\n", target)
	if _, err := orch.InitPrimary(ctx, target); err != nil {
		return err
	}
	start := time.Now()
	err = sess.Run(ctx, cfg.FPS, func(ctx context.Context) error {
		return con.loop(ctx, orch)
	})
	logging.Debugf("session ended after %s", session.FormatDuration(time.Since(start)))
	return err
}

// resolveTarget picks the server in order of precedence: private server,
// server token, raw address, then master discovery.
func resolveTarget(ctx context.Context, mc *master.Client, cfg config.Settings) (master.Target, error) {
	protocol := uint32(cfg.ProtocolVersion)
	switch {
	case privateName != "":
		return master.Private(privateName, cfg.Address)
	case serverToken != "":
		return master.ByServerToken(serverToken, protocol, cfg.ClientVersion)
	case cfg.Address != "":
		v, err := master.ParseVersion(cfg.ClientVersion)
		if err != nil {
			return master.Target{}, err
		}
		return master.Target{
			Address:             cfg.Address,
			ServerToken:         master.ServerToken(cfg.Address),
			ProtocolVersion:     protocol,
			ClientVersion:       v,
			ClientVersionString: cfg.ClientVersion,
		}, nil
	}
	return mc.Connect(ctx, cfg.Region, cfg.Mode, partyToken)
}

func printRegions(ctx context.Context, mc *master.Client) error {
	regions, err := mc.Regions(ctx)
	if err != nil {
		return err
	}
	for _, r := range regions {
		fmt.Printf("%-14s %-16s %d\n", r.Code, r.Name, r.Players)
	}
	return nil
}
