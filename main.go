package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/coordinator"
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/game"
	"github.com/Meander-Cloud/go-buzzer/metrics"
	"github.com/Meander-Cloud/go-buzzer/net/bluez"
	"github.com/Meander-Cloud/go-buzzer/net/discovery"
	"github.com/Meander-Cloud/go-buzzer/net/link"
	tcpnet "github.com/Meander-Cloud/go-buzzer/net/tcp"
	"github.com/Meander-Cloud/go-buzzer/net/web"
	"github.com/Meander-Cloud/go-buzzer/questionbank"
	"github.com/Meander-Cloud/go-buzzer/responder"
	"github.com/Meander-Cloud/go-buzzer/session"
)

var errQuit = errors.New("quit")

func loadConfig(path string, role string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("BUZZER_CONFIG")
	}

	c := &config.Config{}
	if path != "" {
		var err error
		c, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if role == "" {
		role = os.Getenv("BUZZER_ROLE")
	}
	if role != "" {
		c.Role = role
	}

	if c.DeviceName == "" {
		c.DeviceName = os.Getenv("BUZZER_DEVICE_NAME")
	}
	if c.DeviceName == "" {
		host, _ := os.Hostname()
		c.DeviceName = host
	}

	return c, c.Validate()
}

func newRadio(c *config.Config) (link.Radio, func()) {
	if c.RadioAdapter == "" {
		return link.AlwaysOn{}, func() {}
	}

	r, err := bluez.NewRadio(c.RadioAdapter, c.GetLogPrefix()+"-radio")
	if err != nil {
		log.Warn().Err(err).Msg("radio unavailable, assuming always on")
		return link.AlwaysOn{}, func() {}
	}
	return r, func() { r.Close() }
}

func openBank(c *config.Config) (questionbank.Bank, error) {
	var bank questionbank.Bank = questionbank.NewMemoryBank()
	if c.QuestionBankPath != "" {
		b, err := questionbank.OpenBolt(c.QuestionBankPath, c.GetLogPrefix()+"-bank")
		if err != nil {
			return nil, err
		}
		bank = b
	}

	if c.QuestionFile == "" {
		return bank, nil
	}

	f, err := os.Open(c.QuestionFile)
	if err != nil {
		bank.Close()
		return nil, err
	}
	defer f.Close()

	questions, err := questionbank.Load(f)
	if err != nil {
		bank.Close()
		return nil, fmt.Errorf("failed to parse %s, err=%w", c.QuestionFile, err)
	}

	err = bank.Store(context.Background(), questions)
	if err != nil {
		bank.Close()
		return nil, err
	}
	return bank, nil
}

// logEvents prints every session event for the operator.
func logEvents(ctx context.Context, bus *event.Bus) error {
	sub := bus.Subscribe("console")
	defer sub.Close()

	logger := log.With().Str("component", "events").Logger()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return nil
		}
		logger.Info().Str("type", ev.Type()).Interface("event", ev).Send()
	}
}

// readCommands feeds input lines to exec until ctx ends or exec returns errQuit.
func readCommands(ctx context.Context, in io.Reader, exec func(args []string) error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			args := strings.Fields(line)
			if len(args) == 0 {
				continue
			}
			err := exec(args)
			if errors.Is(err, errQuit) {
				return errQuit
			}
			if err != nil {
				log.Warn().Err(err).Str("command", args[0]).Msg("command failed")
			}
		}
	}
}

func runHost(ctx context.Context, c *config.Config, radio link.Radio) error {
	collector := metrics.NewPrometheus("buzzer")
	s, err := session.NewSession(
		&session.Options{
			Config:  c,
			Metrics: collector,
			Radio:   radio,
		},
	)
	if err != nil {
		return err
	}

	central, err := tcpnet.NewCentral(c, s.Arbiter(), discovery.NewBrowser(c.GetServiceName(), c.GetLogPrefix()+"-browser"))
	if err != nil {
		return err
	}
	co, err := coordinator.NewCoordinator(s, central)
	if err != nil {
		return err
	}

	bank, err := openBank(c)
	if err != nil {
		return err
	}
	defer bank.Close()

	g, err := game.NewGame(s, co, bank)
	if err != nil {
		return err
	}

	err = s.Start()
	if err != nil {
		return err
	}
	defer func() {
		g.Stop()
		co.Stop()
		s.Stop()
	}()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return logEvents(ctx, s.Bus()) })
	if c.WebAddress != "" {
		w := web.NewServer(
			&web.Options{
				Address:   c.WebAddress,
				Bus:       s.Bus(),
				Snapshot:  g,
				Peers:     co,
				Metrics:   collector.Handler(),
				LogPrefix: c.GetLogPrefix() + "-web",
			},
		)
		eg.Go(func() error { return w.Run(ctx) })
	}
	eg.Go(func() error {
		return readCommands(ctx, os.Stdin, func(args []string) error {
			return hostCommand(co, g, args)
		})
	})

	err = eg.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func hostCommand(co *coordinator.Coordinator, g *game.Game, args []string) error {
	arg := func() string {
		if len(args) < 2 {
			return ""
		}
		return args[1]
	}

	switch args[0] {
	case "scan":
		return co.StartScan()
	case "stop":
		return co.StopScan()
	case "connect":
		return co.Connect(arg())
	case "disconnect":
		return co.Disconnect(arg())
	case "resync":
		return co.Resync(arg())
	case "peers":
		peers, err := co.Peers()
		if err != nil {
			return err
		}
		for _, p := range peers {
			fmt.Printf("%s\t%s\t%s\tpayload=%d\n", p.ID, p.Name, p.State, p.PayloadSize)
		}
		return nil
	case "players":
		for _, p := range g.Players() {
			fmt.Printf("%s\t%s\tscore=%d\t%s\n", p.ID, p.Name, p.Score, p.Status)
		}
		return nil
	case "game":
		mode, err := game.ParseMode(arg())
		if err != nil {
			return err
		}
		return g.CreateGame(mode)
	case "round":
		_, err := g.StartRound()
		return err
	case "send":
		_, err := g.SendQuestion()
		return err
	case "correct":
		return g.EvaluateAnswer(true)
	case "wrong":
		return g.EvaluateAnswer(false)
	case "end":
		return g.EndRound()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runPlayer(ctx context.Context, c *config.Config, radio link.Radio) error {
	s, err := session.NewSession(
		&session.Options{
			Config: c,
			Radio:  radio,
		},
	)
	if err != nil {
		return err
	}

	peripheral, err := tcpnet.NewPeripheral(c, s.Arbiter(), discovery.NewAdvertiser(c.GetServiceName(), c.GetLogPrefix()+"-advertiser"))
	if err != nil {
		return err
	}
	r, err := responder.NewResponder(s, peripheral)
	if err != nil {
		return err
	}

	err = s.Start()
	if err != nil {
		return err
	}
	defer func() {
		r.Stop()
		s.Stop()
	}()

	if c.AutoAdvertise {
		err = r.StartAdvertising()
		if err != nil {
			log.Warn().Err(err).Msg("failed to start advertising")
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return logEvents(ctx, s.Bus()) })
	eg.Go(func() error {
		return readCommands(ctx, os.Stdin, func(args []string) error {
			switch args[0] {
			case "advertise":
				return r.StartAdvertising()
			case "hide":
				return r.StopAdvertising()
			case "buzz":
				return r.Buzz()
			case "dc":
				return r.DisconnectFromHost()
			case "state":
				fmt.Printf("%s host=%s\n", r.State(), r.Host())
				return nil
			case "quit", "exit":
				return errQuit
			default:
				return fmt.Errorf("unknown command %q", args[0])
			}
		})
	})

	err = eg.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func main() {
	configPath := flag.String("config", "", "yaml config file")
	role := flag.String("role", "", "host or player, overrides config")
	flag.Parse()

	// optional .env next to the binary
	godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000000"})

	c, err := loadConfig(*configPath, *role)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if c.LogDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	radio, closeRadio := newRadio(c)
	defer closeRadio()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch c.Role {
	case config.RoleHost:
		err = runHost(ctx, c, radio)
	case config.RolePlayer:
		err = runPlayer(ctx, c, radio)
	}
	if err != nil {
		log.Error().Err(err).Str("role", c.Role).Msg("exiting with error")
		return
	}
	log.Info().Str("role", c.Role).Msg("exiting")
}
