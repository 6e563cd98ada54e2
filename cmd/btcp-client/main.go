// Command btcp-client transmits a file to a btcp-server over UDP.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/btcpio/btcp/dgram"
	"github.com/btcpio/btcp/internal"
	"github.com/btcpio/btcp/sender"
)

type config struct {
	Window      int      `yaml:"window"`
	Timeout     duration `yaml:"timeout"`
	Input       string   `yaml:"input"`
	Destination string   `yaml:"destination"`
	Port        int      `yaml:"port"`
}

// duration parses YAML duration strings like "100ms".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config{
		Window:      100,
		Timeout:     duration(100 * time.Millisecond),
		Input:       "tmp.file",
		Destination: "127.0.0.1",
		Port:        9001,
	}
	var (
		flagConfig    string
		flagVerbosity int
	)
	flag.StringVar(&flagConfig, "config", "", "Optional YAML configuration file. Explicit flags win over file values.")
	flagWindow := flag.Int("w", cfg.Window, "Advertised window size in segments.")
	flagTimeoutMS := flag.Int("t", 100, "Per-receive and retransmission timeout in milliseconds.")
	flagInput := flag.String("i", cfg.Input, "File to send.")
	flagDest := flag.String("d", cfg.Destination, "Destination IP.")
	flagPort := flag.Int("p", cfg.Port, "Destination port.")
	flag.IntVar(&flagVerbosity, "v", 0, "Log verbosity: 1 debug, 2 wire tracing.")
	flag.Parse()

	if flagConfig != "" {
		if err := loadConfig(flagConfig, &cfg); err != nil {
			return err
		}
	} else {
		cfg.Window, cfg.Input, cfg.Destination, cfg.Port = *flagWindow, *flagInput, *flagDest, *flagPort
		cfg.Timeout = duration(time.Duration(*flagTimeoutMS) * time.Millisecond)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "w":
			cfg.Window = *flagWindow
		case "t":
			cfg.Timeout = duration(time.Duration(*flagTimeoutMS) * time.Millisecond)
		case "i":
			cfg.Input = *flagInput
		case "d":
			cfg.Destination = *flagDest
		case "p":
			cfg.Port = *flagPort
		}
	})
	if cfg.Window < 1 || cfg.Window > 255 {
		return fmt.Errorf("window size %d out of range [1,255]", cfg.Window)
	}

	input, err := os.ReadFile(cfg.Input)
	if err != nil {
		return err
	}
	peer, err := netip.ParseAddr(cfg.Destination)
	if err != nil {
		return fmt.Errorf("parsing destination: %w", err)
	}

	ep, err := dgram.Listen("", time.Duration(cfg.Timeout))
	if err != nil {
		return err
	}
	defer ep.Close()

	sm, err := sender.New(sender.Config{
		Endpoint: ep,
		Peer:     netip.AddrPortFrom(peer, uint16(cfg.Port)),
		Window:   uint8(cfg.Window),
		Timeout:  time.Duration(cfg.Timeout),
		Logger:   newLogger(flagVerbosity),
	}, input)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(int64(len(input)), "sending")
	for !sm.Done() {
		if err := sm.Step(); err != nil {
			return err
		}
		acked, _ := sm.Progress()
		bar.Set(acked)
	}
	bar.Finish()
	return nil
}

func loadConfig(path string, cfg *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func newLogger(verbosity int) *slog.Logger {
	if verbosity <= 0 {
		return nil
	}
	level := slog.LevelDebug
	if verbosity > 1 {
		level = internal.LevelTrace
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
