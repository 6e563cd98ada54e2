// Command btcp-server receives a file from a btcp-client over UDP.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/btcpio/btcp/dgram"
	"github.com/btcpio/btcp/internal"
	"github.com/btcpio/btcp/receiver"
)

type config struct {
	Window   int      `yaml:"window"`
	Timeout  duration `yaml:"timeout"`
	Output   string   `yaml:"output"`
	ServerIP string   `yaml:"serverip"`
	Port     int      `yaml:"port"`
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
		Window:   100,
		Timeout:  duration(100 * time.Millisecond),
		Output:   "out.file",
		ServerIP: "127.0.0.1",
		Port:     9001,
	}
	var (
		flagConfig    string
		flagVerbosity int
	)
	flag.StringVar(&flagConfig, "config", "", "Optional YAML configuration file. Explicit flags win over file values.")
	flagWindow := flag.Int("w", cfg.Window, "Advertised window size in segments.")
	flagTimeoutMS := flag.Int("t", 100, "Per-receive timeout in milliseconds.")
	flagOutput := flag.String("o", cfg.Output, "Where to store the received file.")
	flagBind := flag.String("s", cfg.ServerIP, "IP to bind to.")
	flagPort := flag.Int("p", cfg.Port, "Port to listen on.")
	flag.IntVar(&flagVerbosity, "v", 0, "Log verbosity: 1 debug, 2 wire tracing.")
	flag.Parse()

	if flagConfig != "" {
		if err := loadConfig(flagConfig, &cfg); err != nil {
			return err
		}
	} else {
		cfg.Window, cfg.Output, cfg.ServerIP, cfg.Port = *flagWindow, *flagOutput, *flagBind, *flagPort
		cfg.Timeout = duration(time.Duration(*flagTimeoutMS) * time.Millisecond)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "w":
			cfg.Window = *flagWindow
		case "t":
			cfg.Timeout = duration(time.Duration(*flagTimeoutMS) * time.Millisecond)
		case "o":
			cfg.Output = *flagOutput
		case "s":
			cfg.ServerIP = *flagBind
		case "p":
			cfg.Port = *flagPort
		}
	})
	if cfg.Window < 1 || cfg.Window > 255 {
		return fmt.Errorf("window size %d out of range [1,255]", cfg.Window)
	}

	ep, err := dgram.Listen(fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.Port), time.Duration(cfg.Timeout))
	if err != nil {
		return err
	}
	defer ep.Close()

	sm, err := receiver.New(receiver.Config{
		Endpoint:   ep,
		Window:     uint8(cfg.Window),
		Timeout:    time.Duration(cfg.Timeout),
		OutputPath: cfg.Output,
		Logger:     newLogger(flagVerbosity),
	})
	if err != nil {
		return err
	}
	return sm.Run()
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
