// S7link - Siemens S7 tag gateway
//
// Reads and writes tags on S7 controllers by symbolic address, polls tag
// tables and republishes changes via MQTT, Valkey, Kafka and a REST API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"s7link/api"
	"s7link/config"
	"s7link/logging"
	"s7link/poller"
	"s7link/s7"
	"s7link/session"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	envFile     = flag.String("env", ".env", "Path to .env file with S7LINK_* overrides")
	showVersion = flag.Bool("version", false, "Show version and exit")
	simulate    = flag.Bool("sim", false, "Use in-memory simulated controllers instead of the network")
	logFile     = flag.String("log", "", "Path to log file (overrides config)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging for a comma-separated list of protocols, or \"all\"")
	reconnect   = flag.Duration("reconnect", 5*time.Second, "Interval for reconnecting failed stations (serve)")
	scanTimeout = flag.Duration("scan-timeout", 500*time.Millisecond, "Per-host timeout for scan")
)

const usage = `usage: s7link [flags] <command> [args]

commands:
  serve                                       poll every station, publish changes and serve the REST API
  read  <station> <address> <type> [format]   read one address
  write <station> <address> <type> <value> [format]
  set   <station> <tag> <value>               write a tag from the station's table
  tags  <station>                             read every tag in the station's table once
  bits  <station> <address> [length]          dump the bits of length bytes
  poll  <station>                             poll a station and print changes until interrupted
  scan  <cidr>                                find S7 endpoints on a network
  hash  <password>                            print a bcrypt hash for api.users

flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\ndebug protocols: %s (groups: s7, core, sinks)\n", strings.Join(logging.KnownProtocols, ", "))
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("s7link %s\n", Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Commands that need no configuration
	switch args[0] {
	case "hash":
		exitOn(runHash(args[1:]))
		return
	case "scan":
		exitOn(runScan(args[1:]))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error applying environment: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	closeLogs := setupLogging(cfg, args[0] == "serve")
	defer closeLogs()

	var opts []session.Option
	if *simulate {
		opts = newSimNetwork().options()
	}
	manager := session.NewManager(cfg, opts...)
	defer manager.CloseAll()

	switch args[0] {
	case "serve":
		err = runServe(cfg, manager)
	case "read":
		err = runRead(manager, args[1:])
	case "write":
		err = runWrite(manager, args[1:])
	case "set":
		err = runSet(manager, args[1:])
	case "tags":
		err = runTags(manager, args[1:])
	case "bits":
		err = runBits(manager, args[1:])
	case "poll":
		err = runPoll(manager, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		manager.CloseAll()
		closeLogs()
	}
	exitOn(err)
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging installs the application and debug logs. Without a log file
// the service logs to stderr.
func setupLogging(cfg *config.Config, service bool) func() {
	path := cfg.Log.Path
	if *logFile != "" {
		path = *logFile
	}

	var fileLogger *logging.FileLogger
	if path != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}
	if fileLogger == nil && service {
		fileLogger = logging.NewWriterLogger(os.Stderr)
	}
	logging.SetGlobalLogger(fileLogger)

	filter := cfg.Log.DebugFilter
	enabled := cfg.Log.Debug
	if *logDebug != "" {
		enabled = true
		filter = *logDebug
	}
	if filter == "all" || filter == "true" || filter == "1" {
		filter = ""
	}

	var debugLogger *logging.DebugLogger
	if enabled {
		debugPath := cfg.Log.DebugPath
		if debugPath == "" {
			debugPath = "debug.log"
		}
		var err error
		debugLogger, err = logging.NewDebugLogger(debugPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
		}
	}

	return func() {
		logging.SetGlobalDebugLogger(nil)
		logging.SetGlobalLogger(nil)
		debugLogger.Close()
		fileLogger.Close()
	}
}

// connected returns the named session after connecting it.
func connected(manager *session.Manager, name string) (*session.Session, error) {
	s, err := manager.Get(name)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func runRead(manager *session.Manager, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("read: need <station> <address> <type> [format]")
	}
	kind, err := s7.ParseKind(args[2])
	if err != nil {
		return err
	}
	format := ""
	if len(args) > 3 {
		format = args[3]
	}

	s, err := connected(manager, args[0])
	if err != nil {
		return err
	}
	v, err := s.IO().ReadTag(args[1], kind)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s = %s\n", args[1], kind, s7.FormatValue(v, format))
	return nil
}

func runWrite(manager *session.Manager, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("write: need <station> <address> <type> <value> [format]")
	}
	kind, err := s7.ParseKind(args[2])
	if err != nil {
		return err
	}
	format := ""
	if len(args) > 4 {
		format = args[4]
	}
	value, err := s7.ParseValue(args[3], kind, format)
	if err != nil {
		return err
	}

	s, err := connected(manager, args[0])
	if err != nil {
		return err
	}
	if err := s.IO().WriteTag(args[1], kind, value); err != nil {
		return err
	}
	fmt.Printf("%s %s <- %s\n", args[1], kind, value)
	return nil
}

func runSet(manager *session.Manager, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("set: need <station> <tag> <value>")
	}
	if _, err := connected(manager, args[0]); err != nil {
		return err
	}
	if err := manager.WriteTag(args[0], args[1], args[2]); err != nil {
		return err
	}
	fmt.Printf("%s <- %s\n", args[1], args[2])
	return nil
}

func runTags(manager *session.Manager, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("tags: need <station>")
	}
	s, err := connected(manager, args[0])
	if err != nil {
		return err
	}

	p := poller.New(s.Name(), s.IO(), s.Station().Tags)
	p.PollOnce(context.Background())
	for _, sample := range p.Values() {
		text := sample.Text
		if !sample.HasValue() {
			text = "! " + sample.Error
		}
		fmt.Printf("%-24s %-14s %-6s %s\n", sample.Tag, sample.Address, sample.Type, text)
	}
	return nil
}

func runBits(manager *session.Manager, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("bits: need <station> <address> [length]")
	}
	loc, err := s7.Parse(args[1])
	if err != nil {
		return err
	}
	length := 1
	if len(args) > 2 {
		length, err = strconv.Atoi(args[2])
		if err != nil || length < 1 {
			return fmt.Errorf("bits: invalid length %q", args[2])
		}
	}

	s, err := connected(manager, args[0])
	if err != nil {
		return err
	}
	bits, err := s.IO().ReadBits(loc.Area, loc.Block, loc.Offset, length)
	if err != nil {
		return err
	}
	for _, b := range bits {
		v := 0
		if b.Value {
			v = 1
		}
		fmt.Printf("%-14s %d\n", b.Address, v)
	}
	return nil
}

func runPoll(manager *session.Manager, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("poll: need <station>")
	}
	s, err := connected(manager, args[0])
	if err != nil {
		return err
	}

	st := s.Station()
	printer := &samplePrinter{enc: json.NewEncoder(os.Stdout)}
	p := poller.New(st.Name, s.IO(), st.Tags,
		poller.WithRate(st.EffectivePollRate(manager.PollRate())),
		poller.WithSinks(printer),
	)
	p.Start()
	defer p.Stop()

	waitForSignal()
	return nil
}

// samplePrinter is a poller.Sink writing one JSON line per change.
type samplePrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *samplePrinter) Name() string { return "stdout" }

func (p *samplePrinter) Publish(ctx context.Context, station string, samples []poller.Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range samples {
		if err := p.enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

func runScan(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("scan: need <cidr>")
	}
	results, err := s7.Scan(args[0], *scanTimeout, 0)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Println(r)
	}
	fmt.Printf("%d endpoint(s) found\n", len(results))
	return nil
}

func runHash(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("hash: need <password>")
	}
	hash, err := api.HashPassword(args[0])
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func waitForSignal() os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return <-sigChan
}
