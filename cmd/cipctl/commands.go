package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"cipmsg/config"
	"cipmsg/eip"
	"cipmsg/kafka"
	"cipmsg/logging"
	"cipmsg/mqtt"
	"cipmsg/plcman"
	"cipmsg/report"
	"cipmsg/valkey"
)

func printIdentities(ids []eip.Identity) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Address", "Product", "Vendor", "Type", "Code", "Revision", "Serial", "Status", "State"})
	table.SetAutoFormatHeaders(false)
	for _, id := range ids {
		table.Append([]string{
			id.IP.String(),
			id.ProductName,
			fmt.Sprintf("0x%04X", id.VendorID),
			fmt.Sprintf("0x%04X", id.DeviceType),
			fmt.Sprintf("0x%04X", id.ProductCode),
			fmt.Sprintf("%d.%03d", id.RevisionMajor, id.RevisionMinor),
			fmt.Sprintf("0x%08X", id.SerialNumber),
			fmt.Sprintf("0x%04X", id.Status),
			fmt.Sprintf("%d", id.State),
		})
	}
	table.Render()
}

func runIdentity(cfg *config.Config, args []string) error {
	addr, port := cfg.Target.Address, cfg.Target.Port
	if len(args) > 0 {
		addr = args[0]
	}
	if addr == "" {
		return errors.New("identity: no address (pass one or set target.address)")
	}
	if port == 0 {
		port = eip.DefaultPort
	}

	timeout := cfg.Target.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := eip.NewClientWithPort(addr, port)
	if err := client.RegisterSession(ctx); err != nil {
		return err
	}
	defer client.UnregisterSession(context.WithoutCancel(ctx))

	ids, err := client.ListIdentity(ctx)
	if err != nil {
		return err
	}
	printIdentities(ids)
	return nil
}

func runDiscover(args []string, wait time.Duration) error {
	broadcast := "255.255.255.255"
	if len(args) > 0 {
		broadcast = args[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	ids, err := eip.Discover(ctx, broadcast)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No devices answered.")
		return nil
	}
	printIdentities(ids)
	fmt.Printf("%d device(s)\n", len(ids))
	return nil
}

// textSink prints readings one per line, skipping values that have not
// changed since the last poll.
type textSink struct {
	mu      sync.Mutex
	w       io.Writer
	changes *report.ChangeTracker
}

func newTextSink(w io.Writer) *textSink {
	return &textSink{w: w, changes: report.NewChangeTracker()}
}

func (s *textSink) Name() string { return "stdout" }

func (s *textSink) Publish(_ context.Context, readings []report.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.changes.Changed(readings, false) {
		if _, err := fmt.Fprintf(s.w, "%s %s\n", r.Timestamp.Format("15:04:05.000"), r); err != nil {
			return err
		}
	}
	return nil
}

func (s *textSink) Close() error { return nil }

// buildSinks starts every enabled publisher. Publishers that fail to start
// are logged and left out, so one unreachable broker does not stop reads.
func buildSinks(ctx context.Context, cfg *config.Config, fileLogger *logging.FileLogger) *report.Fanout {
	fanout := report.NewFanout(0)
	if *jsonOut {
		fanout.Add(report.NewJSONSink("stdout", os.Stdout))
	} else {
		fanout.Add(newTextSink(os.Stdout))
	}

	start := func(name string, s report.Sink, startFn func(context.Context) error) {
		if err := startFn(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s: %v\n", name, err)
			fileLogger.Log("%s: start failed: %v", name, err)
			return
		}
		fileLogger.Log("%s: started", name)
		fanout.Add(s)
	}

	for i := range cfg.MQTT {
		if !cfg.MQTT[i].Enabled {
			continue
		}
		p := mqtt.NewPublisher(&cfg.MQTT[i], cfg.Namespace)
		start(p.Name(), p, p.Start)
	}
	for i := range cfg.Valkey {
		if !cfg.Valkey[i].Enabled {
			continue
		}
		p := valkey.NewPublisher(&cfg.Valkey[i], cfg.Namespace)
		start(p.Name(), p, p.Start)
	}
	for i := range cfg.Kafka {
		if !cfg.Kafka[i].Enabled {
			continue
		}
		p := kafka.NewProducer(&cfg.Kafka[i], cfg.Namespace)
		start(p.Name(), p, p.Connect)
	}
	return fanout
}

func newManager(cfg *config.Config, sink report.Sink, fileLogger *logging.FileLogger) *plcman.Manager {
	t := cfg.Target
	session, _ := eip.NewSession(t.Address, t.Port, t.Timeout)
	m := plcman.NewManager(session, t, cfg.Tags, sink)
	m.SetPollRate(cfg.PollRate, cfg.PollBurst)
	m.SetLogger(fileLogger)
	return m
}

func checkReadConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return cfg.RequireTags()
}

func runRead(cfg *config.Config, fileLogger *logging.FileLogger) error {
	if err := checkReadConfig(cfg); err != nil {
		return err
	}
	ctx := context.Background()

	sinks := buildSinks(ctx, cfg, fileLogger)
	defer sinks.Close()

	m := newManager(cfg, sinks, fileLogger)
	if err := m.Connect(ctx); err != nil {
		return err
	}
	defer m.Disconnect(ctx)

	readings, err := m.Poll(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range readings {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tags failed", failed, len(readings))
	}
	return nil
}

func runPoll(cfg *config.Config, fileLogger *logging.FileLogger) error {
	if err := checkReadConfig(cfg); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := buildSinks(ctx, cfg, fileLogger)
	defer sinks.Close()

	m := newManager(cfg, sinks, fileLogger)
	if err := m.Connect(ctx); err != nil {
		// Run keeps retrying; report the first failure so a typo is obvious.
		fmt.Fprintf(os.Stderr, "Warning: %v (retrying)\n", err)
	}

	fmt.Fprintf(os.Stderr, "Polling %d tags on %s every %v via %s. Press Ctrl+C to stop.\n",
		len(cfg.Tags), cfg.Target.TargetName(), cfg.PollRate, m.GetConnectionMode())
	fileLogger.Log("poll started: %s, %d tags, sinks %v", cfg.Target.TargetName(), len(cfg.Tags), sinks.Names())

	err := m.Run(ctx)

	stats := m.GetPollStats()
	fmt.Fprintf(os.Stderr, "\nStopped after %d polls (%d readings published).\n", stats.Polls, stats.Published)
	fileLogger.Log("poll stopped after %d polls", stats.Polls)
	return err
}
