package main

import (
	"context"
	"fmt"
	"time"

	"s7link/api"
	"s7link/config"
	"s7link/kafka"
	"s7link/link"
	"s7link/logging"
	"s7link/mqtt"
	"s7link/namespace"
	"s7link/poller"
	"s7link/session"
	"s7link/stream"
	"s7link/valkey"
)

// sinks holds the started publishers so they can be stopped on shutdown.
type sinks struct {
	hub    *api.Hub
	stream *stream.Server
	mqtt   []*mqtt.Publisher
	valkey []*valkey.Publisher
	kafka  []*kafka.Producer
}

func (s *sinks) all() []poller.Sink {
	out := []poller.Sink{s.hub}
	if s.stream != nil {
		out = append(out, s.stream)
	}
	for _, p := range s.mqtt {
		out = append(out, p)
	}
	for _, p := range s.valkey {
		out = append(out, p)
	}
	for _, p := range s.kafka {
		out = append(out, p)
	}
	return out
}

func (s *sinks) stop() {
	for _, p := range s.mqtt {
		p.Stop()
	}
	for _, p := range s.valkey {
		p.Stop()
	}
	for _, p := range s.kafka {
		p.Close()
	}
	if s.stream != nil {
		s.stream.Stop()
	}
	s.hub.Close()
}

// startSinks starts every enabled publisher. One that cannot connect is
// logged and left out.
func startSinks(ctx context.Context, cfg *config.Config, manager *session.Manager) *sinks {
	out := &sinks{hub: api.NewHub()}

	names := manager.Names()

	if cfg.Stream.Enabled {
		srv := stream.NewServer(manager, namespace.Default)
		if err := srv.Start(cfg.Stream.Listen, cfg.Stream.BufferSize); err != nil {
			logging.Logf("stream: %v", err)
		} else {
			out.stream = srv
		}
	}

	for _, mc := range cfg.MQTT {
		if !mc.Enabled {
			continue
		}
		p := mqtt.NewPublisher(mc)
		p.SetWriteHandler(manager.WriteTag, names)
		if err := p.Start(); err != nil {
			logging.Logf("mqtt %s: %v", mc.Name, err)
			continue
		}
		logging.Logf("mqtt %s: publishing to %s", mc.Name, p.Address())
		out.mqtt = append(out.mqtt, p)
	}

	for _, vc := range cfg.Valkey {
		if !vc.Enabled {
			continue
		}
		p := valkey.NewPublisher(vc)
		if err := p.Start(); err != nil {
			logging.Logf("valkey %s: %v", vc.Name, err)
			continue
		}
		logging.Logf("valkey %s: publishing to %s", vc.Name, p.Address())
		out.valkey = append(out.valkey, p)
	}

	for _, kc := range cfg.Kafka {
		if !kc.Enabled {
			continue
		}
		p := kafka.NewProducer(kc)
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := p.Connect(cctx)
		cancel()
		if err != nil {
			logging.Logf("kafka %s: %v", kc.Name, err)
			continue
		}
		logging.Logf("kafka %s: producing to %s", kc.Name, kc.Topic)
		out.kafka = append(out.kafka, p)
	}

	return out
}

// watchLinks forwards every station's link transitions to the SSE hub and
// the event stream, and stores them as Valkey health records.
func watchLinks(manager *session.Manager, out *sinks) {
	for _, s := range manager.List() {
		name := s.Name()
		s.Link().OnChange(out.hub.LinkChanged(name))
		if out.stream != nil {
			s.Link().OnChange(out.stream.LinkChanged(name))
		}
		s.Link().OnChange(func(from, to link.State) {
			logging.Logf("station %s: %s -> %s", name, from, to)
		})
		for _, p := range out.valkey {
			s.Link().OnChange(func(_, to link.State) {
				go publishHealth(p, name, to)
			})
		}
	}
}

func publishHealth(p *valkey.Publisher, station string, state link.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.PublishHealth(ctx, station, state); err != nil {
		logging.DebugLog("valkey", "health %s: %v", station, err)
	}
}

func runServe(cfg *config.Config, manager *session.Manager) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := startSinks(ctx, cfg, manager)
	watchLinks(manager, out)

	if err := manager.ConnectAll(); err != nil {
		logging.Logf("some stations did not connect; retrying every %s", *reconnect)
	}
	for _, s := range manager.List() {
		for _, p := range out.valkey {
			publishHealth(p, s.Name(), s.State())
		}
	}

	manager.StartPolling(out.all())
	go manager.Supervise(ctx, *reconnect)

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(manager, cfg.API, out.hub)
		if err := server.Start(); err != nil {
			out.stop()
			return fmt.Errorf("start api: %w", err)
		}
		fmt.Printf("REST API at %s\n", server.Address())
	}

	fmt.Println("Running. Press Ctrl+C to stop.")
	sig := waitForSignal()
	fmt.Printf("\nReceived %v, shutting down...\n", sig)
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		if server != nil {
			server.Stop()
		}
		manager.CloseAll()
		out.stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		logging.Logf("shutdown timed out")
	}

	fmt.Println("Stopped")
	return nil
}
