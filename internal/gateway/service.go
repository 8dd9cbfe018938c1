// Package gateway is the transport edge of the pipeline: it keeps the
// WhatsApp bridge session alive, normalizes inbound traffic onto the bus and
// delivers outbound commands with rate limiting, scheduling and retries.
package gateway

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/nextlevelbuilder/mesabot/internal/alerts"
	"github.com/nextlevelbuilder/mesabot/internal/bus"
	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/transport"
)

const drainTimeout = 15 * time.Second

// Service owns the gateway process: the bridge connection, the inbound
// pipeline and the outbound dispatcher, glued together over the bus.
type Service struct {
	bus      *bus.Bus
	pub      *bus.Publisher
	cfg      config.GatewayConfig
	tcfg     config.TransportConfig
	recorder *alerts.Recorder

	session    *transport.SessionManager
	conn       *transport.Conn
	sender     *transport.Sender
	templates  *TemplateStore
	msglog     *MessageLog
	media      *MediaStore
	inbound    *InboundPipeline
	dispatcher *Dispatcher
}

// NewService wires every gateway component. Startup fails hard on an
// unwritable log directory or a broken template set; a missing session only
// means the bridge will pair via QR.
func NewService(b *bus.Bus, cfg config.GatewayConfig, tcfg config.TransportConfig,
	recorder *alerts.Recorder) (*Service, error) {
	msglog, err := NewMessageLog(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	templates, err := NewTemplateStore(cfg.TemplateDir)
	if err != nil {
		msglog.Close()
		return nil, err
	}

	session := transport.NewSessionManager(tcfg.SessionDir, tcfg.SessionName)
	conn := transport.NewConn(tcfg, session)
	sender := transport.NewSender(conn)
	pub := bus.NewPublisher(b, "gateway")
	media := NewMediaStore(cfg.MediaDir, cfg.MaxImageEdgePx, conn, cfg.DisableMediaDL)
	filters := NewFilters(cfg.SpamBlockScore)

	s := &Service{
		bus:       b,
		pub:       pub,
		cfg:       cfg,
		tcfg:      tcfg,
		recorder:  recorder,
		session:   session,
		conn:      conn,
		sender:    sender,
		templates: templates,
		msglog:    msglog,
		media:     media,
	}
	s.inbound = NewInboundPipeline(conn, media, filters, msglog, pub, cfg, recorder)
	s.dispatcher = NewDispatcher(b, pub, sender, templates, msglog, cfg, recorder)
	s.wireConnHooks()
	return s, nil
}

// wireConnHooks renders pairing QRs and fans connection transitions out as
// notifications so operators see churn without log access.
func (s *Service) wireConnHooks() {
	s.conn.OnQR(func(code string) {
		slog.Info("pairing QR issued, scan it from the phone")
		if s.tcfg.PrintQR {
			qrterminal.GenerateWithConfig(code, qrterminal.Config{
				Level:     qrterminal.L,
				Writer:    os.Stdout,
				BlackChar: qrterminal.BLACK,
				WhiteChar: qrterminal.WHITE,
				QuietZone: 1,
			})
		}
	})
	s.conn.OnState(func(st transport.State, ci transport.CloseInfo) {
		event := "transport_state"
		switch st {
		case transport.StateConnected:
			event = "connection_established"
		case transport.StateReconnectScheduled, transport.StateTerminated:
			event = "connection_lost"
		}
		detail := map[string]string{"state": string(st)}
		if ci.Code != 0 {
			detail["close_code"] = strconv.Itoa(ci.Code)
			detail["close_reason"] = ci.Reason
		}
		s.pub.Publish(bus.TopicNotifications, bus.Notification{
			Event:   event,
			Service: "gateway",
			Detail:  detail,
			At:      time.Now().UTC(),
		})
	})
}

// Run starts the connection and both pipelines and blocks until ctx is
// canceled. Shutdown then proceeds in order: intake stops, the message log
// flushes, the outbound queue drains, the publisher drains, and the
// transport session closes last.
func (s *Service) Run(ctx context.Context) error {
	if err := s.conn.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.inbound.Run(runCtx)
	}()
	if s.cfg.TemplateReloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.templates.Watch(runCtx); err != nil {
				slog.Warn("template watch stopped", "error", err)
			}
		}()
	}

	slog.Info("gateway started", "bridge", s.tcfg.BridgeURL, "session", s.session.Path())
	s.notifyLifecycle("service_started")
	err := s.dispatcher.Run(runCtx)
	cancel()
	wg.Wait()
	s.shutdown()
	return err
}

func (s *Service) notifyLifecycle(event string) {
	s.pub.Publish(bus.TopicNotifications, bus.Notification{
		Event:   event,
		Service: "gateway",
		At:      time.Now().UTC(),
	})
}

func (s *Service) shutdown() {
	s.notifyLifecycle("service_shutdown")
	s.msglog.Flush()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.dispatcher.Close(drainCtx); err != nil {
		slog.Warn("outbound queue drain incomplete", "error", err)
	}
	if err := s.pub.Close(drainCtx); err != nil {
		slog.Warn("publisher drain incomplete", "error", err)
	}
	if err := s.msglog.Close(); err != nil {
		slog.Warn("message log close failed", "error", err)
	}
	s.conn.Stop()
	slog.Info("gateway stopped")
}

// Send injects one outbound command, for the manual /send endpoint.
func (s *Service) Send(cmd bus.OutboundCommand) error {
	return s.dispatcher.Submit(cmd)
}

// ConnStatus snapshots the bridge connection.
func (s *Service) ConnStatus() transport.Status { return s.conn.Status() }

// InboundStats returns the inbound pipeline counters.
func (s *Service) InboundStats() InboundStats { return s.inbound.Stats() }

// OutboundStats returns the dispatcher counters.
func (s *Service) OutboundStats() DispatcherStats { return s.dispatcher.Stats() }

// PublisherStats returns the bus publisher snapshot.
func (s *Service) PublisherStats() bus.PublisherStats { return s.pub.Stats() }

// Session exposes the session manager for the admin endpoints.
func (s *Service) Session() *transport.SessionManager { return s.session }

// Templates exposes the template store for status output.
func (s *Service) Templates() *TemplateStore { return s.templates }
