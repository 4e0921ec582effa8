package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshgate/config"
	"meshgate/events"
	"meshgate/flash"
	"meshgate/hostlink"
	"meshgate/protocol"
	"meshgate/radio"
	"meshgate/registry"
	"meshgate/router"
	"meshgate/store"
	"meshgate/update"
	"meshgate/uplink"
	"meshgate/www"
)

const version = "dev"

func main() {
	configPath := flag.String("config", "meshgate.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *port > 0 {
		cfg.Web.Port = *port
	}

	// Open database
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	bus := events.NewBus()

	// Open the gateway's own flash and run the bootloader check. A power
	// loss during a past activation resolves here before anything else.
	table := flash.DefaultTable(cfg.Flash.Size)
	dev, err := flash.OpenFileDevice(cfg.Flash.Path, cfg.Flash.Size, table.WriteSize, table.Regions[0].EraseSize)
	if err != nil {
		log.Fatalf("open flash: %v", err)
	}
	defer dev.Close()

	fm, err := flash.NewManager(dev, table)
	if err != nil {
		log.Fatalf("flash manager: %v", err)
	}
	bl := flash.NewBootloader(dev, table)

	bootNote := provisionAndBoot(fm, bl)

	// Node registry, hydrated from the store.
	reg := registry.New(registry.Config{
		FailureThreshold: cfg.Router.FailureThreshold,
		SlotCap:          cfg.Router.SlotCap,
		NodeTimeout:      cfg.Router.NodeTimeout,
	})
	hydrateRegistry(reg, db)
	reg.OnChange(func() { persistRegistry(reg, db) })

	stop := make(chan struct{})
	defer close(stop)
	reg.StartSweeper(cfg.Router.SweepInterval, stop, func(culled []registry.NodeRecord) {
		for _, rec := range culled {
			db.DeleteNode(rec.Serial)
			bus.Emit(events.Event{
				Type:      events.EventNodeLost,
				Timestamp: time.Now(),
				Payload:   events.NodeEvent{Serial: rec.Serial, Pipe: rec.Pipe, Reason: "silent"},
			})
		}
	})

	// Radio transport and link.
	var transport radio.Transport
	switch cfg.Radio.Backend {
	case "mqtt":
		transport = radio.NewMQTTTransport(&cfg.Radio, cfg.GatewayID)
	case "mock":
		transport = radio.NewMockTransport(cfg.Radio.MTU)
	default:
		log.Fatalf("unknown radio backend: %s", cfg.Radio.Backend)
	}
	link := radio.NewLink(transport)
	if err := link.Start(); err != nil {
		log.Fatalf("radio link: %v", err)
	}
	defer link.Stop()

	// Router over the link.
	rt := router.New(router.Config{
		BaseTimeout:  cfg.Router.BaseTimeout,
		TimeoutPerKB: cfg.Router.TimeoutPerKB,
		MaxRetries:   cfg.Router.MaxRetries,
	}, reg, link, bus, cfg.GatewayID)

	// Update orchestrator: gateway flash or relayed node sessions.
	orch := update.New(update.Config{
		BootConfirmTimeout: cfg.Update.BootConfirmTimeout,
	}, fm, bl, rt, bus, db)
	rt.OnNodeBootOK(func(serial string, env *protocol.Envelope) {
		var report protocol.NodeBootOK
		if err := env.DecodePayload(&report); err != nil {
			return
		}
		orch.HandleBootOK(serial, &report)
	})

	registerLocalHandlers(rt, cfg, reg, orch, fm, bootNote)

	go rt.Run(link, stop)

	// Host-facing RPC socket.
	hl := hostlink.New(cfg.HostLink.Addr, rt)
	if err := hl.Start(); err != nil {
		log.Fatalf("hostlink: %v", err)
	}
	defer hl.Stop()

	// Fleet uplink.
	if cfg.Uplink.Enabled {
		upClient := uplink.NewClient(&cfg.Uplink)
		defer upClient.Close()
		if err := upClient.Connect(); err != nil {
			log.Printf("uplink connect: %v (will retry via outbox)", err)
		}

		drainer := uplink.NewOutboxDrainer(db, upClient, cfg.Uplink.DrainInterval)
		drainer.Start()
		defer drainer.Stop()

		reporter := uplink.NewReporter(db, reg, bus, cfg.GatewayID, cfg.Uplink.FleetTopic)
		defer reporter.Stop()

		hb := uplink.NewHeartbeater(upClient, cfg.GatewayID, version, cfg.Uplink.FleetTopic,
			cfg.Uplink.HeartbeatInterval, func() int { return len(reg.Snapshot()) })
		hb.Start()
		defer hb.Stop()
	}

	// Management HTTP API.
	handler, stopWeb := www.NewRouter(cfg, reg, orch, fm, bus, bootNote)
	defer stopWeb()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		log.Printf("meshgate %s listening on %s (gw=%s)", version, addr, cfg.GatewayID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	stopWeb()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}

// provisionAndBoot makes sure the flash has a bootable image, runs the
// startup boot decision, and confirms the selected image once the daemon
// is up. Returns a human-readable note for the status API.
func provisionAndBoot(fm *flash.Manager, bl *flash.Bootloader) string {
	dec, err := bl.Decide()
	if err != nil {
		// Fresh device: write an initial descriptor for the factory image.
		log.Printf("flash: no bootable image (%v), provisioning factory descriptor", err)
		region, _ := fm.Table().Region(flash.RegionAppA)
		img := make([]byte, region.Length)
		var sum [32]byte
		if err := fm.Provision(int64(len(img)), sum); err != nil {
			log.Fatalf("provision flash: %v", err)
		}
		dec, err = bl.Decide()
		if err != nil {
			log.Fatalf("boot decision after provision: %v", err)
		}
	}
	log.Printf("flash: booting %s (seq %d, %s)", dec.Region.Name, dec.Desc.Seq, dec.State)

	// The daemon running is the self check.
	if err := bl.Confirm(dec); err != nil {
		log.Printf("flash: boot confirm: %v", err)
	}
	if dec.Report != "" {
		return dec.Report
	}
	return fmt.Sprintf("booted %s seq %d", dec.Region.Name, dec.Desc.Seq)
}

func hydrateRegistry(reg *registry.Registry, db *store.DB) {
	rows, err := db.ListNodes()
	if err != nil {
		log.Printf("hydrate registry: %v", err)
		return
	}
	for _, row := range rows {
		last, _ := time.Parse("2006-01-02 15:04:05", row.LastSeen)
		adopted := reg.Adopt(registry.NodeRecord{
			Serial:   row.Serial,
			Pipe:     uint8(row.Pipe),
			Firmware: row.Firmware,
			LastSeen: last,
			State:    row.State,
		})
		if !adopted {
			log.Printf("hydrate registry: node %s (pipe %d) skipped", row.Serial, row.Pipe)
		}
	}
}

func persistRegistry(reg *registry.Registry, db *store.DB) {
	for _, rec := range reg.Snapshot() {
		err := db.UpsertNode(store.NodeRow{
			Serial:   rec.Serial,
			Pipe:     int(rec.Pipe),
			Firmware: rec.Firmware,
			State:    rec.State,
		})
		if err != nil {
			log.Printf("persist node %s: %v", rec.Serial, err)
		}
	}
}
