package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/embeddedlink/epacket-go/internal/config"
	"github.com/embeddedlink/epacket-go/pkg/debug"
	"github.com/embeddedlink/epacket-go/pkg/epacket"
	"github.com/embeddedlink/epacket-go/pkg/gateway"
	"github.com/embeddedlink/epacket-go/pkg/iface"
	"github.com/embeddedlink/epacket-go/pkg/rpc"
	"github.com/embeddedlink/epacket-go/pkg/tdf"
	"github.com/embeddedlink/epacket-go/pkg/watchdog"
)

// announcePeriod is how often the device emits its presence record.
const announcePeriod = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	generateConfig := flag.Bool("generate-config", false, "write a default config file and exit")
	flag.Parse()

	if *generateConfig {
		path := *configPath
		if path == "" {
			var err error
			path, err = config.GetConfigPath()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to resolve config path: %v\n", err)
				os.Exit(1)
			}
		}
		if err := config.CreateDefaultConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfig(*configPath)
	} else {
		cfg, err = config.InitConfig()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	debug.SetDebugLevel(cfg.LogLevel)
	if err := run(cfg); err != nil {
		debug.Log(debug.DEBUG_CRITICAL, "startup failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	deviceKey, err := cfg.DeviceKeyBytes()
	if err != nil {
		return err
	}
	networkKey, err := cfg.NetworkKeyBytes()
	if err != nil {
		return err
	}
	keys, err := epacket.NewKeyStore(deviceKey, networkKey,
		cfg.Security.DeviceKeyID, cfg.Security.NetworkKeyID)
	if err != nil {
		return err
	}
	crypto := epacket.NewCrypto(keys, cfg.DeviceID)

	wdog := watchdog.New(time.Duration(cfg.WatchdogSeconds) * time.Second)

	registry := rpc.NewRegistry()
	appInfo := &rpc.ApplicationInfo{Version: cfg.Version, BootTime: time.Now()}
	if err := rpc.RegisterBuiltins(registry, appInfo, &rpc.Reboot{}); err != nil {
		return err
	}
	server := rpc.NewServer(registry, rpc.Config{
		AckPeriod:  cfg.RPC.AckPeriod,
		QueueDepth: cfg.RPC.QueueDepth,
	})
	server.AttachWatchdog(wdog.Install("rpc"))

	interfaces, err := buildInterfaces(cfg, crypto, wdog)
	if err != nil {
		return err
	}
	if len(interfaces) == 0 {
		return fmt.Errorf("no enabled interfaces configured")
	}

	local := gateway.NewDefaultHandler(server, keys)
	handler := iface.Handler(local.Handle)

	if cfg.Gateway.Enabled {
		backhaul := interfaces[cfg.Gateway.Backhaul]
		var filter gateway.FilterFlags
		if cfg.Gateway.OnlyDecrypted {
			filter |= gateway.ForwardOnlyDecrypted
		}
		if cfg.Gateway.OnlyTaggedData {
			filter |= gateway.ForwardOnlyTaggedData
		}
		if cfg.Gateway.OnlyAnnouncements {
			filter |= gateway.ForwardOnlyAnnouncements
		}
		gw, err := gateway.New(backhaul, filter, local)
		if err != nil {
			return err
		}
		handler = gw.Handle
	}

	for name, ifc := range interfaces {
		if cfg.Gateway.Enabled && name == cfg.Gateway.Backhaul {
			// Backhaul traffic is always consumed locally
			ifc.SetReceiveHandler(local.Handle)
		} else {
			ifc.SetReceiveHandler(handler)
		}
		if err := ifc.Start(); err != nil {
			return fmt.Errorf("interface %s failed to start: %w", name, err)
		}
		debug.Log(debug.DEBUG_INFO, "interface started", "name", name, "mtu", ifc.MTU())
	}

	server.Start()
	wdog.Start()
	go announceLoop(cfg, appInfo, interfaces)

	debug.Log(debug.DEBUG_CRITICAL, "epacketd running",
		"device_id", cfg.DeviceID, "interfaces", len(interfaces))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	debug.Log(debug.DEBUG_CRITICAL, "shutting down")
	wdog.Stop()
	server.Stop()
	for _, ifc := range interfaces {
		ifc.Stop()
	}
	return nil
}

func buildInterfaces(cfg *config.Config, crypto *epacket.Crypto, wdog *watchdog.Watchdog) (map[string]iface.Interface, error) {
	interfaces := make(map[string]iface.Interface)
	for name, ic := range cfg.Interfaces {
		if !ic.Enabled {
			continue
		}
		c := crypto
		if ic.Plaintext {
			c = nil
		}

		var ifc iface.Interface
		switch ic.Type {
		case "udp":
			udp, err := iface.NewUDP(name, ic.Listen, ic.Target, ic.MTU, c)
			if err != nil {
				return nil, err
			}
			udp.AttachWatchdog(wdog.Install(name))
			ifc = udp
		case "serial":
			s := iface.NewSerial(name, ic.Port, ic.BaudRate, ic.MTU, c)
			s.AttachWatchdog(wdog.Install(name))
			ifc = s
		case "mqtt":
			m := iface.NewMQTT(name, ic.Broker, ic.Username, ic.Password,
				ic.TxTopic, ic.RxTopic, ic.MTU, c)
			m.AttachWatchdog(wdog.Install(name))
			ifc = m
		case "loopback":
			l := iface.NewLoopback(name, ic.MTU)
			l.AttachWatchdog(wdog.Install(name))
			ifc = l
		}
		interfaces[name] = ifc
	}
	return interfaces, nil
}

// announceLoop periodically emits the device announcement record on
// every interface with room to spare.
func announceLoop(cfg *config.Config, info *rpc.ApplicationInfo, interfaces map[string]iface.Interface) {
	ticker := time.NewTicker(announcePeriod)
	defer ticker.Stop()

	for range ticker.C {
		a := &tdf.Announcement{
			DeviceID:    cfg.DeviceID,
			Application: cfg.Application,
			Version:     cfg.Version,
			Uptime:      uint32(time.Since(info.BootTime).Seconds()), // #nosec G115
			RebootCount: info.RebootCount,
		}
		for _, ifc := range interfaces {
			buf, err := ifc.Allocate(iface.NoWait())
			if err != nil {
				continue
			}
			payload, err := tdf.AppendAnnouncement(nil, a)
			if err != nil || len(payload) > buf.Tailroom() {
				buf.Release()
				continue
			}
			buf.SetMetadata(epacket.AuthNetwork, 0, epacket.TypeTaggedData)
			buf.Append(payload)
			ifc.Queue(buf)
		}
	}
}
