package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ioplant/profinet-controller/internal/l2xmit"
	"github.com/ioplant/profinet-controller/pkg/armanager"
	"github.com/ioplant/profinet-controller/pkg/discovery"
	"github.com/ioplant/profinet-controller/pkg/gsdmlcache"
	"github.com/ioplant/profinet-controller/pkg/httpdiscover"
	"github.com/ioplant/profinet-controller/pkg/statepub"
	"github.com/ioplant/profinet-controller/pkg/transport"
)

// Configuration flags
var (
	interfaceName    = flag.String("interface", "eth0", "Network interface bound to the PROFINET segment")
	sendClockFactor  = flag.Int("send-clock-factor", 32, "Send clock factor, in units of 31.25us (32 = 1ms cycle)")
	controllerIP     = flag.String("controller-ip", "", "Controller's own IPv4 address on the PROFINET segment (auto-detected from the interface if empty)")
	stationName      = flag.String("station-name", "", "Controller's own station name advertised to devices")
	gsdmlCacheDir    = flag.String("gsdml-cache-dir", "/var/lib/profinet-controller/gsdml", "Directory holding cached GSDML documents")
	httpTimeout      = flag.Duration("http-timeout", 10*time.Second, "Timeout for the HTTP fallback and GSDML fetch requests")
	redisAddr        = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass        = flag.String("redis-pass", "", "Redis password")
	redisDB          = flag.Int("redis-db", 0, "Redis database number")
	schedulerTickInt = flag.Duration("scheduler-tick", 10*time.Millisecond, "Interval between scheduler ticks (connect retries, watchdog checks, cyclic sends)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting PROFINET IO Controller")
	log.Printf("Interface: %s", *interfaceName)
	log.Printf("Send clock factor: %d", *sendClockFactor)
	log.Printf("GSDML cache dir: %s", *gsdmlCacheDir)
	log.Printf("Redis address: %s", *redisAddr)

	iface, err := net.InterfaceByName(*interfaceName)
	if err != nil {
		log.Fatalf("Failed to look up interface %q: %v", *interfaceName, err)
	}
	var mac [6]byte
	copy(mac[:], iface.HardwareAddr)

	if *stationName == "" {
		log.Fatalf("station-name is required")
	}

	redisClient, err := statepub.NewClient(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	frameTx, err := l2xmit.Open(*interfaceName)
	if err != nil {
		log.Fatalf("Failed to open raw socket on %q: %v", *interfaceName, err)
	}
	defer frameTx.Close()
	log.Printf("Raw socket bound to %s", *interfaceName)

	// The DCE/RPC-over-UDP transport is an external collaborator this
	// repository does not implement (spec.md §1); a deployment wires a
	// real transport.RPCTransport factory here.
	rpcFactory := func(ctx context.Context, interfaceName string, controllerIP net.IP) (transport.RPCTransport, error) {
		return nil, fmt.Errorf("profinet-controllerd: no RPCTransport wired for %q", interfaceName)
	}

	mgr := armanager.Init(mac, *stationName, 0, 0, *interfaceName, frameTx, rpcFactory)
	mgr.SetSendClockFactor(uint16(*sendClockFactor))

	ip := net.ParseIP(*controllerIP)
	if ip == nil {
		ip, err = firstIPv4(iface)
		if err != nil {
			log.Fatalf("controller-ip not set and none could be auto-detected on %q: %v", *interfaceName, err)
		}
		log.Printf("Auto-detected controller IP %s on %s", ip, *interfaceName)
	}
	mgr.SetControllerIP(ip)

	publisher := statepub.NewPublisher(redisClient)
	mgr.SetStateCallback(publisher.OnStateChange)

	cache, err := gsdmlcache.New(*gsdmlCacheDir)
	if err != nil {
		log.Fatalf("Failed to prepare gsdml cache: %v", err)
	}
	httpClient := httpdiscover.New(*httpTimeout)
	pipeline := discovery.New(mgr, httpClient, cache)

	stopCh := make(chan struct{})
	go statepub.WatchCommands(redisClient, pipeline, mgr, stopCh)
	log.Printf("Command watcher started")

	ticker := time.NewTicker(*schedulerTickInt)
	defer ticker.Stop()
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), *schedulerTickInt)
				mgr.Process(ctx)
				cancel()
				mgr.CheckHealth()
				mgr.SendAllOutputData()
			case <-stopCh:
				return
			}
		}
	}()
	log.Printf("Scheduler started, tick=%s", *schedulerTickInt)

	rxDone := make(chan struct{})
	go func() {
		defer close(rxDone)
		runRXLoop(frameTx, mgr, stopCh)
	}()
	log.Printf("RX loop started on %s", *interfaceName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Printf("Shutting down...")
	close(stopCh)
	<-tickerDone
	// A blocked Recvfrom doesn't notice stopCh on its own; closing the
	// socket out from under it is what makes runRXLoop return.
	if err := frameTx.Close(); err != nil {
		log.Printf("profinet-controllerd: close raw socket: %v", err)
	}
	<-rxDone
}

// runRXLoop reads raw Ethernet frames off frameTx until stopCh closes,
// handing each one to mgr.HandleRTFrame. The socket is opened with
// ETH_P_ALL (internal/l2xmit.Open), so this sees every frame on the
// interface, not just RT_CLASS_1 ones; HandleRTFrame's own frame ID
// lookup (no match against a known AR's input frame ID) is what
// silently discards everything that isn't PROFINET cyclic traffic,
// the same filtering-by-lookup-miss the manager already relies on for
// application_ready and connect responses.
//
// ReceiveFrame blocks on a single read each iteration, so a closed
// stopCh is only noticed between reads; Close on shutdown unblocks a
// pending Recvfrom by tearing down the socket out from under it.
func runRXLoop(rx *l2xmit.Transmitter, mgr *armanager.Manager, stopCh <-chan struct{}) {
	buf := make([]byte, 1536)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n, err := rx.ReceiveFrame(buf)
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			log.Printf("profinet-controllerd: receive frame: %v", err)
			continue
		}
		mgr.HandleRTFrame(buf[:n])
	}
}

// firstIPv4 resolves the controller's own address from the bound
// interface when -controller-ip is left empty (spec.md §9(b)).
func firstIPv4(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("interface %q has no IPv4 address", iface.Name)
}
