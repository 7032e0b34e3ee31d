package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ste1io/XboxKonnect/discovery"
)

func main() {
	frequency := flag.Duration("frequency", discovery.DefaultScanFrequency, "broadcast and monitor sweep period")
	removeOnDisconnect := flag.Bool("remove-on-disconnect", false, "evict offline consoles instead of keeping them listed")
	flag.Parse()

	scanner, err := discovery.NewScanner(discovery.ScannerOptions{
		ScanFrequency:      *frequency,
		RemoveOnDisconnect: *removeOnDisconnect,
	})
	if err != nil {
		log.Fatalf("startup failed while configuring the scanner: %v", err)
	}
	if err := scanner.Start(); err != nil {
		log.Fatalf("startup failed while starting the scanner: %v", err)
	}
	defer scanner.Stop()

	fmt.Printf("Scan Frequency:  %s\n", *frequency)
	fmt.Printf("Discovery Port:  %d\n", discovery.DiscoveryPort)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	go logDiscoveryEvents(scanner.Events())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	watchRescan(ctx, scanner)

	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	printSummary(scanner)
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		c := event.Connection
		switch event.Type {
		case discovery.EventAdd:
			log.Printf("discovery: console online addr=%s name=%q iface=%s", c.Address, c.Name, c.Interface.Name)
		case discovery.EventUpdate:
			log.Printf("discovery: console state=%s addr=%s name=%q", c.State, c.Address, c.Name)
		case discovery.EventRemove:
			log.Printf("discovery: console removed addr=%s name=%q", c.Address, c.Name)
		}
	}
}

// watchRescan re-enumerates local subnets on every SIGHUP, so a laptop moved
// to a new network picks up its new broadcast domain without a restart.
func watchRescan(ctx context.Context, scanner *discovery.Scanner) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sighup)
		for {
			select {
			case <-sighup:
				if err := scanner.Rescan(); err != nil {
					log.Printf("discovery: rescan failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func printSummary(scanner *discovery.Scanner) {
	conns := scanner.Connections()
	fmt.Printf("Consoles Seen:   %d\n", len(conns))
	for _, c := range conns {
		age := time.Since(c.LastAck).Round(time.Second)
		fmt.Printf("  %-15s %-8s %-10q last ack %s ago\n", c.Address, c.State, c.Name, age)
	}
}
