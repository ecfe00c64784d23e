// Command ruuvi-scan lists nearby RuuviTags and their decoded readings.
// It is a field tool for finding the MAC address to put in config.yaml.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi-bridge/decoder"
	"github.com/mjasion/balena-home/ruuvi-bridge/radio"
	"github.com/mjasion/balena-home/ruuvi-bridge/scanner"
)

// printer prints each RuuviTag once per scan
type printer struct {
	mu     sync.Mutex
	filter string
	seen   map[string]bool
	done   chan struct{}
}

func (p *printer) OnDiscovery(adv scanner.Advertisement) {
	mac := strings.ToUpper(adv.Address)
	if p.filter != "" && mac != p.filter {
		return
	}

	sample, err := decoder.Decode(adv.Payload, decoder.FormatRAWv2)
	if errors.Is(err, decoder.ErrNotFound) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[mac] {
		return
	}
	p.seen[mac] = true
	printDevice(mac, adv.RSSI, sample, err)
}

func (p *printer) OnScanComplete() {
	close(p.done)
}

func main() {
	mac := flag.String("mac", "", "Only show this MAC address")
	duration := flag.Duration("duration", 10*time.Second, "Scan duration")
	flag.Parse()

	logger := zap.NewNop()
	bt := radio.New(logger)
	p := &printer{
		filter: strings.ToUpper(*mac),
		seen:   make(map[string]bool),
		done:   make(chan struct{}),
	}

	must("enable BLE stack", bt.SetActive(true))
	bt.SetDiscoveryHandler(p)

	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("RuuviTag scan for %s\n", *duration)
	if p.filter != "" {
		fmt.Printf("Filtering for MAC: %s\n", p.filter)
	}
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	_, err := bt.Scan(30*time.Millisecond, 30*time.Millisecond, *duration)
	must("start scan", err)
	<-p.done

	fmt.Printf("Found %d RuuviTag(s)\n", len(p.seen))
}

func printDevice(mac string, rssi int16, sample decoder.Sample, err error) {
	fmt.Println("┌─────────────────────────────────────────────────────────")
	fmt.Printf("│ Timestamp:   %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Printf("│ MAC:         %s\n", mac)

	strength := getSignalStrength(rssi)
	fmt.Printf("│ RSSI:        %d dBm [%s] %s\n", rssi, strength.bar, strength.label)

	if err != nil {
		fmt.Printf("│ Error:       %v\n", err)
	} else {
		fmt.Printf("│ Temperature: %.3f °C\n", sample.TemperatureCelsius)
		fmt.Printf("│ Humidity:    %.4f %%\n", sample.HumidityPercent)
		fmt.Printf("│ Pressure:    %.2f hPa\n", sample.PressureHPa)
	}
	fmt.Println("└─────────────────────────────────────────────────────────")
	fmt.Println()
}

type signalStrength struct {
	bar   string
	label string
}

func getSignalStrength(rssi int16) signalStrength {
	// RSSI typically ranges from -100 (weak) to -30 (strong)
	switch {
	case rssi >= -50:
		return signalStrength{"████████", "Excellent"}
	case rssi >= -60:
		return signalStrength{"██████  ", "Good"}
	case rssi >= -70:
		return signalStrength{"████    ", "Fair"}
	case rssi >= -80:
		return signalStrength{"██      ", "Weak"}
	default:
		return signalStrength{"        ", "Very Weak"}
	}
}

func must(action string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to %s: %v\n", action, err)
		os.Exit(1)
	}
}
