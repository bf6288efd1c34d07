// Command quantum boots the kernel as a hosted simulation: it builds a
// synthetic firmware memory map (there being no real multiboot loader
// in this process), optionally loads an init bundle from disk, and
// runs the coordinator until interrupted. This stands in for the
// teacher's example/hello mount-and-wait entry point, generalized from
// "mount a filesystem" to "boot a kernel".
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/boot"
)

func main() {
	debug := flag.Bool("debug", false, "enable verbose kernel tracing")
	bundlePath := flag.String("bundle", "", "path to an init bundle image")
	memMB := flag.Uint64("mem", 256, "simulated usable RAM, in megabytes")
	tickInterval := flag.Duration("tick", 10*time.Millisecond, "simulated timer tick interval")
	flag.Parse()

	var bundle []byte
	info := abi.BootInfo{
		EntryCount: 1,
		Entries: [abi.MaxMemoryRegions]abi.MemoryRegion{
			{BaseLow: 0, LengthLow: uint32(*memMB * 1024 * 1024), Type: abi.RegionUsable},
		},
	}

	if *bundlePath != "" {
		data, err := os.ReadFile(*bundlePath)
		if err != nil {
			log.Fatalf("quantum: reading init bundle: %v", err)
		}
		bundle = data
		info.InitBundlePhysical = 16 * 1024 * 1024
		info.InitBundleSize = uint32(len(data))
	}

	c, err := boot.New(info, bundle, 1*1024*1024, 2*1024*1024)
	if err != nil {
		log.Fatalf("quantum: assembling kernel: %v", err)
	}
	c.Log.SetDebug(*debug)

	if err := c.Boot(); err != nil {
		log.Fatalf("quantum: boot failed: %v", err)
	}

	c.Scheduler.SetPreemption(true)
	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	log.Println("quantum: booted")
	for {
		select {
		case <-ticker.C:
			c.Scheduler.Tick()
		case <-sig:
			log.Println("quantum: halt requested")
			return
		}
	}
}
