package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
)

// debug enables per-tick logging.
var debug bool

func debugf(format string, args ...any) {
	if debug {
		log.Printf("debug: "+format, args...)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blueproximity [-config path] [-debug] <daemon|status|history [n]|devices>")
}

func main() {
	cfgPath := flag.String("config", configPath(), "config file path")
	flag.BoolVar(&debug, "debug", false, "log every sample")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "daemon":
		err = runDaemon(*cfgPath)
	case "status":
		err = runStatus()
	case "history":
		limit := 0
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil || limit <= 0 {
				fmt.Fprintf(os.Stderr, "invalid history length: %s\n", args[1])
				os.Exit(1)
			}
		}
		err = runHistory(limit)
	case "devices":
		err = runDevices()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
