package main

import (
	"log"
	"os/exec"
	"strings"
)

// ActionRunner executes the command bound to a proximity state.
type ActionRunner interface {
	Run(command string)
}

// execRunner starts commands as child processes without waiting on them.
// Exit status is logged but never acted upon.
type execRunner struct{}

func (execRunner) Run(command string) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		log.Printf("run %q: %v", command, err)
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("%q exited: %v", command, err)
		}
	}()
}
