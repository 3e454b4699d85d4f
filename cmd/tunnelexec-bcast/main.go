package main

import (
	"log"
	"os"

	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/guseggert/tunnelexec/internal/app"
)

func main() {
	a := app.New("tunnelexec-bcast", "run one process shared by every peer, broadcasting its output", session.Broadcast)
	if err := a.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
