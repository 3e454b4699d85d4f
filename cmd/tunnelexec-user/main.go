package main

import (
	"log"
	"os"

	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/guseggert/tunnelexec/internal/app"
)

func main() {
	a := app.New("tunnelexec-user", "run one process per peer, told who the peer is through CUSER and CID", session.Identity)
	if err := a.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
