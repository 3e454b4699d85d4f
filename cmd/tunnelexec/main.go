package main

import (
	"log"
	"os"

	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/guseggert/tunnelexec/internal/app"
)

func main() {
	a := app.New("tunnelexec", "run one process per peer subscribed to a tunnel channel", session.Exclusive)
	if err := a.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
