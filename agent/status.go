package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/guseggert/tunnelexec/agent/session"
	"github.com/julienschmidt/httprouter"
)

// Status summarizes the service.
type Status struct {
	Channel   string
	ChannelID uint16
	Policy    string
	Clients   int
	Processes int
	Steps     uint64
	Spawned   uint64
	Exited    uint64
}

// statusBoard holds the last state published by the step loop, for the HTTP handlers to read.
type statusBoard struct {
	mut      sync.Mutex
	status   Status
	sessions []session.SessionInfo
}

func (b *statusBoard) set(st Status, sessions []session.SessionInfo) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.status = st
	b.sessions = sessions
}

func (b *statusBoard) get() (Status, []session.SessionInfo) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.status, append([]session.SessionInfo(nil), b.sessions...)
}

func (s *Service) runStatusServer(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.statusAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/status", s.status)
	router.GET("/sessions", s.sessions)

	server := http.Server{Handler: router}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	s.logger.Infow("status server listening", "Addr", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Service) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	st, _ := s.board.get()
	s.writeJSON(w, st)
}

func (s *Service) sessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	_, sessions := s.board.get()
	s.writeJSON(w, sessions)
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Debugf("error marshaling status response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
