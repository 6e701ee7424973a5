//Package relay implements the tunnel broker: the relay core
//(session lifecycle, mailbox queueing, primary-device handoff), the
//liveness tracker, and the websocket façade clients connect to.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tunnelbroker/blob"
	"tunnelbroker/config"
	"tunnelbroker/db"
	"tunnelbroker/log"
	"tunnelbroker/msg"
)

//Server owns the broker's runtime resources: the HTTP listener, the
//set of connected clients, the relay core, and the expiry-sweep
//loop. Dependencies (database, blob store) are constructed by the
//caller and injected; Shutdown releases everything it was handed.
type Server struct {
	opts     config.Options
	service  *Service
	database *db.DB

	router     *http.ServeMux
	httpServer *http.Server

	clients     map[*Client]struct{}
	lockClients sync.Mutex

	register   chan *Client
	unregister chan *Client

	tokenSecret []byte
	done        chan struct{}
}

//NewServer builds the broker around an open database and blob store
func NewServer(opts config.Options, database *db.DB, blobs blob.Store) *Server {
	tracker := NewTracker()

	s := &Server{
		opts:        opts,
		service:     NewService(opts, database, blobs, tracker),
		database:    database,
		clients:     make(map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		tokenSecret: []byte(opts.Broker.TokenSecret),
		done:        make(chan struct{}),
	}

	s.router = http.NewServeMux()
	s.router.HandleFunc("/v1", s.handleWebsocket)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Broker.Host, opts.Broker.Port),
		Handler: s.router,
	}

	return s
}

//Service returns the relay core, mainly for the sweep command and
//tests
func (s *Server) Service() *Service {
	return s.service
}

//Start spins up the connection loop, the listener, and the periodic
//expiry sweep. Does not block.
func (s *Server) Start() {
	go s.runBroker()

	go func() {
		log.Info("starting broker server")
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Err("closing broker server encountered an error", err)
		}
		log.Info("broker server closed")
	}()

	go s.runSweeping()
}

//Shutdown gracefully stops the listener, closes every client
//connection, and releases the database
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	s.httpServer.SetKeepAlivesEnabled(false)
	err := s.httpServer.Shutdown(ctx)
	log.Info("shutdown broker listener")

	s.lockClients.Lock()
	for clnt := range s.clients {
		clnt.Close()
		delete(s.clients, clnt)
	}
	s.lockClients.Unlock()

	if dbErr := s.database.Close(); dbErr != nil && err == nil {
		err = dbErr
	}

	log.Info("completed shutdown")
	return err
}

//runBroker handles client registration and teardown serially, the
//same single-loop structure the connection handlers rely on
func (s *Server) runBroker() {
	for {
		select {
		case clnt := <-s.register:
			s.lockClients.Lock()
			s.clients[clnt] = struct{}{}
			s.lockClients.Unlock()
			LogInfo(clnt, "new client registered")

			clnt.OnConnect()

		case clnt := <-s.unregister:
			s.lockClients.Lock()
			if _, ok := s.clients[clnt]; ok {
				clnt.Close()
				delete(s.clients, clnt)
			}
			s.lockClients.Unlock()
			LogInfo(clnt, "client unregistered")

		case <-s.done:
			return
		}
	}
}

//runSweeping periodically removes expired mailbox messages. Sweep
//errors are logged and retried on the next cycle; they never stop
//the loop.
func (s *Server) runSweeping() {
	interval := time.Duration(s.opts.Broker.SweepInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.service.ExpirySweep(context.Background())
			if err != nil {
				log.Err("expiry sweep failed", err)
				continue
			}
			if n > 0 {
				log.Infof("expiry sweep removed %d messages", n)
			}

		case <-s.done:
			return
		}
	}
}

//welcome builds the connect-time frame from configuration. A
//configured welcome error instructs clients to disconnect.
func (s *Server) welcome() msg.Welcome {
	w := msg.Welcome{Frame: msg.Frame{Type: msg.TypeWelcome}}

	if s.opts.Broker.WelcomeMOTD != "" {
		w.MOTD = &s.opts.Broker.WelcomeMOTD
	}
	if s.opts.Broker.AdvertisedVersion != "" {
		w.Version = &s.opts.Broker.AdvertisedVersion
	}
	if s.opts.Broker.WelcomeError != "" {
		w.Error = &s.opts.Broker.WelcomeError
	}

	return w
}
