package listener

import (
	"context"
	"log"
	"sync"
)

// Group runs a fixed set of Servers together and waits for all of them to
// stop, the generalization of start_servers's "list of background task
// handles" into a single value the entrypoint can hold onto.
type Group struct {
	servers []*Server
}

// NewGroup wraps the servers a ServerConfig list produced.
func NewGroup(servers ...*Server) *Group {
	return &Group{servers: servers}
}

// Run starts every server and blocks until ctx is cancelled and all of
// them have returned.
func (g *Group) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range g.servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				log.Printf("listener: server on %+v stopped: %v", s.Bind, err)
			}
		}()
	}
	wg.Wait()
}
