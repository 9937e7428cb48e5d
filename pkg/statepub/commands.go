package statepub

import (
	"context"
	"log"
	"strings"
	"time"
)

// CommandListKey is the Redis list commands arrive on, analogous to the
// teacher's KeyBLECommandList.
const CommandListKey = "profinet:commands"

// Connector is the narrow surface WatchCommands needs from the
// discovery pipeline: kick off connect-with-discovery for a station in
// the background.
type Connector interface {
	ConnectWithDiscovery(ctx context.Context, stationName string) error
}

// Releaser is the narrow surface WatchCommands needs from the AR
// manager to honor a "release" command.
type Releaser interface {
	Release(ctx context.Context, stationName string) error
}

// WatchCommands blocks on BRPOP against CommandListKey and dispatches
// each command to the manager or discovery pipeline, grounded on the
// teacher's WatchRedisCommands loop (pkg/service/redis_handlers.go).
// Commands are "connect <station>" and "release <station>"; unknown
// commands are logged and ignored. stopCh is checked between BRPOP
// calls; BRPOP blocks with no timeout, so a closed stopCh ends the loop
// only once the pending BRPOP returns.
func WatchCommands(client *Client, connector Connector, releaser Releaser, stopCh <-chan struct{}) {
	log.Printf("statepub: starting command watcher on list key %q", CommandListKey)
	for {
		select {
		case <-stopCh:
			log.Printf("statepub: stopping command watcher")
			return
		default:
		}

		result, err := client.BRPop(0, CommandListKey)
		if err != nil {
			log.Printf("statepub: error receiving command from %q: %v", CommandListKey, err)
			time.Sleep(time.Second)
			continue
		}
		if result == nil {
			continue
		}

		dispatchCommand(result[1], connector, releaser)
	}
}

// dispatchCommand parses a single "<verb> <station>" command and routes
// it to the connector or releaser. Split out from WatchCommands so the
// parsing/routing logic is testable without a live Redis connection.
func dispatchCommand(command string, connector Connector, releaser Releaser) {
	fields := strings.Fields(command)
	if len(fields) != 2 {
		log.Printf("statepub: malformed command %q, want \"<verb> <station>\"", command)
		return
	}
	verb, stationName := fields[0], fields[1]

	switch verb {
	case "connect":
		go func() {
			if err := connector.ConnectWithDiscovery(context.Background(), stationName); err != nil {
				log.Printf("statepub: connect_with_discovery(%q) failed: %v", stationName, err)
			}
		}()
	case "release":
		if err := releaser.Release(context.Background(), stationName); err != nil {
			log.Printf("statepub: release(%q) failed: %v", stationName, err)
		}
	default:
		log.Printf("statepub: unknown command verb %q", verb)
	}
}
