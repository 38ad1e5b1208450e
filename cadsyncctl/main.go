package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/commondraw/cadsync/cadsync"
)

const CadSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `CAD sync control.

Usage:
    cadsyncctl sim [--sites=<sites>] [--ops=<ops>] [--seed=<seed>]
        [--interrupts=<interrupts>]
    cadsyncctl schedule [--initial_delay=<ms>] [--max_delay=<ms>]
        [--multiplier=<multiplier>] [--attempts=<attempts>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --sites=<sites>            Number of concurrent editing sites [default: 3].
    --ops=<ops>                Operations per site [default: 100].
    --seed=<seed>              Random seed, 0 seeds from the clock [default: 0].
    --interrupts=<interrupts>  Simulated link interruptions [default: 0].
    --initial_delay=<ms>       Initial reconnect delay in ms [default: 1000].
    --max_delay=<ms>           Max reconnect delay in ms [default: 30000].
    --multiplier=<multiplier>  Backoff multiplier [default: 2.0].
    --attempts=<attempts>      Attempts to print [default: 10].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CadSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if sim_, _ := opts.Bool("sim"); sim_ {
		sim(opts)
	} else if schedule_, _ := opts.Bool("schedule"); schedule_ {
		schedule(opts)
	}
}

// run n sites editing one document concurrently through an in process
// relay, then verify every replica converged to the same fingerprint
func sim(opts docopt.Opts) {
	siteCount, _ := opts.Int("--sites")
	opCount, _ := opts.Int("--ops")
	seed, _ := opts.Int("--seed")
	interrupts, _ := opts.Int("--interrupts")

	if seed == 0 {
		seed = int(time.Now().UnixNano())
	}
	random := rand.New(rand.NewSource(int64(seed)))
	progress := term.IsTerminal(int(os.Stdout.Fd()))

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	documentId := cadsync.NewId()

	settings := cadsync.DefaultSyncSettings()
	settings.MaxPendingOperations = siteCount * opCount
	settings.MaxOfflineOperations = siteCount * opCount

	documents := []*cadsync.DocumentCrdt{}
	engines := []*cadsync.SyncEngine{}
	for i := 0; i < siteCount; i += 1 {
		document := cadsync.NewDocumentCrdt(documentId, cadsync.NewId())
		engine := cadsync.NewSyncEngine(cancelCtx, cadsync.NewId(), nil, settings)
		defer engine.Close()
		if err := engine.RegisterDocument(document); err != nil {
			Err.Fatalf("register: %s", err)
		}
		documents = append(documents, document)
		engines = append(engines, engine)
	}

	// a hub relay in place of a session server. Deltas fan out to the
	// other sites and ack back to the sender.
	relayLock := sync.Mutex{}
	version := uint64(0)
	for i, engine := range engines {
		siteIndex := i
		sender := engine
		sender.SetSendFunction(func(message *cadsync.SyncMessage) {
			if message.Type != cadsync.MessageTypeDelta {
				return
			}
			relayLock.Lock()
			defer relayLock.Unlock()
			for j, peer := range engines {
				if j != siteIndex {
					peer.HandleMessage(message)
				}
			}
			version += 1
			operationIds := []cadsync.Id{}
			for _, operation := range message.Delta.Operations {
				operationIds = append(operationIds, operation.OperationId)
			}
			sender.HandleMessage(&cadsync.SyncMessage{
				Type: cadsync.MessageTypeAck,
				Ack: &cadsync.AckMessage{
					DocumentId:   documentId,
					OperationIds: operationIds,
					Version:      version,
				},
			})
		})
	}

	for _, engine := range engines {
		if err := engine.UpdateSyncState(documentId, cadsync.SyncStateSynchronized); err != nil {
			Err.Fatalf("state: %s", err)
		}
	}

	entityTypes := []cadsync.EntityType{
		cadsync.EntityTypeLine,
		cadsync.EntityTypeCircle,
		cadsync.EntityTypeArc,
		cadsync.EntityTypePolyline,
		cadsync.EntityTypeText,
	}
	colors := []string{"white", "red", "green", "blue", "yellow", "cyan"}

	interruptEvery := 0
	if 0 < interrupts {
		interruptEvery = (siteCount * opCount) / (interrupts + 1)
	}

	startTime := time.Now()
	for op := 0; op < opCount; op += 1 {
		for siteIndex, engine := range engines {
			if interruptEvery != 0 && (op*siteCount+siteIndex)%interruptEvery == interruptEvery-1 {
				// take the site offline for a stretch of edits, then
				// bring it back and replay
				engine.UpdateSyncState(documentId, cadsync.SyncStateOffline)
			}

			entityIds := documents[siteIndex].EntityIds()
			switch random.Intn(10) {
			case 0, 1, 2, 3:
				engine.AddEntity(documentId, entityTypes[random.Intn(len(entityTypes))], map[string]cadsync.PropertyValue{
					"color": colors[random.Intn(len(colors))],
				})
			case 4, 5, 6:
				if 0 < len(entityIds) {
					entityId := entityIds[random.Intn(len(entityIds))]
					engine.UpdateEntityProperty(documentId, entityId, "color", colors[random.Intn(len(colors))])
				}
			case 7:
				if 0 < len(entityIds) {
					engine.DeleteEntity(documentId, entityIds[random.Intn(len(entityIds))])
				}
			case 8:
				engine.AddLayer(documentId)
			case 9:
				if 0 < len(entityIds) {
					layers := documents[siteIndex].Layers()
					if 0 < len(layers) {
						layerId := layers[random.Intn(len(layers))]
						engine.UpdateEntityLayer(documentId, entityIds[random.Intn(len(entityIds))], &layerId)
					}
				}
			}

			state, _ := engine.DocumentSyncState(documentId)
			if state == cadsync.SyncStateOffline && random.Intn(4) == 0 {
				engine.UpdateSyncState(documentId, cadsync.SyncStateSynchronized)
				engine.ReplayOfflineOperations(documentId)
			}
		}
		if progress && op%10 == 0 {
			fmt.Printf("\r%d/%d", op, opCount)
		}
	}
	if progress {
		fmt.Printf("\r")
	}

	// flush any site still offline
	for _, engine := range engines {
		engine.UpdateSyncState(documentId, cadsync.SyncStateSynchronized)
		engine.ReplayOfflineOperations(documentId)
	}
	duration := time.Since(startTime)

	fingerprints := map[string]bool{}
	for siteIndex, document := range documents {
		fingerprint := document.Fingerprint()
		fingerprints[fingerprint] = true
		pending, _ := engines[siteIndex].PendingOperationCount(documentId)
		offline, _ := engines[siteIndex].OfflineOperationCount(documentId)
		Out.Printf(
			"site %d: entities=%d live=%d layers=%d pending=%d offline=%d %s",
			siteIndex,
			document.EntityCount(),
			len(document.LiveEntities()),
			len(document.Layers()),
			pending,
			offline,
			fingerprint[:16],
		)
	}

	Out.Printf("seed=%d ops=%d duration=%s", seed, siteCount*opCount, duration)
	if len(fingerprints) == 1 {
		Out.Printf("converged")
	} else {
		Err.Fatalf("diverged: %d distinct fingerprints", len(fingerprints))
	}
}

// print the reconnect delay schedule for a backoff configuration
func schedule(opts docopt.Opts) {
	initialDelayMillis, _ := opts.Int("--initial_delay")
	maxDelayMillis, _ := opts.Int("--max_delay")
	multiplier, _ := opts.Float64("--multiplier")
	attempts, _ := opts.Int("--attempts")

	strategy := &cadsync.ExponentialBackoffReconnect{
		InitialDelay: time.Duration(initialDelayMillis) * time.Millisecond,
		MaxDelay:     time.Duration(maxDelayMillis) * time.Millisecond,
		Multiplier:   multiplier,
	}

	total := time.Duration(0)
	for attempt := 0; attempt < attempts; attempt += 1 {
		delay, ok := strategy.CalculateDelay(attempt)
		if !ok {
			Out.Printf("attempt %d: stop", attempt)
			break
		}
		total += delay
		Out.Printf("attempt %d: %s (total %s)", attempt, delay, total)
	}
}
