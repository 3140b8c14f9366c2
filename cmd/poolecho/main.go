// Binary poolecho demonstrates routing RPCs through a ManagedChannelPool: it
// issues concurrent calls on a method pinned by a request key (BOUND). A
// method that learns its key from the first response (BIND) is also
// configured in the affinity map, but no call is made on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcgcp "github.com/qixuanl1/grpc-gcp-go"
)

var (
	targets = flag.String("targets", "localhost:50051", "comma-separated list of backend addresses; the pool dials one of them per channel it grows")
	calls   = flag.Int("calls", 20, "number of concurrent echo calls to issue")
)

type echoPayload struct {
	sessionID string
	message   string
}

func payloadExtractor(message any, keyPath string) (string, bool) {
	p, ok := message.(echoPayload)
	if !ok {
		return "", false
	}
	switch keyPath {
	case "sessionID":
		return p.sessionID, p.sessionID != ""
	default:
		return "", false
	}
}

func main() {
	flag.Parse()
	addrs := strings.Split(*targets, ",")

	affinity := grpcgcp.StaticMethodAffinity{
		"/echo.Echo/BoundBySession":   {KeyPath: "sessionID", Command: grpcgcp.Bound},
		"/echo.Echo/BindOnFirstReply": {KeyPath: "sessionID", Command: grpcgcp.Bind},
	}

	next := 0
	pool, err := grpcgcp.NewManagedChannelPool(grpcgcp.ManagedChannelPoolOptions{
		MaxSize:      poolSize(len(addrs)),
		LowWatermark: 50,
		ChannelFactory: func() (grpcgcp.RawChannel, error) {
			addr := addrs[next%len(addrs)]
			next++
			factory := grpcgcp.NewGRPCChannelFactory(context.Background(), addr,
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			return factory()
		},
		MethodAffinity: affinity,
		Extractor:      payloadExtractor,
	})
	if err != nil {
		log.Fatalf("poolecho: failed to build pool: %v", err)
	}
	defer pool.Close()

	var g errgroup.Group
	for i := 0; i < *calls; i++ {
		i := i
		g.Go(func() error {
			sessionID := fmt.Sprintf("session-%d", i%5)
			call := pool.NewCall("/echo.Echo/BoundBySession", grpcgcp.CallOptions{})
			call.Start(&grpcgcp.ForwardingListener{}, nil)
			return call.SendMessage(echoPayload{sessionID: sessionID, message: "hello"})
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("poolecho: call failed: %v", err)
	}

	log.Printf("poolecho: pool %s grew to %d channels", pool.ID(), pool.Size())
}

func poolSize(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
