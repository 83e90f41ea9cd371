package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/RelayFlow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := relayflow.NewPublisher(relayflow.PublisherConfig{
		Dir:    "../../data/publisher",
		Stream: "readings",
		Buffer: relayflow.BufferPolicy{MaxBytes: 64 << 20, OnFull: "block"},
	}, nil)
	if err != nil {
		log.Fatalf("open publisher: %v", err)
	}
	defer pub.Close()

	dst, deliveries, closeDeliveries := relayflow.NewChannelDestination("fanout", 32)
	defer closeDeliveries()
	go fanoutWorker("ingest", deliveries)
	go produce(ctx, pub)

	flow, err := relayflow.Conf("../../data/config.yaml",
		relayflow.WithSource("sensors", pub.Source()),
		relayflow.WithDestination("fanout", dst),
	)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	flow.Config().Pipelines = nil

	flow.Resource("sensors").Read(pub.Stream()).
		Transform("stamp", map[string]any{"field": "site", "value": "plant-a"}).
		WriteTo("fanout", "readings")

	if err := flow.Run(ctx); err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}

func produce(ctx context.Context, pub *relayflow.Publisher) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for seq := 1; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec := relayflow.Record{
			Key:     []byte("line1"),
			Payload: relayflow.Payload(fmt.Sprintf(`{"seq":%d,"temperature":%.2f}`, seq, 20+rand.Float64()*5)),
		}
		if _, err := pub.Publish(ctx, rec); err != nil && ctx.Err() == nil {
			log.Printf("publish: %v", err)
		}
	}
}

func fanoutWorker(name string, deliveries <-chan relayflow.Delivery) {
	for d := range deliveries {
		fmt.Printf("[%s] forwarding %d records from %s at %s\n", name, len(d.Records), d.Stream, time.Now().Format(time.RFC3339))
	}
}
