package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/RelayFlow"
)

func main() {
	printBatch := func(_ context.Context, stream string, batch []relayflow.Record) error {
		for _, r := range batch {
			fmt.Printf("%s %s key=%s payload=%s\n",
				r.Timestamp.Format(time.RFC3339Nano), stream, r.Key, r.Payload)
		}
		return nil
	}

	flow, err := relayflow.Conf("../../data/config.yaml",
		relayflow.WithDestination("printer", relayflow.NewCallbackDestination("printer", printBatch)),
	)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	flow.Config().Pipelines = nil

	flow.Resource("source_name").Read("anonymous_users").
		Transform("filter", map[string]any{"field": "category", "equals": "camping"}).
		WriteTo("printer", "camping_users")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil {
		log.Fatalf("runtime error: %v", err)
	}
}
