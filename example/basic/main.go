package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ghalamif/RelayFlow"
)

// anonymize masks the local part of every customer email.
func anonymize(_ context.Context, records []relayflow.Record) ([]relayflow.Record, error) {
	out := make([]relayflow.Record, 0, len(records))
	for _, r := range records {
		email, _ := r.Field("customer_email").(string)
		if at := strings.IndexByte(email, '@'); at > 0 {
			email = "***" + email[at:]
		}
		masked, err := r.SetField("customer_email", email)
		if err != nil {
			return nil, err
		}
		out = append(out, masked)
	}
	return out, nil
}

func main() {
	flow, err := relayflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// Drop the pipelines declared in the file and build one in code instead.
	flow.Config().Pipelines = nil

	flow.Resource("source_name").Read("anonymous_users").
		Process(anonymize).
		WriteTo("archive", "anonymous_users_copy")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil {
		log.Fatalf("runtime exited: %v", err)
	}
}
