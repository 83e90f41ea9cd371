package main

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ghalamif/RelayFlow"
	"github.com/ghalamif/RelayFlow/internal/adapters/deadletter"
)

//go:embed assets/banner_color.ansi
var bannerColor string

//go:embed assets/banner_plain.txt
var bannerPlain string

func main() {
	fmt.Print(selectBanner())
	fmt.Println()
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "deadletters":
		err = deadLettersCommand(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("relay %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to pipeline configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := relayflow.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := relayflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d resources, %d pipelines\n", *cfgPath, len(cfg.Resources), len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		fmt.Printf("  %s: %s.%s -> %s -> %s.%s\n", p.ID,
			p.Source.Resource, p.Source.Collection, p.Transform.Name,
			p.Destination.Resource, p.Destination.Collection)
	}
	return nil
}

func selectBanner() string {
	if os.Getenv("NO_COLOR") != "" {
		return bannerPlain
	}
	return bannerColor
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var statsMetrics = []string{
	"relay_records_read_total",
	"relay_records_written_total",
	"relay_records_dropped_total",
	"relay_dead_letters_total",
	"relay_retries_total",
	"relay_checkpoint_position",
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scrapeMetrics(resp.Body, statsMetrics)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] read=%.0f written=%.0f dropped=%.0f dead_letters=%.0f retries=%.0f checkpoint=%.0f\n",
		time.Now().Format(time.RFC3339),
		values["relay_records_read_total"],
		values["relay_records_written_total"],
		values["relay_records_dropped_total"],
		values["relay_dead_letters_total"],
		values["relay_retries_total"],
		values["relay_checkpoint_position"],
	)
	return nil
}

// scrapeMetrics reads unlabeled samples for names from Prometheus text format.
func scrapeMetrics(r io.Reader, names []string) (map[string]float64, error) {
	values := make(map[string]float64, len(names))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range names {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					values[key] = value
				}
			}
		}
	}
	return values, scanner.Err()
}

func deadLettersCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("deadletters", flag.ExitOnError)
	dir := fs.String("dir", "./data/deadletters", "Dead-letter directory")
	pipelineID := fs.String("pipeline", "", "Pipeline whose dead letters to print; empty lists pipelines")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *pipelineID == "" {
		ids, err := deadletter.Pipelines(*dir)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintf(out, "no dead letters in %s\n", *dir)
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PIPELINE\tRECORDS")
		for _, id := range ids {
			letters, err := deadletter.List(*dir, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%d\n", id, len(letters))
		}
		return tw.Flush()
	}

	letters, err := deadletter.List(*dir, *pipelineID)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		return errors.New("no dead letters for pipeline " + *pipelineID)
	}
	enc := json.NewEncoder(out)
	for _, dl := range letters {
		if err := enc.Encode(dl); err != nil {
			return err
		}
	}
	return nil
}

func printUsage() {
	fmt.Printf(`RelayFlow CLI

Usage:
  relay <command> [flags]

Commands:
  run          Start every pipeline in the provided config
  validate     Load and validate a config file without starting the runtime
  stats        Poll the Prometheus metrics endpoint and print live counters
  deadletters  List pipelines with dead letters, or print one pipeline's records

Examples:
  relay run -config ./data/config.yaml
  relay validate -config ./data/config.yaml
  relay stats -url http://localhost:9100/metrics -interval 1s
  relay deadletters -dir ./data/deadletters -pipeline relay-pipeline-demo_pg.users_to_archive.users
`)
}
