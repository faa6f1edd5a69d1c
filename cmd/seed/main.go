// Command seed replays a coastal report fixture onto the source Kafka topic.
// Each row is run through the domain normalizer first so the summary shows
// which rows the pipeline will accept and which it will reject.
//
// Usage:
//
//	go run ./cmd/seed \
//	  -in internal/pipeline/testdata/coastal_reports.json \
//	  -brokers localhost:9092 \
//	  -topic hazard-reports
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// row is one fixture entry. Timestamps are relative to the time of the run.
type row struct {
	ReporterID  string  `json:"reporter_id"`
	HazardType  string  `json:"hazard_type"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	MinutesAgo  int     `json:"minutes_ago"`
	Description string  `json:"description"`
	MediaRef    string  `json:"media_ref,omitempty"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	in := flag.String("in", "", "path to the JSON report fixture")
	brokers := flag.String("brokers", sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092"), "comma-separated Kafka brokers")
	topic := flag.String("topic", sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "hazard-reports"), "source topic")
	repeat := flag.Int("repeat", 1, "number of times to replay the fixture")
	interval := flag.Duration("interval", 0, "pause between messages")
	dryRun := flag.Bool("dry-run", false, "print the summary without producing")
	flag.Parse()

	if *in == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -in")
	}
	if *repeat < 1 {
		return fmt.Errorf("-repeat must be at least 1")
	}

	rows, err := readRows(*in)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	subs := make([]domain.Submission, 0, len(rows))
	for _, r := range rows {
		subs = append(subs, r.submission(now))
	}
	printStats(subs)
	if *dryRun {
		return nil
	}

	brokerList := sharedcfg.ParseBrokers(*brokers)
	if len(brokerList) == 0 {
		return fmt.Errorf("no brokers in %q", *brokers)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokerList...),
		Topic:        *topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	defer w.Close()

	sent := 0
	for i := 0; i < *repeat; i++ {
		for _, sub := range subs {
			value, err := json.Marshal(sub)
			if err != nil {
				return fmt.Errorf("marshal submission: %w", err)
			}
			if err := w.WriteMessages(ctx, kafkago.Message{Key: []byte(sub.ReporterID), Value: value}); err != nil {
				return fmt.Errorf("produce to %s: %w", *topic, err)
			}
			sent++
			if *interval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(*interval):
				}
			}
		}
	}
	log.Printf("produced %d messages to %s", sent, *topic)
	return nil
}

func readRows(path string) ([]row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var rows []row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("fixture %s has no rows", path)
	}
	return rows, nil
}

func (r row) submission(now time.Time) domain.Submission {
	lat, lon := r.Lat, r.Lon
	return domain.Submission{
		ReporterID:  r.ReporterID,
		HazardType:  r.HazardType,
		Lat:         &lat,
		Lon:         &lon,
		Timestamp:   now.Add(-time.Duration(r.MinutesAgo) * time.Minute).Format(time.RFC3339),
		Description: r.Description,
		MediaRef:    r.MediaRef,
	}
}

func printStats(subs []domain.Submission) {
	byHazard := map[domain.HazardType]int{}
	var rejected []string
	for i, sub := range subs {
		rep, err := domain.Normalize(sub, domain.DefaultClockSkew)
		if err != nil {
			var fields []string
			for _, ve := range domain.ValidationErrors(err) {
				fields = append(fields, ve.Field)
			}
			rejected = append(rejected, fmt.Sprintf("row %d: %v", i, fields))
			continue
		}
		byHazard[rep.HazardType]++
	}

	hazards := make([]string, 0, len(byHazard))
	for h := range byHazard {
		hazards = append(hazards, string(h))
	}
	sort.Strings(hazards)

	fmt.Printf("Total: %d, valid: %d, rejected: %d\n", len(subs), len(subs)-len(rejected), len(rejected))
	for _, h := range hazards {
		fmt.Printf("  %-10s %d\n", h, byHazard[domain.HazardType(h)])
	}
	for _, r := range rejected {
		fmt.Println("  rejected", r)
	}
}
