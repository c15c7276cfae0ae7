package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"kilit.org/internal/sim"
)

func main() {
	var (
		baseURL     = flag.String("base-url", "http://localhost:8080", "API base URL")
		email       = flag.String("email", "sim@kilit.org", "Account the scenarios play")
		password    = flag.String("password", "", "Account password (or KILIT_SIM_PASSWORD)")
		scenario    = flag.String("scenario", "mixed", "Scenario: honest, replay, double-submit or mixed")
		workers     = flag.Int("workers", 4, "Concurrent worker count")
		duration    = flag.Duration("duration", 2*time.Minute, "Duration of the simulation")
		openAIModel = flag.String("openai-model", "gpt-4o-mini", "OpenAI model for summaries (optional)")
	)
	flag.Parse()

	if *password == "" {
		*password = os.Getenv("KILIT_SIM_PASSWORD")
	}
	if *password == "" {
		log.Fatal("password required: pass -password or set KILIT_SIM_PASSWORD")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	picked, err := sim.ByName(*scenario, time.Now().UnixNano())
	if err != nil {
		log.Fatalf("scenario: %v", err)
	}

	log.Printf("Launching session sim: base=%s scenario=%s workers=%d duration=%s", *baseURL, picked.Name, *workers, *duration)

	creds := sim.Credentials{Email: *email, Password: *password}

	var stats sim.Stats
	var runs int64
	var failures int64

	var wg sync.WaitGroup
	deadline := time.Now().Add(*duration)

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			client := sim.NewClient(*baseURL)
			rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id*9973)))
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := picked.Run(ctx, client, creds, &stats); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					atomic.AddInt64(&failures, 1)
					log.Printf("worker %d %s: %v", id, picked.Name, err)
					time.Sleep(200 * time.Millisecond)
					continue
				}
				atomic.AddInt64(&runs, 1)
				time.Sleep(time.Duration(50+rnd.Intn(120)) * time.Millisecond)
			}
		}(i)
	}

	wg.Wait()

	snap := stats.Snapshot()
	log.Printf("Run complete: %d scenarios / %d failed (logins=%d, rotations=%d, rejected=%d, cascades=%d)",
		runs, failures, snap.Logins, snap.Rotations, snap.Rejected, snap.Cascades)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && runs > 0 {
		summary, err := sim.Summarize(ctx, sim.SummaryStats{
			Scenarios: runs,
			Rotations: snap.Rotations,
			Reuses:    snap.Rejected,
			Duration:  *duration,
		}, sim.SummaryRequest{APIKey: key, Model: *openAIModel})
		if err != nil {
			log.Printf("AI summary error: %v", err)
		} else {
			log.Println("AI Executive Summary:")
			log.Println(summary)
		}
	} else {
		log.Println("Set OPENAI_API_KEY to enable AI narrative summaries.")
	}
}
