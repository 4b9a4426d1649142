package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	service     string
	country     string
	cancelRate  float64
)

var (
	totalRequests uint64
	created201    uint64
	funds422      uint64 // insufficient funds and provider refusals
	blocked429    uint64
	cancelled     uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded accounts (ids 1..n)")
	flag.StringVar(&service, "service", "tg", "Provider service code")
	flag.StringVar(&country, "country", "0", "Provider country code")
	flag.Float64Var(&cancelRate, "cancel-rate", 0.5, "Fraction of created orders cancelled right away")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

type orderResponse struct {
	ID        string `json:"id"`
	AccountID int64  `json:"account_id"`
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 15 * time.Second}

	for time.Since(start) < duration {
		id := pickAccount()
		body, _ := json.Marshal(map[string]string{"service": service, "country": country})

		url := fmt.Sprintf("%s/api/v1/accounts/%d/orders", targetURL, id)
		resp, err := client.Post(url, "application/json", bytes.NewBuffer(body))
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&created201, 1)
			var order orderResponse
			if json.NewDecoder(resp.Body).Decode(&order) == nil && rand.Float64() < cancelRate {
				cancel(client, order)
			}
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&funds422, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&blocked429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func cancel(client *http.Client, o orderResponse) {
	url := fmt.Sprintf("%s/api/v1/accounts/%d/orders/%s/cancel", targetURL, o.AccountID, o.ID)
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		atomic.AddUint64(&cancelled, 1)
	}
}

func pickAccount() int64 {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// Hotspot: 90% of traffic drains account 1
		return 1
	}
	return int64(rand.Intn(accounts) + 1)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c201 := atomic.LoadUint64(&created201)
	f422 := atomic.LoadUint64(&funds422)
	b429 := atomic.LoadUint64(&blocked429)
	canc := atomic.LoadUint64(&cancelled)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var rejectRate float64
	if total > 0 {
		rejectRate = float64(f422+b429) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"orders_created":  c201,
		"orders_canceled": canc,
		"rejected_funds":  f422,
		"rejected_block":  b429,
		"reject_rate_pct": rejectRate,
		"errors":          fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Unable to write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
