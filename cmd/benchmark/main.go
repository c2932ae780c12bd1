// Benchmark tool for load-testing the Talon calculate endpoint.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -product plat-01 -n 10000
//
// This tool:
//  1. Generates synthetic transaction snapshots across a mix of MCCs,
//     channels and amounts
//  2. Sends each to POST /calculate with concurrent workers
//  3. Reports throughput, latency percentiles and the points
//     distribution observed
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CalculateRequest mirrors the Talon API request format.
type CalculateRequest struct {
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	ProductID     string  `json:"productId"`
	InstrumentID  string  `json:"instrumentId"`
	MCC           string  `json:"mcc,omitempty"`
	MerchantName  string  `json:"merchantName,omitempty"`
	Category      string  `json:"category,omitempty"`
	IsOnline      bool    `json:"isOnline"`
	IsContactless bool    `json:"isContactless"`
}

// CalculateResponse is the subset of the response the benchmark reads.
type CalculateResponse struct {
	TotalPoints   int64    `json:"totalPoints"`
	AppliedRuleID string   `json:"appliedRuleId"`
	Messages      []string `json:"messages"`
}

var mccs = []string{"5411", "5812", "5999", "4111", "3001", "7011", ""}
var merchants = []string{"ACME MART", "SKY AIR", "CORNER CAFE", "METRO TRANSIT", ""}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Talon base URL")
	productID := flag.String("product", "benchmark-product", "Card product ID to calculate against")
	total := flag.Int("n", 10000, "Number of calculations to run")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 42, "Random seed for the transaction mix")
	verbose := flag.Bool("verbose", false, "Print each calculation result")
	flag.Parse()

	fmt.Println("TALON BENCHMARK - calculate endpoint")
	fmt.Printf("URL:      %s\n", *baseURL)
	fmt.Printf("Product:  %s\n", *productID)
	fmt.Printf("Requests: %d\n", *total)
	fmt.Printf("Workers:  %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Talon not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	requests := make([]CalculateRequest, *total)
	for i := range requests {
		requests[i] = CalculateRequest{
			Amount:        float64(rng.Intn(50000))/100 + 1,
			Currency:      "USD",
			ProductID:     *productID,
			InstrumentID:  fmt.Sprintf("card-%04d", rng.Intn(500)),
			MCC:           mccs[rng.Intn(len(mccs))],
			MerchantName:  merchants[rng.Intn(len(merchants))],
			IsOnline:      rng.Intn(3) == 0,
			IsContactless: rng.Intn(4) == 0,
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	jobs := make(chan CalculateRequest, *workers)

	var (
		wg          sync.WaitGroup
		errCount    int64
		totalPoints int64
		noMatch     int64
		latencies   = make([]time.Duration, 0, *total)
		latMu       sync.Mutex
	)

	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				reqStart := time.Now()
				resp, err := calculate(client, *baseURL, req)
				elapsed := time.Since(reqStart)

				latMu.Lock()
				latencies = append(latencies, elapsed)
				latMu.Unlock()

				if err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&totalPoints, resp.TotalPoints)
				if resp.AppliedRuleID == "" {
					atomic.AddInt64(&noMatch, 1)
				}
				if *verbose {
					fmt.Printf("amount=%.2f mcc=%s points=%d\n", req.Amount, req.MCC, resp.TotalPoints)
				}
			}
		}()
	}

	for _, req := range requests {
		jobs <- req
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	done := int64(*total) - errCount

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println("\nRESULTS")
	fmt.Printf("completed:      %d\n", done)
	fmt.Printf("errors:         %d\n", errCount)
	fmt.Printf("no-match:       %d\n", noMatch)
	fmt.Printf("total points:   %d\n", totalPoints)
	fmt.Printf("elapsed:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("throughput:     %.0f req/s\n", float64(*total)/elapsed.Seconds())
	if len(latencies) > 0 {
		fmt.Printf("latency p50:    %s\n", percentile(latencies, 0.50))
		fmt.Printf("latency p95:    %s\n", percentile(latencies, 0.95))
		fmt.Printf("latency p99:    %s\n", percentile(latencies, 0.99))
	}
}

func calculate(client *http.Client, baseURL string, req CalculateRequest) (*CalculateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/calculate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out CalculateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx].Round(time.Microsecond)
}
