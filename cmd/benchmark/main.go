package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	password    string
	replayRate  float64
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // created or replayed
	fail422       uint64 // refused by the ledger
	fail409       uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded vcards")
	flag.StringVar(&password, "password", "123", "Password of the seeded vcards")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of sends that reuse the previous idempotency key")
}

// seedPhone matches the numbering used by cmd/seeder.
func seedPhone(i int) string {
	return fmt.Sprintf("9%08d", i+1)
}

// tokenCache logs each vcard in once.
type tokenCache struct {
	client *http.Client
	mu     sync.Mutex
	tokens map[string]string
}

func (c *tokenCache) get(phone string) (string, error) {
	c.mu.Lock()
	tok, ok := c.tokens[phone]
	c.mu.Unlock()
	if ok {
		return tok, nil
	}

	body, _ := json.Marshal(map[string]string{"phone_number": phone, "password": password})
	resp, err := c.client.Post(targetURL+"/api/v1/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login %s: status %d", phone, resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tokens[phone] = out.AccessToken
	c.mu.Unlock()
	return out.AccessToken, nil
}

func main() {
	flag.Parse()
	log.Infof("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	client := &http.Client{Timeout: 5 * time.Second}
	cache := &tokenCache{client: client, tokens: make(map[string]string)}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, client, cache)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, client *http.Client, cache *tokenCache) {
	defer wg.Done()
	var from, to, key string

	for time.Since(start) < duration {
		// A replay resends the previous transfer under the same key.
		if key == "" || rand.Float64() >= replayRate {
			from, to = generateAccounts()
			key = fmt.Sprintf("bench-%s-%s-%d", from, to, time.Now().UnixNano())
		}
		token, err := cache.get(from)
		if err != nil {
			log.WithError(err).Warn("login failed")
			atomic.AddUint64(&failOther, 1)
			continue
		}

		body, _ := json.Marshal(map[string]any{"receiver": to, "amount": "1.00"})
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transfers", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateAccounts() (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes between the first two vcards
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return seedPhone(0), seedPhone(1)
			}
			return seedPhone(1), seedPhone(0)
		}
	}

	// Uniform Random
	a := rand.Intn(accounts)
	b := rand.Intn(accounts)
	for a == b {
		b = rand.Intn(accounts)
	}
	return seedPhone(a), seedPhone(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f422 := atomic.LoadUint64(&fail422)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var refusedRate float64
	if total > 0 {
		refusedRate = float64(f422) / float64(total) * 100
	}

	results := map[string]any{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   tps,
		"success_created":  s201,
		"refused_ledger":   f422,
		"refused_rate_pct": refusedRate,
		"conflicts":        f409,
		"errors":           fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.WithError(err).Warn("cannot save results")
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
