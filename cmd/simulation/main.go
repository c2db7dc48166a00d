package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minCycles  = 10
	maxCycles  = 60
	numWorkers = 4
)

var serverAddress = func() string {
	if addr := os.Getenv("SIMULATION_TARGET"); addr != "" {
		return addr
	}
	return "http://localhost:8080"
}()

var groups = []string{"desk-alpha", "desk-bravo", "desk-charlie"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the quote -> lock -> amount -> settle flow over
// the public API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	statsMu   sync.Mutex
	stats     map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"quote":    {name: "Issue Quote"},
			"create":   {name: "Create Deal"},
			"lock":     {name: "Lock Deal"},
			"compute":  {name: "Start Computation"},
			"complete": {name: "Complete Deal"},
			"archive":  {name: "Archive Deal"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

func (sc *simulationClient) track(route string, start time.Time, failed bool) {
	sc.statsMu.Lock()
	defer sc.statsMu.Unlock()
	sc.stats[route].addDuration(time.Since(start))
	if failed {
		sc.stats[route].failures++
	}
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	failed := true
	defer func() { sc.track("auth", start, failed) }()

	credentials := map[string]string{
		"api_key":    os.Getenv("API_KEY"),
		"api_secret": os.Getenv("API_SECRET"),
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	failed = false
	return result.Data.Token, nil
}

// post sends an authenticated POST and decodes the data envelope into out
func (sc *simulationClient) post(route, path string, payload interface{}, out interface{}) error {
	start := time.Now()
	failed := true
	defer func() { sc.track(route, start, failed) }()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest("POST", sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		var result struct {
			Success bool            `json:"success"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w, body: %s", err, string(respBody))
		}
	}

	failed = false
	return nil
}

type issuedQuote struct {
	GroupID     string  `json:"group_id"`
	QuotedPrice float64 `json:"quoted_price"`
	BasePrice   float64 `json:"base_price"`
	Side        string  `json:"side"`
}

type dealResponse struct {
	DealID     string  `json:"deal_id"`
	State      string  `json:"state"`
	QuotedRate float64 `json:"quoted_rate"`
}

// runCycle walks one deal through the whole lifecycle: quote, create,
// lock, compute, settle, archive
func (sc *simulationClient) runCycle(workerID, cycle int) error {
	groupID := groups[rand.Intn(len(groups))]
	clientID := fmt.Sprintf("sim-client-%d-%d", workerID, cycle)

	var quote issuedQuote
	if err := sc.post("quote", "/api/v1/quotes", map[string]interface{}{
		"group_id":     groupID,
		"requester_id": clientID,
	}, &quote); err != nil {
		return fmt.Errorf("quote: %w", err)
	}

	var deal dealResponse
	if err := sc.post("create", "/api/v1/deals", map[string]interface{}{
		"group_id":    groupID,
		"client_id":   clientID,
		"side":        quote.Side,
		"quoted_rate": quote.QuotedPrice,
		"base_rate":   quote.BasePrice,
		"ttl_seconds": 120,
	}, &deal); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	if err := sc.post("lock", fmt.Sprintf("/api/v1/deals/%s/lock", deal.DealID), map[string]interface{}{
		"group_id":    groupID,
		"locked_rate": quote.QuotedPrice,
	}, nil); err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	if err := sc.post("compute", fmt.Sprintf("/api/v1/deals/%s/compute", deal.DealID), map[string]interface{}{
		"group_id": groupID,
	}, nil); err != nil {
		return fmt.Errorf("compute: %w", err)
	}

	amount := float64(rand.Intn(95000)+5000) + rand.Float64()
	if err := sc.post("complete", fmt.Sprintf("/api/v1/deals/%s/complete", deal.DealID), map[string]interface{}{
		"group_id":         groupID,
		"amount_quote_ccy": amount,
	}, nil); err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	if err := sc.post("archive", fmt.Sprintf("/api/v1/deals/%s/archive", deal.DealID), map[string]interface{}{
		"group_id": groupID,
	}, nil); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs deal lifecycle load against a running desk server
func main() {
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetCycles := rand.Intn(maxCycles-minCycles) + minCycles
	log.Info().Int("target_cycles", targetCycles).Msg("Starting simulation")

	var wg sync.WaitGroup
	var completed, failures int64
	var counterMu sync.Mutex

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for cycle := 0; cycle < targetCycles/numWorkers; cycle++ {
				if err := simClient.runCycle(workerID, cycle); err != nil {
					log.Warn().Err(err).Int("worker", workerID).Msg("cycle failed")
					counterMu.Lock()
					failures++
					counterMu.Unlock()
					continue
				}
				counterMu.Lock()
				completed++
				counterMu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	log.Info().
		Int64("completed", completed).
		Int64("failures", failures).
		Msg("Simulation finished")
	simClient.printPerformanceStats()
}
