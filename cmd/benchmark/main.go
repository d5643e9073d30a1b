// Benchmark replays labelled PaySim transactions against a running Kestrel
// and reports how its decisions line up with the fraud labels.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// A BLOCK counts as a positive. With -warn-positive a WARN does too.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PaySimTransaction is one row of the PaySim dataset. Step is the hour
// since the start of the simulation.
type PaySimTransaction struct {
	Step           int
	Type           string
	Amount         decimal.Decimal
	NameOrig       string
	OldBalanceOrg  decimal.Decimal
	NewBalanceOrig decimal.Decimal
	NameDest       string
	IsFraud        bool
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	Blocked int64
	Warned  int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

type options struct {
	baseURL      string
	workers      int
	warnPositive bool
	verbose      bool
	epoch        time.Time
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	warnPositive := flag.Bool("warn-positive", false, "Count WARN as a positive")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *workers < 1 {
		*workers = 1
	}
	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - PaySim replay")
	fmt.Printf("\nCSV File:      %s\n", *csvPath)
	fmt.Printf("Kestrel URL:   %s\n", *baseURL)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Printf("Limit:         %d\n", *limit)
	fmt.Printf("Fraud Only:    %v\n", *fraudOnly)
	fmt.Printf("Sample Rate:   %.2f\n", *sampleRate)
	fmt.Printf("WARN positive: %v\n", *warnPositive)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	transactions, err := readPaySimCSV(f, *limit, *fraudOnly, *sampleRate)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transactions) == 0 {
		fmt.Println("No transactions to replay")
		return
	}
	fmt.Printf("Loaded %s transactions\n", humanize.Comma(int64(len(transactions))))

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	opts := options{
		baseURL:      strings.TrimRight(*baseURL, "/"),
		workers:      *workers,
		warnPositive: *warnPositive,
		verbose:      *verbose,
		epoch:        time.Now().UTC().Truncate(time.Hour).Add(-time.Duration(maxStep(transactions)) * time.Hour),
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	m := runBenchmark(transactions, opts)
	printResults(m, time.Since(startTime))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readPaySimCSV reads rows in file order. Malformed rows are skipped.
func readPaySimCSV(r io.Reader, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"step", "type", "amount", "nameorig", "oldbalanceorg", "newbalanceorig", "namedest", "isfraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var transactions []PaySimTransaction
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		isFraud := record[colIndex["isfraud"]] == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		step, err := strconv.Atoi(record[colIndex["step"]])
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(record[colIndex["amount"]])
		if err != nil {
			continue
		}
		oldBalance, _ := decimal.NewFromString(record[colIndex["oldbalanceorg"]])
		newBalance, _ := decimal.NewFromString(record[colIndex["newbalanceorig"]])

		transactions = append(transactions, PaySimTransaction{
			Step:           step,
			Type:           record[colIndex["type"]],
			Amount:         amount,
			NameOrig:       record[colIndex["nameorig"]],
			OldBalanceOrg:  oldBalance,
			NewBalanceOrig: newBalance,
			NameDest:       record[colIndex["namedest"]],
			IsFraud:        isFraud,
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func maxStep(txs []PaySimTransaction) int {
	m := 0
	for _, tx := range txs {
		if tx.Step > m {
			m = tx.Step
		}
	}
	return m
}

// toRequest maps a PaySim row onto a scoring request. The originator is the
// identity and the destination the beneficiary. Steps become hours after
// epoch so night-time slots and rapid sequences survive the replay.
func toRequest(tx PaySimTransaction, epoch time.Time, seq int) domain.TransactionRequest {
	return domain.TransactionRequest{
		ID:            fmt.Sprintf("paysim-%d-%s", seq, tx.NameOrig),
		IdentityID:    tx.NameOrig,
		Amount:        tx.Amount,
		Timestamp:     epoch.Add(time.Duration(tx.Step) * time.Hour).Format(time.RFC3339),
		BeneficiaryID: tx.NameDest,
	}
}

func runBenchmark(transactions []PaySimTransaction, opts options) *Metrics {
	m := &Metrics{}

	type job struct {
		seq int
		tx  PaySimTransaction
	}
	work := make(chan job, 100)
	var wg sync.WaitGroup

	// Rows of the same originator go to the same worker so each
	// identity's history is built in file order.
	queues := make([]chan job, opts.workers)
	for i := range queues {
		queues[i] = make(chan job, 100)
		wg.Add(1)
		go func(in <-chan job) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			seen := make(map[string]bool)

			for j := range in {
				req := toRequest(j.tx, opts.epoch, j.seq)
				req.IsNewBeneficiary = !seen[j.tx.NameOrig+"|"+j.tx.NameDest]
				seen[j.tx.NameOrig+"|"+j.tx.NameDest] = true

				start := time.Now()
				result, err := scoreTransaction(client, opts.baseURL, &req)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if opts.verbose {
						fmt.Printf("ERROR: %s -> %v\n", j.tx.NameOrig, err)
					}
					continue
				}
				m.record(j.tx.IsFraud, result.Decision, opts.warnPositive)

				if opts.verbose {
					fmt.Printf("%-12s | %-8s | %14s | fraud=%-5v | %-5s vuln=%.1f alerts=%d\n",
						j.tx.NameOrig,
						j.tx.Type,
						humanize.CommafWithDigits(j.tx.Amount.InexactFloat64(), 2),
						j.tx.IsFraud,
						result.Decision,
						result.VulnerabilityScore,
						len(result.PatternAlerts),
					)
				}
			}
		}(queues[i])
	}

	go func() {
		for j := range work {
			queues[shard(j.tx.NameOrig, len(queues))] <- j
		}
		for _, q := range queues {
			close(q)
		}
	}()

	for i, tx := range transactions {
		work <- job{seq: i, tx: tx}
	}
	close(work)

	wg.Wait()
	return m
}

func shard(key string, n int) int {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % uint32(n))
}

func (m *Metrics) record(actual bool, d domain.Decision, warnPositive bool) {
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}
	switch d {
	case domain.DecisionBlock:
		atomic.AddInt64(&m.Blocked, 1)
	case domain.DecisionWarn:
		atomic.AddInt64(&m.Warned, 1)
	}

	predicted := d == domain.DecisionBlock || (warnPositive && d == domain.DecisionWarn)
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

func scoreTransaction(client *http.Client, baseURL string, req *domain.TransactionRequest) (*domain.DecisionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/v1/score/transaction", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.DecisionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Scores derived from the confusion matrix.
type Scores struct {
	Precision float64
	Recall    float64
	F1        float64
	Accuracy  float64
}

func (m *Metrics) Scores() Scores {
	var s Scores
	if m.TruePositives+m.FalsePositives > 0 {
		s.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		s.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * (s.Precision * s.Recall) / (s.Precision + s.Recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		s.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return s
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %s\n", humanize.Comma(m.TotalProcessed))
	fmt.Printf("   Total Fraud:      %s\n", humanize.Comma(m.TotalFraud))
	fmt.Printf("   Total Non-Fraud:  %s\n", humanize.Comma(m.TotalNonFraud))
	fmt.Printf("   Errors:           %s\n", humanize.Comma(m.TotalErrors))
	fmt.Printf("   BLOCK / WARN:     %d / %d\n", m.Blocked, m.Warned)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                    flagged  allowed")
	fmt.Printf("   fraud        %9d %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   non-fraud    %9d %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	s := m.Scores()
	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", s.Precision)
	fmt.Printf("   Recall:     %.4f\n", s.Recall)
	fmt.Printf("   F1-Score:   %.4f\n", s.F1)
	fmt.Printf("   Accuracy:   %.4f\n", s.Accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}
	fmt.Println()
}
