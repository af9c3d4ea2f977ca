package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type operationKey struct {
	op      string
	network string
	outcome string
}

type errorKey struct {
	op      string
	network string
}

type latencyKey struct {
	op      string
	network string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu         sync.Mutex
	operations map[operationKey]uint64
	errors     map[errorKey]uint64
	latency    map[latencyKey]*histogram
}

var walletCollector = &collector{
	operations: make(map[operationKey]uint64),
	errors:     make(map[errorKey]uint64),
	latency:    make(map[latencyKey]*histogram),
}

// ObserveWalletOperation records the outcome and duration of one wallet
// lifecycle operation (provision, deploy, execute, sync_modules, transfer).
func ObserveWalletOperation(op, network string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	walletCollector.observe(op, network, outcome, duration)
}

func (c *collector) observe(op, network, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	opKey := operationKey{op: op, network: network, outcome: outcome}
	c.operations[opKey]++
	if outcome != "ok" {
		errKey := errorKey{op: op, network: network}
		c.errors[errKey]++
	}

	latKey := latencyKey{op: op, network: network}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	// Deployments wait for cross-endpoint visibility, so the tail buckets
	// stretch well past typical HTTP latencies.
	buckets := []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, walletCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type operationMetric struct {
		operationKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	ops := make([]operationMetric, 0, len(c.operations))
	for key, value := range c.operations {
		ops = append(ops, operationMetric{operationKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].op == ops[j].op {
			if ops[i].network == ops[j].network {
				return ops[i].outcome < ops[j].outcome
			}
			return ops[i].network < ops[j].network
		}
		return ops[i].op < ops[j].op
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].op == errs[j].op {
			return errs[i].network < errs[j].network
		}
		return errs[i].op < errs[j].op
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].op == lats[j].op {
			return lats[i].network < lats[j].network
		}
		return lats[i].op < lats[j].op
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP openwallet_operations_total Total number of wallet operations processed.\n")
	builder.WriteString("# TYPE openwallet_operations_total counter\n")
	for _, metric := range ops {
		builder.WriteString(fmt.Sprintf("openwallet_operations_total{op=\"%s\",network=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.op), escape(metric.network), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP openwallet_operation_errors_total Total number of wallet operations that failed.\n")
	builder.WriteString("# TYPE openwallet_operation_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("openwallet_operation_errors_total{op=\"%s\",network=\"%s\"} %d\n",
			escape(metric.op), escape(metric.network), metric.value))
	}

	builder.WriteString("# HELP openwallet_operation_duration_seconds Wallet operation duration in seconds.\n")
	builder.WriteString("# TYPE openwallet_operation_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("openwallet_operation_duration_seconds_bucket{op=\"%s\",network=\"%s\",le=\"%s\"} %d\n",
				escape(metric.op), escape(metric.network), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("openwallet_operation_duration_seconds_bucket{op=\"%s\",network=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.op), escape(metric.network), metric.count))
		builder.WriteString(fmt.Sprintf("openwallet_operation_duration_seconds_sum{op=\"%s\",network=\"%s\"} %s\n",
			escape(metric.op), escape(metric.network), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("openwallet_operation_duration_seconds_count{op=\"%s\",network=\"%s\"} %d\n",
			escape(metric.op), escape(metric.network), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
