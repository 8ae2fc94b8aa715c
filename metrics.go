package udpstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "udpstream"

type Metrics struct {
	DatagramsSent prometheus.Counter
	AddressesSent prometheus.Counter
	BytesSent     prometheus.Counter
	SendErrors    prometheus.Counter
	BurstDuration prometheus.Histogram

	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	ReceiveErrors     prometheus.Counter
}

// NewMetrics creates every collector and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "The total number of datagrams handed to the socket",
		}),
		AddressesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addresses_sent_total",
			Help:      "The total number of addresses carried by sent datagrams",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "The total number of payload bytes sent",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "The total number of datagrams the socket refused",
		}),
		BurstDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "burst_duration_seconds",
			Help:      "Wall-clock time taken by one burst",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "The total number of datagrams read",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "The total number of payload bytes read",
		}),
		ReceiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "The total number of failed reads",
		}),
	}

	reg.MustRegister(
		m.DatagramsSent,
		m.AddressesSent,
		m.BytesSent,
		m.SendErrors,
		m.BurstDuration,
		m.DatagramsReceived,
		m.BytesReceived,
		m.ReceiveErrors,
	)

	return m
}

func (m *Metrics) observeBurst(s Sample) {
	if m == nil {
		return
	}
	m.observeSent(s)
	m.BurstDuration.Observe(s.Elapsed().Seconds())
}

func (m *Metrics) observeSent(s Sample) {
	if m == nil {
		return
	}
	m.DatagramsSent.Add(float64(s.Datagrams))
	m.AddressesSent.Add(float64(s.Addresses))
	m.BytesSent.Add(float64(s.Bytes))
	m.SendErrors.Add(float64(s.Errors))
}

func (m *Metrics) observeRead(n int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) observeReadError() {
	if m == nil {
		return
	}
	m.ReceiveErrors.Inc()
}

// MetricsHandler serves g on /metrics and a liveness probe on /healthz.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// ServeMetrics serves MetricsHandler(g) on ln until ctx is cancelled.
func ServeMetrics(ctx context.Context, ln net.Listener, g prometheus.Gatherer) error {
	srv := &http.Server{Handler: MetricsHandler(g), ReadHeaderTimeout: 5 * time.Second}

	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(ln) }()

	select {
	case err := <-errs:
		return fmt.Errorf("failed to serve metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}
	return nil
}
