// Package metrics exposes pipeline counters over Prometheus. It is a pure
// observer: it subscribes to the event bus and never touches pipeline state.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"noticewatch/internal/eventbus"
	"noticewatch/internal/notice"
	"noticewatch/internal/queue"
	logx "noticewatch/pkg/logx"
)

type Server struct {
	log logx.Logger
	bus eventbus.Bus

	reg    *prometheus.Registry
	server *http.Server

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queuePending  *prometheus.GaugeVec
	changesTotal  *prometheus.CounterVec
	notifiesTotal *prometheus.CounterVec

	mu      sync.Mutex
	unsub   func()
	started bool
}

func NewServer(listen string, bus eventbus.Bus, log logx.Logger) *Server {
	s := &Server{log: log, bus: bus, reg: prometheus.NewRegistry()}

	s.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticewatch",
		Name:      "jobs_total",
		Help:      "Dispatch queue deliveries by final result",
	}, []string{"queue", "result"})
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "noticewatch",
		Name:      "job_duration_seconds",
		Help:      "Delivery handler duration, all attempts included",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})
	s.queuePending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "noticewatch",
		Name:      "queue_pending",
		Help:      "Deliveries waiting in the queue, sampled at dead-letter time",
	}, []string{"queue"})
	s.changesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticewatch",
		Name:      "changes_total",
		Help:      "Detected notice changes by kind",
	}, []string{"department", "kind"})
	s.notifiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticewatch",
		Name:      "notifications_total",
		Help:      "Notification outcomes (sent, skipped, failed)",
	}, []string{"department", "result"})

	s.reg.MustRegister(
		collectors.NewGoCollector(),
		s.jobsTotal, s.jobDuration, s.queuePending,
		s.changesTotal, s.notifiesTotal,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.server = &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start subscribes to the bus and begins serving /metrics. The listener
// failure mode is logged, not fatal: a broken metrics port must not take the
// pipeline down.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(256)
		s.unsub = unsub
		go s.consume(ch)
	}

	go func() {
		s.log.Info("metrics: listening", logx.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics: server stopped", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) consume(ch <-chan eventbus.Event) {
	for ev := range ch {
		s.Observe(ev)
	}
}

// Observe folds one bus event into the counters. Exported for tests.
func (s *Server) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeJobFinished:
		if je, ok := ev.Data.(queue.JobEvent); ok {
			s.jobsTotal.WithLabelValues(je.Queue, "ok").Inc()
			s.jobDuration.WithLabelValues(je.Queue).Observe(je.Duration.Seconds())
		}
	case eventbus.TypeJobFailed:
		if je, ok := ev.Data.(queue.JobEvent); ok {
			s.jobsTotal.WithLabelValues(je.Queue, "failed").Inc()
			s.jobDuration.WithLabelValues(je.Queue).Observe(je.Duration.Seconds())
		}
	case eventbus.TypeJobDeadLetter:
		if je, ok := ev.Data.(queue.JobEvent); ok {
			s.jobsTotal.WithLabelValues(je.Queue, "deadletter").Inc()
			s.queuePending.WithLabelValues(je.Queue).Set(float64(je.Pending))
		}
	case eventbus.TypeChangeFound:
		if ce, ok := ev.Data.(notice.ChangeEvent); ok {
			s.changesTotal.WithLabelValues(ce.DepartmentID, string(ce.Kind)).Inc()
		}
	case eventbus.TypeNotifySent:
		if ce, ok := ev.Data.(notice.ChangeEvent); ok {
			s.notifiesTotal.WithLabelValues(ce.DepartmentID, "sent").Inc()
		}
	case eventbus.TypeNotifySkipped:
		if ce, ok := ev.Data.(notice.ChangeEvent); ok {
			s.notifiesTotal.WithLabelValues(ce.DepartmentID, "skipped").Inc()
		}
	case eventbus.TypeNotifyFailed:
		if ce, ok := ev.Data.(notice.ChangeEvent); ok {
			s.notifiesTotal.WithLabelValues(ce.DepartmentID, "failed").Inc()
		}
	}
}
