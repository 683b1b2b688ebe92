// Package app wires the pipeline: config, logging, storage, fetch, the two
// dispatch queues, the notifier, the scheduler and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"noticewatch/internal/config"
	"noticewatch/internal/eventbus"
	"noticewatch/internal/fetch"
	"noticewatch/internal/ingest"
	"noticewatch/internal/metrics"
	"noticewatch/internal/notice"
	"noticewatch/internal/notifier"
	"noticewatch/internal/notifier/push"
	"noticewatch/internal/observability/pprof"
	"noticewatch/internal/queue"
	"noticewatch/internal/runtime/supervisor"
	"noticewatch/internal/sched"
	"noticewatch/internal/storage"
	logx "noticewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store

	ingestQ *queue.Queue
	notifyQ *queue.Queue
	sched   *sched.Service
	metrics *metrics.Server
	pprof   *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(storageConfig(cfg.Storage), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("storage.driver: the pipeline requires 'file' or 'sqlite'")
	}
	log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))

	fetchCfg, err := fetchConfig(cfg.Fetch)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.NewClient(fetchCfg, log.With(logx.String("comp", "fetch")))

	var pusher notifier.Pusher
	if cfg.Notify.Telegram.Enabled {
		tg, err := push.NewTelegram(cfg.Notify.Telegram, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		pusher = tg
	} else {
		log.Warn("no push backend enabled; notifications are recorded but not delivered")
	}

	ttl, err := parseDurationField("notify.ttl", cfg.Notify.TTL)
	if err != nil {
		return nil, err
	}
	topicFor := topicResolver(cfgm, cfg.Notify.TopicPrefix)
	notif, err := notifier.NewService(store, pusher, ttl, topicFor,
		log.With(logx.String("comp", "notifier")), bus)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
	}

	notifyQCfg, err := queueConfig("notify.queue", cfg.Notify.Queue)
	if err != nil {
		return nil, err
	}
	a.notifyQ = queue.New("notify", notifyQCfg, notif.Handler(), a.deadLetter,
		log.With(logx.String("comp", "queue"), logx.String("queue", "notify")), bus)

	sink := ingest.SinkFunc(func(ev notice.ChangeEvent) error {
		return a.notifyQ.Enqueue(ev.DepartmentID, ev)
	})
	worker, err := ingest.NewWorker(store, fetcher, sink,
		log.With(logx.String("comp", "ingest")), bus)
	if err != nil {
		return nil, err
	}

	ingestQCfg, err := queueConfig("ingest", cfg.Ingest)
	if err != nil {
		return nil, err
	}
	a.ingestQ = queue.New("ingest", ingestQCfg, worker.Handler(), a.deadLetter,
		log.With(logx.String("comp", "queue"), logx.String("queue", "ingest")), bus)

	a.sched = sched.New(a.triggerIngest, log.With(logx.String("comp", "sched")))

	if cfg.Metrics.Enabled {
		listen := cfg.Metrics.Listen
		if listen == "" {
			listen = ":9090"
		}
		a.metrics = metrics.NewServer(listen, bus, log.With(logx.String("comp", "metrics")))
	}

	if cfg.Pprof.Enabled {
		a.pprof = pprof.New(pprof.Config{
			Enabled:       true,
			Addr:          cfg.Pprof.Listen,
			Token:         cfg.Pprof.Token,
			AllowInsecure: cfg.Pprof.AllowInsecure,
		}, log.With(logx.String("comp", "pprof")))
	}

	return a, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(cfg)
	})

	cfg := a.cfgm.Get()

	a.ingestQ.Start(a.sup.Context())
	a.notifyQ.Start(a.sup.Context())

	if err := a.sched.Apply(cfg.Schedule.Default, cfg.Enabled()); err != nil {
		return err
	}
	a.sched.Start()

	if a.metrics != nil {
		a.metrics.Start()
	}
	if a.pprof != nil {
		if err := a.pprof.Start(); err != nil {
			return err
		}
	}

	// one immediate sweep so a fresh start doesn't wait for the first tick
	for _, d := range cfg.Enabled() {
		a.triggerIngest(d)
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("config.reload", a.reloadLoop)

	a.log.Info("started",
		logx.Int("departments", len(cfg.Enabled())),
		logx.Bool("metrics", a.metrics != nil))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	a.step(ctx, "queues", 5*time.Second, func(context.Context) error {
		a.ingestQ.Stop()
		a.notifyQ.Stop()
		return nil
	})
	if a.metrics != nil {
		a.step(ctx, "metrics", 2*time.Second, func(c context.Context) error {
			return a.metrics.Stop(c)
		})
	}
	if a.pprof != nil {
		a.step(ctx, "pprof", 2*time.Second, func(c context.Context) error {
			return a.pprof.Stop(c)
		})
	}
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step bounds one shutdown stage so a stalled component cannot hold the
// whole stop hostage.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < max {
			max = rem
		}
	}
	if max > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) triggerIngest(d config.Department) {
	if err := a.ingestQ.Enqueue(d.ID, d); err != nil {
		// ErrQueueFull here means a previous cycle for some department is
		// badly backed up; the next tick retries.
		a.log.Warn("ingest enqueue failed", logx.String("dept", d.ID), logx.Err(err))
	}
}

func (a *App) deadLetter(d queue.Delivery, err error) {
	a.log.Error("delivery dead-lettered",
		logx.String("queue", d.Queue),
		logx.String("key", d.Key),
		logx.Int("attempts", d.Attempt),
		logx.Err(err))
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: keep only the latest config
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
			if err := a.sched.Apply(newCfg.Schedule.Default, newCfg.Enabled()); err != nil {
				// validator should have caught this; keep the old schedules
				a.log.Warn("schedule reload rejected", logx.Err(err))
			}
			a.log.Info("config reloaded", logx.Int("departments", len(newCfg.Enabled())))
		}
	}
}

// topicResolver maps a department to its push topic: the per-department
// override when set, otherwise prefix + id. It reads the live config so hot
// reloads take effect on the next event.
func topicResolver(cfgm *config.Manager, fallbackPrefix string) func(string) string {
	return func(departmentID string) string {
		prefix := fallbackPrefix
		if cfg := cfgm.Get(); cfg != nil {
			if cfg.Notify.TopicPrefix != "" {
				prefix = cfg.Notify.TopicPrefix
			}
			for _, d := range cfg.Departments {
				if d.ID == departmentID && d.Topic != "" {
					return d.Topic
				}
			}
		}
		if prefix == "" {
			prefix = "notices/"
		}
		return prefix + departmentID
	}
}

// validateReload rejects configs that would break a live reload. Structural
// checks (ids, urls) already ran in Parse.
func validateReload(cfg *config.Config) error {
	if cfg.Schedule.Default != "" {
		if _, err := sched.ParseSchedule(cfg.Schedule.Default); err != nil {
			return fmt.Errorf("schedule.default: %w", err)
		}
	}
	for _, d := range cfg.Enabled() {
		if d.Schedule == "" {
			continue
		}
		if _, err := sched.ParseSchedule(d.Schedule); err != nil {
			return fmt.Errorf("departments[%s].schedule: %w", d.ID, err)
		}
	}
	for name, raw := range map[string]string{
		"notify.ttl":           cfg.Notify.TTL,
		"fetch.timeout":        cfg.Fetch.Timeout,
		"storage.busy_timeout": cfg.Storage.BusyTimeout,
	} {
		if _, err := parseDurationField(name, raw); err != nil {
			return err
		}
	}
	return nil
}

func storageConfig(c config.StorageConfig) storage.Config {
	busy, _ := parseDurationField("storage.busy_timeout", c.BusyTimeout)
	return storage.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: busy}
}

func fetchConfig(c config.FetchConfig) (fetch.Config, error) {
	timeout, err := parseDurationField("fetch.timeout", c.Timeout)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		UserAgent:    c.UserAgent,
		Timeout:      timeout,
		RatePerHost:  c.RatePerHost,
		Burst:        c.Burst,
		MaxBodyBytes: c.MaxBodyBytes,
	}, nil
}

func queueConfig(name string, c config.QueueConfig) (queue.Config, error) {
	timeout, err := parseDurationField(name+".timeout", c.Timeout)
	if err != nil {
		return queue.Config{}, err
	}
	base, err := parseDurationField(name+".retry_base", c.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := parseDurationField(name+".retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		Timeout:       timeout,
		RetryMax:      c.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   c.RetryJitter,
	}, nil
}

// parseDurationField parses an optional Go duration string; empty means 0
// (use the component default).
func parseDurationField(name, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", name, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", name)
	}
	return d, nil
}
