package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/billing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/env"
)

const DefaultSweepSchedule = "@every 5m"

// Manager manages the job queue and the scheduled payment sweep
type Manager struct {
	queue    *Queue
	sweeper  *PaymentSweeper
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// NewManager creates a manager. A nil sweeper runs the queue without the
// scheduled sweep.
func NewManager(queue *Queue, sweeper *PaymentSweeper, schedule string) *Manager {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Manager{queue: queue, sweeper: sweeper, schedule: schedule}
}

// Setup wires the global manager to the billing services (singleton).
func Setup(services *billing.Services) *Manager {
	managerOnce.Do(func() {
		cfg := services.Config
		queue := NewQueue(nil, env.GetEnvInt("JOBQUEUE_WORKERS", 3))
		processor := NewPaymentReconcileProcessor(services.Provider, services.Reconciler, cfg.StripeTimeout)
		queue.Register(JobTypeReconcilePayment, processor.Handle)

		var sweeper *PaymentSweeper
		if services.Provider != nil {
			sweeper = NewPaymentSweeper(services.Payments, queue, cfg.SweepMinAge, cfg.SweepBatchSize)
		} else {
			log.Warn("[JobQueue Manager] Payment provider disabled, stale payment sweep off")
		}
		globalManager = NewManager(queue, sweeper, cfg.SweepCron)
	})
	return globalManager
}

// GetManager returns the global job queue manager
func GetManager() *Manager {
	if globalManager == nil {
		panic("job queue manager not initialized. Call jobqueue.Setup first.")
	}
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the sweep schedule
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if m.sweeper != nil {
		c := cron.New()
		if _, err := c.AddFunc(m.schedule, m.runSweep); err != nil {
			return err
		}
		m.cron = c
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	m.queue.Start()
	if m.cron != nil {
		m.cron.Start()
		log.Infof("[JobQueue Manager] Payment sweep scheduled (%s)", m.schedule)
	}
	m.running = true
	log.Info("[JobQueue Manager] Started successfully")
	return nil
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

// RunSweepOnce exposes a manual trigger for a single sweep (admin use).
func (m *Manager) RunSweepOnce(ctx context.Context) (int, error) {
	if m.sweeper == nil {
		return 0, nil
	}
	return m.sweeper.RunOnce(ctx)
}

func (m *Manager) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := m.sweeper.RunOnce(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Payment sweep error: %v", err)
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
