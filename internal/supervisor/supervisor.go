// Package supervisor watches every other long-running loop in the bot: a
// heartbeat registry detects stuck loops and restarts them, a cron
// scheduler drives the lower-frequency maintenance jobs, and a small
// table-driven log-pattern scanner applies a remedy to a short catalogue of
// known fatal conditions. The donor has no direct analogue — its main.go
// wires goroutines but never watches them — so this package is grounded on
// the donor's WS reconnect/health-check ticker (internal/exchange/bitunix/
// ws.go's ping/pong ticker) generalized into a named heartbeat table, and
// on aristath-sentinel's cron-backed Scheduler for the maintenance jobs.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"perpbot/internal/common"
	"perpbot/internal/config"
)

// RestartFunc (re)launches one long-running loop under a fresh context. It
// must return promptly — the loop keeps running on its own goroutine — and
// must respect ctx cancellation.
type RestartFunc func(ctx context.Context)

// MaintenanceRunner is the periodic-sync job body the cron scheduler drives.
type MaintenanceRunner interface {
	RunPeriodicSyncCycle(ctx context.Context, settings *config.Settings) error
}

// BotController is the narrow in-process surface the supervisor uses to
// poll and cycle the autonomous trading loop. It mirrors the donor system's
// /bot/status, /bot/stop, /bot/start HTTP endpoints (original_source's
// backend/scripts/supervisor.py), called in-process here instead of over
// HTTP since orchestrator and supervisor share one binary.
type BotController interface {
	Running() bool
	Stop()
	Start()
}

// ActivityTracker reports recent trading activity, used for the idle-bot
// stop/start cycle.
type ActivityTracker interface {
	TradesToday() (int, error)
	OpenPositionsCount() (int, error)
}

// Notifier delivers a fire-and-forget message about a supervisor
// intervention.
type Notifier interface {
	Notify(msg string)
}

type loopEntry struct {
	lastHeartbeat time.Time
	threshold     time.Duration
	restart       RestartFunc
	cancel        context.CancelFunc
}

// Supervisor tracks registered loops' heartbeats, polls the trading bot's
// liveness, detects prolonged inactivity, and scans log lines for known
// fatal patterns.
type Supervisor struct {
	mu    sync.Mutex
	loops map[string]*loopEntry
	cron  *cron.Cron

	bot      BotController
	activity ActivityTracker
	notifier Notifier

	lastActivityAt time.Time
}

func New(bot BotController, activity ActivityTracker, notifier Notifier) *Supervisor {
	return &Supervisor{
		loops:          make(map[string]*loopEntry),
		cron:           cron.New(),
		bot:            bot,
		activity:       activity,
		notifier:       notifier,
		lastActivityAt: time.Now(),
	}
}

func (s *Supervisor) notify(msg string) {
	if s.notifier != nil {
		s.notifier.Notify(msg)
	}
}

// Register adds a long-running loop under supervision and launches it via
// restart. threshold is the maximum allowed gap between Heartbeat(name)
// calls before the loop is considered stuck and soft-restarted.
func (s *Supervisor) Register(name string, threshold time.Duration, restart RestartFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.loops[name] = &loopEntry{
		lastHeartbeat: time.Now(),
		threshold:     threshold,
		restart:       restart,
		cancel:        cancel,
	}
	s.mu.Unlock()

	restart(ctx)
}

// Heartbeat satisfies aux.HeartbeatRecorder; every registered loop calls it
// at the top of each iteration.
func (s *Supervisor) Heartbeat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.loops[name]; ok {
		e.lastHeartbeat = time.Now()
	}
}

// RunCycle runs one supervisor pass: stale-heartbeat restarts, bot-liveness
// poll, and idle-activity check, per §4.11.
func (s *Supervisor) RunCycle(settings *config.Settings) {
	s.checkHeartbeats()
	s.pollBotStatus()
	s.checkInactivity(settings)
}

func (s *Supervisor) checkHeartbeats() {
	now := time.Now()

	s.mu.Lock()
	var stale []string
	for name, e := range s.loops {
		if now.Sub(e.lastHeartbeat) > e.threshold {
			stale = append(stale, name)
		}
	}
	s.mu.Unlock()

	for _, name := range stale {
		s.restartLoop(name)
	}
}

func (s *Supervisor) restartLoop(name string) {
	s.mu.Lock()
	e, ok := s.loops[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.cancel()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.lastHeartbeat = time.Now()
	restart := e.restart
	s.mu.Unlock()

	log.Error().Str("loop", name).Msg("supervisor: heartbeat missed beyond threshold, restarting loop")
	s.notify(fmt.Sprintf("supervisor: restarted %q after missed heartbeats", name))
	restart(ctx)
}

func (s *Supervisor) pollBotStatus() {
	if s.bot == nil || s.bot.Running() {
		return
	}
	log.Warn().Msg("supervisor: trading bot not running, starting it")
	s.notify("supervisor: trading bot was down, starting it")
	s.bot.Start()
}

func (s *Supervisor) checkInactivity(settings *config.Settings) {
	if s.activity == nil {
		return
	}

	trades, err := s.activity.TradesToday()
	if err != nil {
		log.Warn().Err(err).Msg("supervisor: trades-today check failed")
		return
	}
	open, err := s.activity.OpenPositionsCount()
	if err != nil {
		log.Warn().Err(err).Msg("supervisor: open-positions check failed")
		return
	}

	if trades > 0 || open > 0 {
		s.mu.Lock()
		s.lastActivityAt = time.Now()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	idleFor := time.Since(s.lastActivityAt)
	s.mu.Unlock()

	threshold := time.Duration(settings.InactiveMins) * time.Minute
	if threshold <= 0 {
		threshold = time.Duration(common.DefaultInactiveMins) * time.Minute
	}
	if idleFor <= threshold || s.bot == nil {
		return
	}

	log.Warn().Dur("idle", idleFor).Msg("supervisor: bot idle beyond threshold, cycling")
	s.notify(fmt.Sprintf("supervisor: bot idle for %s, issuing stop/start cycle", idleFor.Round(time.Minute)))
	s.bot.Stop()
	s.bot.Start()
}

// Remedy is the supervisor's response to a recognized fatal log pattern.
type Remedy string

const (
	RemedyRestartService Remedy = "restart_service"
	RemedyRebuild        Remedy = "rebuild"
	RemedyAdvisory       Remedy = "advisory"
)

type fatalPattern struct {
	substr string
	remedy Remedy
	label  string
}

// fatalPatterns is the small, table-driven catalogue from §4.11: DB auth
// failure, port in use, missing dependency, network glitch, invalid
// symbol. Kept deliberately short rather than reproducing
// original_source/backend/scripts/supervisor.py's larger rule set verbatim.
var fatalPatterns = []fatalPattern{
	{"password authentication failed", RemedyRestartService, "database auth failure"},
	{"authentication failed", RemedyRestartService, "database auth failure"},
	{"address already in use", RemedyAdvisory, "port already in use"},
	{"no such host", RemedyAdvisory, "network glitch"},
	{"connection refused", RemedyAdvisory, "network glitch"},
	{"missing required module", RemedyRebuild, "missing dependency"},
	{"no such file or directory", RemedyRebuild, "missing dependency"},
	{"invalid symbol", RemedyAdvisory, "invalid symbol"},
}

// ScanLogLine checks line against the fatal-pattern catalogue and applies
// the first match's remedy (service restart, rebuild advisory, or a plain
// advisory log), per §4.11.
func (s *Supervisor) ScanLogLine(line string) {
	lower := strings.ToLower(line)
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p.substr) {
			s.applyRemedy(p, line)
			return
		}
	}
}

func (s *Supervisor) applyRemedy(p fatalPattern, line string) {
	switch p.remedy {
	case RemedyRestartService:
		log.Error().Str("pattern", p.label).Str("line", line).Msg("supervisor: fatal log pattern matched, restarting bot")
		s.notify(fmt.Sprintf("supervisor: detected %s, restarting bot", p.label))
		if s.bot != nil {
			s.bot.Stop()
			s.bot.Start()
		}
	case RemedyRebuild:
		log.Error().Str("pattern", p.label).Str("line", line).Msg("supervisor: fatal log pattern matched, manual rebuild required")
		s.notify(fmt.Sprintf("supervisor: detected %s, manual rebuild required", p.label))
	default:
		log.Warn().Str("pattern", p.label).Str("line", line).Msg("supervisor: advisory fatal log pattern matched")
		s.notify(fmt.Sprintf("supervisor: advisory - %s", p.label))
	}
}

// ScheduleMaintenance registers the periodic-sync loop on a cron schedule
// derived from POSITIONS_AUTO_SYNC_MINUTES, grounded on aristath-sentinel's
// scheduler.go (a cron expression in place of a hand-rolled ticker, for
// this lower-frequency maintenance job).
func (s *Supervisor) ScheduleMaintenance(runner MaintenanceRunner, settings *config.Settings) error {
	mins := settings.PositionsAutoSyncMins
	if mins <= 0 {
		mins = common.DefaultPositionsAutoSync
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", mins), func() {
		s.Heartbeat("periodic_sync")
		if err := runner.RunPeriodicSyncCycle(context.Background(), config.Current()); err != nil {
			log.Warn().Err(err).Msg("supervisor: periodic sync cycle failed")
		}
	})
	return err
}

// StartCron starts the cron scheduler; call once after every maintenance
// job has been registered.
func (s *Supervisor) StartCron() { s.cron.Start() }

// StopCron stops the cron scheduler and waits for any in-flight job.
func (s *Supervisor) StopCron() {
	<-s.cron.Stop().Done()
}

// Start runs the supervisor's own check loop until ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) {
	interval := config.Current().SupervisorInterval
	if interval <= 0 {
		interval = time.Duration(common.DefaultSupervisorIntervalSec) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(config.Current())
		}
	}
}
