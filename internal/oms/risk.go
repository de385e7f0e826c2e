package oms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/config"
)

// PositionReport is submitted to Monitor on every quote cycle: a snapshot
// of exposure and PnL for the global kill-switch evaluation. Grounded on
// the teacher's risk.PositionReport.
type PositionReport struct {
	Symbol        string
	Quantity      decimal.Decimal
	MidPrice      decimal.Decimal
	ExposureUSD   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Timestamp     time.Time
}

// KillSignal tells the coordinator to cancel all orders. Symbol empty means
// a global kill across every destination symbol.
type KillSignal struct {
	Symbol string
	Reason string
}

// Monitor is the async kill-switch: it aggregates PositionReports across
// symbols and emits a KillSignal when the daily-loss or max-position-size
// limits are breached. Grounded on the teacher's internal/risk.Manager,
// generalised from per-market USD exposure to the bot's single cross-venue
// position.
type Monitor struct {
	cfg RiskLimits
	log *slog.Logger

	mu               sync.RWMutex
	reports          map[string]PositionReport
	totalExposure    decimal.Decimal
	totalRealizedPnL decimal.Decimal
	killActive       bool
	killUntil        time.Time

	reportCh chan PositionReport
	killCh   chan KillSignal
}

// RiskLimits is the subset of config.RiskConfig the Monitor evaluates.
type RiskLimits struct {
	MaxPositionSize   decimal.Decimal
	MaxDailyLoss      decimal.Decimal
	CooldownAfterKill time.Duration
}

// RiskLimitsFromConfig builds RiskLimits from static config.
func RiskLimitsFromConfig(cfg config.RiskConfig) RiskLimits {
	return RiskLimits{
		MaxPositionSize:   decimal.NewFromFloat(cfg.MaxPositionSize),
		MaxDailyLoss:      decimal.NewFromFloat(cfg.MaxDailyLoss),
		CooldownAfterKill: 5 * time.Minute,
	}
}

// NewMonitor creates a kill-switch monitor.
func NewMonitor(cfg RiskLimits, log *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		log:      log.With("component", "risk_monitor"),
		reports:  map[string]PositionReport{},
		reportCh: make(chan PositionReport, 100),
		killCh:   make(chan KillSignal, 10),
	}
}

// Run starts the monitor loop; it exits when ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-m.reportCh:
			m.processReport(report)
		case <-ticker.C:
			m.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking; drops on backpressure).
func (m *Monitor) Report(report PositionReport) {
	select {
	case m.reportCh <- report:
	default:
		m.log.Warn("risk report channel full, dropping report", "symbol", report.Symbol)
	}
}

// KillCh returns the channel carrying kill signals.
func (m *Monitor) KillCh() <-chan KillSignal { return m.killCh }

// IsKillSwitchActive reports whether trading is currently suppressed.
func (m *Monitor) IsKillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.killActive {
		return false
	}
	if time.Now().After(m.killUntil) {
		m.killActive = false
		m.log.Info("kill switch cooldown expired")
		return false
	}
	return true
}

func (m *Monitor) processReport(report PositionReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports[report.Symbol] = report

	m.totalExposure = decimal.Zero
	m.totalRealizedPnL = decimal.Zero
	for _, r := range m.reports {
		m.totalExposure = m.totalExposure.Add(r.ExposureUSD)
		m.totalRealizedPnL = m.totalRealizedPnL.Add(r.RealizedPnL)
	}

	if !m.cfg.MaxPositionSize.IsZero() && report.Quantity.Abs().GreaterThan(m.cfg.MaxPositionSize) {
		m.emitKill(report.Symbol, "position size limit breached")
	}

	if !m.cfg.MaxDailyLoss.IsZero() && m.totalRealizedPnL.LessThan(m.cfg.MaxDailyLoss.Neg()) {
		m.emitKill("", "max daily loss breached")
	}
}

func (m *Monitor) clearExpiredKillSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.killActive && time.Now().After(m.killUntil) {
		m.killActive = false
		m.log.Info("kill switch cooldown expired")
	}
}

func (m *Monitor) emitKill(symbol, reason string) {
	m.killActive = true
	m.killUntil = time.Now().Add(m.cfg.CooldownAfterKill)

	m.log.Error("kill switch engaged", "symbol", symbol, "reason", reason, "cooldown_until", m.killUntil)

	sig := KillSignal{Symbol: symbol, Reason: reason}
	select {
	case m.killCh <- sig:
	default:
		select {
		case <-m.killCh:
		default:
		}
		m.killCh <- sig
	}
}
