// Package batch hands out work units to pulling agents under leases and forwards their
// results and failures to the store.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/lease"
	"github.com/JakeFAU/rankhub/internal/metrics"
	"github.com/JakeFAU/rankhub/internal/store"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultLimit            = 10
	DefaultMaxLimit         = 100
	DefaultOverfetch        = 20
	DefaultOverfetchCap     = 200
	DefaultMinCheckInterval = 600 * time.Second
	DefaultSyncTimeLimit    = 60 * time.Minute
)

// ErrInvalidUnit is returned when a report names no keyword or product code, or a
// keyword containing the lease key separator.
var ErrInvalidUnit = errors.New("keyword and product_code are required and keyword must not contain " + fleet.UnitKeySeparator)

// ErrHolderRequired is returned when a claim or report carries no agent id.
var ErrHolderRequired = errors.New("agentId is required")

// Config tunes claim sizing and eligibility.
type Config struct {
	DefaultLimit     int
	MaxLimit         int
	Overfetch        int
	OverfetchCap     int
	MinCheckInterval time.Duration
	SyncTimeLimit    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = DefaultMaxLimit
	}
	if c.Overfetch <= 0 {
		c.Overfetch = DefaultOverfetch
	}
	if c.OverfetchCap <= 0 {
		c.OverfetchCap = DefaultOverfetchCap
	}
	if c.MinCheckInterval <= 0 {
		c.MinCheckInterval = DefaultMinCheckInterval
	}
	if c.SyncTimeLimit <= 0 {
		c.SyncTimeLimit = DefaultSyncTimeLimit
	}
	return c
}

// Leases is the lock-manager surface the service needs.
type Leases interface {
	AcquireMany(keys []string, holder string, limit int) []string
	Release(key, holder string) bool
	Renew(key, holder string) bool
	Duration() time.Duration
	Status() lease.Status
}

// Units is the store surface the service needs.
type Units interface {
	store.UnitProvider
	store.ResultStore
}

// FailureReport is the outcome of ReportFailure.
type FailureReport struct {
	Kind   fleet.FailureKind
	Logged bool
}

// Service coordinates batch claims.
type Service struct {
	cfg    Config
	leases Leases
	units  Units
	logger *zap.Logger
}

// New wires a Service. A nil logger disables logging.
func New(cfg Config, leases Leases, units Units, logger *zap.Logger) (*Service, error) {
	if leases == nil || units == nil {
		return nil, errors.New("batch: leases and units are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg.withDefaults(), leases: leases, units: units, logger: logger.Named("batch")}, nil
}

// ClaimUnits leases up to desired eligible units to requester.
func (s *Service) ClaimUnits(ctx context.Context, requester string, desired int) ([]fleet.WorkUnit, error) {
	if strings.TrimSpace(requester) == "" {
		return nil, ErrHolderRequired
	}
	if desired <= 0 {
		desired = s.cfg.DefaultLimit
	}
	desired = min(desired, s.cfg.MaxLimit)

	candidates, err := s.units.EligibleUnits(ctx, store.UnitQuery{
		Limit:            min(desired*s.cfg.Overfetch, s.cfg.OverfetchCap),
		MinCheckInterval: s.cfg.MinCheckInterval,
		SyncTimeLimit:    s.cfg.SyncTimeLimit,
		ProcessingTTL:    s.leases.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch eligible units: %w", err)
	}

	byKey := make(map[string]fleet.WorkUnit, len(candidates))
	keys := make([]string, 0, len(candidates))
	for _, u := range candidates {
		if !u.Valid() {
			s.logger.Warn("unclaimable unit skipped", zap.String("keyword", u.Keyword), zap.String("product_code", u.ProductCode))
			continue
		}
		k := u.Key()
		if _, dup := byKey[k]; dup {
			continue
		}
		byKey[k] = u
		keys = append(keys, k)
	}
	granted := s.leases.AcquireMany(keys, requester, desired)
	claimed := make([]fleet.WorkUnit, 0, len(granted))
	for _, k := range granted {
		claimed = append(claimed, byKey[k])
	}

	if len(claimed) > 0 {
		if err := s.units.MarkProcessing(ctx, claimed); err != nil {
			s.logger.Warn("mark processing failed", zap.String("agent_id", requester), zap.Error(err))
		}
	}
	metrics.ObserveBatchClaim(desired, len(claimed))
	s.logger.Info("units claimed",
		zap.String("agent_id", requester),
		zap.Int("requested", desired),
		zap.Int("candidates", len(candidates)),
		zap.Int("claimed", len(claimed)),
	)
	return claimed, nil
}

// ReportResult releases the unit's lease and saves the rank into the next check slot.
func (s *Service) ReportResult(ctx context.Context, res store.CheckResult) (int, error) {
	if err := validateUnit(res.Unit); err != nil {
		return 0, err
	}
	s.release(res.Unit, res.AgentID)
	checkNumber, err := s.units.SaveResult(ctx, res)
	metrics.ObserveBatchReport("result", err == nil)
	if err != nil {
		return 0, fmt.Errorf("save result: %w", err)
	}
	s.logger.Debug("result saved",
		zap.String("key", res.Unit.Key()),
		zap.String("agent_id", res.AgentID),
		zap.Int("rank", res.Rank),
		zap.Int("check_number", checkNumber),
	)
	return checkNumber, nil
}

// ReportFailure releases the unit's lease, classifies the failure and logs it to the store.
// A store error is logged and reported as Logged=false rather than returned.
func (s *Service) ReportFailure(ctx context.Context, rec store.FailureRecord) (FailureReport, error) {
	if err := validateUnit(rec.Unit); err != nil {
		return FailureReport{}, err
	}
	s.release(rec.Unit, rec.AgentID)
	if rec.Kind == "" {
		rec.Kind = fleet.ClassifyFailure(rec.Message)
	}
	if rec.Kind == fleet.FailureBlocked {
		rec.Blocked = true
	}
	report := FailureReport{Kind: rec.Kind, Logged: true}
	if err := s.units.SaveFailure(ctx, rec); err != nil {
		report.Logged = false
		s.logger.Error("save failure",
			zap.String("key", rec.Unit.Key()),
			zap.String("agent_id", rec.AgentID),
			zap.Error(err),
		)
	}
	metrics.ObserveBatchReport("failure", report.Logged)
	return report, nil
}

// Renew extends requester's leases on units and returns the keys that were renewed.
func (s *Service) Renew(requester string, units []fleet.WorkUnit) []string {
	renewed := make([]string, 0, len(units))
	for _, u := range units {
		if s.leases.Renew(u.Key(), requester) {
			renewed = append(renewed, u.Key())
		}
	}
	return renewed
}

// CheckInfo reports today's check slots for unit.
func (s *Service) CheckInfo(ctx context.Context, unit fleet.WorkUnit) (store.CheckInfo, error) {
	if err := validateUnit(unit); err != nil {
		return store.CheckInfo{}, err
	}
	info, err := s.units.CheckInfo(ctx, unit)
	if err != nil {
		return store.CheckInfo{}, fmt.Errorf("check info: %w", err)
	}
	return info, nil
}

// Status returns the lease table.
func (s *Service) Status() lease.Status {
	return s.leases.Status()
}

func (s *Service) release(unit fleet.WorkUnit, holder string) {
	if !s.leases.Release(unit.Key(), holder) {
		s.logger.Warn("lease release rejected", zap.String("key", unit.Key()), zap.String("agent_id", holder))
	}
}

func validateUnit(u fleet.WorkUnit) error {
	if !u.Valid() {
		return ErrInvalidUnit
	}
	return nil
}
