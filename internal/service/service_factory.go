package service

import (
	"sync"

	"go.uber.org/zap"

	"guard-service/internal/guard"
)

// ServiceFactory builds services once and hands out the same instances.
type ServiceFactory struct {
	guard    *guard.Guard
	admin    CounterAdmin
	evidence EvidenceStats
	logger   *zap.Logger

	once         sync.Once
	guardService *GuardService
}

func NewServiceFactory(g *guard.Guard, admin CounterAdmin, evidence EvidenceStats, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		guard:    g,
		admin:    admin,
		evidence: evidence,
		logger:   logger,
	}
}

func (f *ServiceFactory) GuardService() *GuardService {
	f.once.Do(func() {
		f.guardService = NewGuardService(f.guard, f.admin, f.evidence, f.logger)
	})
	return f.guardService
}
