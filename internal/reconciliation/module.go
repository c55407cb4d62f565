// Package reconciliation wires the opportunity reconciliation module:
// mapping configuration, service construction and route registration.
package reconciliation

import (
	"maklerportal_backend/internal/crm"
	crmclient "maklerportal_backend/internal/crm/client"
	crmrepo "maklerportal_backend/internal/crm/repository"
	apphttp "maklerportal_backend/internal/http"
	"maklerportal_backend/internal/reconciliation/handler"
	"maklerportal_backend/internal/reconciliation/repository"
	"maklerportal_backend/internal/reconciliation/service"
	"maklerportal_backend/platform/config"
	"maklerportal_backend/platform/logger"
	"maklerportal_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ModuleConfig combines the config surfaces the module needs.
type ModuleConfig interface {
	config.CRMConfig
	config.ReconciliationConfig
}

// Module represents the reconciliation domain module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates a new reconciliation module with all dependencies wired.
func NewModule(pool *pgxpool.Pool, cfg ModuleConfig, log *logger.Logger, val *validator.Validator) (*Module, error) {
	mapping, err := LoadMapping(cfg.GetStageMapPath())
	if err != nil {
		return nil, err
	}

	apiClient := crmclient.New(cfg, log)
	tokens := crm.NewTokenProvider(crmrepo.New(pool), apiClient, cfg, log)
	store := repository.New(pool)

	svc := service.New(apiClient, tokens, store, service.Mapping{
		StageMap:      mapping.StageMap,
		OwnContactIDs: mapping.OwnContactIDs,
		OwnEmails:     mapping.OwnEmails,
	}, cfg, cfg, log)

	return &Module{
		handler: handler.New(svc, val, log),
		service: svc,
	}, nil
}

// Name returns the module name for logging.
func (m *Module) Name() string {
	return "reconciliation"
}

// Service returns the service layer for external use (scheduler, CLI).
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes registers the module's routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	reconciliation := ctx.Protected.Group("/reconciliation")
	m.handler.RegisterRoutes(reconciliation)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
