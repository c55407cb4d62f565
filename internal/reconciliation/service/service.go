// Package service drives a reconciliation pass: it pulls opportunities,
// contacts and calendar data from the upstream CRM, matches them against the
// internal lead pool and applies ratcheted stage updates in batches.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maklerportal_backend/internal/crm/transport"
	"maklerportal_backend/internal/reconciliation/domain"
	"maklerportal_backend/internal/reconciliation/repository"
	"maklerportal_backend/platform/apperr"
	"maklerportal_backend/platform/config"
	"maklerportal_backend/platform/logger"
	"maklerportal_backend/platform/phone"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CRMReader is the upstream CRM surface the orchestrator consumes. The
// implementation paces every request through a shared limiter.
type CRMReader interface {
	ListPipelines(ctx context.Context, token, locationID string) ([]transport.Pipeline, error)
	SearchOpportunities(ctx context.Context, token, locationID string) ([]transport.Opportunity, error)
	ListPipelineOpportunities(ctx context.Context, token, pipelineID string) ([]transport.Opportunity, error)
	GetContact(ctx context.Context, token, contactID string) (transport.Contact, error)
	ListCalendars(ctx context.Context, token, locationID string) ([]transport.Calendar, error)
	ListCalendarEvents(ctx context.Context, token, locationID, calendarID string, from, to time.Time) ([]transport.CalendarEvent, error)
}

// TokenSource resolves a valid upstream access token, refreshing if needed.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// LeadStore is the internal lead persistence surface.
type LeadStore interface {
	ListCandidates(ctx context.Context, pageSize int, filter repository.Filter) ([]repository.Lead, error)
	UpdateBatch(ctx context.Context, updates []repository.LeadUpdate) error
	InsertRunLog(ctx context.Context, status, message string, metadata interface{}) error
}

// Mapping is the immutable configuration the orchestrator runs against.
type Mapping struct {
	StageMap      domain.StageMap
	OwnContactIDs map[string]struct{}
	OwnEmails     map[string]struct{}
}

// RunOptions optionally narrows a pass to one lead or one property grouping.
// Callers needing single-lead sync re-invoke the same pass with a filter;
// there is no separate per-entity operation.
type RunOptions struct {
	LeadID      *uuid.UUID
	PropertyRef *string
}

// Run statuses recorded in the audit log.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// RunSummary is the structured result of one reconciliation pass.
type RunSummary struct {
	Status              string    `json:"status"`
	StartedAt           time.Time `json:"startedAt"`
	FinishedAt          time.Time `json:"finishedAt"`
	OpportunitiesSeen   int       `json:"opportunitiesSeen"`
	ContactsResolved    int       `json:"contactsResolved"`
	LeadsMatched        int       `json:"leadsMatched"`
	LeadsUpdated        int       `json:"leadsUpdated"`
	Unmatched           int       `json:"unmatched"`
	UnmappedStages      int       `json:"unmappedStages"`
	DuplicateIdentities int       `json:"duplicateIdentities"`
	InvalidPhones       int       `json:"invalidPhones"`
	FailedBatches       int       `json:"failedBatches"`
	Errors              []string  `json:"errors,omitempty"`
}

// Service is the reconciliation orchestrator.
type Service struct {
	crm     CRMReader
	tokens  TokenSource
	store   LeadStore
	mapping Mapping
	cfg     config.ReconciliationConfig
	crmCfg  config.CRMConfig
	log     *logger.Logger
	now     func() time.Time
}

func New(crm CRMReader, tokens TokenSource, store LeadStore, mapping Mapping, cfg config.ReconciliationConfig, crmCfg config.CRMConfig, log *logger.Logger) *Service {
	return &Service{
		crm:     crm,
		tokens:  tokens,
		store:   store,
		mapping: mapping,
		cfg:     cfg,
		crmCfg:  crmCfg,
		log:     log,
		now:     time.Now,
	}
}

// Run executes one full reconciliation pass and persists its summary to the
// audit log. Only credential failure and pipeline-listing unavailability are
// fatal; everything else degrades into summary-counted skips.
func (s *Service) Run(ctx context.Context, opts RunOptions) (RunSummary, error) {
	runID := uuid.New()
	log := s.log.WithRunID(runID.String())
	summary := RunSummary{StartedAt: s.now().UTC()}

	log.Info("reconciliation run started",
		"lead_filter", opts.LeadID != nil,
		"property_filter", opts.PropertyRef != nil,
	)

	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return s.finish(ctx, log, summary, StatusFailed, fmt.Sprintf("credential refresh failed: %v", err)),
			apperr.Wrap(apperr.KindUnavailable, "crm credential refresh failed", err)
	}

	locationID := s.crmCfg.GetCRMLocationID()

	pipelines, err := s.crm.ListPipelines(ctx, token, locationID)
	if err != nil {
		return s.finish(ctx, log, summary, StatusFailed, fmt.Sprintf("pipeline listing failed: %v", err)),
			apperr.Wrap(apperr.KindUnavailable, "crm pipeline listing failed", err)
	}
	if len(pipelines) == 0 {
		return s.finish(ctx, log, summary, StatusSuccess, "no pipelines configured upstream"), nil
	}

	stageNames := stageNameTable(pipelines)

	opportunities := s.fetchOpportunities(ctx, log, token, locationID, pipelines, &summary)
	summary.OpportunitiesSeen = len(opportunities)
	if len(opportunities) == 0 {
		status := StatusSuccess
		if len(summary.Errors) > 0 {
			status = StatusPartial
		}
		return s.finish(ctx, log, summary, status, "no opportunities found"), nil
	}

	contacts := s.fetchContacts(ctx, log, token, opportunities, &summary)
	summary.ContactsResolved = len(contacts)

	appointments := s.fetchAppointments(ctx, log, token, locationID, &summary)

	leads, err := s.store.ListCandidates(ctx, s.cfg.GetLeadPageSize(), repository.Filter{
		LeadID:      opts.LeadID,
		PropertyRef: opts.PropertyRef,
	})
	if err != nil {
		return s.finish(ctx, log, summary, StatusFailed, fmt.Sprintf("lead listing failed: %v", err)),
			apperr.Wrap(apperr.KindInternal, "lead listing failed", err)
	}
	if len(leads) == 0 {
		return s.finish(ctx, log, summary, StatusSuccess, "no eligible leads"), nil
	}

	index := s.buildMatchIndex(leads, &summary)

	updates := s.reconcile(log, opportunities, contacts, appointments, stageNames, index, &summary)

	s.applyUpdates(ctx, log, updates, &summary)

	status := StatusSuccess
	if summary.FailedBatches > 0 || len(summary.Errors) > 0 {
		status = StatusPartial
	}
	return s.finish(ctx, log, summary, status, "run completed"), nil
}

// fetchOpportunities prefers the bulk search and falls back to per-pipeline
// listing. Every pipeline that fails to list is recorded in the summary, even
// when other pipelines delivered results; the run itself continues to an
// orderly end.
func (s *Service) fetchOpportunities(ctx context.Context, log *logger.Logger, token, locationID string, pipelines []transport.Pipeline, summary *RunSummary) []transport.Opportunity {
	opportunities, err := s.crm.SearchOpportunities(ctx, token, locationID)
	if err == nil {
		return opportunities
	}

	searchErr := err
	log.Warn("opportunity search failed, using fallback listing", "error", err)

	var all []transport.Opportunity
	degraded := false
	for _, pipeline := range pipelines {
		listed, err := s.crm.ListPipelineOpportunities(ctx, token, pipeline.ID)
		if err != nil {
			degraded = true
			log.Warn("pipeline opportunity listing failed", "pipeline_id", pipeline.ID, "error", err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("pipeline %s listing failed: %v", pipeline.ID, err))
			continue
		}
		all = append(all, listed...)
	}

	if degraded {
		summary.Errors = append(summary.Errors, fmt.Sprintf("opportunity search failed: %v", searchErr))
	}

	return all
}

// fetchContacts resolves each unique contact id once. Fetches run behind the
// client's shared limiter; the errgroup cap only bounds in-flight requests,
// aggregate pacing stays fixed. A single failed contact degrades that
// opportunity to unmatched.
func (s *Service) fetchContacts(ctx context.Context, log *logger.Logger, token string, opportunities []transport.Opportunity, summary *RunSummary) map[string]transport.Contact {
	unique := make(map[string]struct{})
	for _, opp := range opportunities {
		if opp.ContactID == "" {
			continue
		}
		if _, own := s.mapping.OwnContactIDs[opp.ContactID]; own {
			continue
		}
		unique[opp.ContactID] = struct{}{}
	}

	var mu sync.Mutex
	contacts := make(map[string]transport.Contact, len(unique))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.crmCfg.GetCRMFetchConcurrency())

	for contactID := range unique {
		group.Go(func() error {
			contact, err := s.crm.GetContact(groupCtx, token, contactID)
			if err != nil {
				log.Warn("contact fetch failed", "contact_id", contactID, "error", err)
				mu.Lock()
				summary.Errors = append(summary.Errors, fmt.Sprintf("contact %s: %v", contactID, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			contacts[contactID] = contact
			mu.Unlock()
			return nil
		})
	}

	// Workers never return errors; Wait only propagates context cancellation.
	if err := group.Wait(); err != nil {
		log.Warn("contact fetch interrupted", "error", err)
	}

	return contacts
}

// fetchAppointments loads calendar events inside the bounded window and
// reduces them to one appointment per contact. Any calendar failure degrades
// to "no appointment info".
func (s *Service) fetchAppointments(ctx context.Context, log *logger.Logger, token, locationID string, summary *RunSummary) map[string]domain.Appointment {
	calendars, err := s.crm.ListCalendars(ctx, token, locationID)
	if err != nil {
		log.Warn("calendar listing failed, continuing without appointment data", "error", err)
		summary.Errors = append(summary.Errors, fmt.Sprintf("calendars: %v", err))
		return nil
	}

	now := s.now().UTC()
	from := now.Add(-s.cfg.GetAppointmentWindowPast())
	to := now.Add(s.cfg.GetAppointmentWindowFuture())

	var all []domain.Appointment
	for _, calendar := range calendars {
		events, err := s.crm.ListCalendarEvents(ctx, token, locationID, calendar.ID, from, to)
		if err != nil {
			log.Warn("calendar events fetch failed", "calendar_id", calendar.ID, "error", err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("calendar %s: %v", calendar.ID, err))
			continue
		}
		for _, event := range events {
			all = append(all, domain.Appointment{
				ContactID: event.ContactID,
				StartTime: event.StartTime,
				EndTime:   event.EndTime,
				Status:    event.Status,
			})
		}
	}

	return domain.SelectLatestPerContact(all)
}

// matchIndex holds the last-write-wins identity lookups built once per run.
type matchIndex struct {
	byEmail map[string]int
	byPhone map[string]int
	leads   []repository.Lead
}

func (s *Service) buildMatchIndex(leads []repository.Lead, summary *RunSummary) *matchIndex {
	index := &matchIndex{
		byEmail: make(map[string]int, len(leads)),
		byPhone: make(map[string]int, len(leads)),
		leads:   leads,
	}

	for i, lead := range leads {
		if lead.Email != nil {
			if key := domain.EmailKey(*lead.Email); key != "" {
				if _, own := s.mapping.OwnEmails[key]; own {
					continue
				}
				if _, dup := index.byEmail[key]; dup {
					summary.DuplicateIdentities++
				}
				index.byEmail[key] = i
			}
		}
		if lead.Phone != nil {
			if key := domain.PhoneKey(*lead.Phone); key != "" {
				if _, dup := index.byPhone[key]; dup {
					summary.DuplicateIdentities++
				}
				index.byPhone[key] = i
			}
			if !phone.IsPlausible(*lead.Phone) {
				summary.InvalidPhones++
			}
		}
	}

	return index
}

// match finds at most one lead for a contact: email key first, phone key as
// fallback. No hit means the opportunity is skipped and counted.
func (index *matchIndex) match(contact transport.Contact) (int, bool) {
	if key := domain.EmailKey(contact.Email); key != "" {
		if i, ok := index.byEmail[key]; ok {
			return i, true
		}
	}
	if key := domain.PhoneKey(contact.Phone); key != "" {
		if i, ok := index.byPhone[key]; ok {
			return i, true
		}
	}
	return 0, false
}

// reconcile walks every opportunity through matcher, stage mapper,
// appointment correlator and ratchet. States are tracked per lead so that
// several opportunities touching the same lead within one run are applied
// serially to the same evolving state; such a lead counts as matched once.
func (s *Service) reconcile(log *logger.Logger, opportunities []transport.Opportunity, contacts map[string]transport.Contact, appointments map[string]domain.Appointment, stageNames map[string]string, index *matchIndex, summary *RunSummary) []repository.LeadUpdate {
	now := s.now().UTC()

	states := make(map[uuid.UUID]domain.LeadState)
	changedLeads := make(map[uuid.UUID]struct{})
	var order []uuid.UUID

	for _, opp := range opportunities {
		contact, ok := contacts[opp.ContactID]
		if !ok {
			summary.Unmatched++
			continue
		}

		leadIdx, ok := index.match(contact)
		if !ok {
			summary.Unmatched++
			continue
		}
		lead := index.leads[leadIdx]

		state, tracked := states[lead.ID]
		if !tracked {
			state = lead.State
			order = append(order, lead.ID)
			summary.LeadsMatched++
		}

		label, known := stageNames[opp.StageID]
		if !known {
			label = opp.StageID
		}
		stage, stored, mapped := s.mapping.StageMap.Resolve(label)
		if !mapped {
			summary.UnmappedStages++
			log.Debug("unmapped pipeline stage", "stage_label", label, "opportunity_id", opp.ID)
		}

		observation := domain.Observation{
			OpportunityID: opp.ID,
			ContactID:     contact.ID,
			Stage:         stage,
			StageMapped:   mapped,
			StoredStage:   stored,
			SourceTime:    opp.UpdatedAt,
		}

		if appt, ok := appointments[contact.ID]; ok {
			facts := domain.CorrelateAppointment(appt, stage, mapped, state.Flags.Consultation, opp.UpdatedAt, now)
			observation.Appointment = &facts
		}

		next, changed := domain.Advance(state, observation)
		states[lead.ID] = next
		if changed {
			changedLeads[lead.ID] = struct{}{}
		}
	}

	updates := make([]repository.LeadUpdate, 0, len(changedLeads))
	for _, leadID := range order {
		if _, changed := changedLeads[leadID]; !changed {
			continue
		}
		updates = append(updates, repository.LeadUpdate{ID: leadID, State: states[leadID]})
	}

	return updates
}

// applyUpdates writes updates in fixed-size batches. A failed batch is
// logged with its member ids and counted, remaining batches still run.
func (s *Service) applyUpdates(ctx context.Context, log *logger.Logger, updates []repository.LeadUpdate, summary *RunSummary) {
	batchSize := s.cfg.GetUpdateBatchSize()

	for start := 0; start < len(updates); start += batchSize {
		end := start + batchSize
		if end > len(updates) {
			end = len(updates)
		}
		batch := updates[start:end]

		if err := s.store.UpdateBatch(ctx, batch); err != nil {
			ids := make([]string, 0, len(batch))
			for _, update := range batch {
				ids = append(ids, update.ID.String())
			}
			log.Error("lead update batch failed", "lead_ids", ids, "error", err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("update batch [%d:%d]: %v", start, end, err))
			summary.FailedBatches++
			continue
		}

		summary.LeadsUpdated += len(batch)
	}
}

// finish stamps the summary, persists the audit record and logs the outcome.
func (s *Service) finish(ctx context.Context, log *logger.Logger, summary RunSummary, status, message string) RunSummary {
	summary.Status = status
	summary.FinishedAt = s.now().UTC()

	if err := s.store.InsertRunLog(ctx, status, message, summary); err != nil {
		log.DatabaseError("insert run log", err)
	}

	log.RunCompleted(status, summary.OpportunitiesSeen, summary.LeadsMatched, summary.LeadsUpdated, len(summary.Errors))

	return summary
}

func stageNameTable(pipelines []transport.Pipeline) map[string]string {
	names := make(map[string]string)
	for _, pipeline := range pipelines {
		for _, stage := range pipeline.Stages {
			names[stage.ID] = stage.Name
		}
	}
	return names
}
