package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"maklerportal_backend/internal/crm/transport"
	"maklerportal_backend/internal/reconciliation/domain"
	"maklerportal_backend/internal/reconciliation/repository"
	"maklerportal_backend/platform/logger"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeCRM struct {
	pipelines     []transport.Pipeline
	pipelinesErr  error
	searchResult  []transport.Opportunity
	searchErr     error
	listingResult map[string][]transport.Opportunity
	listingErr    error
	listingErrs   map[string]error
	contacts      map[string]transport.Contact
	contactErrs   map[string]error
	calendars     []transport.Calendar
	calendarsErr  error
	events        map[string][]transport.CalendarEvent
	eventsErr     map[string]error
}

func (f *fakeCRM) ListPipelines(ctx context.Context, token, locationID string) ([]transport.Pipeline, error) {
	return f.pipelines, f.pipelinesErr
}

func (f *fakeCRM) SearchOpportunities(ctx context.Context, token, locationID string) ([]transport.Opportunity, error) {
	return f.searchResult, f.searchErr
}

func (f *fakeCRM) ListPipelineOpportunities(ctx context.Context, token, pipelineID string) ([]transport.Opportunity, error) {
	if err, ok := f.listingErrs[pipelineID]; ok {
		return nil, err
	}
	if f.listingErr != nil {
		return nil, f.listingErr
	}
	return f.listingResult[pipelineID], nil
}

func (f *fakeCRM) GetContact(ctx context.Context, token, contactID string) (transport.Contact, error) {
	if err, ok := f.contactErrs[contactID]; ok {
		return transport.Contact{}, err
	}
	contact, ok := f.contacts[contactID]
	if !ok {
		return transport.Contact{}, errors.New("contact not found")
	}
	return contact, nil
}

func (f *fakeCRM) ListCalendars(ctx context.Context, token, locationID string) ([]transport.Calendar, error) {
	return f.calendars, f.calendarsErr
}

func (f *fakeCRM) ListCalendarEvents(ctx context.Context, token, locationID, calendarID string, from, to time.Time) ([]transport.CalendarEvent, error) {
	if err, ok := f.eventsErr[calendarID]; ok {
		return nil, err
	}
	return f.events[calendarID], nil
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) AccessToken(ctx context.Context) (string, error) {
	return f.token, f.err
}

type runLogEntry struct {
	status  string
	message string
}

type fakeStore struct {
	leads      []repository.Lead
	listErr    error
	batches    [][]repository.LeadUpdate
	batchErrAt int // 1-based index of the batch that fails; 0 = never
	runLogs    []runLogEntry
}

func (f *fakeStore) ListCandidates(ctx context.Context, pageSize int, filter repository.Filter) ([]repository.Lead, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if filter.LeadID == nil && filter.PropertyRef == nil {
		return f.leads, nil
	}
	var filtered []repository.Lead
	for _, lead := range f.leads {
		if filter.LeadID != nil && lead.ID != *filter.LeadID {
			continue
		}
		if filter.PropertyRef != nil && (lead.PropertyRef == nil || *lead.PropertyRef != *filter.PropertyRef) {
			continue
		}
		filtered = append(filtered, lead)
	}
	return filtered, nil
}

func (f *fakeStore) UpdateBatch(ctx context.Context, updates []repository.LeadUpdate) error {
	f.batches = append(f.batches, updates)
	if f.batchErrAt > 0 && len(f.batches) == f.batchErrAt {
		return errors.New("batch write failed")
	}
	// Persist into the fake pool so a follow-up run sees the new state.
	for _, update := range updates {
		for i := range f.leads {
			if f.leads[i].ID == update.ID {
				f.leads[i].State = update.State
			}
		}
	}
	return nil
}

func (f *fakeStore) InsertRunLog(ctx context.Context, status, message string, metadata interface{}) error {
	f.runLogs = append(f.runLogs, runLogEntry{status: status, message: message})
	return nil
}

type testConfig struct{}

func (testConfig) GetLeadPageSize() int                      { return 1000 }
func (testConfig) GetUpdateBatchSize() int                   { return 2 }
func (testConfig) GetAppointmentWindowPast() time.Duration   { return 720 * time.Hour }
func (testConfig) GetAppointmentWindowFuture() time.Duration { return 1440 * time.Hour }
func (testConfig) GetStageMapPath() string                   { return "" }

func (testConfig) GetCRMBaseURL() string                   { return "http://crm.test" }
func (testConfig) GetCRMClientID() string                  { return "client" }
func (testConfig) GetCRMClientSecret() string              { return "secret" }
func (testConfig) GetCRMLocationID() string                { return "loc-1" }
func (testConfig) GetCRMRequestInterval() time.Duration    { return time.Millisecond }
func (testConfig) GetCRMTokenRefreshBuffer() time.Duration { return 5 * time.Minute }
func (testConfig) GetCRMPageSize() int                     { return 100 }
func (testConfig) GetCRMFetchConcurrency() int             { return 1 }

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var (
	testNow     = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	stageChange = time.Date(2026, 3, 28, 14, 0, 0, 0, time.UTC)
)

func testMapping() Mapping {
	return Mapping{
		StageMap: domain.NewStageMap(map[string]domain.FunnelStage{
			"Finanzierungsberatung gebucht": domain.StageConsultationBooked,
			"Finanzierungsbestätigung":      domain.StageConfirmationIssued,
			"Warten auf Kreditentscheidung": domain.StageAwaitingCreditDecision,
			"Vertrag unterschrieben":        domain.StageContractSigned,
			"Auszahlung erhalten":           domain.StagePayoutReceived,
			"Finanzierung blockiert":        domain.StageBlocked,
		}),
		OwnContactIDs: map[string]struct{}{"own-contact": {}},
		OwnEmails:     map[string]struct{}{"intern@maklerportal.de": {}},
	}
}

func testPipelines(stageLabel string) []transport.Pipeline {
	return []transport.Pipeline{{
		ID:   "pipe-1",
		Name: "Finanzierung",
		Stages: []transport.PipelineStage{
			{ID: "stage-1", Name: stageLabel},
		},
	}}
}

func newService(crm *fakeCRM, store *fakeStore) *Service {
	svc := New(crm, &fakeTokens{token: "tok"}, store, testMapping(), testConfig{}, testConfig{}, logger.New("development"))
	svc.now = func() time.Time { return testNow }
	return svc
}

func stringPtr(s string) *string { return &s }

func leadWithIdentity(email, phoneNumber string) repository.Lead {
	lead := repository.Lead{ID: uuid.New()}
	if email != "" {
		lead.Email = stringPtr(email)
	}
	if phoneNumber != "" {
		lead.Phone = stringPtr(phoneNumber)
	}
	return lead
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunMatchesByEmailAndSetsConsultation(t *testing.T) {
	lead := leadWithIdentity("Max@Beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de "},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Status != StatusSuccess {
		t.Errorf("status = %q, want success", summary.Status)
	}
	if summary.LeadsMatched != 1 || summary.LeadsUpdated != 1 {
		t.Fatalf("matched=%d updated=%d, want 1/1", summary.LeadsMatched, summary.LeadsUpdated)
	}

	state := store.leads[0].State
	if !state.Flags.Consultation {
		t.Fatal("reached_consultation should be set")
	}
	if state.Flags.ConsultationAt == nil || !state.Flags.ConsultationAt.Equal(stageChange) {
		t.Errorf("consultation timestamp should be the opportunity's updated_at, got %v", state.Flags.ConsultationAt)
	}
	if state.Flags.Confirmation || state.Flags.Contract || state.Flags.Blocked {
		t.Error("later stages must stay untouched")
	}
	if state.PipelineStage == nil || *state.PipelineStage != string(domain.StageConsultationBooked) {
		t.Errorf("stored stage = %v, want internal vocabulary value", state.PipelineStage)
	}
}

func TestRunMatchesByPhoneFallback(t *testing.T) {
	lead := leadWithIdentity("", "0170/1234567")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Phone: "+49 170 1234567"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.LeadsMatched != 1 {
		t.Fatalf("expected phone fallback match, got matched=%d", summary.LeadsMatched)
	}
}

func TestRunLaterStagePreservesFirstTimestamps(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}
	svc := newService(crm, store)

	if _, err := svc.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// The CRM later moves the deal to contract_signed.
	laterChange := stageChange.Add(10 * 24 * time.Hour)
	crm.pipelines = testPipelines("Vertrag unterschrieben")
	crm.searchResult[0].UpdatedAt = laterChange

	if _, err := svc.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	state := store.leads[0].State
	for _, reached := range []bool{state.Flags.Consultation, state.Flags.Confirmation, state.Flags.AwaitingCredit, state.Flags.Contract} {
		if !reached {
			t.Fatal("all stages up to contract_signed should be reached")
		}
	}
	if !state.Flags.ConsultationAt.Equal(stageChange) {
		t.Errorf("consultation keeps its first-observed timestamp, got %v", state.Flags.ConsultationAt)
	}
	if !state.Flags.ContractAt.Equal(laterChange) {
		t.Errorf("contract is stamped by the run that first saw it, got %v", state.Flags.ContractAt)
	}
}

func TestRunBlockedWithoutConsultation(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	pastAppointment := testNow.Add(-24 * time.Hour)
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierung blockiert"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
		calendars: []transport.Calendar{{ID: "cal-1"}},
		events: map[string][]transport.CalendarEvent{
			"cal-1": {{ID: "ev-1", ContactID: "c-1", StartTime: pastAppointment, Status: "confirmed"}},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	if _, err := newService(crm, store).Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	state := store.leads[0].State
	if !state.Flags.Blocked {
		t.Fatal("blocked flag should be set")
	}
	if state.Flags.Consultation || state.Flags.Confirmation {
		t.Error("blocked must not imply funnel stages")
	}
	if state.AppointmentOccurred != nil {
		t.Error("no appointment-occurred inference for a never-consulted blocked lead")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}
	svc := newService(crm, store)

	first, err := svc.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.LeadsUpdated != 1 {
		t.Fatalf("first run should update the lead, got %d", first.LeadsUpdated)
	}

	second, err := svc.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.LeadsUpdated != 0 {
		t.Fatalf("re-running unchanged upstream data must produce zero updates, got %d", second.LeadsUpdated)
	}
	if len(store.batches) != 1 {
		t.Errorf("second run should not enqueue any batch, got %d batches", len(store.batches))
	}
}

func TestRunUnmappedStagePassesThrough(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Erstkontakt 🤝"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.UnmappedStages != 1 {
		t.Errorf("unmapped stages = %d, want 1", summary.UnmappedStages)
	}

	state := store.leads[0].State
	if state.PipelineStage == nil || *state.PipelineStage != "Erstkontakt 🤝" {
		t.Errorf("raw label should be stored verbatim, got %v", state.PipelineStage)
	}
	if state.Flags.Consultation || state.Flags.Blocked {
		t.Error("unmapped stage must not drive any flag")
	}
}

func TestRunCredentialFailureIsFatal(t *testing.T) {
	crm := &fakeCRM{}
	store := &fakeStore{}
	svc := New(crm, &fakeTokens{err: errors.New("refresh rejected")}, store, testMapping(), testConfig{}, testConfig{}, logger.New("development"))
	svc.now = func() time.Time { return testNow }

	summary, err := svc.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatal("credential failure must fail the run")
	}
	if summary.Status != StatusFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	if len(store.runLogs) != 1 || store.runLogs[0].status != StatusFailed {
		t.Error("a failed run must still be recorded in the audit log")
	}
}

func TestRunFallsBackToPipelineListing(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchErr: errors.New("search endpoint 500"),
		listingResult: map[string][]transport.Opportunity{
			"pipe-1": {{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange}},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.LeadsUpdated != 1 {
		t.Fatalf("fallback listing should still match and update, got %d", summary.LeadsUpdated)
	}
}

func TestRunBothOpportunitySourcesFailingIsDegraded(t *testing.T) {
	crm := &fakeCRM{
		pipelines:  testPipelines("Finanzierungsberatung gebucht"),
		searchErr:  errors.New("search endpoint 500"),
		listingErr: errors.New("listing endpoint 502"),
	}
	store := &fakeStore{leads: []repository.Lead{leadWithIdentity("max@beispiel.de", "")}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run must not crash when both listings fail: %v", err)
	}
	if summary.Status != StatusPartial {
		t.Errorf("status = %q, want partial", summary.Status)
	}
	if len(summary.Errors) < 2 {
		t.Errorf("expected diagnostics for both endpoints, got %v", summary.Errors)
	}
	if summary.OpportunitiesSeen != 0 {
		t.Errorf("no opportunities should be seen, got %d", summary.OpportunitiesSeen)
	}
}

func TestRunPartialFallbackRecordsFailedPipeline(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: []transport.Pipeline{
			{ID: "pipe-1", Name: "Finanzierung", Stages: []transport.PipelineStage{
				{ID: "stage-1", Name: "Finanzierungsberatung gebucht"},
			}},
			{ID: "pipe-2", Name: "Bestand", Stages: []transport.PipelineStage{
				{ID: "stage-2", Name: "Vertrag unterschrieben"},
			}},
		},
		searchErr: errors.New("search endpoint 500"),
		listingResult: map[string][]transport.Opportunity{
			"pipe-1": {{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange}},
		},
		listingErrs: map[string]error{"pipe-2": errors.New("listing endpoint 502")},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.LeadsUpdated != 1 {
		t.Fatalf("the listable pipeline should still be processed, got updated=%d", summary.LeadsUpdated)
	}
	if summary.Status != StatusPartial {
		t.Errorf("status = %q, want partial (one pipeline failed to list)", summary.Status)
	}
	var pipelineRecorded, searchRecorded bool
	for _, msg := range summary.Errors {
		if strings.Contains(msg, "pipe-2") {
			pipelineRecorded = true
		}
		if strings.Contains(msg, "opportunity search") {
			searchRecorded = true
		}
	}
	if !pipelineRecorded || !searchRecorded {
		t.Errorf("both the failed pipeline and the search failure must be recorded, got %v", summary.Errors)
	}
}

func TestRunContactFetchFailureDegrades(t *testing.T) {
	leadA := leadWithIdentity("a@beispiel.de", "")
	leadB := leadWithIdentity("b@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-a", UpdatedAt: stageChange},
			{ID: "opp-2", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-b", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-a": {ID: "c-a", Email: "a@beispiel.de"},
		},
		contactErrs: map[string]error{"c-b": errors.New("429 too many requests")},
	}
	store := &fakeStore{leads: []repository.Lead{leadA, leadB}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.LeadsMatched != 1 || summary.Unmatched != 1 {
		t.Errorf("matched=%d unmatched=%d, want 1/1", summary.LeadsMatched, summary.Unmatched)
	}
	if summary.Status != StatusPartial {
		t.Errorf("status = %q, want partial (contact error recorded)", summary.Status)
	}
}

func TestRunBatchFailureIsIsolated(t *testing.T) {
	leads := []repository.Lead{
		leadWithIdentity("a@beispiel.de", ""),
		leadWithIdentity("b@beispiel.de", ""),
		leadWithIdentity("c@beispiel.de", ""),
	}
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-a", UpdatedAt: stageChange},
			{ID: "opp-2", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-b", UpdatedAt: stageChange},
			{ID: "opp-3", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-c", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-a": {ID: "c-a", Email: "a@beispiel.de"},
			"c-b": {ID: "c-b", Email: "b@beispiel.de"},
			"c-c": {ID: "c-c", Email: "c@beispiel.de"},
		},
	}
	// Batch size is 2, so three updates make two batches; the first fails.
	store := &fakeStore{leads: leads, batchErrAt: 1}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.FailedBatches != 1 {
		t.Errorf("failed batches = %d, want 1", summary.FailedBatches)
	}
	if summary.LeadsUpdated != 1 {
		t.Errorf("updated = %d, want only the surviving batch counted", summary.LeadsUpdated)
	}
	if len(store.batches) != 2 {
		t.Errorf("remaining batches must still be applied, got %d", len(store.batches))
	}
	if summary.Status != StatusPartial {
		t.Errorf("status = %q, want partial", summary.Status)
	}
}

func TestRunScopedToSingleLead(t *testing.T) {
	leadA := leadWithIdentity("a@beispiel.de", "")
	leadB := leadWithIdentity("b@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-a", UpdatedAt: stageChange},
			{ID: "opp-2", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-b", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-a": {ID: "c-a", Email: "a@beispiel.de"},
			"c-b": {ID: "c-b", Email: "b@beispiel.de"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{leadA, leadB}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{LeadID: &leadA.ID})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.LeadsUpdated != 1 {
		t.Fatalf("scoped run should update exactly the filtered lead, got %d", summary.LeadsUpdated)
	}
	if !store.leads[0].State.Flags.Consultation || store.leads[1].State.Flags.Consultation {
		t.Error("only the scoped lead may be updated")
	}
}

func TestRunAppointmentCorrelation(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	held := testNow.Add(-48 * time.Hour)
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
		calendars: []transport.Calendar{{ID: "cal-1"}},
		events: map[string][]transport.CalendarEvent{
			"cal-1": {{ID: "ev-1", ContactID: "c-1", StartTime: held, Status: "confirmed"}},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	if _, err := newService(crm, store).Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	state := store.leads[0].State
	if state.AppointmentDate == nil || !state.AppointmentDate.Equal(held) {
		t.Errorf("appointment date = %v, want %v", state.AppointmentDate, held)
	}
	if state.AppointmentOccurred == nil || !*state.AppointmentOccurred {
		t.Error("past confirmed appointment should be marked as occurred")
	}
	if state.AppointmentOccurredAt == nil || !state.AppointmentOccurredAt.Equal(held) {
		t.Errorf("occurred-at = %v, want the appointment start", state.AppointmentOccurredAt)
	}
}

func TestRunCalendarFailureDegrades(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
		calendarsErr: errors.New("calendars 503"),
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("calendar failure must not fail the run: %v", err)
	}
	if summary.LeadsUpdated != 1 {
		t.Fatalf("stage update should still happen without appointment data, got %d", summary.LeadsUpdated)
	}
	if store.leads[0].State.AppointmentDate != nil {
		t.Error("no appointment info should be recorded")
	}
}

func TestRunZeroPipelinesSucceedsEmpty(t *testing.T) {
	store := &fakeStore{}
	summary, err := newService(&fakeCRM{}, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("zero pipelines must not be an error: %v", err)
	}
	if summary.Status != StatusSuccess || summary.LeadsMatched != 0 {
		t.Errorf("expected empty success, got %+v", summary)
	}
	if len(store.runLogs) != 1 {
		t.Error("an audit record must be written even for an empty run")
	}
}

func TestRunCountsLeadMatchedOncePerRun(t *testing.T) {
	lead := leadWithIdentity("max@beispiel.de", "")
	laterChange := stageChange.Add(24 * time.Hour)
	crm := &fakeCRM{
		pipelines: []transport.Pipeline{{
			ID:   "pipe-1",
			Name: "Finanzierung",
			Stages: []transport.PipelineStage{
				{ID: "stage-1", Name: "Finanzierungsberatung gebucht"},
				{ID: "stage-4", Name: "Vertrag unterschrieben"},
			},
		}},
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
			{ID: "opp-2", PipelineID: "pipe-1", StageID: "stage-4", ContactID: "c-1", UpdatedAt: laterChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "max@beispiel.de"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{lead}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.OpportunitiesSeen != 2 {
		t.Errorf("opportunities seen = %d, want 2", summary.OpportunitiesSeen)
	}
	if summary.LeadsMatched != 1 {
		t.Errorf("two opportunities on one lead must count as one matched lead, got %d", summary.LeadsMatched)
	}
	if summary.LeadsUpdated != 1 {
		t.Errorf("updated = %d, want 1", summary.LeadsUpdated)
	}

	state := store.leads[0].State
	if !state.Flags.Consultation || !state.Flags.Contract {
		t.Fatal("both opportunities must be applied to the same lead state")
	}
	if !state.Flags.ConsultationAt.Equal(stageChange) || !state.Flags.ContractAt.Equal(laterChange) {
		t.Errorf("each flag keeps its own source timestamp, got %v / %v",
			state.Flags.ConsultationAt, state.Flags.ContractAt)
	}
}

func TestRunDuplicateIdentitySurfaced(t *testing.T) {
	leadA := leadWithIdentity("dup@beispiel.de", "")
	leadB := leadWithIdentity("dup@beispiel.de", "")
	crm := &fakeCRM{
		pipelines: testPipelines("Finanzierungsberatung gebucht"),
		searchResult: []transport.Opportunity{
			{ID: "opp-1", PipelineID: "pipe-1", StageID: "stage-1", ContactID: "c-1", UpdatedAt: stageChange},
		},
		contacts: map[string]transport.Contact{
			"c-1": {ID: "c-1", Email: "dup@beispiel.de"},
		},
	}
	store := &fakeStore{leads: []repository.Lead{leadA, leadB}}

	summary, err := newService(crm, store).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.DuplicateIdentities != 1 {
		t.Errorf("duplicate identities = %d, want 1 surfaced in summary", summary.DuplicateIdentities)
	}
	if summary.LeadsUpdated != 1 {
		t.Errorf("last-write-wins index must still yield exactly one match, got %d", summary.LeadsUpdated)
	}
}
