package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/carewire/handoff/internal/collab"
	"github.com/carewire/handoff/model"
)

// maxConfirmationCalls caps how many facilities a step will phone before
// giving up on a confirmation.
const maxConfirmationCalls = 3

// parseFields are extracted from the raw document text after parsing.
var parseFields = []string{"name", "dob", "language", "diagnosis", "mobility", "insurance"}

// carePlanFields drive the coordinate step's care plan draft.
var carePlanFields = []string{"housing_need", "transport_need", "follow_up", "medications"}

// coverageFields drive the eligibility step's coverage check.
var coverageFields = []string{"insurance_provider", "member_id", "coverage_status", "copay_estimate"}

func (e *Executor) runParse(ctx context.Context, cas *model.Case) (*StepOutcome, error) {
	parsed, err := e.services.Docparse.Parse(ctx, cas.Patient)
	if err != nil {
		return nil, err
	}
	extracted, err := e.services.Extract.Extract(ctx, parsed.Text, parseFields)
	if err != nil {
		return nil, err
	}

	logs := []string{fmt.Sprintf("parsed %d pages of discharge paperwork", parsed.Pages)}
	logs = append(logs, parsed.Warnings...)
	logs = append(logs, fmt.Sprintf("extracted %d fields (confidence %.2f)", len(extracted.Fields), extracted.Confidence))
	return &StepOutcome{
		Description: "Discharge paperwork parsed",
		Logs:        logs,
	}, nil
}

func (e *Executor) runCoordinate(ctx context.Context, cas *model.Case) (*StepOutcome, error) {
	plan, err := e.services.Extract.Extract(ctx, patientSummary(cas), carePlanFields)
	if err != nil {
		return nil, err
	}

	logs := []string{fmt.Sprintf("care plan covers %d needs", len(plan.Fields))}
	logs = append(logs, fieldLines(plan.Fields)...)
	return &StepOutcome{
		Description: "Care plan drafted",
		Logs:        logs,
	}, nil
}

func (e *Executor) runShelter(ctx context.Context, cas *model.Case) (*StepOutcome, error) {
	query := map[string]string{}
	if city := patientString(cas, "city"); city != "" {
		query["city"] = city
	}
	if lang := patientString(cas, "language"); lang != "" {
		query["language"] = lang
	}
	shelters, err := e.services.Directory.Shelters(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(shelters) == 0 {
		return nil, errors.New("no shelters with open beds matched the search")
	}

	outcome := &StepOutcome{
		Activities: []Activity{{
			Description: fmt.Sprintf("%d shelters matched the search", len(shelters)),
			Logs:        facilityNames(shelters),
		}},
	}
	confirmed, transcripts, calls, err := e.confirmByPhone(ctx, cas, shelters, "shelter_bed_confirmation")
	if err != nil {
		return nil, err
	}
	outcome.Transcripts = transcripts
	if confirmed == nil {
		if calls == 0 {
			return nil, errors.New("matched shelters list no phone contact")
		}
		return nil, fmt.Errorf("no shelter confirmed a bed (%d called)", calls)
	}

	outcome.Description = fmt.Sprintf("Shelter bed confirmed at %s", confirmed.Name)
	outcome.Logs = []string{fmt.Sprintf("confirmed bed at %s", confirmed.Name)}
	outcome.Resource = facilityResource(model.ResourceShelter, confirmed)
	return outcome, nil
}

func (e *Executor) runSocial(ctx context.Context, cas *model.Case) (*StepOutcome, error) {
	phone := patientString(cas, "phone")
	if phone == "" {
		return nil, errors.New("patient record has no contact phone")
	}

	result, err := e.services.Voice.Call(ctx, collab.CallRequest{
		To:     phone,
		Script: "social_worker_outreach",
		Context: map[string]any{
			"patient": patientString(cas, "name"),
			"case_id": cas.ID,
		},
	})
	if err != nil {
		return nil, err
	}

	outcome := &StepOutcome{
		Description: "Social services outreach completed",
		Logs:        []string{fmt.Sprintf("outreach call ended with outcome %s", result.Outcome)},
		Transcripts: []Transcript{{
			Description: "Outreach call to patient contact",
			Lines:       result.Transcript,
		}},
	}
	if result.Outcome == collab.CallConfirmed {
		outcome.Description = "Social worker visit confirmed"
		outcome.Resource = &model.Resource{
			Kind: model.ResourceSocialWorker,
			Name: "County social services",
			Details: map[string]any{
				"outcome":          result.Outcome,
				"duration_seconds": result.DurationSeconds,
			},
		}
	}
	return outcome, nil
}

func (e *Executor) runTransport(ctx context.Context, cas *model.Case) (*StepOutcome, error) {
	query := map[string]string{}
	if city := patientString(cas, "city"); city != "" {
		query["city"] = city
	}
	providers, err := e.services.Directory.Transport(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, errors.New("no transport providers cover the patient's area")
	}

	outcome := &StepOutcome{
		Activities: []Activity{{
			Description: fmt.Sprintf("%d transport providers matched", len(providers)),
			Logs:        facilityNames(providers),
		}},
	}
	confirmed, transcripts, calls, err := e.confirmByPhone(ctx, cas, providers, "pickup_scheduling")
	if err != nil {
		return nil, err
	}
	outcome.Transcripts = transcripts
	if confirmed == nil {
		if calls == 0 {
			return nil, errors.New("matched transport providers list no phone contact")
		}
		return nil, fmt.Errorf("no transport provider confirmed a pickup (%d called)", calls)
	}

	outcome.Description = fmt.Sprintf("Discharge transport scheduled with %s", confirmed.Name)
	outcome.Logs = []string{fmt.Sprintf("pickup confirmed with %s", confirmed.Name)}
	outcome.Resource = facilityResource(model.ResourceTransport, confirmed)
	return outcome, nil
}

func (e *Executor) runResource(ctx context.Context, cas *model.Case) (*StepOutcome, error) {
	query := map[string]string{}
	if city := patientString(cas, "city"); city != "" {
		query["city"] = city
	}
	programs, err := e.services.Directory.Resources(ctx, query)
	if err != nil {
		return nil, err
	}

	logs := []string{fmt.Sprintf("%d assistance programs matched", len(programs))}
	logs = append(logs, facilityNames(programs)...)
	return &StepOutcome{
		Description: "Assistance program scan completed",
		Logs:        logs,
	}, nil
}

func (e *Executor) runPharmacy(ctx context.Context, cas *model.Case) (*StepOutcome, error) {
	query := map[string]string{}
	if city := patientString(cas, "city"); city != "" {
		query["city"] = city
	}
	pharmacies, err := e.services.Directory.Pharmacies(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(pharmacies) == 0 {
		return nil, errors.New("no pharmacies in network near the patient")
	}

	chosen := pharmacies[0]
	return &StepOutcome{
		Description: fmt.Sprintf("Prescriptions routed to %s", chosen.Name),
		Logs:        []string{fmt.Sprintf("prescriptions routed to %s", chosen.Name)},
		Resource:    facilityResource(model.ResourcePharmacy, &chosen),
	}, nil
}

func (e *Executor) runEligibility(ctx context.Context, cas *model.Case) (*StepOutcome, error) {
	coverage, err := e.services.Extract.Extract(ctx, patientSummary(cas), coverageFields)
	if err != nil {
		return nil, err
	}

	logs := fieldLines(coverage.Fields)
	logs = append(logs, fmt.Sprintf("coverage check confidence %.2f", coverage.Confidence))
	return &StepOutcome{
		Description: "Coverage eligibility verified",
		Logs:        logs,
	}, nil
}

// runAnalytics summarizes the case locally; it is the only step with no
// collaborator interaction. The case snapshot is fetched fresh per phase, so
// by the final phase the timeline holds every earlier step's events.
func (e *Executor) runAnalytics(_ context.Context, cas *model.Case) (*StepOutcome, error) {
	var completed, failed, calls int
	for _, ev := range cas.Timeline {
		if ev.Kind == model.KindConversationLog {
			calls++
		}
		if ev.Kind != model.KindTimelineUpdate {
			continue
		}
		switch ev.Status {
		case model.StepStatusCompleted:
			completed++
		case model.StepStatusFailed:
			failed++
		}
	}

	logs := []string{
		fmt.Sprintf("%d steps completed, %d failed", completed, failed),
		fmt.Sprintf("%d resources secured", len(cas.Resources)),
		fmt.Sprintf("%d calls placed", calls),
	}
	return &StepOutcome{
		Description: "Coordination summary compiled",
		Logs:        logs,
	}, nil
}

// confirmByPhone calls facilities in listed order until one confirms,
// skipping entries without a phone number and stopping after
// maxConfirmationCalls attempts. Every call made yields a transcript.
func (e *Executor) confirmByPhone(ctx context.Context, cas *model.Case, facilities []collab.Facility, script string) (*collab.Facility, []Transcript, int, error) {
	var transcripts []Transcript
	calls := 0
	for i := range facilities {
		fac := facilities[i]
		if fac.Phone == "" {
			continue
		}
		if calls == maxConfirmationCalls {
			break
		}
		calls++

		result, err := e.services.Voice.Call(ctx, collab.CallRequest{
			To:     fac.Phone,
			Script: script,
			Context: map[string]any{
				"facility": fac.Name,
				"patient":  patientString(cas, "name"),
				"case_id":  cas.ID,
			},
		})
		if err != nil {
			return nil, transcripts, calls, err
		}
		transcripts = append(transcripts, Transcript{
			Description: fmt.Sprintf("Call with %s ended with outcome %s", fac.Name, result.Outcome),
			Lines:       result.Transcript,
		})
		if result.Outcome == collab.CallConfirmed {
			return &fac, transcripts, calls, nil
		}
	}
	return nil, transcripts, calls, nil
}

// facilityResource converts a directory facility into a case resource.
func facilityResource(kind string, fac *collab.Facility) *model.Resource {
	details := map[string]any{"id": fac.ID}
	if fac.Phone != "" {
		details["phone"] = fac.Phone
	}
	if fac.Address != "" {
		details["address"] = fac.Address
	}
	for k, v := range fac.Details {
		details[k] = v
	}
	return &model.Resource{Kind: kind, Name: fac.Name, Details: details}
}

func facilityNames(facilities []collab.Facility) []string {
	names := make([]string, 0, len(facilities))
	for _, f := range facilities {
		names = append(names, f.Name)
	}
	return names
}

// patientString reads a string field from the patient record, tolerating
// absent keys and non-string values.
func patientString(cas *model.Case, key string) string {
	if cas.Patient == nil {
		return ""
	}
	if v, ok := cas.Patient[key].(string); ok {
		return v
	}
	return ""
}

// patientSummary renders the patient record as deterministic key: value
// lines for text-extraction collaborators.
func patientSummary(cas *model.Case) string {
	keys := make([]string, 0, len(cas.Patient))
	for k := range cas.Patient {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, cas.Patient[k])
	}
	return b.String()
}

// fieldLines renders extracted fields as sorted key: value log lines.
func fieldLines(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, fields[k]))
	}
	return lines
}
