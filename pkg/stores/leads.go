package stores

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/leadflow/leadflow/pkg/engine"
)

var paramsValidator = validator.New()

// minPhoneDigits is the shortest phone number accepted after normalization.
const minPhoneDigits = 7

// validateParams checks intake fields before any lead state exists.
func validateParams(params engine.CreateLeadParams) error {
	if err := paramsValidator.Struct(params); err != nil {
		return engine.ValidationError("invalid lead parameters", err).WithOperation("create")
	}
	if len(strings.TrimPrefix(engine.NormalizePhone(params.Phone), "+")) < minPhoneDigits {
		return engine.ValidationError(fmt.Sprintf("phone %q has too few digits", params.Phone), nil).
			WithOperation("create")
	}
	return nil
}

// newLead builds a lead from validated params. A lead created with consent
// starts in consent_verified with a single verify_consent history entry.
func newLead(params engine.CreateLeadParams, now time.Time) (*engine.Lead, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	maxAttempts := params.MaxContactAttempts
	if maxAttempts == 0 {
		maxAttempts = engine.DefaultMaxContactAttempts
	}

	lead := &engine.Lead{
		ID:                 uuid.New().String(),
		ExternalRef:        params.ExternalRef,
		FirstName:          strings.TrimSpace(params.FirstName),
		LastName:           strings.TrimSpace(params.LastName),
		Phone:              engine.NormalizePhone(params.Phone),
		Email:              params.Email,
		Address:            params.Address,
		State:              engine.StateNew,
		StateHistory:       []engine.StateChange{},
		ContactAttempts:    []engine.ContactAttempt{},
		MaxContactAttempts: maxAttempts,
		Metadata:           params.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}

	if params.ConsentVerified {
		method := params.ConsentMethod
		if method == "" {
			method = "intake"
		}
		at := now
		lead.ConsentVerified = true
		lead.ConsentVerifiedAt = &at
		lead.ConsentMethod = method

		sm := engine.NewStateMachineWithClock(func() time.Time { return now })
		sm.Transition(lead, engine.TriggerVerifyConsent, map[string]string{"method": method})
	}

	return lead, nil
}

// applyUpdate runs mutate on a copy of current and checks the result.
// The returned lead carries the next version and the given timestamp.
func applyUpdate(current *engine.Lead, mutate func(*engine.Lead) error, now time.Time) (*engine.Lead, error) {
	work := current.Clone()
	if err := mutate(work); err != nil {
		return nil, err
	}

	if work.ID != current.ID {
		return nil, engine.ValidationError("lead id is immutable", nil).WithResource(current.ID)
	}
	if err := work.State.Validate(); err != nil {
		return nil, engine.ValidationError("invalid lead state", err).WithResource(current.ID)
	}
	if err := checkHistoryPrefix(current.StateHistory, work.StateHistory); err != nil {
		return nil, engine.ValidationError("state history is append-only", err).WithResource(current.ID)
	}

	work.Phone = engine.NormalizePhone(work.Phone)
	if work.Phone == "" {
		return nil, engine.ValidationError("phone is required", nil).WithResource(current.ID)
	}

	work.CreatedAt = current.CreatedAt
	work.Version = current.Version + 1
	work.UpdatedAt = now
	return work, nil
}

// checkHistoryPrefix verifies next keeps every entry of prev, in order.
func checkHistoryPrefix(prev, next []engine.StateChange) error {
	if len(next) < len(prev) {
		return fmt.Errorf("history shrank from %d to %d entries", len(prev), len(next))
	}
	for i := range prev {
		if !prev[i].Equal(next[i]) {
			return fmt.Errorf("history entry %d was rewritten", i)
		}
	}
	return nil
}

// appendAttempt adds an attempt to the lead and updates LastContactAt.
func appendAttempt(lead *engine.Lead, attempt engine.ContactAttempt, now time.Time) {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = now
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.Channel == "" {
		attempt.Channel = engine.ChannelSMS
	}
	lead.ContactAttempts = append(lead.ContactAttempts, attempt)
	ts := attempt.Timestamp
	lead.LastContactAt = &ts
}

func duplicatePhoneError(phone string) error {
	return engine.AlreadyExistsError(fmt.Sprintf("a lead with phone %s already exists", phone), phone)
}
