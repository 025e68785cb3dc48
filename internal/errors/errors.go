// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any missing-campaign error via errors.Is.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransitionKind matches any rejected control operation.
	ErrInvalidTransitionKind = errors.New("invalid transition")
	// ErrInvalidConfig is returned for a batch configuration that cannot run.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidFilter is returned when a filter resolves to nobody.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrBadRequest marks a malformed HTTP request body or query.
	ErrBadRequest = errors.New("bad request")
)

// ErrCampaignNotFound carries the id that was looked up.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

func (e *ErrCampaignNotFound) Is(target error) bool {
	return target == ErrNotFound
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrInvalidTransition reports a control operation that the campaign's
// current status does not allow.
type ErrInvalidTransition struct {
	CampaignID string
	From       string
	Action     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s campaign %s in status %s", e.Action, e.CampaignID, e.From)
}

func (e *ErrInvalidTransition) Is(target error) bool {
	return target == ErrInvalidTransitionKind
}

func NewInvalidTransition(id, from, action string) error {
	return &ErrInvalidTransition{CampaignID: id, From: from, Action: action}
}

// InvalidConfig wraps ErrInvalidConfig with a detail message.
func InvalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// InvalidFilter wraps ErrInvalidFilter with a detail message.
func InvalidFilter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFilter, fmt.Sprintf(format, args...))
}

// BadRequest wraps ErrBadRequest with a detail message.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
