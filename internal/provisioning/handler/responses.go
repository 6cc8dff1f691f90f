package handler

import (
	"errors"

	"provisioner/internal/provisioning/models"
	"provisioner/internal/provisioning/service"
	dErrors "provisioner/pkg/domainerrors"
)

// ProvisionSuccess is returned with 200 when the domain is provisioned.
type ProvisionSuccess struct {
	Success            bool         `json:"success"`
	Domain             string       `json:"domain"`
	AlreadyProvisioned bool         `json:"alreadyProvisioned"`
	Steps              models.Steps `json:"steps"`
}

// ProvisionFailure is returned with 500 when a run fails. Steps reports what
// had completed so the caller can decide whether to re-invoke.
type ProvisionFailure struct {
	Success   bool         `json:"success"`
	Domain    string       `json:"domain,omitempty"`
	ErrorKind string       `json:"errorKind"`
	Retryable bool         `json:"retryable"`
	Steps     models.Steps `json:"steps"`
	Errors    []string     `json:"errors"`
}

type MissingConfigResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Missing []string `json:"missing"`
}

type BadRequestResponse struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

type AuditListResponse struct {
	OrderID string               `json:"orderId"`
	Entries []*models.AuditEntry `json:"entries"`
}

type OwnershipResponse struct {
	Domain           string `json:"domain"`
	TokenID          string `json:"tokenId"`
	ContractAddress  string `json:"contractAddress"`
	ExpectedOwner    string `json:"expectedOwner"`
	Owned            bool   `json:"owned"`
	Checked          bool   `json:"checked"`
	TokenIDUncertain bool   `json:"tokenIdUncertain"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func successFrom(res *models.Result) ProvisionSuccess {
	return ProvisionSuccess{
		Success:            true,
		Domain:             res.Domain,
		AlreadyProvisioned: res.AlreadyProvisioned,
		Steps:              res.Steps,
	}
}

func failureFrom(err error) ProvisionFailure {
	resp := ProvisionFailure{
		ErrorKind: service.ErrorKind(err),
		Retryable: service.IsRetryable(err),
		Domain:    service.DomainOf(err),
		Errors:    []string{errorMessage(err)},
	}
	var se *service.StepError
	if errors.As(err, &se) {
		resp.Steps = se.Steps
	}
	return resp
}

// errorMessage hides the description of unexpected internal errors.
func errorMessage(err error) string {
	var se *service.StepError
	if !errors.As(err, &se) && dErrors.CodeOf(err) == dErrors.CodeInternal {
		return "internal error"
	}
	return err.Error()
}

func ownershipFrom(r *service.OwnershipReport) OwnershipResponse {
	return OwnershipResponse{
		Domain:           r.Domain,
		TokenID:          r.TokenID,
		ContractAddress:  r.ContractAddress,
		ExpectedOwner:    r.ExpectedOwner,
		Owned:            r.Owned,
		Checked:          r.Checked,
		TokenIDUncertain: r.TokenIDUncertain,
	}
}
