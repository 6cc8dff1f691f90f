package handler

import (
	"strings"

	dErrors "provisioner/pkg/domainerrors"
)

// ProvisionRequest is the body of POST /provision.
type ProvisionRequest struct {
	OrderID string `json:"orderId"`
}

func (r *ProvisionRequest) Validate() error {
	r.OrderID = strings.TrimSpace(r.OrderID)
	if r.OrderID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "orderId is required")
	}
	return nil
}
