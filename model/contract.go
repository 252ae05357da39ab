package model

import "time"

// ContractStatus is the lifecycle status of a Contract.
type ContractStatus string

// Contract statuses.
const (
	ContractPendingSignature ContractStatus = "pending_signature"
	ContractSubmitted        ContractStatus = "submitted"
	ContractCompleted        ContractStatus = "completed"
	ContractExpired          ContractStatus = "expired"
)

// Active reports whether the contract still holds its animal.
func (s ContractStatus) Active() bool {
	return s == ContractPendingSignature || s == ContractSubmitted
}

// Contract finalizes the adoption for an approved Application. AnimalCode is
// copied from the Application at creation so contracts can be found per
// animal without walking back through applications.
type Contract struct {
	ID            string         `json:"id"`
	ApplicationID string         `json:"application_id"`
	AnimalCode    string         `json:"animal_code"`
	State         ContractStatus `json:"status"`
	PaymentProof  string         `json:"payment_proof,omitempty"`
	Signature     string         `json:"signature,omitempty"`
	ExpiresAt     time.Time      `json:"expires_at"`
	SubmittedAt   *time.Time     `json:"submitted_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Meta
}

func (c *Contract) Kind() EntityKind { return KindContract }
func (c *Contract) EntityID() string { return c.ID }
func (c *Contract) Status() string   { return string(c.State) }
func (c *Contract) sealed()          {}
