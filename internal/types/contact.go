package types

import "time"

// PriorityTier classifies a contact for routing
type PriorityTier string

const (
	TierStandard PriorityTier = "standard"
	TierVIP      PriorityTier = "vip"
)

// Contact is the local mirror of a CRM contact
type Contact struct {
	ID                    string       `json:"id" dynamodbav:"ContactID"`
	Address               string       `json:"address" dynamodbav:"Address"` // the number it was looked up by
	Addresses             []string     `json:"addresses,omitempty" dynamodbav:"Addresses,omitempty"`
	Name                  string       `json:"name" dynamodbav:"Name"`
	Email                 string       `json:"email,omitempty" dynamodbav:"Email,omitempty"`
	Company               string       `json:"company,omitempty" dynamodbav:"Company,omitempty"`
	AssignedCoordinatorID string       `json:"assignedCoordinatorId,omitempty" dynamodbav:"AssignedCoordinatorID,omitempty"`
	PriorityTier          PriorityTier `json:"priorityTier" dynamodbav:"PriorityTier"`
	RefreshedAt           time.Time    `json:"refreshedAt" dynamodbav:"RefreshedAt"`
}
