package queue

import (
	"fmt"
	"strings"

	"github.com/matforge/material-engine/internal/domain"
)

// BatchRequestMessage is the broker payload for an asynchronous batch
// submission. It mirrors the coordinator's Submit arguments.
type BatchRequestMessage struct {
	RequestID string            `json:"requestId"`
	Materials []MaterialPayload `json:"materials"`
}

// MaterialPayload is one material line inside a batch request message.
type MaterialPayload struct {
	ItemID string `json:"itemId"`
	Name   string `json:"name"`
	Unit   string `json:"unit"`
}

func (m BatchRequestMessage) Validate() error {
	if strings.TrimSpace(m.RequestID) == "" {
		return fmt.Errorf("requestId is required")
	}
	if len(m.Materials) == 0 {
		return fmt.Errorf("at least one material is required")
	}
	for i, material := range m.Materials {
		if strings.TrimSpace(material.ItemID) == "" {
			return fmt.Errorf("material %d: itemId is required", i)
		}
		if strings.TrimSpace(material.Name) == "" {
			return fmt.Errorf("material %d: name is required", i)
		}
	}
	return nil
}

// Inputs converts the payload into coordinator material inputs.
func (m BatchRequestMessage) Inputs() []domain.MaterialInput {
	inputs := make([]domain.MaterialInput, 0, len(m.Materials))
	for _, material := range m.Materials {
		inputs = append(inputs, domain.MaterialInput{
			ItemID: material.ItemID,
			Name:   material.Name,
			Unit:   material.Unit,
		})
	}
	return inputs
}
