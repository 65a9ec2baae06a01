package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QualityObject is the stored result of one check or aggregator run.
type QualityObject struct {
	ID                 uuid.UUID `json:"id"`
	CheckName          string    `json:"check_name"`
	Quality            Quality   `json:"quality"`
	MonitorObjectNames []string  `json:"mo_names,omitempty"`
	// MonitorObjectName is set when the check ran on one object separately.
	MonitorObjectName string    `json:"mo_name,omitempty"`
	Activity          Activity  `json:"activity"`
	DetectorName      string    `json:"detector"`
	PolicyName        string    `json:"policy,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	ValidFrom         int64     `json:"valid_from,omitempty"`
}

// NewQualityObject creates a quality object with a fresh ID.
func NewQualityObject(check, detector, policy string, q Quality, moNames []string) *QualityObject {
	if detector == "" {
		detector = DefaultDetector
	}
	return &QualityObject{
		ID:                 uuid.New(),
		CheckName:          check,
		Quality:            q.Clone(),
		MonitorObjectNames: moNames,
		DetectorName:       detector,
		PolicyName:         policy,
		CreatedAt:          time.Now().UTC(),
	}
}

// Path returns the full repository path of the object,
// qc/<DET>/QO/<check>[/<mo>].
func (qo *QualityObject) Path() string {
	return QOPath(qo.DetectorName, qo.CheckName, qo.MonitorObjectName)
}

// EncodeQualityObject serializes qo.
func EncodeQualityObject(qo *QualityObject) ([]byte, error) {
	return json.Marshal(qo)
}

// DecodeQualityObject rebuilds a quality object.
func DecodeQualityObject(b []byte) (*QualityObject, error) {
	var qo QualityObject
	if err := json.Unmarshal(b, &qo); err != nil {
		return nil, fmt.Errorf("model: decode quality object: %w", err)
	}
	return &qo, nil
}
