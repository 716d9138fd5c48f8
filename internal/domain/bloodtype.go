package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidBloodType is returned for labels outside the ABO/Rh set
var ErrInvalidBloodType = errors.New("invalid blood type")

// BloodType is an ABO group with Rh factor, stored as its label ("O+", "AB-", ...)
type BloodType string

const (
	APositive  BloodType = "A+"
	ANegative  BloodType = "A-"
	BPositive  BloodType = "B+"
	BNegative  BloodType = "B-"
	ABPositive BloodType = "AB+"
	ABNegative BloodType = "AB-"
	OPositive  BloodType = "O+"
	ONegative  BloodType = "O-"
)

// BloodTypes lists the eight supported blood types
var BloodTypes = []BloodType{
	APositive, ANegative,
	BPositive, BNegative,
	ABPositive, ABNegative,
	OPositive, ONegative,
}

// ParseBloodType validates a blood type label
func ParseBloodType(label string) (BloodType, error) {
	for _, bt := range BloodTypes {
		if string(bt) == label {
			return bt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBloodType, label)
}
