// ABOUTME: JSON serialization of the account collection
// ABOUTME: Persisted record shape: ordered accounts, each with ordered devices

package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// accountRecord is the persisted shape of an Account. The legacy_password
// field is omitted for passwordless-only accounts; its presence marks a
// pre-migration account.
type accountRecord struct {
	UserID         string         `json:"user_id"`
	Username       string         `json:"username"`
	LegacyPassword string         `json:"legacy_password,omitempty"`
	Devices        []deviceRecord `json:"devices"`
	CreatedAt      time.Time      `json:"created_at"`
}

type deviceRecord struct {
	DeviceID    string    `json:"device_id"`
	PublicKey   []byte    `json:"public_key"`
	Attestation string    `json:"attestation_status,omitempty"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// encodeAccounts serializes the full account collection, preserving account
// and device order.
func encodeAccounts(accounts []*Account) ([]byte, error) {
	records := make([]accountRecord, len(accounts))
	for i, a := range accounts {
		devices := make([]deviceRecord, len(a.Devices))
		for j, d := range a.Devices {
			devices[j] = deviceRecord{
				DeviceID:    d.DeviceID,
				PublicKey:   d.PublicKey,
				Attestation: string(d.Attestation),
				EnrolledAt:  d.EnrolledAt,
			}
		}
		records[i] = accountRecord{
			UserID:         a.UserID,
			Username:       a.Username,
			LegacyPassword: a.PasswordHash,
			Devices:        devices,
			CreatedAt:      a.CreatedAt,
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding account collection: %w", err)
	}
	return data, nil
}

// decodeAccounts deserializes a persisted account collection.
func decodeAccounts(data []byte) ([]*Account, error) {
	var records []accountRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding account collection: %w", err)
	}

	accounts := make([]*Account, len(records))
	for i, r := range records {
		devices := make([]Device, len(r.Devices))
		for j, d := range r.Devices {
			attestation := AttestationStatus(d.Attestation)
			if d.Attestation == "" {
				attestation = AttestationNone
			}
			devices[j] = Device{
				DeviceID:    d.DeviceID,
				PublicKey:   d.PublicKey,
				Attestation: attestation,
				EnrolledAt:  d.EnrolledAt,
			}
		}
		accounts[i] = &Account{
			UserID:       r.UserID,
			Username:     r.Username,
			PasswordHash: r.LegacyPassword,
			Devices:      devices,
			CreatedAt:    r.CreatedAt,
		}
	}
	return accounts, nil
}
