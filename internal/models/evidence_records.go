package models

import "time"

// EvidenceRecord documents one blocked guard call. Records are write-once:
// sinks append them and nothing in the service updates or deletes them.
type EvidenceRecord struct {
	ID             string     `json:"id" db:"record_id"`
	Timestamp      time.Time  `json:"timestamp" db:"event_time"`
	Key            string     `json:"key,omitempty" db:"key"`
	KeyFingerprint string     `json:"key_fingerprint,omitempty" db:"key_fingerprint"`
	SealedKey      *SealedKey `json:"sealed_key,omitempty" db:"-"`
	Count          int64      `json:"count" db:"count"`
	Threshold      int64      `json:"threshold" db:"threshold"`
	RiskLabel      string     `json:"risk_label" db:"risk_label"`
	Message        string     `json:"message" db:"message"`
	EventBucket    int        `json:"event_bucket" db:"event_bucket"`
	EventDate      string     `json:"event_date,omitempty" db:"event_date"`
}

// SealedKey is the envelope-encrypted form of EvidenceRecord.Key used when
// raw client identifiers must not leave the process.
type SealedKey struct {
	Ciphertext   string `json:"ciphertext"`
	EncryptedDEK string `json:"encrypted_dek"`
	KeyID        string `json:"key_id"`
	Version      string `json:"version"`
}
