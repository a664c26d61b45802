package domain

import "time"

// Location is a coarse position from the optional geo/IP provider. Precise
// coordinates are used ephemerally for velocity checks; only coarse fields
// should ever be persisted.
type Location struct {
	CountryCode string
	Lat         float64
	Lon         float64
}

// IsZero reports whether no location information is available.
func (l Location) IsZero() bool {
	return l.CountryCode == "" && l.Lat == 0 && l.Lon == 0
}

// AttemptContext carries the contextual signals observed on one
// authentication attempt. It feeds the risk engine and session fingerprint.
type AttemptContext struct {
	TenantID    string
	IdentityID  string
	Network     string // source network, e.g. masked IP prefix
	Fingerprint string // client fingerprint hash (derived upstream)
	UserAgent   string
	Location    Location
	At          time.Time
}

// RiskObservation is one entry in an identity's rolling risk profile. Every
// assessed attempt is recorded; the profile is trimmed, never wiped.
type RiskObservation struct {
	ID          string
	TenantID    string
	IdentityID  string
	Network     string
	Fingerprint string
	CountryCode string
	Lat         float64
	Lon         float64
	ObservedAt  time.Time
}
