// Package schema defines the data structures shared by the registry engine,
// its network front ends and the SDK.
package schema

// Record is one identity-verification outcome, keyed by SamsubID.
type Record struct {
	AccountID string `json:"account_id"`
	SamsubID  string `json:"samsub_id"`
	IsValid   bool   `json:"is_valid"`
}

// NewRecord builds a record from its three fields.
func NewRecord(accountID, samsubID string, isValid bool) Record {
	return Record{
		AccountID: accountID,
		SamsubID:  samsubID,
		IsValid:   isValid,
	}
}

// WithValidity returns a copy of r with only the validity flag replaced.
func (r Record) WithValidity(isValid bool) Record {
	r.IsValid = isValid
	return r
}

// ValidityUpdate is the payload for changing the validity of a stored record.
type ValidityUpdate struct {
	SamsubID string `json:"samsub_id"`
	IsValid  bool   `json:"is_valid"`
}
