package model

// ConsistencyCheck asserts that a (possibly dot-path nested) field on a
// document equals an expected value.
type ConsistencyCheck struct {
	Collection    string `json:"collection"`
	DocumentID    string `json:"documentId"`
	Field         string `json:"field"`
	ExpectedValue any    `json:"expectedValue"`
}

// ConsistencyResult is the outcome of a validation pass. It is advisory:
// mismatches and missing documents are reported as readable strings, and
// the caller decides whether to abort or proceed.
type ConsistencyResult struct {
	IsConsistent bool     `json:"isConsistent"`
	Errors       []string `json:"errors"`
}

// Fail records a validation error and flips the result to inconsistent.
func (r *ConsistencyResult) Fail(msg string) {
	r.IsConsistent = false
	r.Errors = append(r.Errors, msg)
}
