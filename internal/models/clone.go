package models

// Clone returns a deep copy of the account. The pool manager hands out
// clones so callers can never mutate pool-owned state directly.
func (a *Account) Clone() *Account {
	clone := *a
	if a.OAuthToken != nil {
		token := *a.OAuthToken
		clone.OAuthToken = &token
	}
	if a.ResetsAt != nil {
		resetsAt := *a.ResetsAt
		clone.ResetsAt = &resetsAt
	}
	return &clone
}
