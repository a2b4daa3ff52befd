package shared

import "fmt"

// ReconLockKey builds redis keys for per-reconciliation critical sections.
func ReconLockKey(reconciliationID string) string {
	return fmt.Sprintf("recon:%s:lock", reconciliationID)
}

// ReconSummaryKey builds redis keys for cached reconciliation summaries.
func ReconSummaryKey(reconciliationID string) string {
	return fmt.Sprintf("recon:%s:summary", reconciliationID)
}
