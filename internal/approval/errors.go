package approval

import "fmt"

func errNotReviewable(fixID string) error {
	return fmt.Errorf("approval: fix %s is not in review_required state", fixID)
}
