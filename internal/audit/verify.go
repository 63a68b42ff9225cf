package audit

import (
	"context"
	"fmt"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

// ChainReader pages through stored events in append order.
type ChainReader interface {
	ListChain(ctx context.Context, offset, limit int) ([]*models.AuditEvent, error)
}

// ChainReport is the result of VerifyStored.
type ChainReport struct {
	Checked  int    `json:"checked"`
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"broken_at,omitempty"`
}

// VerifyStored walks the whole stored chain starting from an empty genesis hash and stops at the
// first event whose link or hash does not verify.
func VerifyStored(ctx context.Context, r ChainReader, pageSize int) (ChainReport, error) {
	if pageSize < 1 {
		pageSize = 500
	}
	var (
		report ChainReport
		prev   = &models.AuditEvent{}
	)
	for {
		page, err := r.ListChain(ctx, report.Checked, pageSize)
		if err != nil {
			return report, fmt.Errorf("reading audit chain at offset %d: %w", report.Checked, err)
		}
		if len(page) == 0 {
			report.Valid = true
			return report, nil
		}

		// The link into the page is checked here; VerifyChain covers links within it.
		if page[0].PrevHash != prev.Hash {
			report.BrokenAt = page[0].ID
			return report, nil
		}
		if i := VerifyChain(page); i >= 0 {
			report.Checked += i
			report.BrokenAt = page[i].ID
			return report, nil
		}

		report.Checked += len(page)
		prev = page[len(page)-1]
		if len(page) < pageSize {
			report.Valid = true
			return report, nil
		}
	}
}
