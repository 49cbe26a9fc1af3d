package keeper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/anchorkeep/audit"
	"github.com/hazyhaar/anchorkeep/kit"
)

// AuditLog returns recorded mutations, newest first. An empty pageURL or op
// matches every page or operation. Pending entries are written first.
func (k *Keeper) AuditLog(ctx context.Context, pageURL, op string, limit int) ([]*audit.Entry, error) {
	if k.audit == nil {
		return nil, fmt.Errorf("%w: audit disabled", ErrInvalid)
	}
	if err := k.audit.Flush(ctx); err != nil {
		return nil, err
	}
	f := audit.Filter{Operation: op, Limit: limit}
	if pageURL != "" {
		f.PageID = NormalizeURL(pageURL)
	}
	return k.audit.Query(ctx, f)
}

// PruneAudit deletes entries older than the configured retention. It is a
// no-op when auditing is off or retention is zero.
func (k *Keeper) PruneAudit(ctx context.Context) (int64, error) {
	if k.audit == nil || k.config.Audit.Retention <= 0 {
		return 0, nil
	}
	n, err := k.audit.Cleanup(ctx, k.config.Audit.Retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		k.logger.InfoContext(ctx, "keeper: audit pruned", "deleted", n)
	}
	return n, nil
}

// audited records an operation that does not go through an endpoint.
func (k *Keeper) audited(ctx context.Context, op, pageID string, params any) {
	if k.audit == nil {
		return
	}
	e := &audit.Entry{
		Operation: op,
		Transport: kit.GetTransport(ctx),
		RequestID: kit.GetRequestID(ctx),
		PageID:    pageID,
	}
	if b, err := json.Marshal(params); err == nil {
		e.Parameters = string(b)
	}
	k.audit.LogAsync(e)
}
