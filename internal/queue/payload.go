package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is an int64 entity id serialized as a JSON string so payloads stay
// safe for consumers that read JSON numbers as floats.
type ID int64

// MarshalJSON renders the id as a decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(id), 10))
}

// UnmarshalJSON accepts a decimal string or a bare JSON number.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return fmt.Errorf("id must be a decimal string: %w", err)
		}
		*id = ID(n)
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", s, err)
	}
	*id = ID(n)
	return nil
}

// Int64 returns the raw id.
func (id ID) Int64() int64 { return int64(id) }

// RootDiscoveryPayload starts a run by discovering root categories.
type RootDiscoveryPayload struct {
	RunID     ID `json:"runId"`
	ContextID ID `json:"contextId"`
}

// CategoryCrawlPayload crawls one page of one category listing.
type CategoryCrawlPayload struct {
	RunID       ID     `json:"runId"`
	ContextID   ID     `json:"contextId"`
	CategoryURL string `json:"categoryUrl"`
	Page        int    `json:"page"`
}

// ProductFetchPayload fetches and snapshots one product page.
type ProductFetchPayload struct {
	RunID      ID     `json:"runId"`
	ContextID  ID     `json:"contextId"`
	ProductURL string `json:"productUrl"`
	CategoryID *ID    `json:"categoryId,omitempty"`
}

// ReconcilePayload closes out a drained run.
type ReconcilePayload struct {
	RunID     ID `json:"runId"`
	ContextID ID `json:"contextId"`
}

// Marshal encodes a payload for enqueueing.
func Marshal(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return data, nil
}

// UnmarshalScope best-effort decodes only the run and context ids from any
// pipeline payload. Used to settle a job's pending slot when the full
// payload fails validation.
func UnmarshalScope(data []byte) (runID, contextID int64, ok bool) {
	var s struct {
		RunID     ID `json:"runId"`
		ContextID ID `json:"contextId"`
	}
	if err := json.Unmarshal(data, &s); err != nil || s.RunID == 0 || s.ContextID == 0 {
		return 0, 0, false
	}
	return s.RunID.Int64(), s.ContextID.Int64(), true
}

// UnmarshalRootDiscovery decodes and validates a root discovery payload.
func UnmarshalRootDiscovery(data []byte) (RootDiscoveryPayload, error) {
	var p RootDiscoveryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode root discovery payload: %w", err)
	}
	if p.RunID == 0 || p.ContextID == 0 {
		return p, fmt.Errorf("root discovery payload missing run or context id")
	}
	return p, nil
}

// UnmarshalCategoryCrawl decodes and validates a category crawl payload.
func UnmarshalCategoryCrawl(data []byte) (CategoryCrawlPayload, error) {
	var p CategoryCrawlPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode category crawl payload: %w", err)
	}
	if p.RunID == 0 || p.ContextID == 0 || p.CategoryURL == "" {
		return p, fmt.Errorf("category crawl payload missing run, context, or url")
	}
	if p.Page < 1 {
		p.Page = 1
	}
	return p, nil
}

// UnmarshalProductFetch decodes and validates a product fetch payload.
func UnmarshalProductFetch(data []byte) (ProductFetchPayload, error) {
	var p ProductFetchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode product fetch payload: %w", err)
	}
	if p.RunID == 0 || p.ContextID == 0 || p.ProductURL == "" {
		return p, fmt.Errorf("product fetch payload missing run, context, or url")
	}
	return p, nil
}

// UnmarshalReconcile decodes and validates a reconciliation payload.
func UnmarshalReconcile(data []byte) (ReconcilePayload, error) {
	var p ReconcilePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode reconcile payload: %w", err)
	}
	if p.RunID == 0 || p.ContextID == 0 {
		return p, fmt.Errorf("reconcile payload missing run or context id")
	}
	return p, nil
}
