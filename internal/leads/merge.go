package leads

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/matheus3301/leadsync/internal/activities"
	"github.com/matheus3301/leadsync/internal/apperr"
	"github.com/matheus3301/leadsync/internal/model"
	"go.uber.org/zap"
)

// MergeError reports a merge that stopped part way.
type MergeError struct {
	KeepID  string
	Deleted []string // committed before the failure
	Failed  string
	Pending []string // never attempted
	Err     error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge into %s: delete %s failed after %d of %d: %v",
		e.KeepID, e.Failed, len(e.Deleted), len(e.Deleted)+1+len(e.Pending), e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// Merge deletes each lead in deleteIDs in order, keeping keepID. The first
// failed delete stops the merge; the store then reflects exactly the deletes
// that committed and no summary activity is written. On success one merge
// activity is recorded on the kept lead.
func (vm *ViewModel) Merge(ctx context.Context, keepID string, deleteIDs []string) error {
	if keepID == "" {
		return apperr.Invalid("leads.merge", "keep id is required", nil)
	}
	if !vm.store.Has(keepID) {
		return apperr.Missing("leads.merge", "lead "+keepID)
	}
	ids := make([]string, 0, len(deleteIDs))
	seen := map[string]bool{keepID: true}
	for _, id := range deleteIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return apperr.Invalid("leads.merge", "nothing to merge", nil)
	}

	var deleted []string
	for i, id := range ids {
		err := vm.backend.DeleteLead(ctx, id)
		vm.metrics.Write("lead", "delete", err)
		if err != nil {
			merr := &MergeError{
				KeepID:  keepID,
				Deleted: deleted,
				Failed:  id,
				Pending: ids[i+1:],
				Err:     err,
			}
			vm.logger.Error("merge leads stopped",
				zap.String("lead_id", keepID),
				zap.Strings("deleted", deleted),
				zap.String("failed", id),
				zap.Error(err))
			return &apperr.Error{Kind: apperr.Partial, Op: "leads.merge", Err: merr}
		}
		vm.store.Remove(id)
		deleted = append(deleted, id)
	}

	vm.record(ctx, activities.Entry{
		LeadID:      keepID,
		Type:        model.ActivityMerge,
		Description: fmt.Sprintf("Merged %d duplicate lead%s", len(deleted), plural(len(deleted))),
		NewValue: model.Values{
			"merged_ids": strings.Join(deleted, ","),
			"count":      strconv.Itoa(len(deleted)),
		},
	})
	vm.logger.Info("leads merged", zap.String("lead_id", keepID), zap.Int("count", len(deleted)))
	return nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// DuplicateGroups groups the current leads by phone key and returns every
// group with more than one member, in snapshot order.
func (vm *ViewModel) DuplicateGroups() [][]model.Lead {
	return DuplicateGroups(vm.store.All())
}

// DuplicateGroups is the pure grouping behind ViewModel.DuplicateGroups.
func DuplicateGroups(leads []model.Lead) [][]model.Lead {
	index := make(map[string]int)
	var groups [][]model.Lead
	for _, l := range leads {
		key := model.PhoneKey(l.Phone)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], l)
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g) > 1 {
			out = append(out, g)
		}
	}
	return out
}
