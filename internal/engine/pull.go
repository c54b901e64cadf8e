package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/alexjbarnes/liftsync/internal/entity"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/alexjbarnes/liftsync/internal/state"
	"github.com/google/uuid"
)

// pull walks the entity tree from the root kinds down through owned
// children, applying remote changes last-write-wins and tombstoning local
// entities whose remote counterpart is gone.
func (e *Engine) pull(ctx context.Context, b Backend) (int, []string) {
	var (
		pulled  int
		errList []string
	)

	for _, root := range e.reg.Roots() {
		if ctx.Err() != nil {
			break
		}

		n, list := e.pullKind(ctx, b, root, "", "")
		pulled += n
		errList = append(errList, list...)
	}

	return pulled, errList
}

// pullKind syncs one kind. For a root kind parentLocalID is empty and the
// whole remote collection is listed; otherwise only the children of the
// given parent are.
func (e *Engine) pullKind(ctx context.Context, b Backend, a *entity.Adapter, parentLocalID, parentRemoteID string) (int, []string) {
	filter := models.ListFilter{}
	if parentRemoteID != "" {
		filter = a.ChildFilter(parentRemoteID)
	}

	remotes, err := b.List(ctx, a.Kind, filter)
	if err != nil {
		// Without a trustworthy listing nothing may be tombstoned.
		return 0, []string{fmt.Sprintf("list %s: %v", a.Kind, err)}
	}

	var (
		pulled  int
		errList []string
	)

	seen := make(map[string]bool, len(remotes))

	for _, remote := range remotes {
		if ctx.Err() != nil {
			// A partial listing must not drive tombstones.
			return pulled, errList
		}

		seen[remote.ID] = true

		localID, changed, skip, err := e.applyRemote(a, remote)
		if err != nil {
			errList = append(errList, fmt.Sprintf("pull %s %s: %v", a.Kind, remote.ID, err))
			continue
		}

		if changed {
			pulled++
		}

		if skip {
			continue
		}

		for _, child := range e.reg.OwnedChildren(a.Kind) {
			n, list := e.pullKind(ctx, b, child, localID, remote.ID)
			pulled += n
			errList = append(errList, list...)
		}
	}

	n, err := e.tombstoneMissing(a, parentLocalID, seen)
	pulled += n

	if err != nil {
		errList = append(errList, fmt.Sprintf("tombstone %s: %v", a.Kind, err))
	}

	return pulled, errList
}

// applyRemote writes one remote entity locally. It returns the local id,
// whether anything was written, and skip when the entity has a local
// delete waiting to be pushed and must not be resurrected.
func (e *Engine) applyRemote(a *entity.Adapter, remote models.RemoteEntity) (string, bool, bool, error) {
	ids := e.st.IDMap()

	fields, err := a.ToLocal(remote, ids)
	if err != nil {
		return "", false, false, err
	}

	localID, mapped, err := ids.LocalID(remote.ID)
	if err != nil {
		return "", false, false, err
	}

	if !mapped {
		localID = uuid.NewString()

		err := e.st.ApplyPulled(a.Kind, models.Record{
			ID:        localID,
			UpdatedAt: remote.UpdatedAt,
			Fields:    fields,
		}, &models.IDMapping{
			LocalID:    localID,
			RemoteID:   remote.ID,
			EntityType: a.Kind,
		})
		if err != nil {
			return "", false, false, err
		}

		e.logger.Debug("pulled new entity",
			slog.String("kind", string(a.Kind)),
			slog.String("local_id", localID),
			slog.String("remote_id", remote.ID),
		)

		return localID, true, false, nil
	}

	pendingDelete, err := e.st.Queue().Get(a.Kind, localID, models.OpDelete)
	if err != nil {
		return "", false, false, err
	}

	if pendingDelete != nil {
		return localID, false, true, nil
	}

	local, err := e.st.Get(a.Kind, localID)
	if err != nil {
		return "", false, false, err
	}

	if local == nil {
		err := e.st.ApplyPulled(a.Kind, models.Record{
			ID:        localID,
			UpdatedAt: remote.UpdatedAt,
			Fields:    fields,
		}, nil)
		if err != nil {
			return "", false, false, err
		}

		return localID, true, false, nil
	}

	if remote.UpdatedAt <= local.UpdatedAt {
		return localID, false, false, nil
	}

	merged, err := state.MergeFields(local.Fields, fields)
	if err != nil {
		return "", false, false, err
	}

	if sameJSON(merged, local.Fields) {
		return localID, false, false, nil
	}

	err = e.st.ApplyPulled(a.Kind, models.Record{
		ID:        localID,
		UpdatedAt: remote.UpdatedAt,
		Fields:    merged,
	}, nil)
	if err != nil {
		return "", false, false, err
	}

	e.logger.Debug("remote change applied",
		slog.String("kind", string(a.Kind)),
		slog.String("local_id", localID),
		slog.Int64("remote_updated_at", remote.UpdatedAt),
		slog.Int64("local_updated_at", local.UpdatedAt),
	)

	return localID, true, false, nil
}

// tombstoneMissing deletes every mapped local entity of kind (under the
// given parent) whose remote id was not listed, together with its owned
// descendants. It returns the number of entities removed.
func (e *Engine) tombstoneMissing(a *entity.Adapter, parentLocalID string, seen map[string]bool) (int, error) {
	var candidates []models.IDMapping

	if parentLocalID == "" {
		mappings, err := e.st.IDMap().ByType(a.Kind)
		if err != nil {
			return 0, err
		}

		candidates = mappings
	} else {
		owner, _ := a.Owner()

		children, err := e.st.Children(a.Kind, owner.LocalField, parentLocalID)
		if err != nil {
			return 0, err
		}

		for _, rec := range children {
			m, err := e.st.IDMap().Get(rec.ID)
			if err != nil {
				return 0, err
			}

			if m != nil {
				candidates = append(candidates, *m)
			}
		}
	}

	var refs []state.EntityRef

	for _, m := range candidates {
		if seen[m.RemoteID] {
			continue
		}

		refs = append(refs, state.EntityRef{Kind: a.Kind, ID: m.LocalID})

		descendants, err := e.descendants(a.Kind, m.LocalID)
		if err != nil {
			return 0, err
		}

		refs = append(refs, descendants...)
	}

	if len(refs) == 0 {
		return 0, nil
	}

	if err := e.st.Tombstone(refs...); err != nil {
		return 0, err
	}

	e.logger.Info("tombstoned entities removed remotely",
		slog.String("kind", string(a.Kind)),
		slog.Int("count", len(refs)),
	)

	return len(refs), nil
}

// descendants lists every local entity owned, directly or transitively,
// by the given entity, mapped or not.
func (e *Engine) descendants(kind models.EntityType, localID string) ([]state.EntityRef, error) {
	var out []state.EntityRef

	for _, child := range e.reg.OwnedChildren(kind) {
		owner, _ := child.Owner()

		recs, err := e.st.Children(child.Kind, owner.LocalField, localID)
		if err != nil {
			return nil, err
		}

		for _, rec := range recs {
			out = append(out, state.EntityRef{Kind: child.Kind, ID: rec.ID})

			sub, err := e.descendants(child.Kind, rec.ID)
			if err != nil {
				return nil, err
			}

			out = append(out, sub...)
		}
	}

	return out, nil
}

// sameJSON reports whether two JSON documents decode to equal values.
func sameJSON(a, b json.RawMessage) bool {
	var va, vb any

	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}

	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}

	return reflect.DeepEqual(va, vb)
}
