package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/liftsync/internal/models"
)

// pushUnmapped creates remotely every local entity that has no mapping
// yet, walking kinds in dependency order so parents get their remote ids
// before their children are translated. Kinds with a direct create use
// it.
func (e *Engine) pushUnmapped(ctx context.Context, b Backend) (int, []string) {
	var (
		pushed  int
		errList []string
	)

	ids := e.st.IDMap()

	for _, kind := range e.reg.Order() {
		a, err := e.reg.Adapter(kind)
		if err != nil {
			errList = append(errList, err.Error())
			continue
		}

		recs, err := e.st.List(kind)
		if err != nil {
			errList = append(errList, fmt.Sprintf("listing local %s: %v", kind, err))
			continue
		}

		for _, rec := range recs {
			if ctx.Err() != nil {
				return pushed, errList
			}

			if ids.Has(rec.ID) {
				continue
			}

			fields, err := a.ToRemote(rec.Fields, ids)
			if err != nil {
				errList = append(errList, fmt.Sprintf("create %s %s: %v", kind, rec.ID, err))
				continue
			}

			create := b.Create
			if a.DirectCreate {
				create = b.CreateDirect
			}

			remoteID, err := create(ctx, kind, fields)
			if err != nil {
				errList = append(errList, fmt.Sprintf("create %s %s: %v", kind, rec.ID, err))
				continue
			}

			if err := e.recordFullSyncCreate(kind, rec.ID, remoteID); err != nil {
				errList = append(errList, fmt.Sprintf("recording mapping for %s %s: %v", kind, rec.ID, err))
				continue
			}

			pushed++
		}
	}

	return pushed, errList
}

// recordFullSyncCreate stores the mapping of an entity created by a full
// sync. A queued create for it is settled in the same transaction.
func (e *Engine) recordFullSyncCreate(kind models.EntityType, localID, remoteID string) error {
	mapping := &models.IDMapping{LocalID: localID, RemoteID: remoteID, EntityType: kind}

	item, err := e.st.Queue().Get(kind, localID, models.OpCreate)
	if err != nil {
		return err
	}

	if item == nil {
		return e.st.IDMap().Set(localID, remoteID, kind)
	}

	if _, err := e.st.CompletePush(*item, mapping); err != nil {
		return err
	}

	e.logger.Debug("full sync created remote entity",
		slog.String("kind", string(kind)),
		slog.String("local_id", localID),
		slog.String("remote_id", remoteID),
	)

	return nil
}
