package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
)

// pushOutcome describes what pushing one queue item did.
type pushOutcome int

const (
	// pushedRemote means the backend accepted a create, update or delete.
	pushedRemote pushOutcome = iota

	// pushedNoop means the item was settled locally without a remote
	// call: a create already mapped, or a delete of a never-pushed entity.
	pushedNoop
)

// sortForPush orders items parents first, then creates before updates
// before deletes, then by queue position.
func (e *Engine) sortForPush(items []models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := e.reg.Rank(items[i].EntityType), e.reg.Rank(items[j].EntityType)
		if ri != rj {
			return ri < rj
		}

		oi, oj := items[i].Operation.Rank(), items[j].Operation.Rank()
		if oi != oj {
			return oi < oj
		}

		return items[i].ID < items[j].ID
	})
}

// push sends every pending queue item to the backend. A failing item is
// marked failed and the batch continues; its error is returned in the
// list.
func (e *Engine) push(ctx context.Context, b Backend) (int, []string) {
	items, err := e.st.Queue().Pending()
	if err != nil {
		return 0, []string{fmt.Sprintf("reading queue: %v", err)}
	}

	e.sortForPush(items)

	var (
		pushed  int
		errList []string
	)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		outcome, err := e.pushItem(ctx, b, item)
		if err != nil {
			errList = append(errList, e.failItem(item, err))
			continue
		}

		if outcome == pushedRemote {
			pushed++
		}
	}

	return pushed, errList
}

// failItem records a failed attempt and returns the message for the
// cycle's error list.
func (e *Engine) failItem(item models.QueueItem, cause error) string {
	msg := fmt.Sprintf("%s %s %s: %v", item.Operation, item.EntityType, item.EntityID, cause)

	updated, err := e.st.Queue().MarkFailed(item.ID, cause.Error())
	if err != nil {
		e.logger.Error("recording push failure",
			slog.String("item", item.ID),
			slog.String("error", err.Error()),
		)

		return msg
	}

	attrs := []any{
		slog.String("kind", string(item.EntityType)),
		slog.String("entity_id", item.EntityID),
		slog.String("op", string(item.Operation)),
		slog.Int("retry_count", updated.RetryCount),
		slog.String("error", cause.Error()),
	}

	if updated.Status == models.QueueFailed {
		e.logger.Warn("queue item reached retry ceiling", attrs...)
	} else {
		e.logger.Info("push failed, will retry", attrs...)
	}

	return msg
}

func (e *Engine) pushItem(ctx context.Context, b Backend, item models.QueueItem) (pushOutcome, error) {
	adapter, err := e.reg.Adapter(item.EntityType)
	if err != nil {
		return pushedNoop, err
	}

	ids := e.st.IDMap()

	remoteID, mapped, err := ids.RemoteID(item.EntityID)
	if err != nil {
		return pushedNoop, fmt.Errorf("reading mapping: %w", err)
	}

	switch item.Operation {
	case models.OpCreate:
		if mapped {
			// Already pushed; a crash or a full sync got there first.
			return pushedNoop, e.st.Queue().Remove(item.ID)
		}

		fields, err := adapter.ToRemote(item.Payload, ids)
		if err != nil {
			return pushedNoop, err
		}

		newID, err := b.Create(ctx, item.EntityType, fields)
		if err != nil {
			return pushedNoop, err
		}

		removed, err := e.st.CompletePush(item, &models.IDMapping{
			LocalID:    item.EntityID,
			RemoteID:   newID,
			EntityType: item.EntityType,
		})
		if err != nil {
			return pushedNoop, fmt.Errorf("recording mapping for %s: %w", newID, err)
		}

		if !removed {
			e.logger.Debug("create changed in flight, queued as update",
				slog.String("kind", string(item.EntityType)),
				slog.String("local_id", item.EntityID),
			)
		}

		e.logger.Debug("created remote entity",
			slog.String("kind", string(item.EntityType)),
			slog.String("local_id", item.EntityID),
			slog.String("remote_id", newID),
		)

		return pushedRemote, nil

	case models.OpUpdate:
		if !mapped {
			return pushedNoop, fmt.Errorf("%w: %s %s", errs.ErrNotSynced, item.EntityType, item.EntityID)
		}

		fields, err := adapter.ToRemote(item.Payload, ids)
		if err != nil {
			return pushedNoop, err
		}

		if err := b.Update(ctx, item.EntityType, remoteID, fields); err != nil {
			return pushedNoop, err
		}

		if _, err := e.st.CompletePush(item, nil); err != nil {
			return pushedRemote, err
		}

		return pushedRemote, nil

	case models.OpDelete:
		if !mapped {
			return pushedNoop, e.st.Queue().Remove(item.ID)
		}

		err := b.Remove(ctx, item.EntityType, remoteID)
		if err != nil && !errors.Is(err, errs.ErrRemoteNotFound) {
			return pushedNoop, err
		}

		if _, err := e.st.CompleteDelete(item); err != nil {
			return pushedRemote, err
		}

		return pushedRemote, nil

	default:
		return pushedNoop, fmt.Errorf("%w: unknown operation %q", errs.ErrInvalidPayload, item.Operation)
	}
}
