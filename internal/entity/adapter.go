// Package entity translates local entity documents to and from the
// backend's representation and orders entity kinds by their parent
// references.
package entity

import (
	"encoding/json"
	"fmt"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/text/unicode/norm"
)

// Resolver translates identifiers between the local and remote id spaces.
// *state.IDMap satisfies it.
type Resolver interface {
	RemoteID(localID string) (string, bool, error)
	LocalID(remoteID string) (string, bool, error)
}

// Field maps a plain (non-reference) local field to its backend name.
type Field struct {
	Local  string
	Remote string
}

// Ref is a field holding the id of another entity. Locally it carries a
// local id, remotely a remote id. Owner marks the reference that places
// the entity in its parent's subtree; an entity has at most one owner.
type Ref struct {
	LocalField  string
	RemoteField string
	Kind        models.EntityType
	Owner       bool
	Optional    bool
}

// Adapter describes one entity kind: its field table, its parent
// references and whether the backend offers a direct create for it.
type Adapter struct {
	Kind         models.EntityType
	Fields       []Field
	Refs         []Ref
	DirectCreate bool
}

// Owner returns the owning reference, if the kind has one.
func (a *Adapter) Owner() (Ref, bool) {
	for _, r := range a.Refs {
		if r.Owner {
			return r, true
		}
	}

	return Ref{}, false
}

// ChildFilter is the remote list filter selecting children of the given
// parent through this kind's owner reference.
func (a *Adapter) ChildFilter(parentRemoteID string) models.ListFilter {
	owner, ok := a.Owner()
	if !ok {
		return models.ListFilter{}
	}

	return models.ListFilter{Field: owner.RemoteField, Value: parentRemoteID}
}

// OwnerID returns the local owner id recorded in a local document.
func (a *Adapter) OwnerID(fields json.RawMessage) string {
	owner, ok := a.Owner()
	if !ok {
		return ""
	}

	return gjson.GetBytes(fields, gjson.Escape(owner.LocalField)).String()
}

// ToRemote builds the backend payload for a local document or patch.
// Unknown fields are dropped, known fields are renamed and string values
// are NFC normalized. References are translated to remote ids; an
// unmapped required parent fails with ErrParentNotSynced and an unmapped
// optional one is omitted. References absent from a partial update patch
// are left out.
func (a *Adapter) ToRemote(payload json.RawMessage, r Resolver) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: %s payload is not valid JSON", errs.ErrInvalidPayload, a.Kind)
	}

	out := []byte("{}")

	for _, f := range a.Fields {
		v := gjson.GetBytes(payload, gjson.Escape(f.Local))
		if !v.Exists() {
			continue
		}

		var err error
		if v.Type == gjson.String {
			out, err = sjson.SetBytes(out, f.Remote, norm.NFC.String(v.String()))
		} else {
			out, err = sjson.SetRawBytes(out, f.Remote, []byte(v.Raw))
		}

		if err != nil {
			return nil, fmt.Errorf("writing %s.%s: %w", a.Kind, f.Remote, err)
		}
	}

	for _, ref := range a.Refs {
		v := gjson.GetBytes(payload, gjson.Escape(ref.LocalField))
		if !v.Exists() {
			continue
		}

		localID := v.String()
		if localID == "" {
			if ref.Optional {
				continue
			}

			return nil, fmt.Errorf("%w: %s.%s is empty", errs.ErrParentNotSynced, a.Kind, ref.LocalField)
		}

		remoteID, ok, err := r.RemoteID(localID)
		if err != nil {
			return nil, fmt.Errorf("resolving %s %s: %w", ref.Kind, localID, err)
		}

		if !ok {
			if ref.Optional {
				continue
			}

			return nil, fmt.Errorf("%w: %s %s", errs.ErrParentNotSynced, ref.Kind, localID)
		}

		out, err = sjson.SetBytes(out, ref.RemoteField, remoteID)
		if err != nil {
			return nil, fmt.Errorf("writing %s.%s: %w", a.Kind, ref.RemoteField, err)
		}
	}

	return out, nil
}

// ToLocal builds the local document for a remote entity. It is the
// reverse of ToRemote: backend fields are renamed back and remote parent
// ids are translated to local ids.
func (a *Adapter) ToLocal(remote models.RemoteEntity, r Resolver) (json.RawMessage, error) {
	src := remote.Fields
	if len(src) == 0 {
		src = json.RawMessage("{}")
	}

	out := []byte("{}")

	for _, f := range a.Fields {
		v := gjson.GetBytes(src, gjson.Escape(f.Remote))
		if !v.Exists() {
			continue
		}

		var err error

		out, err = sjson.SetRawBytes(out, f.Local, []byte(v.Raw))
		if err != nil {
			return nil, fmt.Errorf("writing %s.%s: %w", a.Kind, f.Local, err)
		}
	}

	for _, ref := range a.Refs {
		remoteID := gjson.GetBytes(src, gjson.Escape(ref.RemoteField)).String()
		if remoteID == "" {
			if ref.Optional {
				continue
			}

			return nil, fmt.Errorf("%w: remote %s %s has no %s", errs.ErrInvalidPayload, a.Kind, remote.ID, ref.RemoteField)
		}

		localID, ok, err := r.LocalID(remoteID)
		if err != nil {
			return nil, fmt.Errorf("resolving remote %s %s: %w", ref.Kind, remoteID, err)
		}

		if !ok {
			if ref.Optional {
				continue
			}

			return nil, fmt.Errorf("%w: remote %s %s", errs.ErrParentNotSynced, ref.Kind, remoteID)
		}

		out, err = sjson.SetBytes(out, ref.LocalField, localID)
		if err != nil {
			return nil, fmt.Errorf("writing %s.%s: %w", a.Kind, ref.LocalField, err)
		}
	}

	return out, nil
}
