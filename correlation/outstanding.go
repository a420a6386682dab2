package correlation

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RequestID identifies an open inbound request by the endpoint it arrived on
// and the canonical correlation key it carried.
type RequestID struct {
	PartnerLink string
	Operation   string
	Key         string
}

// ConflictingRequestError indicates that a selector attempted to open a
// request identity that is already open and awaiting a reply.
type ConflictingRequestError struct {
	RequestID RequestID
}

func (e ConflictingRequestError) Error() string {
	return fmt.Sprintf(
		"conflicting request on %s.%s (key %q)",
		e.RequestID.PartnerLink,
		e.RequestID.Operation,
		e.RequestID.Key,
	)
}

// requestEntry is one open request slot. Until a message is associated it
// represents a waiting selector; afterwards it holds the exchange that a
// reply must be sent on.
type requestEntry struct {
	PartnerLink string `cbor:"1,keyasint"`
	Operation   string `cbor:"2,keyasint"`
	Key         string `cbor:"3,keyasint"`
	ChannelID   string `cbor:"4,keyasint"`
	ExchangeID  string `cbor:"5,keyasint,omitempty"`
}

// OutstandingRequests tracks the open two-way requests of a single process
// instance, so that replies can be matched to the exchange that must carry
// them, and so that a second receive on an already-open request identity can
// be detected as a conflict.
//
// It is owned by the instance and accessed only from the instance's worker,
// so it requires no locking. It is serialized as part of the instance
// snapshot.
type OutstandingRequests struct {
	entries []requestEntry
}

// FindConflict returns the channel of an entry whose request identity
// collides with any of ids, or false if all identities are free.
func (o *OutstandingRequests) FindConflict(ids []RequestID) (string, bool) {
	for _, e := range o.entries {
		for _, id := range ids {
			if e.PartnerLink == id.PartnerLink &&
				e.Operation == id.Operation &&
				e.Key == id.Key {
				return e.ChannelID, true
			}
		}
	}

	return "", false
}

// Register opens a request slot for a waiting selector.
//
// The caller must have checked FindConflict() first; registering a colliding
// identity returns a ConflictingRequestError.
func (o *OutstandingRequests) Register(id RequestID, channelID string) error {
	if _, ok := o.FindConflict([]RequestID{id}); ok {
		return ConflictingRequestError{RequestID: id}
	}

	o.entries = append(o.entries, requestEntry{
		PartnerLink: id.PartnerLink,
		Operation:   id.Operation,
		Key:         id.Key,
		ChannelID:   channelID,
	})

	return nil
}

// Cancel withdraws the selector waiting on channelID, discarding any request
// slots it registered that have not yet received a message.
func (o *OutstandingRequests) Cancel(channelID string) {
	kept := o.entries[:0]
	for _, e := range o.entries {
		if e.ChannelID == channelID && e.ExchangeID == "" {
			continue
		}
		kept = append(kept, e)
	}
	o.entries = kept
}

// Associate records that an inbound two-way message has been delivered to
// the selector waiting on channelID, pinning its exchange so a later reply
// can find it.
//
// Associating with an unknown channel is an error; it indicates the selector
// was cancelled after the route matched.
func (o *OutstandingRequests) Associate(channelID, exchangeID string) error {
	for i := range o.entries {
		if o.entries[i].ChannelID == channelID {
			o.entries[i].ExchangeID = exchangeID
			return nil
		}
	}

	return fmt.Errorf("no outstanding request on channel %q", channelID)
}

// Release consumes the open request on the given endpoint, returning the
// exchange that the reply must be sent on.
//
// It returns false if no message has been associated with that endpoint,
// which renders a reply attempt a missing-request fault.
func (o *OutstandingRequests) Release(partnerLink, operation string) (string, bool) {
	for i, e := range o.entries {
		if e.PartnerLink == partnerLink &&
			e.Operation == operation &&
			e.ExchangeID != "" {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return e.ExchangeID, true
		}
	}

	return "", false
}

// ReleaseAll drops every open request, returning the exchange IDs that had a
// message associated but were never replied to. The caller fails those
// exchanges; the instance has reached a terminal state and no reply will
// ever be produced.
func (o *OutstandingRequests) ReleaseAll() []string {
	var orphaned []string
	for _, e := range o.entries {
		if e.ExchangeID != "" {
			orphaned = append(orphaned, e.ExchangeID)
		}
	}

	o.entries = nil

	return orphaned
}

// MarshalBinary encodes the open requests for inclusion in an instance
// snapshot.
func (o *OutstandingRequests) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(o.entries)
}

// UnmarshalBinary restores the open requests from an instance snapshot.
func (o *OutstandingRequests) UnmarshalBinary(data []byte) error {
	o.entries = nil
	if len(data) == 0 {
		return nil
	}
	return cbor.Unmarshal(data, &o.entries)
}
